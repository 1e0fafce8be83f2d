// Registers:
//
//	#tradeflow_signals_total{strategy,side}
//	#tradeflow_risk_decisions_total{decision}
//	#tradeflow_orders_total{exchange,side,status}
//	#tradeflow_order_latency_seconds{exchange}
//	#tradeflow_daily_pnl
//	#tradeflow_channel_drops_total{channel}
//	#go_* and process_* system metrics
//
// Serve exposes them on /metrics using the Prometheus HTTP handler.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradeflow/logger"
)

var (
	once           sync.Once
	signalsTotal   *prometheus.CounterVec
	riskDecisions  *prometheus.CounterVec
	ordersTotal    *prometheus.CounterVec
	orderLatency   *prometheus.HistogramVec
	dailyPnL       prometheus.Gauge
	channelDrops   *prometheus.CounterVec
	registryGather prometheus.Gatherer
)

// Init registers the collectors once. Record functions are no-ops until it runs.
func Init() {
	once.Do(func() {
		signalsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeflow_signals_total",
				Help: "Signals emitted by strategies",
			},
			[]string{"strategy", "side"},
		)

		riskDecisions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeflow_risk_decisions_total",
				Help: "Risk manager decisions on signals and orders",
			},
			[]string{"decision"},
		)

		ordersTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeflow_orders_total",
				Help: "Orders by exchange, side and resulting status",
			},
			[]string{"exchange", "side", "status"},
		)

		orderLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradeflow_order_latency_seconds",
				Help:    "Time spent placing an order including retries",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"exchange"},
		)

		dailyPnL = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradeflow_daily_pnl",
			Help: "Realized profit and loss since the last daily reset",
		})

		channelDrops = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeflow_channel_drops_total",
				Help: "Messages dropped because a channel buffer was full",
			},
			[]string{"channel"},
		)

		_ = prometheus.Register(signalsTotal)
		_ = prometheus.Register(riskDecisions)
		_ = prometheus.Register(ordersTotal)
		_ = prometheus.Register(orderLatency)
		_ = prometheus.Register(dailyPnL)
		_ = prometheus.Register(channelDrops)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		registryGather = prometheus.DefaultGatherer
	})
}

// Serve runs the /metrics endpoint on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	Init()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registryGather, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.GetLogger().WithComponent("metrics").WithFields(logger.Fields{"addr": addr}).Info("prometheus endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func IncSignal(strategy, side string) {
	if signalsTotal != nil {
		signalsTotal.WithLabelValues(strategy, side).Inc()
	}
}

func IncRiskDecision(decision string) {
	if riskDecisions != nil {
		riskDecisions.WithLabelValues(decision).Inc()
	}
}

// ObserveOrder counts an order outcome and records how long placement took.
func ObserveOrder(exchange, side, status string, took time.Duration) {
	if ordersTotal != nil {
		ordersTotal.WithLabelValues(exchange, side, status).Inc()
	}
	if orderLatency != nil && took > 0 {
		orderLatency.WithLabelValues(exchange).Observe(took.Seconds())
	}
}

func SetDailyPnL(pnl float64) {
	if dailyPnL != nil {
		dailyPnL.Set(pnl)
	}
}

func incChannelDrop(channel string) {
	if channelDrops != nil {
		channelDrops.WithLabelValues(channel).Inc()
	}
}
