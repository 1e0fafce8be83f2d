package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type componentStat struct {
	warns  int64
	errors int64
}

var (
	signalsEmitted  int64
	riskApproved    int64
	riskRejected    int64
	ordersFilled    int64
	ordersPartial   int64
	ordersOpen      int64
	ordersCancelled int64
	ordersRejected  int64
	feedErrors      int64
	components      sync.Map // map[string]*componentStat
)

func componentStats(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentStats(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentStats(component).errors, 1)
}

func IncrementSignal() {
	atomic.AddInt64(&signalsEmitted, 1)
}

// IncrementRiskDecision counts risk gate outcomes; reduced sizes count as approved.
func IncrementRiskDecision(approved bool) {
	if approved {
		atomic.AddInt64(&riskApproved, 1)
		return
	}
	atomic.AddInt64(&riskRejected, 1)
}

// IncrementOrder counts an order outcome by its status name.
func IncrementOrder(status string) {
	switch status {
	case "filled":
		atomic.AddInt64(&ordersFilled, 1)
	case "partially_filled":
		atomic.AddInt64(&ordersPartial, 1)
	case "open":
		atomic.AddInt64(&ordersOpen, 1)
	case "cancelled":
		atomic.AddInt64(&ordersCancelled, 1)
	case "rejected":
		atomic.AddInt64(&ordersRejected, 1)
	}
}

func IncrementFeedError() {
	atomic.AddInt64(&feedErrors, 1)
}

// StartReport begins periodic logging of trading counters until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func reportFields() Fields {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	perComponent := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		perComponent[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&cs.warns),
			"errors": atomic.LoadInt64(&cs.errors),
		}
		return true
	})

	return Fields{
		"signals":          atomic.LoadInt64(&signalsEmitted),
		"risk_approved":    atomic.LoadInt64(&riskApproved),
		"risk_rejected":    atomic.LoadInt64(&riskRejected),
		"orders_filled":    atomic.LoadInt64(&ordersFilled),
		"orders_partial":   atomic.LoadInt64(&ordersPartial),
		"orders_open":      atomic.LoadInt64(&ordersOpen),
		"orders_cancelled": atomic.LoadInt64(&ordersCancelled),
		"orders_rejected":  atomic.LoadInt64(&ordersRejected),
		"feed_errors":      atomic.LoadInt64(&feedErrors),
		"goroutines":       runtime.NumGoroutine(),
		"heap_mb":          int64(mem.HeapAlloc) / 1024 / 1024,
		"components":       perComponent,
	}
}

func logReport(ctx context.Context, log *Log) {
	fields := reportFields()
	log.WithComponent("report").WithFields(fields).Info("trading report")

	counters := []string{
		"signals", "risk_approved", "risk_rejected",
		"orders_filled", "orders_partial", "orders_open",
		"orders_cancelled", "orders_rejected", "feed_errors",
	}
	data := make([]cwtypes.MetricDatum, 0, len(counters)+1)
	for _, name := range counters {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(fields[name].(int64))),
		})
	}
	data = append(data, cwtypes.MetricDatum{
		MetricName: aws.String("heap_mb"),
		Unit:       cwtypes.StandardUnitMegabytes,
		Value:      aws.Float64(float64(fields["heap_mb"].(int64))),
	})

	publishMetrics(ctx, data)
}
