package channel

import (
	"context"
	"sync"
	"time"

	"tradeflow/internal/metrics"
	"tradeflow/logger"
	"tradeflow/models"
)

type SignalStats struct {
	Sent    int64
	Dropped int64
}

// Signals buffers strategy output between the pollers and the order worker.
// Sends never block: a full buffer drops the signal and counts it.
type Signals struct {
	C chan models.Signal

	stats      SignalStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewSignals(bufferSize int) *Signals {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	log := logger.GetLogger()
	s := &Signals{
		C:   make(chan models.Signal, bufferSize),
		log: log,
	}

	log.WithComponent("signal_channel").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("signal channel initialized")

	return s
}

// Send reports whether the signal was queued.
func (s *Signals) Send(ctx context.Context, sig models.Signal) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case s.C <- sig:
		s.statsMutex.Lock()
		s.stats.Sent++
		s.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		s.statsMutex.Lock()
		s.stats.Dropped++
		s.statsMutex.Unlock()
		metrics.EmitDropMetric(s.log, metrics.DropMetricSignal, sig.Symbol.Exchange, sig.Symbol.String(), sig.Strategy)
		return false
	}
}

func (s *Signals) GetStats() SignalStats {
	s.statsMutex.RLock()
	defer s.statsMutex.RUnlock()
	return s.stats
}

// Close is safe to call more than once. Senders must have stopped.
func (s *Signals) Close() {
	s.closeOnce.Do(func() {
		close(s.C)
		s.log.WithComponent("signal_channel").WithFields(logger.Fields{
			"sent":    s.GetStats().Sent,
			"dropped": s.GetStats().Dropped,
		}).Info("signal channel closed")
	})
}

// StartMetricsReporting emits the buffer length and counters every interval
// until ctx is done.
func (s *Signals) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := s.GetStats()
				metrics.EmitMetric(s.log, "signal_channel", "signal_buffer_length", len(s.C), "gauge", logger.Fields{
					"capacity": cap(s.C),
					"sent":     stats.Sent,
					"dropped":  stats.Dropped,
				})
			}
		}
	}()
}
