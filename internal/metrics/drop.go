package metrics

import "tradeflow/logger"

// DropMetric names the metric emitted when a channel message is dropped.
type DropMetric string

const (
	// DropMetricSignal records signals dropped because the order worker lagged.
	DropMetricSignal DropMetric = "signals_dropped"
	// DropMetricConflict records signal pairs discarded for disagreeing on side.
	DropMetricConflict DropMetric = "conflicting_signals_dropped"
	// DropMetricTrade records journal rows dropped while the buffer was full.
	DropMetricTrade DropMetric = "trades_dropped"
)

// EmitDropMetric records one dropped message. Exchange, symbol and stage are
// attached as fields when non-empty.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, symbol, stage string) {
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	incChannelDrop(string(metric))
	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
