package metrics

import (
	"sync"
	"time"

	"tradeflow/logger"
)

// Metric is a structured metric event emitted by a component.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// MetricHandler consumes metric events, e.g. to forward them to tests or sinks.
type MetricHandler func(Metric)

type MetricHandlerID uint64

var (
	handlersMu sync.RWMutex
	handlers   = make(map[MetricHandlerID]MetricHandler)
	nextID     MetricHandlerID
)

// RegisterMetricHandler returns 0 for a nil handler.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}

	handlersMu.Lock()
	defer handlersMu.Unlock()

	nextID++
	handlers[nextID] = handler
	return nextID
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	handlersMu.Lock()
	delete(handlers, id)
	handlersMu.Unlock()
}

// EmitMetric logs the metric (which also publishes numeric values to
// CloudWatch when configured) and hands a copy to every registered handler.
func EmitMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	event := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    copyFields(fields),
	}

	log.LogMetric(component, name, value, metricType, copyFields(fields))
	dispatch(event)
}

func dispatch(event Metric) {
	handlersMu.RLock()
	targets := make([]MetricHandler, 0, len(handlers))
	for _, h := range handlers {
		targets = append(targets, h)
	}
	handlersMu.RUnlock()

	for _, h := range targets {
		h(event)
	}
}

func copyFields(fields logger.Fields) logger.Fields {
	out := make(logger.Fields, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
