package core

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/revoagent/fabric"

// OTelMetrics emits counters and durations through the global
// OpenTelemetry meter provider. Instruments are created lazily and
// cached by name; emission never fails the caller.
type OTelMetrics struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

// NewOTelMetrics creates a collector bound to the global meter provider
func NewOTelMetrics() *OTelMetrics {
	return &OTelMetrics{
		meter:      otel.Meter(meterName),
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (o *OTelMetrics) RecordCounter(name string, value float64, labels map[string]string) {
	o.mu.Lock()
	counter, ok := o.counters[name]
	if !ok {
		var err error
		counter, err = o.meter.Float64Counter(name)
		if err != nil {
			o.mu.Unlock()
			return
		}
		o.counters[name] = counter
	}
	o.mu.Unlock()

	counter.Add(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

func (o *OTelMetrics) RecordDuration(name string, d time.Duration, labels map[string]string) {
	o.mu.Lock()
	histogram, ok := o.histograms[name]
	if !ok {
		var err error
		histogram, err = o.meter.Float64Histogram(name, metric.WithUnit("s"))
		if err != nil {
			o.mu.Unlock()
			return
		}
		o.histograms[name] = histogram
	}
	o.mu.Unlock()

	histogram.Record(context.Background(), d.Seconds(), metric.WithAttributes(toAttributes(labels)...))
}

func toAttributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
