package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CounterSink implements core.Telemetry on top of an OpenTelemetry meter.
// Instruments are created lazily and cached per metric name; counter
// registration failures degrade to no-ops rather than surfacing into the
// pipeline's hot paths.
type CounterSink struct {
	meter metric.Meter

	mu       sync.RWMutex
	counters map[string]metric.Int64Counter
}

// NewCounterSink creates a sink backed by the given meter provider. A nil
// provider falls back to the global one, which is a no-op until the process
// installs an SDK.
func NewCounterSink(provider metric.MeterProvider) *CounterSink {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	return &CounterSink{
		meter:    provider.Meter("github.com/quantrelay/arbcore"),
		counters: make(map[string]metric.Int64Counter),
	}
}

// Counter adds delta to the named counter with the given labels.
func (s *CounterSink) Counter(name string, delta int64, labels map[string]string) {
	counter, err := s.counter(name)
	if err != nil {
		return
	}

	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	counter.Add(context.Background(), delta, metric.WithAttributes(attrs...))
}

func (s *CounterSink) counter(name string) (metric.Int64Counter, error) {
	s.mu.RLock()
	counter, ok := s.counters[name]
	s.mu.RUnlock()
	if ok {
		return counter, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if counter, ok := s.counters[name]; ok {
		return counter, nil
	}

	counter, err := s.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	s.counters[name] = counter
	return counter, nil
}
