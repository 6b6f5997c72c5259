package bus

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// InstrumentedBus wraps a Bus with per-topic prometheus metrics: publish
// counts, drop counts, handler latency.
type InstrumentedBus struct {
	inner *MemoryBus

	published *prometheus.CounterVec
	dropped   prometheus.CounterFunc
	latency   *prometheus.HistogramVec
}

// NewInstrumentedBus wraps inner and registers its metrics on reg.
func NewInstrumentedBus(inner *MemoryBus, reg prometheus.Registerer) *InstrumentedBus {
	b := &InstrumentedBus{
		inner: inner,
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rice_bus_published_total",
			Help: "Events published per topic.",
		}, []string{"topic"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rice_bus_handler_seconds",
			Help:    "Event handler latency per topic.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
	}
	b.dropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "rice_bus_dropped_total",
		Help: "Events dropped due to subscriber queue overflow.",
	}, func() float64 { return float64(inner.Dropped()) })

	if reg != nil {
		reg.MustRegister(b.published, b.dropped, b.latency)
	}
	return b
}

// Publish implements Bus.
func (b *InstrumentedBus) Publish(topic string, payload any) {
	b.published.WithLabelValues(topic).Inc()
	b.inner.Publish(topic, payload)
}

// Subscribe implements Bus, timing each handler invocation.
func (b *InstrumentedBus) Subscribe(ctx context.Context, topic string, handler Handler) {
	obs := b.latency.WithLabelValues(topic)
	b.inner.Subscribe(ctx, topic, func(ctx context.Context, ev Event) error {
		start := time.Now()
		err := handler(ctx, ev)
		obs.Observe(time.Since(start).Seconds())
		return err
	})
}

// Close implements Bus.
func (b *InstrumentedBus) Close(ctx context.Context) error {
	return b.inner.Close(ctx)
}
