// Package metrics collects per-module scan counters. Counters live in
// plain maps guarded per module, mirrored into prometheus collectors on
// a private registry for report snapshots.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ModuleMetrics is a point-in-time snapshot of one module's counters.
type ModuleMetrics struct {
	Module         string
	EventsEmitted  int64
	EventsConsumed int64
	Errors         int64
	HandleCalls    int64
	HandleTime     time.Duration
}

// MeanHandleTime is the average duration of one HandleEvent call.
func (m ModuleMetrics) MeanHandleTime() time.Duration {
	if m.HandleCalls == 0 {
		return 0
	}
	return m.HandleTime / time.Duration(m.HandleCalls)
}

type moduleCounters struct {
	mu       sync.Mutex
	emitted  int64
	consumed int64
	errors   int64
	calls    int64
	duration time.Duration
}

// Collector aggregates scan metrics across modules.
type Collector struct {
	mu      sync.RWMutex
	modules map[string]*moduleCounters

	registry       *prometheus.Registry
	eventsEmitted  *prometheus.CounterVec
	eventsConsumed *prometheus.CounterVec
	moduleErrors   *prometheus.CounterVec
	handleDuration *prometheus.HistogramVec
}

// NewCollector builds a collector with its own prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		modules:  make(map[string]*moduleCounters),
		registry: prometheus.NewRegistry(),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sweeper",
			Name:      "events_emitted_total",
			Help:      "Events emitted by module and event type.",
		}, []string{"module", "type"}),
		eventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sweeper",
			Name:      "events_consumed_total",
			Help:      "Events consumed by module.",
		}, []string{"module"}),
		moduleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sweeper",
			Name:      "module_errors_total",
			Help:      "Handler errors by module.",
		}, []string{"module"}),
		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sweeper",
			Name:      "handle_duration_seconds",
			Help:      "HandleEvent latency by module.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"module"}),
	}
	c.registry.MustRegister(c.eventsEmitted, c.eventsConsumed, c.moduleErrors, c.handleDuration)
	return c
}

// Registry exposes the private prometheus registry for report gathering.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) counters(module string) *moduleCounters {
	c.mu.RLock()
	mc := c.modules[module]
	c.mu.RUnlock()
	if mc != nil {
		return mc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if mc = c.modules[module]; mc == nil {
		mc = &moduleCounters{}
		c.modules[module] = mc
	}
	return mc
}

// RecordEmitted counts one emitted event.
func (c *Collector) RecordEmitted(module, eventType string) {
	mc := c.counters(module)
	mc.mu.Lock()
	mc.emitted++
	mc.mu.Unlock()
	c.eventsEmitted.WithLabelValues(module, eventType).Inc()
}

// RecordConsumed counts one consumed event.
func (c *Collector) RecordConsumed(module string) {
	mc := c.counters(module)
	mc.mu.Lock()
	mc.consumed++
	mc.mu.Unlock()
	c.eventsConsumed.WithLabelValues(module).Inc()
}

// RecordError counts one handler error.
func (c *Collector) RecordError(module string) {
	mc := c.counters(module)
	mc.mu.Lock()
	mc.errors++
	mc.mu.Unlock()
	c.moduleErrors.WithLabelValues(module).Inc()
}

// ObserveHandle records the duration of one HandleEvent call.
func (c *Collector) ObserveHandle(module string, d time.Duration) {
	mc := c.counters(module)
	mc.mu.Lock()
	mc.calls++
	mc.duration += d
	mc.mu.Unlock()
	c.handleDuration.WithLabelValues(module).Observe(d.Seconds())
}

// Module returns a snapshot of one module's counters.
func (c *Collector) Module(module string) ModuleMetrics {
	mc := c.counters(module)
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return ModuleMetrics{
		Module:         module,
		EventsEmitted:  mc.emitted,
		EventsConsumed: mc.consumed,
		Errors:         mc.errors,
		HandleCalls:    mc.calls,
		HandleTime:     mc.duration,
	}
}

// Snapshot returns every module's counters, sorted by module name.
func (c *Collector) Snapshot() []ModuleMetrics {
	c.mu.RLock()
	names := make([]string, 0, len(c.modules))
	for name := range c.modules {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)

	out := make([]ModuleMetrics, 0, len(names))
	for _, name := range names {
		out = append(out, c.Module(name))
	}
	return out
}
