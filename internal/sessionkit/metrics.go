package sessionkit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Session lifecycle events counted by MetricsRecorder implementations.
const (
	MetricLoginSuccess       = "login.success"
	MetricLoginFailure       = "login.failure"
	MetricRefreshSuccess     = "refresh.success"
	MetricRefreshFailure     = "refresh.failure"
	MetricLogout             = "logout"
	MetricLogoutAllDevices   = "logout.all_devices"
	MetricSessionEvicted     = "session.evicted"
	MetricSessionEvictFailed = "session.evict_failed"
	MetricAccountRegistered  = "account.registered"
	MetricAccountDeleted     = "account.deleted"
	MetricPublishFailed      = "event.publish_failed"
	MetricStaleIndexCleaned  = "refresh_store.stale_cleaned"
)

// MetricsRecorder increments counters for session events.
type MetricsRecorder interface {
	Increment(event string)
	Add(event string, delta int64)
}

// NopMetrics discards every event.
type NopMetrics struct{}

// Increment does nothing.
func (NopMetrics) Increment(string) {}

// Add does nothing.
func (NopMetrics) Add(string, int64) {}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.Add(event, 1)
}

// Add increases the counter for the given event by delta.
func (recorder *CounterMetrics) Add(event string, delta int64) {
	if delta <= 0 {
		return
	}
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event] += delta
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// PrometheusMetrics exports session events as a labelled counter vector.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers the session_events_total collector with registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) (*PrometheusMetrics, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessiond",
		Name:      "session_events_total",
		Help:      "Session lifecycle events by kind.",
	}, []string{"event"})
	if registerer != nil {
		if err := registerer.Register(events); err != nil {
			return nil, err
		}
	}
	return &PrometheusMetrics{events: events}, nil
}

// Increment increases the counter for the given event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}

// Add increases the counter for the given event by delta.
func (recorder *PrometheusMetrics) Add(event string, delta int64) {
	if delta <= 0 {
		return
	}
	recorder.events.WithLabelValues(event).Add(float64(delta))
}

// Collector exposes the underlying vector for tests and custom registries.
func (recorder *PrometheusMetrics) Collector() *prometheus.CounterVec {
	return recorder.events
}
