// Package metrics wraps a prometheus registry with named, idempotent
// registration so SDK components can share one exposition surface.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace prefixes every metric exported by the SDK.
const namespace = "app_functions"

// Built-in metric names.
const (
	MessagesReceivedName        = "messages_received_total"
	InvalidMessagesReceivedName = "invalid_messages_received_total"
	PipelineMessagesProcessed   = "pipeline_messages_processed_total"
	PipelineProcessingErrors    = "pipeline_processing_errors_total"
	PipelineProcessingTime      = "pipeline_message_processing_seconds"
	StoreForwardQueueSize       = "store_forward_queue_size"
)

// PipelineIDLabel is the label distinguishing per-pipeline series.
const PipelineIDLabel = "pipeline"

// Manager owns the registry. Registration is keyed by metric name and
// idempotent: registering the same name twice returns the collector
// already held, so add/remove cycles cannot produce duplicates.
type Manager struct {
	mu         sync.Mutex
	registry   *prometheus.Registry
	registered map[string]prometheus.Collector
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		registry:   prometheus.NewRegistry(),
		registered: make(map[string]prometheus.Collector),
	}
}

// Register adds the collector under the given name. If the name is
// already registered the existing collector is returned and the given
// one is discarded.
func (m *Manager) Register(name string, c prometheus.Collector) (prometheus.Collector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.registered[name]; ok {
		return existing, nil
	}
	if err := m.registry.Register(c); err != nil {
		return nil, err
	}
	m.registered[name] = c
	return c, nil
}

// Unregister removes the named collector. It reports whether the name
// was registered.
func (m *Manager) Unregister(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.registered[name]
	if !ok {
		return false
	}
	m.registry.Unregister(c)
	delete(m.registered, name)
	return true
}

// IsRegistered reports whether the name is registered.
func (m *Manager) IsRegistered(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.registered[name]
	return ok
}

// Registry exposes the underlying registry for gatherers.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler returns the exposition handler for the registry.
func (m *Manager) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewCounter builds a namespaced counter.
func NewCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

// NewCounterVec builds a namespaced counter vector.
func NewCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

// NewHistogramVec builds a namespaced histogram vector with default
// buckets.
func NewHistogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, labels)
}

// NewGauge builds a namespaced gauge.
func NewGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}
