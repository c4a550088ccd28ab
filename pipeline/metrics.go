package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus metrics for the execution core.
//
// Metrics exposed (all namespaced with "pipecore_"):
//
//  1. status_transitions_total (counter): conditional status writes.
//     Labels: to, outcome (applied/noop).
//     Use: watch how often completions and interrupts lose CAS races.
//
//  2. interrupts_total (counter): interrupts reaching a state.
//     Labels: type, state.
//
//  3. advises_total (counter): advises produced by the adviser registry.
//     Labels: adviser, advise.
//
//  4. retries_total (counter): retry attempts created.
//     Labels: step_type.
//
//  5. graph_reconstruct_seconds (histogram): graph reconstruction latency.
//     Labels: mode (tree/adjacency).
//
//  6. dispatch_calls_total (counter): task dispatch calls.
//     Labels: op, outcome (ok/fatal/swallowed).
//
//  7. reconciled_interrupts_total (counter): stale interrupts closed by the
//     background reconciler.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := pipeline.NewMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	transitions *prometheus.CounterVec
	interrupts  *prometheus.CounterVec
	advises     *prometheus.CounterVec
	retries     *prometheus.CounterVec
	reconstruct *prometheus.HistogramVec
	dispatch    *prometheus.CounterVec
	reconciled  prometheus.Counter

	// Registry holds all registered metrics.
	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics creates and registers all execution core metrics with the
// provided registry. A nil registry falls back to
// prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		enabled:  true,
	}

	m.transitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipecore",
		Name:      "status_transitions_total",
		Help:      "Conditional node status writes by target status and outcome",
	}, []string{"to", "outcome"}) // outcome: applied, noop

	m.interrupts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipecore",
		Name:      "interrupts_total",
		Help:      "Interrupts reaching a processing state",
	}, []string{"type", "state"})

	m.advises = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipecore",
		Name:      "advises_total",
		Help:      "Advises produced by the adviser registry",
	}, []string{"adviser", "advise"})

	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipecore",
		Name:      "retries_total",
		Help:      "Retry attempts created for failed node executions",
	}, []string{"step_type"})

	m.reconstruct = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pipecore",
		Name:      "graph_reconstruct_seconds",
		Help:      "Execution graph reconstruction latency",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"mode"})

	m.dispatch = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipecore",
		Name:      "dispatch_calls_total",
		Help:      "Task dispatch calls by operation and outcome",
	}, []string{"op", "outcome"}) // outcome: ok, fatal, swallowed

	m.reconciled = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "pipecore",
		Name:      "reconciled_interrupts_total",
		Help:      "Stale PROCESSING interrupts closed by the reconciler",
	})

	return m
}

func (m *Metrics) on() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// RecordTransition counts a conditional status write.
func (m *Metrics) RecordTransition(to Status, applied bool) {
	if !m.on() {
		return
	}
	outcome := "applied"
	if !applied {
		outcome = "noop"
	}
	m.transitions.WithLabelValues(string(to), outcome).Inc()
}

// RecordInterrupt counts an interrupt reaching state.
func (m *Metrics) RecordInterrupt(t InterruptType, state InterruptState) {
	if !m.on() {
		return
	}
	m.interrupts.WithLabelValues(string(t), string(state)).Inc()
}

// RecordAdvise counts an advise produced by the named adviser.
func (m *Metrics) RecordAdvise(adviser string, advise AdviseType) {
	if !m.on() {
		return
	}
	m.advises.WithLabelValues(adviser, string(advise)).Inc()
}

// IncrementRetries counts a retry attempt created for a step type.
func (m *Metrics) IncrementRetries(stepType string) {
	if !m.on() {
		return
	}
	m.retries.WithLabelValues(stepType).Inc()
}

// ObserveReconstruct records how long a graph reconstruction took.
func (m *Metrics) ObserveReconstruct(mode string, d time.Duration) {
	if !m.on() {
		return
	}
	m.reconstruct.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordDispatch counts a task dispatch call.
func (m *Metrics) RecordDispatch(op, outcome string) {
	if !m.on() {
		return
	}
	m.dispatch.WithLabelValues(op, outcome).Inc()
}

// AddReconciled counts interrupts closed by the reconciler.
func (m *Metrics) AddReconciled(n int) {
	if !m.on() || n <= 0 {
		return
	}
	m.reconciled.Add(float64(n))
}

// Disable temporarily disables metric recording (useful for testing).
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable re-enables metric recording after Disable().
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
