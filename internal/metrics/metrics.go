// Package metrics holds the Prometheus collectors for parley. All
// collectors live on a private registry owned by [Metrics], so a
// process can build as many as it likes (tests do).
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

// Metrics records turn, model, tool and checkpoint activity.
type Metrics struct {
	registry *prometheus.Registry

	turns          *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	turnIterations prometheus.Histogram
	modelCalls     *prometheus.CounterVec
	modelDuration  *prometheus.HistogramVec
	toolCalls      *prometheus.CounterVec
	checkpointOps  *prometheus.CounterVec
	checkpointSize prometheus.Histogram
	activeTurns    prometheus.Gauge
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a turn from input to final answer.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		turnIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_model_invocations",
			Help:      "Model invocations per turn.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 30, 50, 100},
		}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_invocations_total",
			Help:      "Model invocations by selection and result.",
		}, []string{"selection", "result"}),
		modelDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_invocation_duration_seconds",
			Help:      "Latency of a single model invocation.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"selection"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_dispatches_total",
			Help:      "Tool dispatches by tool and result kind.",
		}, []string{"tool", "result"}),
		checkpointOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_operations_total",
			Help:      "Checkpoint bridge operations by kind and result.",
		}, []string{"op", "result"}),
		checkpointSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_snapshot_bytes",
			Help:      "Compressed size of saved thread snapshots.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}),
		activeTurns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_turns",
			Help:      "Turns currently executing.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Number of active goroutines.",
		}, func() float64 { return float64(runtime.NumGoroutine()) }),
		m.turns, m.turnDuration, m.turnIterations,
		m.modelCalls, m.modelDuration,
		m.toolCalls,
		m.checkpointOps, m.checkpointSize,
		m.activeTurns,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// TurnStarted increments the in-flight gauge. Pair with TurnFinished.
func (m *Metrics) TurnStarted() {
	m.activeTurns.Inc()
}

// TurnFinished records a finished turn. outcome is "ok",
// "recovered" or an error kind.
func (m *Metrics) TurnFinished(outcome string, iterations int, elapsed time.Duration) {
	m.activeTurns.Dec()
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(elapsed.Seconds())
	if iterations > 0 {
		m.turnIterations.Observe(float64(iterations))
	}
}

// ObserveModel records one model invocation.
func (m *Metrics) ObserveModel(selection string, elapsed time.Duration, err error) {
	m.modelCalls.WithLabelValues(selection, result(err)).Inc()
	m.modelDuration.WithLabelValues(selection).Observe(elapsed.Seconds())
}

// ObserveTool records one tool dispatch. kind is "" on success.
func (m *Metrics) ObserveTool(tool, kind string) {
	if kind == "" {
		kind = "ok"
	}
	m.toolCalls.WithLabelValues(tool, kind).Inc()
}

// ObserveCheckpoint satisfies checkpoint.Observer.
func (m *Metrics) ObserveCheckpoint(op string, bytes int, _ time.Duration, err error) {
	m.checkpointOps.WithLabelValues(op, result(err)).Inc()
	if op == "save" && err == nil && bytes > 0 {
		m.checkpointSize.Observe(float64(bytes))
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
