// Package metrics exposes pipeline counters and gauges in Prometheus format.
// Every method is safe on a nil *Metrics so components can run unmetered.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "snookertracker"

// States lists the supervisor states exported on the state gauge
var States = []string{"idle", "starting", "running", "stopping"}

// Metrics holds the pipeline collectors and the registry they live in
type Metrics struct {
	registry *prometheus.Registry

	FramesRead      prometheus.Counter
	FramesDropped   prometheus.Counter
	FramesProcessed prometheus.Counter
	AnalysisErrors  prometheus.Counter
	AnalysisLatency prometheus.Histogram
	OpenHandles     prometheus.Gauge
	PairStarts      *prometheus.CounterVec
	ErrorsReported  *prometheus.CounterVec
	SupervisorState *prometheus.GaugeVec
	Subscribers     prometheus.Gauge
}

// New creates the collectors and registers them, with Go runtime and process
// collectors, on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		FramesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "frames_read_total",
			Help:      "Frames read from the active video handle",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "frames_dropped_total",
			Help:      "Queued frames discarded to make room for a newer frame",
		}),
		FramesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "frames_processed_total",
			Help:      "Frames successfully analyzed",
		}),
		AnalysisErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "analysis_errors_total",
			Help:      "Frames whose analysis failed",
		}),
		AnalysisLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "analysis_duration_seconds",
			Help:      "Time spent analyzing one frame",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		OpenHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "open_handles",
			Help:      "Video handles currently open (never above 1)",
		}),
		PairStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "pair_starts_total",
			Help:      "Start attempts by outcome",
		}, []string{"outcome"}),
		ErrorsReported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_reported_total",
			Help:      "Error events delivered to the sink by kind",
		}, []string{"kind"}),
		SupervisorState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "state",
			Help:      "1 for the current supervisor state, 0 otherwise",
		}, []string{"state"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "event_subscribers",
			Help:      "Connected event stream clients",
		}),
	}

	m.registry.MustRegister(
		m.FramesRead,
		m.FramesDropped,
		m.FramesProcessed,
		m.AnalysisErrors,
		m.AnalysisLatency,
		m.OpenHandles,
		m.PairStarts,
		m.ErrorsReported,
		m.SupervisorState,
		m.Subscribers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.SetState("idle")
	return m
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FrameRead counts one frame read from a handle
func (m *Metrics) FrameRead() {
	if m != nil {
		m.FramesRead.Inc()
	}
}

// FrameDropped counts one frame discarded by the drop-oldest policy
func (m *Metrics) FrameDropped() {
	if m != nil {
		m.FramesDropped.Inc()
	}
}

// FrameProcessed records one successful analysis and how long it took
func (m *Metrics) FrameProcessed(seconds float64) {
	if m != nil {
		m.FramesProcessed.Inc()
		m.AnalysisLatency.Observe(seconds)
	}
}

// AnalysisFailed counts one failed analysis
func (m *Metrics) AnalysisFailed() {
	if m != nil {
		m.AnalysisErrors.Inc()
	}
}

// HandleOpened tracks a newly opened video handle
func (m *Metrics) HandleOpened() {
	if m != nil {
		m.OpenHandles.Inc()
	}
}

// HandleClosed tracks a released video handle
func (m *Metrics) HandleClosed() {
	if m != nil {
		m.OpenHandles.Dec()
	}
}

// PairStarted counts a start attempt; outcome is "ok", "failed" or "skipped"
func (m *Metrics) PairStarted(outcome string) {
	if m != nil {
		m.PairStarts.WithLabelValues(outcome).Inc()
	}
}

// ErrorReported counts an error event of the given kind
func (m *Metrics) ErrorReported(kind string) {
	if m != nil {
		m.ErrorsReported.WithLabelValues(kind).Inc()
	}
}

// SetState marks state as current on the state gauge
func (m *Metrics) SetState(state string) {
	if m == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SupervisorState.WithLabelValues(s).Set(v)
	}
}

// SetSubscribers records the number of connected event clients
func (m *Metrics) SetSubscribers(n int) {
	if m != nil {
		m.Subscribers.Set(float64(n))
	}
}
