package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "s5p_animator"

// Metrics holds the Prometheus counters, histograms, and gauges for an animation run.
type Metrics struct {
	DatesTotal      prometheus.Counter
	FramesRendered  prometheus.Counter
	DatesSkipped    *prometheus.CounterVec // labels: reason={absent,no_data,unauthorized,fetch,decode,render}
	SwathsRejected  prometheus.Counter
	PipelineRunning prometheus.Gauge
	RunDuration     prometheus.Histogram

	// Provider metrics.
	FetchAttempts *prometheus.CounterVec // labels: outcome={success,no_data,unauthorized,error}
	FetchDuration prometheus.Histogram
}

// NewMetrics creates and registers all run metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	prometheus.NewRegistry().MustRegister(m.collectors()...)
	return m
}

func newMetrics() *Metrics {
	return &Metrics{
		DatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dates_total",
			Help:      "Calendar dates dispatched to workers.",
		}),
		FramesRendered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rendered_total",
			Help:      "Frames written to the output directory.",
		}),
		DatesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dates_skipped_total",
			Help:      "Dates that produced no frame, by reason.",
		}, []string{"reason"}),
		SwathsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swaths_rejected_total",
			Help:      "Swaths excluded from a composite because their day index was missing.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while a run is in progress, 0 otherwise.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete fetch-render-assemble run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		FetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Provider fetch attempts by outcome.",
		}, []string{"outcome"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Provider daily raster request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.DatesTotal,
		m.FramesRendered,
		m.DatesSkipped,
		m.SwathsRejected,
		m.PipelineRunning,
		m.RunDuration,
		m.FetchAttempts,
		m.FetchDuration,
	}
}
