package metrics

import (
	"net/http"
	"time"

	"github.com/cyclopcam/classpie/pkg/perfstats"
	"github.com/cyclopcam/classpie/pkg/tally"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Results of a prediction request, used as the "result" label
const (
	ResultOK               = "ok"
	ResultUnreadableInput  = "unreadable_input"
	ResultModelUnavailable = "model_unavailable"
	ResultFailed           = "failed"
)

// Metrics holds the counters of the classpie server
type Metrics struct {
	Inference perfstats.TimeAccumulator
	Render    perfstats.TimeAccumulator

	registry          *prometheus.Registry
	predictions       *prometheus.CounterVec
	units             prometheus.Counter
	detections        *prometheus.CounterVec
	inferenceDuration prometheus.Histogram
}

// New creates a new Metrics instance with its own prometheus registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	m.predictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "classpie_predictions_total",
		Help: "Prediction requests, by result",
	}, []string{"result"})
	m.registry.MustRegister(m.predictions)

	m.units = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "classpie_units_total",
		Help: "Video units (frames) processed by the model",
	})
	m.registry.MustRegister(m.units)

	m.detections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "classpie_detections_total",
		Help: "Counted detections, by class",
	}, []string{"class"})
	m.registry.MustRegister(m.detections)

	m.inferenceDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "classpie_inference_seconds",
		Help:    "Time taken to run the model over one video",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
	m.registry.MustRegister(m.inferenceDuration)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "classpie_inference_average_seconds",
			Help: "Average time taken to run the model over one video",
		},
		func() float64 { return m.Inference.Average().Seconds() },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "classpie_render_average_seconds",
			Help: "Average time taken to draw a chart",
		},
		func() float64 { return m.Render.Average().Seconds() },
	))

	// Make every label show up from the start, instead of only after its first increment
	for _, r := range []string{ResultOK, ResultUnreadableInput, ResultModelUnavailable, ResultFailed} {
		m.predictions.WithLabelValues(r)
	}
	for _, name := range tally.CategoryNames() {
		m.detections.WithLabelValues(name)
	}
}

// ObservePrediction records a successful run over one video
func (m *Metrics) ObservePrediction(res *tally.Result, elapsed time.Duration) {
	m.Inference.AddSample(elapsed)
	m.inferenceDuration.Observe(elapsed.Seconds())
	m.predictions.WithLabelValues(ResultOK).Inc()
	m.units.Add(float64(res.Units))
	for _, cat := range tally.Categories {
		if n := res.Counts.Get(cat); n != 0 {
			m.detections.WithLabelValues(cat.String()).Add(float64(n))
		}
	}
}

// ObserveFailure records a failed prediction
func (m *Metrics) ObserveFailure(result string) {
	m.predictions.WithLabelValues(result).Inc()
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
