package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels the terminal result of a prediction request.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeInvalidImage  Outcome = "invalid_image"
	OutcomeModelNotReady Outcome = "model_not_ready"
	OutcomeInternalError Outcome = "internal_error"
	OutcomeCancelled     Outcome = "cancelled"
)

// Registry owns the process-wide counters for the serving path. It wraps a
// private prometheus registry so tests and multiple instances never collide
// on global collectors, and so the exposition endpoint only shows our
// metrics.
type Registry struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	inference   prometheus.Histogram
	predictions *prometheus.CounterVec
	modelLoaded prometheus.Gauge
}

// NewRegistry creates the registry and registers all collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "petclassifier",
			Name:      "requests_total",
			Help:      "Prediction requests by terminal outcome.",
		}, []string{"outcome"}),
		inference: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "petclassifier",
			Name:      "inference_duration_seconds",
			Help:      "Wall-clock duration of the full prediction path.",
			Buckets:   prometheus.DefBuckets,
		}),
		predictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "petclassifier",
			Name:      "predictions_total",
			Help:      "Successful predictions by class label.",
		}, []string{"class"}),
		modelLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "petclassifier",
			Name:      "model_loaded",
			Help:      "1 when the model artifact is loaded and serving.",
		}),
	}
}

// RecordRequest counts one finished request. Safe under concurrent use; every
// call increments exactly once.
func (r *Registry) RecordRequest(outcome Outcome) {
	r.requests.WithLabelValues(string(outcome)).Inc()
}

// ObserveInference records the latency of one prediction.
func (r *Registry) ObserveInference(d time.Duration) {
	r.inference.Observe(d.Seconds())
}

// RecordPrediction counts one successful prediction for a class.
func (r *Registry) RecordPrediction(class string) {
	r.predictions.WithLabelValues(class).Inc()
}

// SetModelLoaded flips the readiness gauge.
func (r *Registry) SetModelLoaded(loaded bool) {
	if loaded {
		r.modelLoaded.Set(1)
	} else {
		r.modelLoaded.Set(0)
	}
}

// Handler exposes the registry in the prometheus text format. Reads never
// block writers; the client library gathers a consistent snapshot.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
