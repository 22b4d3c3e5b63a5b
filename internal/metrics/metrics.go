package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mediajob"

// Submission results.
const (
	ResultOK         = "ok"
	ResultValidation = "validation_error"
	ResultAssetSave  = "asset_save_error"
	ResultSubmission = "submission_error"
	ResultRecord     = "record_error"
	ResultConflict   = "conflict"
)

// Metrics holds the process collectors on a private registry.
type Metrics struct {
	Registry    *prometheus.Registry
	Submissions *prometheus.CounterVec
	SubmitDur   *prometheus.HistogramVec
	Callbacks   *prometheus.CounterVec
	SignedURLs  *prometheus.CounterVec
	RequestDur  *prometheus.HistogramVec
}

func New() (*Metrics, error) {
	m := &Metrics{Registry: prometheus.NewRegistry()}
	m.Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submission attempts by source kind and result",
		}, []string{"source", "result"})
	m.SubmitDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_duration_seconds",
			Help:      "Duration of calls to the processing service",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"result"})
	m.Callbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Callback notifications by action and outcome",
		}, []string{"action", "outcome"})
	m.SignedURLs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signed_url_checks_total",
			Help:      "Signed asset fetches by outcome",
		}, []string{"outcome"})
	m.RequestDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_durations_seconds",
			Help:      "Request latency distributions.",
		}, []string{"code", "method"})
	for _, c := range []prometheus.Collector{m.Submissions, m.SubmitDur, m.Callbacks, m.SignedURLs, m.RequestDur} {
		if err := m.Registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MustNew panics on registration errors; for tests and wiring.
func MustNew() *Metrics {
	m, err := New()
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Metrics) ObserveSubmission(source, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(source, result).Inc()
	m.SubmitDur.WithLabelValues(result).Observe(took.Seconds())
}

func (m *Metrics) ObserveCallback(action, outcome string) {
	if m == nil {
		return
	}
	m.Callbacks.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) ObserveSignedURL(outcome string) {
	if m == nil {
		return
	}
	m.SignedURLs.WithLabelValues(outcome).Inc()
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Instrument wraps h with request duration tracking.
func (m *Metrics) Instrument(h http.Handler) http.Handler {
	if m == nil {
		return h
	}
	return promhttp.InstrumentHandlerDuration(m.RequestDur, h)
}
