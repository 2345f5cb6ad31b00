// Package metrics exposes Prometheus collectors for release lifecycle activity
// and the HTTP API.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chen-liangping/Omni/internal/domain"
)

// Recorder records lifecycle metrics. A nil Recorder discards everything.
type Recorder struct {
	transitions   *prometheus.CounterVec
	reconcile     *prometheus.CounterVec
	notifications *prometheus.CounterVec
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// New registers the lifecycle collectors on reg, reusing collectors that are
// already registered there.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Binding lifecycle commands by operation and outcome",
		}, []string{"operation", "result"}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "lifecycle",
			Name:      "reconcile_changes_total",
			Help:      "Demotions and time-driven activations applied by reconciliation",
		}, []string{"kind"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "webhook",
			Name:      "notifications_total",
			Help:      "Robot notifications by outcome",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "omni",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   latencyBuckets,
		}, []string{"method", "route", "status"}),
	}
	r.transitions = register(reg, r.transitions)
	r.reconcile = register(reg, r.reconcile)
	r.notifications = register(reg, r.notifications)
	r.requests = register(reg, r.requests)
	r.latency = register(reg, r.latency)
	return r
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// Transition counts one lifecycle command outcome.
func (r *Recorder) Transition(operation string, err error) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(operation, Outcome(err)).Inc()
}

// Reconciled counts demotions and activations from one evaluation.
func (r *Recorder) Reconciled(demoted, activations int) {
	if r == nil {
		return
	}
	if demoted > 0 {
		r.reconcile.WithLabelValues("demotion").Add(float64(demoted))
	}
	if activations > 0 {
		r.reconcile.WithLabelValues("activation").Add(float64(activations))
	}
}

// Notification counts one robot notification outcome.
func (r *Recorder) Notification(result string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(result).Inc()
}

// Request counts one served HTTP request and observes its latency.
func (r *Recorder) Request(method, route string, status int, d time.Duration) {
	if r == nil {
		return
	}
	code := strconv.Itoa(status)
	r.requests.WithLabelValues(method, route, code).Inc()
	r.latency.WithLabelValues(method, route, code).Observe(d.Seconds())
}

// Outcome maps an error to a low-cardinality result label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrValidation):
		return "invalid"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "conflict"
	case errors.Is(err, domain.ErrPersistence):
		return "persistence"
	default:
		return "error"
	}
}
