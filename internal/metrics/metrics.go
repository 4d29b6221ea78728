// Package metrics exposes the engine's counters through a Prometheus
// registry served in the standard exposition format.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry accumulates engine counters. A nil receiver and the zero
// value are no-ops so call sites never have to guard.
type Registry struct {
	gatherer *prometheus.Registry

	turnsStarted    prometheus.Counter
	turnsCompleted  prometheus.Counter
	turnsFailed     prometheus.Counter
	turnsAborted    prometheus.Counter
	eventsDecoded   prometheus.Counter
	eventsDropped   prometheus.Counter
	backendRestarts prometheus.Counter
	backendRemovals prometheus.Counter

	pushes       *prometheus.CounterVec
	pushFailures *prometheus.CounterVec
	pushRetries  *prometheus.CounterVec
	pushDuration *prometheus.HistogramVec
}

var Default = NewRegistry()

func NewRegistry() *Registry {
	r := &Registry{
		gatherer: prometheus.NewRegistry(),
		turnsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_turns_started_total", Help: "Total turns started.",
		}),
		turnsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_turns_completed_total", Help: "Total turns completed.",
		}),
		turnsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_turns_failed_total", Help: "Total turns ended in error.",
		}),
		turnsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_turns_aborted_total", Help: "Total turns aborted.",
		}),
		eventsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_events_decoded_total", Help: "Total stream events decoded.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_events_dropped_total", Help: "Total stream events dropped.",
		}),
		backendRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_backend_restarts_total", Help: "Total backend restarts.",
		}),
		backendRemovals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_backend_removals_total", Help: "Total backends removed.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_pushes_total", Help: "Transport pushes per target kind.",
		}, []string{"kind"}),
		pushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_push_failures_total", Help: "Transport push failures.",
		}, []string{"kind"}),
		pushRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_push_retries_total", Help: "Transport pushes that needed more than one attempt.",
		}, []string{"kind"}),
		pushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_push_duration_seconds",
			Help:    "Transport push duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	r.gatherer.MustRegister(
		r.turnsStarted, r.turnsCompleted, r.turnsFailed, r.turnsAborted,
		r.eventsDecoded, r.eventsDropped,
		r.backendRestarts, r.backendRemovals,
		r.pushes, r.pushFailures, r.pushRetries, r.pushDuration,
	)
	return r
}

func (r *Registry) IncTurnStarted() {
	if r == nil || r.turnsStarted == nil {
		return
	}
	r.turnsStarted.Inc()
}

func (r *Registry) IncTurnCompleted() {
	if r == nil || r.turnsCompleted == nil {
		return
	}
	r.turnsCompleted.Inc()
}

func (r *Registry) IncTurnFailed() {
	if r == nil || r.turnsFailed == nil {
		return
	}
	r.turnsFailed.Inc()
}

func (r *Registry) IncTurnAborted() {
	if r == nil || r.turnsAborted == nil {
		return
	}
	r.turnsAborted.Inc()
}

func (r *Registry) IncEventDecoded() {
	if r == nil || r.eventsDecoded == nil {
		return
	}
	r.eventsDecoded.Inc()
}

func (r *Registry) IncEventDropped() {
	if r == nil || r.eventsDropped == nil {
		return
	}
	r.eventsDropped.Inc()
}

func (r *Registry) IncBackendRestart() {
	if r == nil || r.backendRestarts == nil {
		return
	}
	r.backendRestarts.Inc()
}

func (r *Registry) IncBackendRemoved() {
	if r == nil || r.backendRemovals == nil {
		return
	}
	r.backendRemovals.Inc()
}

// RecordPush tracks one transport push per target kind ("intermediate"
// or "final").
func (r *Registry) RecordPush(kind string, duration time.Duration, err error, attempt int) {
	if r == nil || r.pushes == nil {
		return
	}
	if strings.TrimSpace(kind) == "" {
		kind = "unknown"
	}
	r.pushes.WithLabelValues(kind).Inc()
	r.pushDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if err != nil {
		r.pushFailures.WithLabelValues(kind).Inc()
	}
	if attempt > 1 {
		r.pushRetries.WithLabelValues(kind).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil || r.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
