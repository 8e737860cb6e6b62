// Package metrics holds the Prometheus recorders of the sync pipeline.
// A nil *Sync is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dayboard"

// Sync tracks fetch cycles, retries, deduplicated refreshes, and task
// completions.
type Sync struct {
	fetches     *prometheus.CounterVec
	duration    prometheus.Histogram
	retries     prometheus.Counter
	dedupHits   prometheus.Counter
	discarded   prometheus.Counter
	completions *prometheus.CounterVec
	authEvents  *prometheus.CounterVec
}

// NewSync registers the recorders on reg; nil means the default registerer.
func NewSync(reg prometheus.Registerer) *Sync {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Sync{
		fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "fetch_total",
			Help:      "Completed fetch cycles by outcome",
		}, []string{"outcome"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "fetch_duration_seconds",
			Help:      "Wall time of a fetch cycle including retries",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "retry_total",
			Help:      "Retried fetch attempts",
		}),
		dedupHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "dedup_hits_total",
			Help:      "Refresh calls that joined an in-flight fetch",
		}),
		discarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "discarded_results_total",
			Help:      "Fetch results dropped because the credential changed meanwhile",
		}),
		completions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "completion_total",
			Help:      "Remote task completions by outcome",
		}, []string{"outcome"}),
		authEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Session lifecycle events (login, refresh, logout)",
		}, []string{"event"}),
	}
}

// ObserveFetch records one cycle; outcome is "ok", "partial", "error",
// "auth_error" or "discarded".
func (m *Sync) ObserveFetch(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(outcome).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Sync) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Sync) RecordDedupHit() {
	if m == nil {
		return
	}
	m.dedupHits.Inc()
}

func (m *Sync) RecordDiscarded() {
	if m == nil {
		return
	}
	m.discarded.Inc()
}

func (m *Sync) RecordCompletion(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.completions.WithLabelValues(outcome).Inc()
}

// RecordSession counts a session event such as "login" or "logout".
func (m *Sync) RecordSession(event string) {
	if m == nil {
		return
	}
	m.authEvents.WithLabelValues(event).Inc()
}
