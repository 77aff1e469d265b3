package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. Pass a nil registerer
// to get unregistered collectors (tests).
type Metrics struct {
	SessionsStarted   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsFailed    prometheus.Counter
	Suspensions       *prometheus.CounterVec
	Resumptions       *prometheus.CounterVec
	Conflicts         prometheus.Counter
	StepDuration      *prometheus.HistogramVec
	SweepExpired      prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "convoflow_sessions_started_total",
			Help: "Workflow sessions created.",
		}),
		SessionsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "convoflow_sessions_completed_total",
			Help: "Workflow sessions that reached completed.",
		}),
		SessionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "convoflow_sessions_failed_total",
			Help: "Workflow sessions that reached failed.",
		}),
		Suspensions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "convoflow_suspensions_total",
			Help: "Suspensions raised, by interaction kind.",
		}, []string{"kind"}),
		Resumptions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "convoflow_resumptions_total",
			Help: "Resumption events delivered, by interaction kind.",
		}, []string{"kind"}),
		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "convoflow_session_conflicts_total",
			Help: "Concurrent-advance conflicts (stale compare-and-swap).",
		}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convoflow_step_duration_seconds",
			Help:    "Wall time per workflow step.",
			Buckets: prometheus.DefBuckets,
		}, []string{"step"}),
		SweepExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "convoflow_sweep_expired_total",
			Help: "Suspended sessions expired by the sweeper.",
		}),
	}
}
