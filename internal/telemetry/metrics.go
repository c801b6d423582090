package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine and session counters. Registered on the default registry so the
// promhttp endpoint picks them up without extra wiring.
var (
	TasksGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmnode_tasks_generated_total",
		Help: "Synthetic tasks generated, by task type.",
	}, []string{"type"})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmnode_tasks_completed_total",
		Help: "Tasks confirmed complete by the ledger, by task type and hardware tier.",
	}, []string{"type", "tier"})

	TasksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmnode_tasks_failed_total",
		Help: "Tasks whose ledger completion call failed.",
	})

	ProcessingTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarmnode_tasks_processing",
		Help: "Tasks currently in the processing state.",
	})

	RewardPoints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmnode_reward_points_total",
		Help: "Confirmed reward points accumulated this process lifetime.",
	})

	SessionUptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarmnode_session_uptime_seconds",
		Help: "Elapsed seconds of the current device session, 0 when idle.",
	})

	Takeovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmnode_session_takeovers_total",
		Help: "Times this agent lost a session to another instance.",
	})
)

// RegisterMetrics mounts the Prometheus handler on mux.
func RegisterMetrics(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
