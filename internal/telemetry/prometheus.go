package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AgentOperationsTotal counts operations executed by the agent.
var AgentOperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rollout_agent_operations_total",
		Help: "Total operations executed by the agent",
	},
	[]string{"operation", "outcome"},
)

// AgentOperationDuration tracks how long operations take on the agent.
var AgentOperationDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "rollout_agent_operation_duration_seconds",
		Help:    "Duration of operations executed by the agent",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	},
	[]string{"operation"},
)

// AgentRejectedTotal counts requests refused before execution.
var AgentRejectedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rollout_agent_rejected_total",
		Help: "Total agent requests rejected before execution",
	},
	[]string{"reason"},
)
