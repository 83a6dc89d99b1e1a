package agent

import (
	"time"

	"github.com/3cpo-dev/rollout/internal/core"
)

type HeartbeatResponse struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Version string    `json:"version"`
}

// OperationRequest carries one operation descriptor to the agent.
type OperationRequest struct {
	Operation     core.Operation `json:"op"`
	TimeoutMillis int64          `json:"timeout_ms"`
}

// OperationResponse reports the terminal result of an operation. Outcome is
// one of core.OutcomeSuccess, core.OutcomeFailed or core.OutcomeTimedOut.
type OperationResponse struct {
	Outcome  core.OutcomeKind `json:"outcome"`
	Reason   string           `json:"reason,omitempty"`
	Output   string           `json:"output,omitempty"`
	Duration int64            `json:"duration_ms"`
}
