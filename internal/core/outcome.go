package core

import (
	"context"
	"errors"
	"fmt"
)

// OutcomeKind is the terminal state of one dispatched task.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeTimedOut  OutcomeKind = "timed_out"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is the terminal result of a task.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Reason string      `json:"reason,omitempty"`
}

func Succeeded() Outcome                { return Outcome{Kind: OutcomeSuccess} }
func Failed(reason string) Outcome      { return Outcome{Kind: OutcomeFailed, Reason: reason} }
func TimedOut(reason string) Outcome    { return Outcome{Kind: OutcomeTimedOut, Reason: reason} }
func Cancelled(reason string) Outcome   { return Outcome{Kind: OutcomeCancelled, Reason: reason} }
func (o Outcome) IsSuccess() bool       { return o.Kind == OutcomeSuccess }
func (o Outcome) countsAsFailure() bool { return o.Kind == OutcomeFailed || o.Kind == OutcomeTimedOut }

func (o Outcome) String() string {
	if o.Reason == "" {
		return string(o.Kind)
	}
	return string(o.Kind) + ": " + o.Reason
}

var (
	// ErrTransport marks failures reaching the remote side.
	ErrTransport = errors.New("transport")
	// ErrOperation marks the remote side rejecting the operation.
	ErrOperation = errors.New("operation")
	// ErrFinalized is returned when a result handler is used after Finalize.
	ErrFinalized = errors.New("result handler finalized")
	// ErrInvalidGracefulTimeout rejects timeouts other than -1 or >= 0.
	ErrInvalidGracefulTimeout = errors.New("graceful timeout must be -1 or non-negative")
)

// OutcomeFromError classifies a transport error into a terminal outcome.
// A nil error is a success.
func OutcomeFromError(err error) Outcome {
	switch {
	case err == nil:
		return Succeeded()
	case errors.Is(err, context.DeadlineExceeded):
		return TimedOut(err.Error())
	case errors.Is(err, ErrOperation):
		return Failed(err.Error())
	default:
		if !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return Failed(err.Error())
	}
}

// InvariantViolation reports a programmer error such as recording two
// outcomes for the same server.
type InvariantViolation struct {
	Server    ServerIdentity
	Existing  Outcome
	Attempted Outcome
	Message   string
}

func (v *InvariantViolation) Error() string {
	if v.Message != "" {
		return "invariant violation: " + v.Message
	}
	return fmt.Sprintf("invariant violation: %s already recorded as %q, refusing %q", v.Server, v.Existing, v.Attempted)
}
