package core

import "sync"

// Verdict is an UpdatePolicy's decision for its group.
type Verdict string

const (
	VerdictContinue Verdict = "continue"
	VerdictPaused   Verdict = "paused"
	VerdictRollback Verdict = "rollback"
)

// Unlimited disables rollback for a group.
const Unlimited = -1

// UpdatePolicy is the per-group failure counter shared by every task of the
// group. Rollback is terminal.
type UpdatePolicy struct {
	mu          sync.Mutex
	maxFailures int
	failures    int
	verdict     Verdict
}

func NewUpdatePolicy(maxFailures int) *UpdatePolicy {
	if maxFailures < 0 {
		maxFailures = Unlimited
	}
	return &UpdatePolicy{maxFailures: maxFailures, verdict: VerdictContinue}
}

// Report counts a task outcome and returns the verdict that results from it.
// Failed and TimedOut count as failures.
func (p *UpdatePolicy) Report(o Outcome) Verdict {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !o.countsAsFailure() {
		return p.verdict
	}
	p.failures++
	if p.maxFailures != Unlimited && p.failures > p.maxFailures {
		p.verdict = VerdictRollback
	}
	return p.verdict
}

// Pause stops further dispatch without rolling back.
func (p *UpdatePolicy) Pause() Verdict {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verdict == VerdictContinue {
		p.verdict = VerdictPaused
	}
	return p.verdict
}

// Resume reopens dispatch after Pause.
func (p *UpdatePolicy) Resume() Verdict {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verdict == VerdictPaused {
		p.verdict = VerdictContinue
	}
	return p.verdict
}

func (p *UpdatePolicy) CanDispatch() bool {
	return p.Verdict() == VerdictContinue
}

func (p *UpdatePolicy) Verdict() Verdict {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verdict
}

func (p *UpdatePolicy) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

func (p *UpdatePolicy) MaxFailures() int { return p.maxFailures }
