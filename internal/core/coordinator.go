package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/rollout/internal/telemetry"
)

// Transport delivers an operation to the server it addresses. It never
// returns a Cancelled outcome; that kind belongs to the coordinator.
type Transport interface {
	Submit(ctx context.Context, op Operation, timeout time.Duration) Outcome
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, op Operation, timeout time.Duration) Outcome

func (f TransportFunc) Submit(ctx context.Context, op Operation, timeout time.Duration) Outcome {
	return f(ctx, op, timeout)
}

const (
	DefaultTaskTimeout = 5 * time.Minute
	DefaultMaxParallel = 16
)

// Coordinator drives a Plan: groups in order, tasks of a group concurrently,
// rollback when a group's policy says so.
type Coordinator struct {
	transport           Transport
	taskTimeout         time.Duration
	compensationTimeout time.Duration
	maxParallel         int
	collector           *telemetry.Collector
}

type Option func(*Coordinator)

// WithTaskTimeout bounds how long a task may stay in flight before it is
// marked TimedOut.
func WithTaskTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.taskTimeout = d
		}
	}
}

// WithCompensationTimeout bounds each compensating task. It defaults to the
// task timeout.
func WithCompensationTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.compensationTimeout = d
		}
	}
}

// WithMaxParallel caps concurrent tasks within one group.
func WithMaxParallel(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxParallel = n
		}
	}
}

func WithCollector(col *telemetry.Collector) Option {
	return func(c *Coordinator) {
		if col != nil {
			c.collector = col
		}
	}
}

func NewCoordinator(transport Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		transport:   transport,
		taskTimeout: DefaultTaskTimeout,
		maxParallel: DefaultMaxParallel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.compensationTimeout == 0 {
		c.compensationTimeout = c.taskTimeout
	}
	if c.collector == nil {
		c.collector = telemetry.GetGlobal()
	}
	return c
}

// Run executes the plan and returns its result. Group outcomes, including
// rollbacks, are reported in the result; the error is reserved for an invalid
// plan or invariant violations.
func (c *Coordinator) Run(ctx context.Context, plan *Plan) (*PlanResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("validate plan: %w", err)
	}
	if plan.ID == "" {
		plan.ID = NewPlanID()
	}
	start := time.Now()
	results := NewResultHandler(plan.ID, plan.Name)

	groups := make([]GroupResult, len(plan.Groups))
	for i, g := range plan.Groups {
		groups[i] = GroupResult{Name: g.Name, Verdict: VerdictContinue, MaxFailures: NewUpdatePolicy(g.MaxFailures).MaxFailures()}
		for _, t := range g.Tasks {
			groups[i].Servers = append(groups[i].Servers, t.Server())
		}
	}

	log.Info().Str("plan", plan.ID).Str("name", plan.Name).Int("groups", len(plan.Groups)).Msg("Starting update plan")

	status := PlanSucceeded
	var updated []Task
	next := len(plan.Groups)
	for i, g := range plan.Groups {
		if ctx.Err() != nil {
			status = PlanAborted
			next = i
			break
		}
		policy := NewUpdatePolicy(g.MaxFailures)
		succeeded, skipped := c.runGroup(ctx, plan.ID, g, policy, results)

		groups[i].Dispatched = true
		groups[i].Verdict = policy.Verdict()
		groups[i].Failures = policy.Failures()

		log.Info().
			Str("plan", plan.ID).
			Str("group", g.Name).
			Int("succeeded", len(succeeded)).
			Int("failures", groups[i].Failures).
			Str("verdict", string(groups[i].Verdict)).
			Msg("Group drained")

		if plan.GroupScopedRollback {
			updated = succeeded
		} else {
			updated = append(updated, succeeded...)
		}
		if groups[i].Verdict == VerdictRollback {
			status = PlanRolledBack
			next = i + 1
			break
		}
		// A pause only aborts the plan if it left work undispatched.
		if groups[i].Verdict == VerdictPaused && (skipped > 0 || i+1 < len(plan.Groups)) {
			status = PlanAborted
			next = i + 1
			break
		}
	}

	for _, g := range plan.Groups[next:] {
		for _, t := range g.Tasks {
			c.record(results, t.Server(), Cancelled(fmt.Sprintf("plan %s before group %s", status, g.Name)))
		}
	}

	if status == PlanRolledBack {
		c.collector.Counter("rollout_rollbacks_total", 1, map[string]string{"plan": plan.Name})
		c.compensate(ctx, plan.ID, updated, results)
	}

	res, err := results.Finalize(status, groups)
	if err != nil {
		return nil, err
	}
	c.collector.Timer("rollout_plan_duration", time.Since(start), map[string]string{"plan": plan.Name, "status": string(status)})
	log.Info().
		Str("plan", plan.ID).
		Str("status", string(status)).
		Int("success", res.Count(OutcomeSuccess)).
		Int("failed", res.Count(OutcomeFailed)).
		Int("timed_out", res.Count(OutcomeTimedOut)).
		Int("cancelled", res.Count(OutcomeCancelled)).
		Dur("duration", time.Since(start)).
		Msg("Update plan finished")

	if len(res.Violations) > 0 {
		return res, errors.Join(res.Violations...)
	}
	return res, nil
}

// runGroup dispatches every task of the group and waits for all of them to
// reach a terminal outcome. It returns the tasks that succeeded, in completion
// order, and the number of tasks recorded Cancelled without being dispatched.
func (c *Coordinator) runGroup(ctx context.Context, planID string, g Group, policy *UpdatePolicy, results *ResultHandler) ([]Task, int) {
	if len(g.Tasks) == 0 {
		return nil, 0
	}
	workers := c.maxParallel
	if len(g.Tasks) < workers {
		workers = len(g.Tasks)
	}
	log.Info().Str("plan", planID).Str("group", g.Name).Int("servers", len(g.Tasks)).Int("workers", workers).Msg("Dispatching group")

	stop := context.AfterFunc(ctx, func() {
		log.Warn().Str("plan", planID).Str("group", g.Name).Msg("Plan interrupted, pausing group")
		policy.Pause()
	})
	defer stop()

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded []Task
	var skipped int

	for _, task := range g.Tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if !policy.CanDispatch() {
				c.record(results, t.Server(), Cancelled(fmt.Sprintf("group %s verdict %s", g.Name, policy.Verdict())))
				mu.Lock()
				skipped++
				mu.Unlock()
				return
			}
			if out := c.execute(ctx, planID, g.Name, t, policy, results); out.IsSuccess() {
				mu.Lock()
				succeeded = append(succeeded, t)
				mu.Unlock()
			}
		}(task)
	}
	wg.Wait()
	return succeeded, skipped
}

// execute submits one task, records its outcome and reports it to the policy.
func (c *Coordinator) execute(ctx context.Context, planID, group string, t Task, policy *UpdatePolicy, results *ResultHandler) Outcome {
	op := t.Operation()
	start := time.Now()
	out := c.submit(ctx, op, c.taskTimeout)
	c.record(results, t.Server(), out)
	verdict := policy.Report(out)

	labels := map[string]string{"operation": op.Name, "outcome": string(out.Kind)}
	c.collector.Counter("rollout_tasks_total", 1, labels)
	c.collector.Timer("rollout_task_duration", time.Since(start), labels)

	ev := log.Info()
	if !out.IsSuccess() {
		ev = log.Warn().Str("reason", out.Reason)
	}
	ev.Str("plan", planID).
		Str("group", group).
		Str("server", t.Server().String()).
		Str("operation", op.Name).
		Str("outcome", string(out.Kind)).
		Str("verdict", string(verdict)).
		Dur("duration", time.Since(start)).
		Msg("Task finished")
	return out
}

// submit hands op to the transport. In-flight operations are not cancelled
// with the plan context; only the timeout bounds them.
func (c *Coordinator) submit(ctx context.Context, op Operation, timeout time.Duration) Outcome {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	ch := make(chan Outcome, 1)
	go func() {
		ch <- c.transport.Submit(ctx, op, timeout)
	}()
	select {
	case out := <-ch:
		switch out.Kind {
		case OutcomeSuccess, OutcomeFailed, OutcomeTimedOut:
			return out
		default:
			return Failed(fmt.Sprintf("%s: unexpected outcome %q", ErrTransport, out.Kind))
		}
	case <-ctx.Done():
		return TimedOut(fmt.Sprintf("no response from %s within %s", op.Target(), timeout))
	}
}

// compensate undoes successfully updated servers, most recent first.
func (c *Coordinator) compensate(ctx context.Context, planID string, updated []Task, results *ResultHandler) {
	log.Warn().Str("plan", planID).Int("servers", len(updated)).Msg("Rolling back updated servers")
	for i := len(updated) - 1; i >= 0; i-- {
		t := updated[i]
		comp, ok := t.Compensation()
		if !ok {
			log.Warn().Str("plan", planID).Str("server", t.Server().String()).Msg("No compensation available, leaving server as updated")
			continue
		}
		op := comp.Operation()
		out := c.submit(ctx, op, c.compensationTimeout)
		if err := results.RecordCompensation(t.Server(), out); err != nil {
			log.Error().Err(err).Str("plan", planID).Str("server", t.Server().String()).Msg("Record compensation")
		}
		c.collector.Counter("rollout_compensations_total", 1, map[string]string{"operation": op.Name, "outcome": string(out.Kind)})
		ev := log.Info()
		if !out.IsSuccess() {
			ev = log.Error().Str("reason", out.Reason)
		}
		ev.Str("plan", planID).Str("server", t.Server().String()).Str("operation", op.Name).Str("outcome", string(out.Kind)).Msg("Compensation finished")
	}
}

func (c *Coordinator) record(results *ResultHandler, id ServerIdentity, o Outcome) {
	if err := results.Record(id, o); err != nil {
		var v *InvariantViolation
		if !errors.As(err, &v) {
			log.Error().Err(err).Str("server", id.String()).Msg("Record outcome")
		}
	}
}
