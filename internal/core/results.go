package core

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// PlanStatus is the overall outcome of a plan.
type PlanStatus string

const (
	PlanSucceeded  PlanStatus = "succeeded"
	PlanRolledBack PlanStatus = "rolled_back"
	PlanAborted    PlanStatus = "aborted"
)

// GroupResult summarizes one group after it drained.
type GroupResult struct {
	Name        string           `json:"name"`
	Servers     []ServerIdentity `json:"servers"`
	Verdict     Verdict          `json:"verdict"`
	Failures    int              `json:"failures"`
	MaxFailures int              `json:"max_failures"`
	Dispatched  bool             `json:"dispatched"`
}

// PlanResult is the immutable report produced by ResultHandler.Finalize.
type PlanResult struct {
	ID            string                     `json:"id"`
	Name          string                     `json:"name"`
	Status        PlanStatus                 `json:"status"`
	Outcomes      map[ServerIdentity]Outcome `json:"-"`
	Compensations map[ServerIdentity]Outcome `json:"-"`
	Groups        []GroupResult              `json:"groups"`
	StartedAt     time.Time                  `json:"started_at"`
	CompletedAt   time.Time                  `json:"completed_at"`
	Violations    []error                    `json:"-"`
}

// Count returns how many servers ended with the given outcome kind.
func (r *PlanResult) Count(kind OutcomeKind) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Kind == kind {
			n++
		}
	}
	return n
}

// Servers returns every server with an outcome, sorted by host then server.
func (r *PlanResult) Servers() []ServerIdentity {
	out := make([]ServerIdentity, 0, len(r.Outcomes))
	for id := range r.Outcomes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HostName != out[j].HostName {
			return out[i].HostName < out[j].HostName
		}
		return out[i].ServerName < out[j].ServerName
	})
	return out
}

type eventKind int

const (
	eventRecord eventKind = iota
	eventCompensation
	eventFinalize
)

type resultEvent struct {
	kind    eventKind
	server  ServerIdentity
	outcome Outcome
	status  PlanStatus
	groups  []GroupResult
	reply   chan error
	result  chan *PlanResult
}

// ResultHandler collects the terminal outcome of every dispatched task. A
// single goroutine owns the outcome maps; callers talk to it over a channel.
type ResultHandler struct {
	id      string
	name    string
	started time.Time
	events  chan resultEvent
	done    chan struct{}

	// owned by run
	outcomes      map[ServerIdentity]Outcome
	compensations map[ServerIdentity]Outcome
	violations    []error
}

func NewResultHandler(planID, name string) *ResultHandler {
	h := &ResultHandler{
		id:            planID,
		name:          name,
		started:       time.Now().UTC(),
		events:        make(chan resultEvent),
		done:          make(chan struct{}),
		outcomes:      make(map[ServerIdentity]Outcome),
		compensations: make(map[ServerIdentity]Outcome),
	}
	go h.run()
	return h
}

func (h *ResultHandler) run() {
	for ev := range h.events {
		switch ev.kind {
		case eventRecord:
			ev.reply <- h.record(ev.server, ev.outcome)
		case eventCompensation:
			h.compensations[ev.server] = ev.outcome
			ev.reply <- nil
		case eventFinalize:
			ev.result <- h.snapshot(ev.status, ev.groups)
			close(h.done)
			return
		}
	}
}

func (h *ResultHandler) record(id ServerIdentity, o Outcome) error {
	if existing, ok := h.outcomes[id]; ok {
		v := &InvariantViolation{Server: id, Existing: existing, Attempted: o}
		h.violations = append(h.violations, v)
		log.Error().
			Str("plan", h.id).
			Str("server", id.String()).
			Str("existing", existing.String()).
			Str("attempted", o.String()).
			Msg("Outcome recorded twice, keeping the first")
		return v
	}
	h.outcomes[id] = o
	return nil
}

func (h *ResultHandler) snapshot(status PlanStatus, groups []GroupResult) *PlanResult {
	res := &PlanResult{
		ID:            h.id,
		Name:          h.name,
		Status:        status,
		Outcomes:      make(map[ServerIdentity]Outcome, len(h.outcomes)),
		Compensations: make(map[ServerIdentity]Outcome, len(h.compensations)),
		Groups:        make([]GroupResult, len(groups)),
		StartedAt:     h.started,
		CompletedAt:   time.Now().UTC(),
		Violations:    append([]error(nil), h.violations...),
	}
	for k, v := range h.outcomes {
		res.Outcomes[k] = v
	}
	for k, v := range h.compensations {
		res.Compensations[k] = v
	}
	for i, g := range groups {
		g.Servers = append([]ServerIdentity(nil), g.Servers...)
		res.Groups[i] = g
	}
	return res
}

func (h *ResultHandler) send(ev resultEvent) error {
	select {
	case h.events <- ev:
	case <-h.done:
		return ErrFinalized
	}
	return <-ev.reply
}

// Record stores the terminal outcome of a server. A second outcome for the
// same server is rejected with an *InvariantViolation and the first is kept.
func (h *ResultHandler) Record(id ServerIdentity, o Outcome) error {
	return h.send(resultEvent{kind: eventRecord, server: id, outcome: o, reply: make(chan error, 1)})
}

// RecordCompensation stores the outcome of a rollback task for a server.
func (h *ResultHandler) RecordCompensation(id ServerIdentity, o Outcome) error {
	return h.send(resultEvent{kind: eventCompensation, server: id, outcome: o, reply: make(chan error, 1)})
}

// Finalize stops the handler and returns the plan snapshot. It must be called
// once, after every dispatched task is terminal.
func (h *ResultHandler) Finalize(status PlanStatus, groups []GroupResult) (*PlanResult, error) {
	ev := resultEvent{kind: eventFinalize, status: status, groups: groups, result: make(chan *PlanResult, 1)}
	select {
	case h.events <- ev:
	case <-h.done:
		return nil, ErrFinalized
	}
	return <-ev.result, nil
}
