package core

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestResultHandlerRecordsOncePerServer(t *testing.T) {
	h := NewResultHandler("p1", "plan")
	id := ServerIdentity{HostName: "h1", ServerName: "s1"}
	if err := h.Record(id, Succeeded()); err != nil {
		t.Fatalf("record: %v", err)
	}
	err := h.Record(id, Failed("late"))
	var v *InvariantViolation
	if !errors.As(err, &v) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	if v.Server != id || !v.Existing.IsSuccess() || v.Attempted.Kind != OutcomeFailed {
		t.Fatalf("violation %+v", v)
	}

	res, err := h.Finalize(PlanSucceeded, nil)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !res.Outcomes[id].IsSuccess() {
		t.Fatalf("first outcome must be kept, got %s", res.Outcomes[id])
	}
	if len(res.Violations) != 1 {
		t.Fatalf("violations %v", res.Violations)
	}
}

func TestResultHandlerAfterFinalize(t *testing.T) {
	h := NewResultHandler("p1", "plan")
	if _, err := h.Finalize(PlanSucceeded, nil); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	id := ServerIdentity{HostName: "h1", ServerName: "s1"}
	if err := h.Record(id, Succeeded()); !errors.Is(err, ErrFinalized) {
		t.Fatalf("record after finalize: %v", err)
	}
	if err := h.RecordCompensation(id, Succeeded()); !errors.Is(err, ErrFinalized) {
		t.Fatalf("compensation after finalize: %v", err)
	}
	if _, err := h.Finalize(PlanSucceeded, nil); !errors.Is(err, ErrFinalized) {
		t.Fatalf("second finalize: %v", err)
	}
}

func TestResultHandlerConcurrentRecords(t *testing.T) {
	h := NewResultHandler("p1", "plan")
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := ServerIdentity{HostName: fmt.Sprintf("h%d", i%10), ServerName: fmt.Sprintf("s%d", i)}
			if err := h.Record(id, Succeeded()); err != nil {
				t.Errorf("record %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()
	groups := []GroupResult{{Name: "g", Servers: []ServerIdentity{{HostName: "h0", ServerName: "s0"}}}}
	res, err := h.Finalize(PlanSucceeded, groups)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(res.Outcomes) != 200 || res.Count(OutcomeSuccess) != 200 {
		t.Fatalf("outcomes %d", len(res.Outcomes))
	}
	groups[0].Servers[0].ServerName = "mutated"
	if res.Groups[0].Servers[0].ServerName != "s0" {
		t.Fatalf("result shares memory with caller")
	}
	ids := res.Servers()
	if ids[0] != (ServerIdentity{HostName: "h0", ServerName: "s0"}) {
		t.Fatalf("servers not sorted: %v", ids[:3])
	}
}

func TestResultHandlerCompensations(t *testing.T) {
	h := NewResultHandler("p1", "plan")
	id := ServerIdentity{HostName: "h1", ServerName: "s1"}
	_ = h.Record(id, Succeeded())
	if err := h.RecordCompensation(id, Failed("undo failed")); err != nil {
		t.Fatalf("compensation: %v", err)
	}
	res, _ := h.Finalize(PlanRolledBack, nil)
	if !res.Outcomes[id].IsSuccess() || res.Compensations[id].Kind != OutcomeFailed {
		t.Fatalf("outcome %s compensation %s", res.Outcomes[id], res.Compensations[id])
	}
	if res.Status != PlanRolledBack || res.ID != "p1" || res.CompletedAt.Before(res.StartedAt) {
		t.Fatalf("result %+v", res)
	}
}
