package core

import (
	"sync"
	"testing"
)

func TestPolicyRollbackAfterThreshold(t *testing.T) {
	p := NewUpdatePolicy(1)
	verdicts := []Verdict{
		p.Report(Succeeded()),
		p.Report(Failed("boom")),
		p.Report(Failed("boom")),
	}
	want := []Verdict{VerdictContinue, VerdictContinue, VerdictRollback}
	for i := range want {
		if verdicts[i] != want[i] {
			t.Fatalf("report %d: verdict %s, want %s", i, verdicts[i], want[i])
		}
	}
	if p.Failures() != 2 {
		t.Fatalf("failures %d", p.Failures())
	}
	if p.CanDispatch() {
		t.Fatalf("rollback must stop dispatch")
	}
}

func TestPolicyTimedOutCountsCancelledDoesNot(t *testing.T) {
	p := NewUpdatePolicy(0)
	p.Report(Cancelled("skipped"))
	if p.Verdict() != VerdictContinue || p.Failures() != 0 {
		t.Fatalf("cancelled outcome counted: %s %d", p.Verdict(), p.Failures())
	}
	if p.Report(TimedOut("slow")) != VerdictRollback {
		t.Fatalf("timeout should count as failure")
	}
}

func TestPolicyConcurrentReports(t *testing.T) {
	const limit = 10
	p := NewUpdatePolicy(limit)
	var wg sync.WaitGroup
	for i := 0; i < limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Report(Failed("x"))
		}()
	}
	wg.Wait()
	if p.Verdict() != VerdictContinue || p.Failures() != limit {
		t.Fatalf("after %d failures: %s %d", limit, p.Verdict(), p.Failures())
	}

	results := make(chan Verdict, 2*limit)
	for i := 0; i < 2*limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- p.Report(Failed("x"))
		}()
	}
	wg.Wait()
	close(results)
	for v := range results {
		if v != VerdictRollback {
			t.Fatalf("every report past the threshold must see rollback, got %s", v)
		}
	}
	if p.Failures() != 3*limit {
		t.Fatalf("failures %d", p.Failures())
	}
}

func TestPolicyUnlimited(t *testing.T) {
	p := NewUpdatePolicy(-5)
	if p.MaxFailures() != Unlimited {
		t.Fatalf("negative max should be unlimited, got %d", p.MaxFailures())
	}
	for i := 0; i < 100; i++ {
		p.Report(Failed("x"))
	}
	if p.Verdict() != VerdictContinue {
		t.Fatalf("unlimited policy rolled back")
	}
}

func TestPolicyPauseResume(t *testing.T) {
	p := NewUpdatePolicy(0)
	if p.Pause() != VerdictPaused || p.CanDispatch() {
		t.Fatalf("pause did not stop dispatch")
	}
	if p.Resume() != VerdictContinue || !p.CanDispatch() {
		t.Fatalf("resume did not reopen dispatch")
	}
	p.Report(Failed("x"))
	if p.Pause() != VerdictRollback || p.Resume() != VerdictRollback {
		t.Fatalf("rollback must be terminal")
	}
}
