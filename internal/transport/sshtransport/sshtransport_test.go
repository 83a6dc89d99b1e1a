package sshtransport

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/3cpo-dev/rollout/internal/core"
	prov "github.com/3cpo-dev/rollout/internal/providers"
)

func restartOp(t *testing.T, graceful int64) core.Operation {
	t.Helper()
	task, err := core.NewRestartTask(core.ServerIdentity{HostName: "h1", ServerName: "s1"}, graceful)
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	return task.Operation()
}

func TestRestartCommand(t *testing.T) {
	tr := New(Config{RestartCommand: "systemctl restart app@{server}"})
	cmd, err := tr.restartCommand(restartOp(t, 5000))
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	want := `ROLLOUT_GRACEFUL_TIMEOUT_MS='5000' ROLLOUT_SERVER='s1' sh -c 'systemctl restart app@'\''s1'\'''`
	if cmd != want {
		t.Fatalf("command\n got %s\nwant %s", cmd, want)
	}
}

func TestRestartCommandWaitIndefinitely(t *testing.T) {
	tr := New(Config{RestartCommand: "restart"})
	cmd, err := tr.restartCommand(restartOp(t, core.WaitIndefinitely))
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if !strings.Contains(cmd, "ROLLOUT_GRACEFUL_TIMEOUT_MS='-1'") {
		t.Fatalf("command %s", cmd)
	}
}

func TestRestartCommandUnconfigured(t *testing.T) {
	_, err := New(Config{}).restartCommand(restartOp(t, 0))
	if !errors.Is(err, core.ErrOperation) {
		t.Fatalf("expected operation error, got %v", err)
	}
}

func TestClientUsesInventory(t *testing.T) {
	tr := New(Config{
		User:  "rollout",
		Hosts: map[string]prov.Server{"h1": {Host: "h1", Addr: "10.0.0.5", SSHUser: "ops", SSHPort: 2222}},
	})
	c := tr.client("h1")
	if c.Addr != "10.0.0.5:2222" || c.User != "ops" {
		t.Fatalf("client %+v", c)
	}
	c = tr.client("h2")
	if c.Addr != "h2:22" || c.User != "rollout" {
		t.Fatalf("fallback client %+v", c)
	}
}

func TestSubmitWithoutCredentials(t *testing.T) {
	out := New(Config{RestartCommand: "x"}).Submit(context.Background(), restartOp(t, 0), time.Second)
	if out.Kind != core.OutcomeFailed || !strings.HasPrefix(out.Reason, "transport:") {
		t.Fatalf("expected transport failure, got %s", out)
	}
}

func TestSubmitUnsupported(t *testing.T) {
	op := restartOp(t, 0)
	op.Name = "reboot"
	out := New(Config{}).Submit(context.Background(), op, time.Second)
	if out.Kind != core.OutcomeFailed || !strings.HasPrefix(out.Reason, "operation:") {
		t.Fatalf("expected operation failure, got %s", out)
	}
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	if out := classify(ctx, nil, ""); !out.IsSuccess() {
		t.Fatalf("nil error: %s", out)
	}
	if out := classify(ctx, errors.New("connection reset"), ""); !strings.HasPrefix(out.Reason, "transport:") {
		t.Fatalf("plain error: %s", out)
	}
	expired, cancel := context.WithTimeout(ctx, time.Nanosecond)
	defer cancel()
	<-expired.Done()
	if out := classify(expired, context.DeadlineExceeded, ""); out.Kind != core.OutcomeTimedOut {
		t.Fatalf("deadline: %s", out)
	}
}
