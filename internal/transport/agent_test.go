package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/3cpo-dev/rollout/internal/agent"
	"github.com/3cpo-dev/rollout/internal/core"
)

func agentFor(t *testing.T, ts *httptest.Server, host string, secret []byte) *Agent {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	addr, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	a, err := NewAgent(AgentConfig{
		Port:    port,
		Addrs:   map[string]string{host: addr},
		Secret:  secret,
		Subject: "tester",
		Retries: 0,
	})
	if err != nil {
		t.Fatalf("new agent transport: %v", err)
	}
	return a
}

func restart(t *testing.T, host string) core.Operation {
	t.Helper()
	task, err := core.NewRestartTask(core.ServerIdentity{HostName: host, ServerName: "s1"}, 5000)
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	return task.Operation()
}

func TestAgentSubmitSuccess(t *testing.T) {
	secret := []byte("k")
	var gotEnv []string
	srv := agent.New("test", agent.Config{
		Host:           "h1",
		Secret:         secret,
		RestartCommand: "restart {server}",
		Runner: func(_ context.Context, _ string, env []string) (string, error) {
			gotEnv = env
			return "", nil
		},
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	out := agentFor(t, ts, "h1", secret).Submit(context.Background(), restart(t, "h1"), time.Second)
	if !out.IsSuccess() {
		t.Fatalf("expected success, got %s", out)
	}
	if !strings.Contains(strings.Join(gotEnv, " "), "ROLLOUT_GRACEFUL_TIMEOUT_MS=5000") {
		t.Fatalf("graceful timeout not forwarded: %v", gotEnv)
	}
}

func TestAgentSubmitOperationFailure(t *testing.T) {
	srv := agent.New("test", agent.Config{
		RestartCommand: "restart",
		Runner: func(context.Context, string, []string) (string, error) {
			return "", errors.New("unit not found")
		},
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	out := agentFor(t, ts, "h1", nil).Submit(context.Background(), restart(t, "h1"), time.Second)
	if out.Kind != core.OutcomeFailed || !strings.HasPrefix(out.Reason, "operation:") {
		t.Fatalf("expected operation failure, got %s", out)
	}
}

func TestAgentSubmitBadToken(t *testing.T) {
	srv := agent.New("test", agent.Config{Host: "h1", Secret: []byte("right"), RestartCommand: "x"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	out := agentFor(t, ts, "h1", []byte("wrong")).Submit(context.Background(), restart(t, "h1"), time.Second)
	if out.Kind != core.OutcomeFailed || !strings.Contains(out.Reason, "401") {
		t.Fatalf("expected rejected token, got %s", out)
	}
}

func TestAgentSubmitServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	out := agentFor(t, ts, "h1", nil).Submit(context.Background(), restart(t, "h1"), time.Second)
	if out.Kind != core.OutcomeFailed || !strings.HasPrefix(out.Reason, "transport:") {
		t.Fatalf("expected transport failure, got %s", out)
	}
}

func TestAgentSubmitRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(agent.OperationResponse{Outcome: core.OutcomeSuccess})
	}))
	defer ts.Close()

	u, _ := url.Parse(ts.URL)
	addr, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	a, err := NewAgent(AgentConfig{Port: port, Addrs: map[string]string{"h1": addr}, Retries: 1, RetryDelay: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new agent transport: %v", err)
	}
	out := a.Submit(context.Background(), restart(t, "h1"), time.Second)
	if !out.IsSuccess() || calls.Load() != 2 {
		t.Fatalf("outcome %s after %d calls", out, calls.Load())
	}
}

func TestAgentSubmitTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	out := agentFor(t, ts, "h1", nil).Submit(context.Background(), restart(t, "h1"), 50*time.Millisecond)
	if out.Kind != core.OutcomeTimedOut {
		t.Fatalf("expected timed out, got %s", out)
	}
}

func TestAgentSubmitUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	a := agentFor(t, ts, "h1", nil)
	ts.Close()

	out := a.Submit(context.Background(), restart(t, "h1"), time.Second)
	if out.Kind != core.OutcomeFailed || !strings.HasPrefix(out.Reason, "transport:") {
		t.Fatalf("expected transport failure, got %s", out)
	}
}

func TestAgentEndpoint(t *testing.T) {
	a, err := NewAgent(AgentConfig{Scheme: "https", Port: 8088, Addrs: map[string]string{"h1": "10.0.0.1"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := a.endpoint("h1"); got != "https://10.0.0.1:8088/v0/operation" {
		t.Fatalf("endpoint %s", got)
	}
	if got := a.endpoint("h2"); got != "https://h2:8088/v0/operation" {
		t.Fatalf("endpoint %s", got)
	}
}
