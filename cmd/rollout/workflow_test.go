package main

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/3cpo-dev/rollout/internal/agent"
	"github.com/3cpo-dev/rollout/internal/core"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(args)
	root.SetContext(context.Background())
	return root.Execute()
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func isFailing(m *sync.Map, server string) bool {
	_, ok := m.Load(server)
	return ok
}

// TestFullWorkflow drives init, servers, run, history and show against an
// in-process agent.
func TestFullWorkflow(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	t.Setenv(core.SecretAgent, "")
	cfgPath := filepath.Join(tmp, "rollout", "config.yaml")

	t.Run("Init", func(t *testing.T) {
		if err := execute(t, "init", "--config", cfgPath); err != nil {
			t.Fatalf("init: %v", err)
		}
		for _, p := range []string{cfgPath, filepath.Join(tmp, "rollout", "secrets.env"), filepath.Join(tmp, "rollout", "ssh", "id_ed25519")} {
			if _, err := os.Stat(p); err != nil {
				t.Fatalf("init did not create %s: %v", p, err)
			}
		}
		// A second init leaves existing files alone.
		if err := execute(t, "init", "--config", cfgPath); err != nil {
			t.Fatalf("second init: %v", err)
		}
	})

	secrets, err := core.LoadSecretsEnv(filepath.Join(tmp, "rollout", "secrets.env"))
	if err != nil || secrets[core.SecretAgent] == "" {
		t.Fatalf("agent secret not generated: %v", err)
	}

	var failing sync.Map
	srv := agent.New("test", agent.Config{
		Secret:         []byte(secrets[core.SecretAgent]),
		RestartCommand: "restart {server}",
		Runner: func(_ context.Context, command string, env []string) (string, error) {
			for _, kv := range env {
				if server, ok := strings.CutPrefix(kv, "ROLLOUT_SERVER="); ok && isFailing(&failing, server) {
					return "", fmt.Errorf("restart of %s failed", server)
				}
			}
			return "", nil
		},
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	u, _ := url.Parse(ts.URL)
	_, port, _ := net.SplitHostPort(u.Host)

	dbPath := filepath.Join(tmp, "history.db")
	writeFile(t, cfgPath, fmt.Sprintf(`
inventory:
  default: static
  static:
    hosts:
      - name: h1
        addr: 127.0.0.1
        servers:
          - name: alpha
            groups: [canary]
      - name: h2
        addr: 127.0.0.1
        servers:
          - name: beta
            groups: [fleet]
          - name: gamma
            groups: [fleet]
transport:
  kind: agent
  agent_port: %s
defaults:
  task_timeout_seconds: 5
store:
  path: %s
`, port, dbPath))

	planPath := filepath.Join(tmp, "plan.yaml")
	writeFile(t, planPath, `
name: nightly
operation: restart
graceful_timeout_ms: 1000
groups:
  - name: canary
    selector: canary
  - name: fleet
    selector: fleet
    max_failures: 0
`)

	t.Run("Servers", func(t *testing.T) {
		if err := execute(t, "servers", "--config", cfgPath, "--group", "fleet"); err != nil {
			t.Fatalf("servers: %v", err)
		}
	})

	t.Run("DryRun", func(t *testing.T) {
		if err := execute(t, "run", planPath, "--config", cfgPath, "--dry-run"); err != nil {
			t.Fatalf("dry run: %v", err)
		}
	})

	t.Run("Run", func(t *testing.T) {
		if err := execute(t, "run", planPath, "--config", cfgPath); err != nil {
			t.Fatalf("run: %v", err)
		}
	})

	t.Run("RunWithRollback", func(t *testing.T) {
		failing.Store("gamma", true)
		err := execute(t, "run", planPath, "--config", cfgPath)
		if err == nil || !strings.Contains(err.Error(), string(core.PlanRolledBack)) {
			t.Fatalf("expected rolled back plan, got %v", err)
		}
	})

	t.Run("Restart", func(t *testing.T) {
		failing.Delete("gamma")
		if err := execute(t, "restart", "h1/alpha", "--config", cfgPath, "--graceful-timeout", "0"); err != nil {
			t.Fatalf("restart: %v", err)
		}
	})

	t.Run("History", func(t *testing.T) {
		st, err := core.NewStore(dbPath)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		defer st.Close()
		plans, err := st.ListPlans(context.Background(), 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(plans) != 3 {
			t.Fatalf("expected 3 plans, got %d", len(plans))
		}
		var rolledBack core.PlanSummary
		for _, p := range plans {
			if p.Status == core.PlanRolledBack {
				rolledBack = p
			}
		}
		_, outcomes, err := st.GetPlan(context.Background(), rolledBack.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		for _, so := range outcomes {
			if so.Server.ServerName == "alpha" && (so.Compensation == nil || !so.Compensation.IsSuccess()) {
				t.Fatalf("canary server not rolled back: %+v", so)
			}
			if so.Server.ServerName == "gamma" && so.Outcome.Kind != core.OutcomeFailed {
				t.Fatalf("gamma outcome %s", so.Outcome)
			}
		}

		if err := execute(t, "history", "--config", cfgPath); err != nil {
			t.Fatalf("history: %v", err)
		}
		if err := execute(t, "show", rolledBack.ID, "--config", cfgPath); err != nil {
			t.Fatalf("show: %v", err)
		}
	})
}

func TestDryRunWithoutSSHKeys(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	cfgPath := filepath.Join(tmp, "config.yaml")
	writeFile(t, cfgPath, fmt.Sprintf(`
inventory:
  default: static
  static:
    hosts:
      - name: h1
        addr: 127.0.0.1
        servers:
          - name: alpha
transport:
  kind: ssh
ssh:
  key_dir: %s
  known_hosts: %s
store:
  path: %s
`, filepath.Join(tmp, "nokeys"), filepath.Join(tmp, "known_hosts"), filepath.Join(tmp, "history.db")))

	if err := execute(t, "restart", "h1/alpha", "--config", cfgPath, "--dry-run"); err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if err := execute(t, "restart", "h1/alpha", "--config", cfgPath); err == nil {
		t.Fatalf("expected a real run to need the ssh key")
	}
	if _, err := os.Stat(filepath.Join(tmp, "history.db")); !os.IsNotExist(err) {
		t.Fatalf("dry run touched history: %v", err)
	}
}
