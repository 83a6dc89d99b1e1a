package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/rollout/internal/auth"
	"github.com/3cpo-dev/rollout/internal/core"
	"github.com/3cpo-dev/rollout/internal/ssh"
	"github.com/3cpo-dev/rollout/internal/telemetry"
)

// Runner executes a shell command with extra environment.
type Runner func(ctx context.Context, command string, env []string) (string, error)

// ShellRunner runs command with sh -c.
func ShellRunner(ctx context.Context, command string, env []string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

type Config struct {
	// Host is the host name operations must address; empty accepts any.
	Host   string
	Secret []byte
	// RestartCommand and ReloadCommand may contain {server} and {path},
	// which are substituted shell-quoted.
	RestartCommand string
	ReloadCommand  string
	// ConfigRoot confines apply-config writes.
	ConfigRoot string
	Runner     Runner
}

type Server struct {
	Version string
	Config  Config
	srv     *http.Server

	mu   sync.Mutex
	busy map[string]bool
}

func New(version string, cfg Config) *Server {
	if cfg.Runner == nil {
		cfg.Runner = ShellRunner
	}
	return &Server{Version: version, Config: cfg, busy: make(map[string]bool)}
}

// Routes for the server
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/v0/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		_ = r.Body.Close()
		host := s.Config.Host
		if host == "" {
			host = r.Host
		}
		_ = json.NewEncoder(w).Encode(HeartbeatResponse{Time: time.Now(), Host: host, Version: s.Version})
	})
	mux.HandleFunc("/v0/operation", s.handleOperation)
	mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, err := s.authorize(r)
	if err != nil {
		telemetry.AgentRejectedTotal.WithLabelValues("unauthorized").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req OperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		telemetry.AgentRejectedTotal.WithLabelValues("decode").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	op := req.Operation
	if s.Config.Host != "" && op.Target() != s.Config.Host {
		telemetry.AgentRejectedTotal.WithLabelValues("wrong_host").Inc()
		http.Error(w, fmt.Sprintf("operation addressed to %q, this agent serves %q", op.Target(), s.Config.Host), http.StatusMisdirectedRequest)
		return
	}
	server := op.StringParam(core.ParamServer)
	if !s.acquire(server) {
		telemetry.AgentRejectedTotal.WithLabelValues("busy").Inc()
		http.Error(w, fmt.Sprintf("server %s has an operation in progress", server), http.StatusConflict)
		return
	}
	defer s.release(server)

	ctx := r.Context()
	if req.TimeoutMillis > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMillis)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	out, err := s.execute(ctx, op)
	resp := OperationResponse{Output: out, Duration: time.Since(start).Milliseconds()}
	switch {
	case err == nil:
		resp.Outcome = core.OutcomeSuccess
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		resp.Outcome = core.OutcomeTimedOut
		resp.Reason = err.Error()
	default:
		resp.Outcome = core.OutcomeFailed
		resp.Reason = err.Error()
	}

	telemetry.AgentOperationsTotal.WithLabelValues(op.Name, string(resp.Outcome)).Inc()
	telemetry.AgentOperationDuration.WithLabelValues(op.Name).Observe(time.Since(start).Seconds())

	ev := log.Info()
	if resp.Outcome != core.OutcomeSuccess {
		ev = log.Warn().Str("reason", resp.Reason)
	}
	subject := ""
	if claims != nil {
		subject = claims.Subject
	}
	ev.Str("operation", op.Name).Str("server", server).Str("subject", subject).Str("outcome", string(resp.Outcome)).Msg("Operation executed")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) authorize(r *http.Request) (*auth.Claims, error) {
	if len(s.Config.Secret) == 0 {
		return nil, nil
	}
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return nil, auth.ErrInvalid
	}
	return auth.Parse(s.Config.Secret, tok, s.Config.Host)
}

func (s *Server) acquire(server string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[server] {
		return false
	}
	s.busy[server] = true
	return true
}

func (s *Server) release(server string) {
	s.mu.Lock()
	delete(s.busy, server)
	s.mu.Unlock()
}

func (s *Server) execute(ctx context.Context, op core.Operation) (string, error) {
	server := op.StringParam(core.ParamServer)
	if server == "" {
		return "", errors.New("missing server parameter")
	}
	switch op.Name {
	case core.OpRestartServer:
		graceful, ok := op.Int64Param(core.ParamGracefulTimeout)
		if !ok {
			return "", errors.New("missing graceful-timeout parameter")
		}
		if s.Config.RestartCommand == "" {
			return "", errors.New("no restart command configured")
		}
		env := []string{
			"ROLLOUT_SERVER=" + server,
			"ROLLOUT_GRACEFUL_TIMEOUT_MS=" + strconv.FormatInt(graceful, 10),
		}
		return s.Config.Runner(ctx, expand(s.Config.RestartCommand, server, ""), env)
	case core.OpApplyConfig:
		return s.applyConfig(ctx, server, op)
	default:
		return "", fmt.Errorf("unsupported operation %q", op.Name)
	}
}

func (s *Server) applyConfig(ctx context.Context, server string, op core.Operation) (string, error) {
	path, err := s.confine(op.StringParam(core.ParamPath))
	if err != nil {
		return "", err
	}
	content := []byte(op.StringParam(core.ParamContent))
	if want := op.StringParam(core.ParamChecksum); want != "" && want != checksum(content) {
		return "", fmt.Errorf("checksum mismatch for %s", path)
	}
	if err := writeAtomic(path, content); err != nil {
		return "", err
	}
	if s.Config.ReloadCommand == "" {
		return "", nil
	}
	env := []string{"ROLLOUT_SERVER=" + server, "ROLLOUT_CONFIG_PATH=" + path}
	return s.Config.Runner(ctx, expand(s.Config.ReloadCommand, server, path), env)
}

// confine resolves p and rejects anything outside ConfigRoot.
func (s *Server) confine(p string) (string, error) {
	if p == "" {
		return "", errors.New("missing path parameter")
	}
	if s.Config.ConfigRoot == "" {
		return "", errors.New("apply-config disabled: no config root")
	}
	root, err := filepath.Abs(s.Config.ConfigRoot)
	if err != nil {
		return "", err
	}
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, p)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside %s", p, root)
	}
	return full, nil
}

// expand substitutes shell-quoted values into a command template.
func expand(tmpl, server, path string) string {
	return strings.NewReplacer("{server}", ssh.ShellQuote(server), "{path}", ssh.ShellQuote(path)).Replace(tmpl)
}

// Handler returns the agent's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s.srv.ListenAndServe()
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}
