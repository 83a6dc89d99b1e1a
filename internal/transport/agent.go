package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/rollout/internal/agent"
	"github.com/3cpo-dev/rollout/internal/auth"
	"github.com/3cpo-dev/rollout/internal/core"
	prov "github.com/3cpo-dev/rollout/internal/providers"
)

// AgentConfig configures the HTTP transport to rollout-agent.
type AgentConfig struct {
	Scheme string
	Port   int
	// Addrs maps host names to dialable addresses. Unknown hosts are dialed
	// by name.
	Addrs map[string]string

	Secret   []byte
	Subject  string
	TokenTTL time.Duration

	CACert     string
	ClientCert string
	ClientKey  string

	Retries int
	// RetryDelay is the first backoff delay; zero keeps the client default.
	RetryDelay        time.Duration
	RequestsPerSecond float64
}

// Agent submits operations to the agent running on each host.
type Agent struct {
	cfg    AgentConfig
	client *prov.RetryableHTTPClient
}

func NewAgent(cfg AgentConfig) (*Agent, error) {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	if cfg.Subject == "" {
		cfg.Subject = os.Getenv("USER")
	}
	tlsConfig, err := clientTLS(cfg)
	if err != nil {
		return nil, err
	}
	hc := &http.Client{}
	if tlsConfig != nil {
		hc.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}
	client := prov.NewRetryableHTTPClient(hc, cfg.Retries, cfg.RequestsPerSecond)
	if cfg.RetryDelay > 0 {
		rc := prov.DefaultRetryConfig()
		rc.MaxRetries = cfg.Retries
		rc.InitialDelay = cfg.RetryDelay
		client = client.WithRetryConfig(rc)
	}
	return &Agent{cfg: cfg, client: client}, nil
}

func clientTLS(cfg AgentConfig) (*tls.Config, error) {
	if cfg.CACert == "" && cfg.ClientCert == "" {
		return nil, nil
	}
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate %s", cfg.CACert)
		}
		tc.RootCAs = pool
	}
	if cfg.ClientCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

func (a *Agent) endpoint(host string) string {
	addr := host
	if v, ok := a.cfg.Addrs[host]; ok {
		addr = v
	}
	if a.cfg.Port > 0 {
		addr = net.JoinHostPort(addr, strconv.Itoa(a.cfg.Port))
	}
	return fmt.Sprintf("%s://%s/v0/operation", a.cfg.Scheme, addr)
}

func (a *Agent) Submit(ctx context.Context, op core.Operation, timeout time.Duration) core.Outcome {
	host := op.Target()
	if host == "" {
		return core.Failed(fmt.Sprintf("%s: operation has no host address", core.ErrTransport))
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(agent.OperationRequest{Operation: op, TimeoutMillis: timeout.Milliseconds()})
	if err != nil {
		return core.Failed(fmt.Sprintf("%s: encode request: %v", core.ErrTransport, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(host), bytes.NewReader(body))
	if err != nil {
		return core.Failed(fmt.Sprintf("%s: %v", core.ErrTransport, err))
	}
	req.Header.Set("Content-Type", "application/json")
	if len(a.cfg.Secret) > 0 {
		tok, err := auth.Generate(a.cfg.Secret, a.cfg.Subject, host, "", a.cfg.TokenTTL)
		if err != nil {
			return core.Failed(fmt.Sprintf("%s: sign token: %v", core.ErrTransport, err))
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return core.OutcomeFromError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		reason := fmt.Sprintf("agent on %s returned %d: %s", host, resp.StatusCode, bytes.TrimSpace(msg))
		if resp.StatusCode >= 500 {
			return core.OutcomeFromError(fmt.Errorf("%w: %s", core.ErrTransport, reason))
		}
		return core.OutcomeFromError(fmt.Errorf("%w: %s", core.ErrOperation, reason))
	}

	var out agent.OperationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return core.OutcomeFromError(fmt.Errorf("decode agent response: %w", err))
	}
	log.Debug().Str("host", host).Str("operation", op.Name).Str("outcome", string(out.Outcome)).Int64("duration_ms", out.Duration).Msg("Agent replied")

	switch out.Outcome {
	case core.OutcomeSuccess:
		return core.Succeeded()
	case core.OutcomeTimedOut:
		return core.TimedOut(out.Reason)
	default:
		return core.Failed(fmt.Sprintf("%s: %s", core.ErrOperation, out.Reason))
	}
}
