// Package sshtransport delivers operations by running commands over SSH,
// for hosts without a rollout-agent.
package sshtransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/rollout/internal/core"
	prov "github.com/3cpo-dev/rollout/internal/providers"
	"github.com/3cpo-dev/rollout/internal/ssh"
)

type Config struct {
	// Hosts carries the address and login of each host by name.
	Hosts      map[string]prov.Server
	User       string
	Port       int
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback

	RestartCommand string
	ReloadCommand  string

	Retries        int
	ConnectTimeout time.Duration
}

type Transport struct {
	cfg Config
}

func New(cfg Config) *Transport {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Transport{cfg: cfg}
}

func (t *Transport) client(host string) *ssh.Client {
	addr, user, port := host, t.cfg.User, t.cfg.Port
	if s, ok := t.cfg.Hosts[host]; ok {
		if s.Addr != "" {
			addr = s.Addr
		}
		if s.SSHUser != "" {
			user = s.SSHUser
		}
		if s.SSHPort != 0 {
			port = s.SSHPort
		}
	}
	return &ssh.Client{
		Addr:       net.JoinHostPort(addr, strconv.Itoa(port)),
		User:       user,
		Signer:     t.cfg.Signer,
		KnownHosts: t.cfg.KnownHosts,
		Timeout:    t.cfg.ConnectTimeout,
		Retries:    t.cfg.Retries,
	}
}

func (t *Transport) Submit(ctx context.Context, op core.Operation, timeout time.Duration) core.Outcome {
	host := op.Target()
	if host == "" {
		return core.Failed(fmt.Sprintf("%s: operation has no host address", core.ErrTransport))
	}
	if op.Name != core.OpRestartServer && op.Name != core.OpApplyConfig {
		return core.Failed(fmt.Sprintf("%s: unsupported operation %q", core.ErrOperation, op.Name))
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cli, err := ssh.Dial(ctx, t.client(host))
	if err != nil {
		return core.OutcomeFromError(fmt.Errorf("%w: %v", core.ErrTransport, err))
	}
	defer cli.Close()

	var stderr string
	switch op.Name {
	case core.OpRestartServer:
		var cmd string
		if cmd, err = t.restartCommand(op); err == nil {
			_, stderr, err = ssh.Run(ctx, cli, cmd)
		}
	case core.OpApplyConfig:
		stderr, err = t.applyConfig(ctx, cli, op)
	}
	out := classify(ctx, err, stderr)
	log.Debug().Str("host", host).Str("operation", op.Name).Str("outcome", out.String()).Msg("SSH operation finished")
	return out
}

func (t *Transport) applyConfig(ctx context.Context, cli *xssh.Client, op core.Operation) (string, error) {
	server := op.StringParam(core.ParamServer)
	path := op.StringParam(core.ParamPath)
	if server == "" || path == "" {
		return "", fmt.Errorf("%w: apply-config needs server and path", core.ErrOperation)
	}
	content := []byte(op.StringParam(core.ParamContent))
	if want := op.StringParam(core.ParamChecksum); want != "" && want != ssh.Checksum(content) {
		return "", fmt.Errorf("%w: checksum mismatch for %s", core.ErrOperation, path)
	}
	if err := ssh.WriteFile(ctx, cli, path, content, 0o644); err != nil {
		return "", err
	}
	if t.cfg.ReloadCommand == "" {
		return "", nil
	}
	env := map[string]string{"ROLLOUT_SERVER": server, "ROLLOUT_CONFIG_PATH": path}
	_, stderr, err := ssh.Run(ctx, cli, shellCommand(expand(t.cfg.ReloadCommand, server, path), env))
	return stderr, err
}

// restartCommand renders the remote command line for a restart-server
// operation.
func (t *Transport) restartCommand(op core.Operation) (string, error) {
	server := op.StringParam(core.ParamServer)
	if server == "" {
		return "", fmt.Errorf("%w: restart-server needs a server", core.ErrOperation)
	}
	graceful, ok := op.Int64Param(core.ParamGracefulTimeout)
	if !ok {
		return "", fmt.Errorf("%w: restart-server needs a graceful timeout", core.ErrOperation)
	}
	if t.cfg.RestartCommand == "" {
		return "", fmt.Errorf("%w: no restart command configured", core.ErrOperation)
	}
	env := map[string]string{
		"ROLLOUT_SERVER":              server,
		"ROLLOUT_GRACEFUL_TIMEOUT_MS": strconv.FormatInt(graceful, 10),
	}
	return shellCommand(expand(t.cfg.RestartCommand, server, ""), env), nil
}

func expand(tmpl, server, path string) string {
	return strings.NewReplacer("{server}", ssh.ShellQuote(server), "{path}", ssh.ShellQuote(path)).Replace(tmpl)
}

// shellCommand prefixes cmd with sorted environment assignments and runs it
// through sh -c.
func shellCommand(cmd string, env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(ssh.ShellQuote(env[k]))
		b.WriteByte(' ')
	}
	b.WriteString("sh -c ")
	b.WriteString(ssh.ShellQuote(cmd))
	return b.String()
}

// classify maps a remote error to an outcome. A non-zero exit status is an
// operation failure; anything else short of a deadline is a transport one.
func classify(ctx context.Context, err error, stderr string) core.Outcome {
	if err == nil {
		return core.Succeeded()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.TimedOut(err.Error())
	}
	var exit *xssh.ExitError
	if errors.As(err, &exit) {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = exit.Error()
		}
		return core.OutcomeFromError(fmt.Errorf("%w: exit %d: %s", core.ErrOperation, exit.ExitStatus(), msg))
	}
	return core.OutcomeFromError(err)
}
