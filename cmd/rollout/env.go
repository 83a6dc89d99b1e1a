package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/rollout/internal/core"
	prov "github.com/3cpo-dev/rollout/internal/providers"
	"github.com/3cpo-dev/rollout/internal/providers/consul"
	"github.com/3cpo-dev/rollout/internal/providers/static"
	gssh "github.com/3cpo-dev/rollout/internal/ssh"
	"github.com/3cpo-dev/rollout/internal/telemetry"
	"github.com/3cpo-dev/rollout/internal/transport"
	"github.com/3cpo-dev/rollout/internal/transport/sshtransport"
)

// env is what every subcommand resolves from the config file.
type env struct {
	cfg prov.Config
	reg *prov.Registry
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	reg := prov.NewRegistry()
	reg.Register(static.New(cfg))
	if cfg.Inventory.Default == "consul" || cfg.Inventory.Consul.Address != "" {
		p, err := consul.New(cfg)
		if err != nil {
			return nil, err
		}
		reg.Register(p)
	}
	return &env{cfg: cfg, reg: reg}, nil
}

func (e *env) inventory(name string) (prov.Provider, error) {
	if name == "" {
		name = e.cfg.Inventory.Default
	}
	return e.reg.Get(name)
}

// transport builds the configured transport. Host addresses come from the
// inventory so plans can name hosts only.
func (e *env) transport(ctx context.Context, inv prov.Provider) (core.Transport, error) {
	servers, err := inv.ListServers(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	switch e.cfg.Transport.Kind {
	case "agent":
		return transport.NewAgent(transport.AgentConfig{
			Scheme:            e.cfg.Transport.AgentScheme,
			Port:              e.cfg.Transport.AgentPort,
			Addrs:             prov.HostAddrs(servers),
			Secret:            []byte(e.cfg.Agent.Secret),
			TokenTTL:          time.Duration(e.cfg.Agent.TokenTTLSeconds) * time.Second,
			CACert:            e.cfg.Transport.CACert,
			ClientCert:        e.cfg.Transport.ClientCert,
			ClientKey:         e.cfg.Transport.ClientKey,
			Retries:           e.cfg.Defaults.Retries,
			RetryDelay:        time.Duration(e.cfg.Transport.RetryDelayMillis) * time.Millisecond,
			RequestsPerSecond: e.cfg.Transport.RequestsPerSecond,
		})
	case "ssh":
		signer, err := gssh.LoadPrivateKeySigner(filepath.Join(e.cfg.SSH.KeyDir, "id_ed25519"))
		if err != nil {
			return nil, err
		}
		kh, err := gssh.LoadKnownHostsCallback(e.cfg.SSH.KnownHosts)
		if err != nil {
			return nil, err
		}
		hosts := make(map[string]prov.Server)
		for _, s := range servers {
			if _, ok := hosts[s.Host]; !ok {
				hosts[s.Host] = s
			}
		}
		return sshtransport.New(sshtransport.Config{
			Hosts:          hosts,
			User:           e.cfg.SSH.User,
			Port:           e.cfg.SSH.Port,
			Signer:         signer,
			KnownHosts:     kh,
			RestartCommand: e.cfg.Transport.RestartCommand,
			ReloadCommand:  e.cfg.Transport.ReloadCommand,
			Retries:        e.cfg.Defaults.Retries,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", e.cfg.Transport.Kind)
	}
}

func (e *env) store(ctx context.Context) (*core.Store, error) {
	st, err := core.NewStore(e.cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open history %s: %w", e.cfg.Store.Path, err)
	}
	return st, nil
}

// orchestrator wires inventory, transport, history and telemetry. The
// returned func releases them.
func (e *env) orchestrator(ctx context.Context, inventoryName string, history bool) (*core.Orchestrator, func(), error) {
	inv, err := e.inventory(inventoryName)
	if err != nil {
		return nil, nil, err
	}
	tr, err := e.transport(ctx, inv)
	if err != nil {
		return nil, nil, err
	}
	var st *core.Store
	if history {
		if st, err = e.store(ctx); err != nil {
			return nil, nil, err
		}
	}
	var exporter telemetry.Exporter
	if e.cfg.Telemetry.OTLPEndpoint != "" {
		exporter = telemetry.NewOTLPExporter(e.cfg.Telemetry.OTLPEndpoint, "rollout", version)
	}
	col := telemetry.InitGlobal(e.cfg.Telemetry.Enabled, exporter)

	release := func() {
		if err := col.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("Flush telemetry")
		}
		if st != nil {
			_ = st.Close()
		}
	}
	return core.NewOrchestrator(e.cfg, inv, tr, st, core.WithCollector(col)), release, nil
}
