package consul

import (
	"context"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/3cpo-dev/rollout/internal/providers"
)

// MetaServer is the service metadata key that overrides the server name.
const MetaServer = "rollout-server"

// Provider lists managed servers from the Consul catalog. Every managed
// server is registered as an instance of one service; catalog tags are the
// update groups, the catalog node is the host.
type Provider struct {
	cfg providers.Config
	cli *consulapi.Client
}

func New(cfg providers.Config) (*Provider, error) {
	ccfg := consulapi.DefaultConfig()
	if cfg.Inventory.Consul.Address != "" {
		ccfg.Address = cfg.Inventory.Consul.Address
	}
	if cfg.Inventory.Consul.Token != "" {
		ccfg.Token = cfg.Inventory.Consul.Token
	}
	if cfg.Inventory.Consul.Datacenter != "" {
		ccfg.Datacenter = cfg.Inventory.Consul.Datacenter
	}
	cli, err := consulapi.NewClient(ccfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Provider{cfg: cfg, cli: cli}, nil
}

func (p *Provider) Name() string { return "consul" }

func (p *Provider) service() string {
	if s := p.cfg.Inventory.Consul.Service; s != "" {
		return s
	}
	return "rollout-managed"
}

func (p *Provider) ListServers(ctx context.Context, group string) ([]providers.Server, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	entries, _, err := p.cli.Catalog().Service(p.service(), group, q)
	if err != nil {
		return nil, fmt.Errorf("consul catalog %s: %w", p.service(), err)
	}
	out := make([]providers.Server, 0, len(entries))
	for _, e := range entries {
		name := e.ServiceMeta[MetaServer]
		if name == "" {
			name = e.ServiceID
		}
		addr := e.Address
		if addr == "" {
			addr = e.ServiceAddress
		}
		out = append(out, providers.Server{
			Host:    e.Node,
			Name:    name,
			Addr:    addr,
			SSHUser: p.cfg.SSH.User,
			SSHPort: p.cfg.SSH.Port,
			Groups:  append([]string(nil), e.ServiceTags...),
		})
	}
	return out, nil
}
