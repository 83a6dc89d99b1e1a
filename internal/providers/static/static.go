package static

import (
	"context"

	"github.com/3cpo-dev/rollout/internal/providers"
)

// Provider serves the hosts and servers listed in the configuration file.
type Provider struct {
	cfg providers.Config
}

func New(cfg providers.Config) *Provider { return &Provider{cfg: cfg} }

func (p *Provider) Name() string { return "static" }

func (p *Provider) ListServers(ctx context.Context, group string) ([]providers.Server, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hosts := p.cfg.Inventory.Static.Hosts
	if err := providers.ValidateHosts(hosts); err != nil {
		return nil, err
	}
	var out []providers.Server
	for _, h := range hosts {
		user := h.User
		if user == "" {
			user = p.cfg.SSH.User
		}
		port := h.Port
		if port == 0 {
			port = p.cfg.SSH.Port
		}
		for _, s := range h.Servers {
			srv := providers.Server{
				Host:    h.Name,
				Name:    s.Name,
				Addr:    h.Addr,
				SSHUser: user,
				SSHPort: port,
				Groups:  append([]string(nil), s.Groups...),
			}
			if srv.InGroup(group) {
				out = append(out, srv)
			}
		}
	}
	return out, nil
}
