package static

import (
	"context"
	"errors"
	"testing"

	"github.com/3cpo-dev/rollout/internal/providers"
)

func testConfig() providers.Config {
	var cfg providers.Config
	cfg.SSH.User = "deploy"
	cfg.SSH.Port = 22
	cfg.Inventory.Static.Hosts = []providers.HostConfig{
		{Name: "dc", Addr: "10.0.0.1", Servers: []providers.ServerConfig{{Name: "primary", Groups: []string{"controllers"}}}},
		{Name: "w1", Addr: "10.0.0.2", Port: 2222, Servers: []providers.ServerConfig{
			{Name: "app-a", Groups: []string{"workers"}},
			{Name: "app-b", Groups: []string{"workers", "canary"}},
		}},
	}
	return cfg
}

func TestListServersByGroup(t *testing.T) {
	p := New(testConfig())
	all, err := p.ListServers(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 servers, got %d", len(all))
	}
	workers, err := p.ListServers(context.Background(), "workers")
	if err != nil {
		t.Fatalf("list workers: %v", err)
	}
	if len(workers) != 2 || workers[0].Host != "w1" || workers[0].SSHPort != 2222 || workers[0].SSHUser != "deploy" {
		t.Fatalf("unexpected workers: %+v", workers)
	}
	canary, _ := p.ListServers(context.Background(), "canary")
	if len(canary) != 1 || canary[0].Name != "app-b" {
		t.Fatalf("unexpected canary: %+v", canary)
	}
	addrs := providers.HostAddrs(all)
	if addrs["dc"] != "10.0.0.1" || addrs["w1"] != "10.0.0.2" {
		t.Fatalf("unexpected host addrs: %v", addrs)
	}
}

func TestListServersRejectsDuplicates(t *testing.T) {
	cfg := testConfig()
	cfg.Inventory.Static.Hosts = append(cfg.Inventory.Static.Hosts, providers.HostConfig{Name: "dc"})
	_, err := New(cfg).ListServers(context.Background(), "")
	var ve providers.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
