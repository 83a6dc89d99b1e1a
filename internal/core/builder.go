package core

import (
	"context"
	"fmt"

	prov "github.com/3cpo-dev/rollout/internal/providers"
	"github.com/3cpo-dev/rollout/pkg/api"
)

// Builder turns a PlanSpec into a Plan, resolving group selectors through the
// inventory.
type Builder struct {
	Inventory prov.Provider
	// GracefulTimeout is used when the spec leaves it unset.
	GracefulTimeout int64
}

func (b *Builder) Build(ctx context.Context, spec api.PlanSpec) (*Plan, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	plan := &Plan{
		ID:                  NewPlanID(),
		Name:                spec.Name,
		GroupScopedRollback: spec.RollbackAcrossGroups != nil && !*spec.RollbackAcrossGroups,
	}
	for i, gs := range spec.Groups {
		ids, err := b.resolve(ctx, gs)
		if err != nil {
			return nil, fmt.Errorf("group %d: %w", i, err)
		}
		name := gs.Name
		if name == "" {
			name = fmt.Sprintf("group-%d", i+1)
		}
		chunks := ChunkServers(ids, gs.RollingSize)
		for ci, chunk := range chunks {
			g := Group{Name: name, MaxFailures: maxFailures(gs, len(chunk))}
			if len(chunks) > 1 {
				g.Name = fmt.Sprintf("%s[%d/%d]", name, ci+1, len(chunks))
			}
			for _, id := range chunk {
				t, err := b.task(spec, id)
				if err != nil {
					return nil, fmt.Errorf("group %s: %w", g.Name, err)
				}
				g.Tasks = append(g.Tasks, t)
			}
			plan.Groups = append(plan.Groups, g)
		}
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func (b *Builder) resolve(ctx context.Context, gs api.GroupSpec) ([]ServerIdentity, error) {
	var ids []ServerIdentity
	seen := make(map[ServerIdentity]bool)
	add := func(id ServerIdentity) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, s := range gs.Servers {
		id, err := ParseServerIdentity(s)
		if err != nil {
			return nil, err
		}
		add(id)
	}
	if gs.Selector != "" {
		if b.Inventory == nil {
			return nil, fmt.Errorf("selector %q needs an inventory", gs.Selector)
		}
		servers, err := b.Inventory.ListServers(ctx, gs.Selector)
		if err != nil {
			return nil, fmt.Errorf("list servers for %q: %w", gs.Selector, err)
		}
		if len(servers) == 0 {
			return nil, fmt.Errorf("selector %q matched no servers in %s inventory", gs.Selector, b.Inventory.Name())
		}
		for _, s := range servers {
			add(ServerIdentity{HostName: s.Host, ServerName: s.Name})
		}
	}
	return ids, nil
}

func (b *Builder) task(spec api.PlanSpec, id ServerIdentity) (Task, error) {
	switch spec.Operation {
	case api.OperationRestart:
		timeout := b.GracefulTimeout
		if spec.GracefulTimeoutMillis != nil {
			timeout = *spec.GracefulTimeoutMillis
		}
		return NewRestartTask(id, timeout)
	case api.OperationApplyConfig:
		t := &ApplyConfigTask{Target: id, Path: spec.Config.Path, Content: []byte(spec.Config.Content)}
		if spec.Config.Previous != nil {
			t.Previous = []byte(*spec.Config.Previous)
			t.HasPrevious = true
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", spec.Operation)
	}
}

// maxFailures resolves the tolerated failures of one built group. An explicit
// count wins over a percentage; the default tolerates none.
func maxFailures(gs api.GroupSpec, size int) int {
	switch {
	case gs.MaxFailures != nil:
		if *gs.MaxFailures < 0 {
			return Unlimited
		}
		return *gs.MaxFailures
	case gs.MaxFailurePercentage != nil:
		return *gs.MaxFailurePercentage * size / 100
	default:
		return 0
	}
}
