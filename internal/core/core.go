package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	prov "github.com/3cpo-dev/rollout/internal/providers"
	"github.com/3cpo-dev/rollout/pkg/api"
)

// Orchestrator is the entrypoint that turns plan specs into executed,
// recorded plans.
type Orchestrator struct {
	cfg       prov.Config
	inventory prov.Provider
	transport Transport
	store     *Store
	opts      []Option
}

// NewOrchestrator wires an inventory, a transport and an optional history
// store. Coordinator defaults come from cfg.Defaults.
func NewOrchestrator(cfg prov.Config, inventory prov.Provider, transport Transport, store *Store, opts ...Option) *Orchestrator {
	base := []Option{
		WithTaskTimeout(time.Duration(cfg.Defaults.TaskTimeoutSeconds) * time.Second),
		WithCompensationTimeout(time.Duration(cfg.Defaults.CompensationTimeoutSeconds) * time.Second),
		WithMaxParallel(cfg.Defaults.MaxParallel),
	}
	return &Orchestrator{
		cfg:       cfg,
		inventory: inventory,
		transport: transport,
		store:     store,
		opts:      append(base, opts...),
	}
}

// BuildPlan resolves a spec against the inventory without running it.
func (o *Orchestrator) BuildPlan(ctx context.Context, spec api.PlanSpec) (*Plan, error) {
	b := &Builder{Inventory: o.inventory, GracefulTimeout: o.cfg.Defaults.GracefulTimeoutMillis}
	return b.Build(ctx, spec)
}

// RunPlan builds, runs and records a plan.
func (o *Orchestrator) RunPlan(ctx context.Context, spec api.PlanSpec) (*PlanResult, error) {
	plan, err := o.BuildPlan(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("build plan: %w", err)
	}
	res, runErr := NewCoordinator(o.transport, o.opts...).Run(ctx, plan)
	if res != nil && o.store != nil {
		// The plan context may be cancelled by now; the history must still be written.
		if err := o.store.SavePlanResult(context.WithoutCancel(ctx), res); err != nil {
			log.Error().Err(err).Str("plan", res.ID).Msg("Failed to save plan result")
		}
	}
	return res, runErr
}
