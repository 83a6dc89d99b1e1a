package core

import (
	"context"
	"strings"
	"testing"

	prov "github.com/3cpo-dev/rollout/internal/providers"
	"github.com/3cpo-dev/rollout/pkg/api"
)

type fakeInventory struct {
	servers []prov.Server
}

func (f *fakeInventory) Name() string { return "fake" }

func (f *fakeInventory) ListServers(_ context.Context, group string) ([]prov.Server, error) {
	var out []prov.Server
	for _, s := range f.servers {
		if s.InGroup(group) {
			out = append(out, s)
		}
	}
	return out, nil
}

func intp(v int) *int       { return &v }
func int64p(v int64) *int64 { return &v }

func inventory() *fakeInventory {
	return &fakeInventory{servers: []prov.Server{
		{Host: "h1", Name: "s1", Groups: []string{"canary"}},
		{Host: "h1", Name: "s2", Groups: []string{"fleet"}},
		{Host: "h2", Name: "s1", Groups: []string{"fleet"}},
		{Host: "h2", Name: "s2", Groups: []string{"fleet"}},
		{Host: "h3", Name: "s1", Groups: []string{"fleet"}},
	}}
}

func TestBuildRestartPlan(t *testing.T) {
	spec := api.PlanSpec{
		Name:                  "models",
		Operation:             api.OperationRestart,
		GracefulTimeoutMillis: int64p(5000),
		Groups: []api.GroupSpec{
			{Name: "canary", Selector: "canary"},
			{Name: "fleet", Selector: "fleet", MaxFailures: intp(1), Servers: []string{"h2/s1"}},
		},
	}
	plan, err := (&Builder{Inventory: inventory(), GracefulTimeout: -1}).Build(context.Background(), spec)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if plan.ID == "" || plan.Name != "models" || plan.GroupScopedRollback {
		t.Fatalf("plan %+v", plan)
	}
	if len(plan.Groups) != 2 || len(plan.Groups[0].Tasks) != 1 || len(plan.Groups[1].Tasks) != 4 {
		t.Fatalf("groups %+v", plan.Groups)
	}
	if plan.Groups[1].MaxFailures != 1 || plan.Groups[0].MaxFailures != 0 {
		t.Fatalf("max failures %d %d", plan.Groups[0].MaxFailures, plan.Groups[1].MaxFailures)
	}
	// Explicit servers come first and are not duplicated by the selector.
	if plan.Groups[1].Tasks[0].Server() != (ServerIdentity{HostName: "h2", ServerName: "s1"}) {
		t.Fatalf("first fleet task %s", plan.Groups[1].Tasks[0].Server())
	}
	rt, ok := plan.Groups[0].Tasks[0].(*RestartTask)
	if !ok || rt.GracefulTimeout != 5000 {
		t.Fatalf("task %+v", plan.Groups[0].Tasks[0])
	}
}

func TestBuildDefaultGracefulTimeout(t *testing.T) {
	spec := api.PlanSpec{Operation: api.OperationRestart, Groups: []api.GroupSpec{{Servers: []string{"h1/s1"}}}}
	plan, err := (&Builder{GracefulTimeout: WaitIndefinitely}).Build(context.Background(), spec)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if plan.Groups[0].Name != "group-1" {
		t.Fatalf("group name %q", plan.Groups[0].Name)
	}
	if rt := plan.Groups[0].Tasks[0].(*RestartTask); rt.GracefulTimeout != WaitIndefinitely {
		t.Fatalf("graceful timeout %d", rt.GracefulTimeout)
	}
}

func TestBuildRollingGroups(t *testing.T) {
	f := false
	spec := api.PlanSpec{
		Operation:            api.OperationRestart,
		RollbackAcrossGroups: &f,
		Groups:               []api.GroupSpec{{Name: "fleet", Selector: "fleet", RollingSize: 2, MaxFailurePercentage: intp(50)}},
	}
	plan, err := (&Builder{Inventory: inventory()}).Build(context.Background(), spec)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !plan.GroupScopedRollback {
		t.Fatalf("rollback_across_groups=false should scope rollback")
	}
	names := []string{"fleet[1/2]", "fleet[2/2]"}
	if len(plan.Groups) != 2 {
		t.Fatalf("groups %+v", plan.Groups)
	}
	for i, g := range plan.Groups {
		if g.Name != names[i] {
			t.Fatalf("group %d name %q", i, g.Name)
		}
		if g.MaxFailures != len(g.Tasks)*50/100 {
			t.Fatalf("group %s max failures %d for %d tasks", g.Name, g.MaxFailures, len(g.Tasks))
		}
	}
}

func TestBuildApplyConfig(t *testing.T) {
	prev := "old"
	spec := api.PlanSpec{
		Operation: api.OperationApplyConfig,
		Config:    &api.ConfigSpec{Path: "/etc/app.conf", Content: "new", Previous: &prev},
		Groups:    []api.GroupSpec{{Servers: []string{"h1/s1"}, MaxFailures: intp(-1)}},
	}
	plan, err := (&Builder{}).Build(context.Background(), spec)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	task, ok := plan.Groups[0].Tasks[0].(*ApplyConfigTask)
	if !ok || string(task.Content) != "new" || !task.HasPrevious || string(task.Previous) != "old" {
		t.Fatalf("task %+v", plan.Groups[0].Tasks[0])
	}
	if plan.Groups[0].MaxFailures != Unlimited {
		t.Fatalf("max failures %d", plan.Groups[0].MaxFailures)
	}
}

func TestBuildErrors(t *testing.T) {
	cases := map[string]api.PlanSpec{
		"unknown operation": {Operation: "reboot", Groups: []api.GroupSpec{{Servers: []string{"h1/s1"}}}},
		"bad identity":      {Operation: api.OperationRestart, Groups: []api.GroupSpec{{Servers: []string{"h1"}}}},
		"no inventory":      {Operation: api.OperationRestart, Groups: []api.GroupSpec{{Selector: "fleet"}}},
		"empty selector":    {Operation: api.OperationRestart, Groups: []api.GroupSpec{{Selector: "missing"}}},
		"duplicate server": {Operation: api.OperationRestart, Groups: []api.GroupSpec{
			{Servers: []string{"h1/s1"}}, {Servers: []string{"h1/s1"}},
		}},
		"bad graceful timeout": {Operation: api.OperationRestart, GracefulTimeoutMillis: int64p(-7), Groups: []api.GroupSpec{{Servers: []string{"h1/s1"}}}},
	}
	for name, spec := range cases {
		b := &Builder{}
		if name == "empty selector" {
			b.Inventory = inventory()
		}
		if _, err := b.Build(context.Background(), spec); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestMaxFailures(t *testing.T) {
	if got := maxFailures(api.GroupSpec{}, 10); got != 0 {
		t.Fatalf("default %d", got)
	}
	if got := maxFailures(api.GroupSpec{MaxFailures: intp(2), MaxFailurePercentage: intp(90)}, 10); got != 2 {
		t.Fatalf("explicit count should win, got %d", got)
	}
	if got := maxFailures(api.GroupSpec{MaxFailurePercentage: intp(25)}, 10); got != 2 {
		t.Fatalf("percentage %d", got)
	}
}

func TestLoadPlanSpecFromFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir+"/new.conf", "workers = 8\n")
	writeFile(t, dir+"/plan.yaml", strings.Join([]string{
		"name: cfg",
		"operation: apply-config",
		"config:",
		"  path: /etc/app.conf",
		"  content_file: new.conf",
		"groups:",
		"  - servers: [h1/s1]",
	}, "\n"))
	spec, err := api.LoadPlanSpec(dir + "/plan.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if spec.Config.Content != "workers = 8\n" {
		t.Fatalf("content %q", spec.Config.Content)
	}
}
