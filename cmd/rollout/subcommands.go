package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3cpo-dev/rollout/internal/core"
	gssh "github.com/3cpo-dev/rollout/internal/ssh"
	"github.com/3cpo-dev/rollout/pkg/api"
)

const defaultConfig = `inventory:
  default: static
  static:
    hosts: []
  # consul:
  #   address: 127.0.0.1:8500
  #   service: rollout-managed
transport:
  kind: agent
  agent_port: 8088
defaults:
  task_timeout_seconds: 300
  compensation_timeout_seconds: 300
  graceful_timeout_ms: -1
  max_parallel: 16
`

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the config directory, SSH key, known_hosts and agent secret. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = filepath.Join(core.ConfigDir(), "config.yaml")
			}
			dir := filepath.Dir(cfgPath)
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return err
			}
			if created, err := writeIfMissing(cfgPath, defaultConfig); err != nil {
				return err
			} else if created {
				fmt.Printf("wrote %s\n", cfgPath)
			}

			secretsPath := filepath.Join(dir, "secrets.env")
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			if created, err := writeIfMissing(secretsPath, fmt.Sprintf("%s=%s\n", core.SecretAgent, hex.EncodeToString(buf))); err != nil {
				return err
			} else if created {
				fmt.Printf("wrote %s (copy %s to every agent)\n", secretsPath, core.SecretAgent)
			}

			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			keyPath := filepath.Join(cfg.SSH.KeyDir, "id_ed25519")
			if _, err := os.Stat(keyPath); errors.Is(err, fs.ErrNotExist) {
				if err := os.MkdirAll(cfg.SSH.KeyDir, 0o700); err != nil {
					return err
				}
				pub, err := gssh.GenerateEd25519Keypair(keyPath)
				if err != nil {
					return err
				}
				fmt.Printf("generated %s\n%s", keyPath, pub)
			}
			return gssh.EnsureKnownHostsFile(cfg.SSH.KnownHosts)
		},
	}
}

func writeIfMissing(path, content string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()
	_, err = f.WriteString(content)
	return err == nil, err
}

func newTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <addr> <authorized-key>",
		Short: "Pin a host key in known_hosts for the ssh transport",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			if err := gssh.TrustHost(e.cfg.SSH.KnownHosts, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("trusted %s\n", args[0])
			return nil
		},
	}
}

func newServersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List managed servers from the inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			name, _ := cmd.Flags().GetString("inventory")
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			inv, err := e.inventory(name)
			if err != nil {
				return err
			}
			servers, err := inv.ListServers(cmd.Context(), group)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, s := range servers {
				fmt.Fprintf(w, "%s/%s\t%s\t%s\n", s.Host, s.Name, s.Addr, strings.Join(s.Groups, ","))
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("group", "", "only servers carrying this group")
	cmd.Flags().String("inventory", "", "inventory provider (default from config)")
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Run an update plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := api.LoadPlanSpec(args[0])
			if err != nil {
				return err
			}
			return runSpec(cmd, spec)
		},
	}
	addRunFlags(cmd)
	return cmd
}

func newRestartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart [host/server ...]",
		Short: "Restart servers, selected explicitly or by inventory group",
		RunE: func(cmd *cobra.Command, args []string) error {
			selector, _ := cmd.Flags().GetString("selector")
			graceful, _ := cmd.Flags().GetInt64("graceful-timeout")
			maxFailures, _ := cmd.Flags().GetInt("max-failures")
			rolling, _ := cmd.Flags().GetInt("rolling")
			if len(args) == 0 && selector == "" {
				return fmt.Errorf("name servers or pass --selector")
			}
			spec := api.PlanSpec{
				Name:      "restart",
				Operation: api.OperationRestart,
				Groups: []api.GroupSpec{{
					Name:        "restart",
					Servers:     args,
					Selector:    selector,
					MaxFailures: &maxFailures,
					RollingSize: rolling,
				}},
			}
			if cmd.Flags().Changed("graceful-timeout") {
				spec.GracefulTimeoutMillis = &graceful
			}
			return runSpec(cmd, spec)
		},
	}
	cmd.Flags().String("selector", "", "inventory group to restart")
	cmd.Flags().Int64("graceful-timeout", core.WaitIndefinitely, "graceful shutdown timeout in ms (-1 waits indefinitely)")
	cmd.Flags().Int("max-failures", 0, "failures tolerated per step before rolling back (-1 for unlimited)")
	cmd.Flags().Int("rolling", 0, "restart at most this many servers at a time")
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("inventory", "", "inventory provider (default from config)")
	cmd.Flags().Bool("dry-run", false, "print the resolved plan without running it")
	cmd.Flags().Bool("no-history", false, "do not record the result")
}

func runSpec(cmd *cobra.Command, spec api.PlanSpec) error {
	name, _ := cmd.Flags().GetString("inventory")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	noHistory, _ := cmd.Flags().GetBool("no-history")
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}

	// A dry run only needs the inventory.
	if dryRun {
		inv, err := e.inventory(name)
		if err != nil {
			return err
		}
		b := &core.Builder{Inventory: inv, GracefulTimeout: e.cfg.Defaults.GracefulTimeoutMillis}
		plan, err := b.Build(cmd.Context(), spec)
		if err != nil {
			return err
		}
		for _, g := range plan.Groups {
			fmt.Printf("%s (max failures %d)\n", g.Name, g.MaxFailures)
			for _, t := range g.Tasks {
				op := t.Operation()
				fmt.Printf("  %s\t%s\n", t.Server(), op.Name)
			}
		}
		return nil
	}

	orch, release, err := e.orchestrator(cmd.Context(), name, !noHistory)
	if err != nil {
		return err
	}
	defer release()

	res, err := orch.RunPlan(cmd.Context(), spec)
	if res != nil {
		printResult(res)
	}
	if err != nil {
		return err
	}
	if res.Status != core.PlanSucceeded {
		return fmt.Errorf("plan %s %s", res.ID, res.Status)
	}
	return nil
}

func printResult(res *core.PlanResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "plan %s\t%s\t%s\n", res.ID, res.Status, res.CompletedAt.Sub(res.StartedAt).Round(time.Millisecond))
	for _, g := range res.Groups {
		fmt.Fprintf(w, "group %s\t%s\tfailures %d/%d\n", g.Name, g.Verdict, g.Failures, g.MaxFailures)
	}
	for _, id := range res.Servers() {
		o := res.Outcomes[id]
		comp := ""
		if c, ok := res.Compensations[id]; ok {
			comp = "rollback " + c.String()
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\n", id, o, comp)
	}
	_ = w.Flush()
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			st, err := e.store(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			plans, err := st.ListPlans(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, p := range plans {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Status, p.StartedAt.Local().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "number of plans to show")
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show the per-server outcomes of a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			st, err := e.store(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			p, outcomes, err := st.GetPlan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "plan %s\t%s\t%s\n", p.ID, p.Name, p.Status)
			for _, g := range p.Groups {
				fmt.Fprintf(w, "group %s\t%s\tfailures %d/%d\n", g.Name, g.Verdict, g.Failures, g.MaxFailures)
			}
			for _, so := range outcomes {
				comp := ""
				if so.Compensation != nil {
					comp = "rollback " + so.Compensation.String()
				}
				fmt.Fprintf(w, "  %s\t%s\t%s\n", so.Server, so.Outcome, comp)
			}
			return w.Flush()
		},
	}
}
