package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/rollout/internal/agent"
	"github.com/3cpo-dev/rollout/internal/core"
)

var version = "0.1.0"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rollout-agent",
		Short:         "Executes rollout operations for the servers of this host",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
	hostname, _ := os.Hostname()
	cmd.Flags().StringP("log", "l", "info", "Set log level")
	cmd.Flags().String("addr", ":8088", "listen address")
	cmd.Flags().String("host", hostname, "host name operations must address")
	cmd.Flags().String("restart-command", "systemctl restart {server}", "command run for restart-server; {server} expands")
	cmd.Flags().String("reload-command", "", "command run after apply-config; {server} and {path} expand")
	cmd.Flags().String("config-root", "", "directory apply-config may write under (empty disables apply-config)")
	cmd.Flags().String("secrets", "", "dotenv file holding "+core.SecretAgent)
	return cmd
}

func serve(cmd *cobra.Command, args []string) error {
	levelStr, _ := cmd.Flags().GetString("log")
	if level, err := zerolog.ParseLevel(levelStr); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	addr, _ := cmd.Flags().GetString("addr")
	host, _ := cmd.Flags().GetString("host")
	restart, _ := cmd.Flags().GetString("restart-command")
	reload, _ := cmd.Flags().GetString("reload-command")
	root, _ := cmd.Flags().GetString("config-root")
	secretsPath, _ := cmd.Flags().GetString("secrets")

	secret := os.Getenv(core.SecretAgent)
	if secret == "" && secretsPath != "" {
		secrets, err := core.LoadSecretsEnv(secretsPath)
		if err != nil {
			return err
		}
		secret = secrets[core.SecretAgent]
	}
	if secret == "" {
		log.Warn().Msg("No agent secret configured, operations are accepted without a token")
	}

	srv := agent.New(version, agent.Config{
		Host:           host,
		Secret:         []byte(secret),
		RestartCommand: restart,
		ReloadCommand:  reload,
		ConfigRoot:     root,
	})
	tlsCfg := agent.LoadMTLSConfig()

	errc := make(chan error, 1)
	go func() {
		if tlsCfg.Enabled() {
			errc <- srv.ListenAndServeTLS(addr, tlsCfg)
			return
		}
		errc <- srv.ListenAndServe(addr)
	}()
	log.Info().Str("addr", addr).Str("host", host).Bool("tls", tlsCfg.Enabled()).Msg("rollout-agent listening")

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-cmd.Context().Done():
	}
	log.Info().Msg("rollout-agent shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	root := newRootCmd()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
