package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	prov "github.com/3cpo-dev/rollout/internal/providers"
	"gopkg.in/yaml.v3"
)

// ConfigDir resolves $XDG_CONFIG_HOME/rollout or ~/.config/rollout.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "rollout")
}

// LoadConfig reads YAML configuration from a path. If path is empty, it resolves
// config.yaml inside ConfigDir.
func LoadConfig(path string) (prov.Config, error) {
	var cfg prov.Config
	if path == "" {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	// Secrets live in secrets.env next to the config, never in YAML.
	secrets, err := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	if err != nil {
		return cfg, err
	}
	for _, k := range []string{SecretAgent, SecretConsulToken} {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
	cfg.Agent.Secret = secrets[SecretAgent]
	cfg.Inventory.Consul.Token = secrets[SecretConsulToken]

	ApplyDefaults(&cfg)
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *prov.Config) {
	if cfg.Inventory.Default == "" {
		cfg.Inventory.Default = "static"
	}
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = "agent"
	}
	if cfg.Transport.AgentPort == 0 {
		cfg.Transport.AgentPort = 8088
	}
	if cfg.Transport.AgentScheme == "" {
		cfg.Transport.AgentScheme = "http"
	}
	if cfg.Transport.RestartCommand == "" {
		cfg.Transport.RestartCommand = "systemctl restart {server}"
	}
	if cfg.Agent.TokenTTLSeconds == 0 {
		cfg.Agent.TokenTTLSeconds = 300
	}
	if cfg.SSH.KeyDir == "" {
		cfg.SSH.KeyDir = filepath.Join(ConfigDir(), "ssh")
	}
	if cfg.SSH.KnownHosts == "" {
		cfg.SSH.KnownHosts = filepath.Join(ConfigDir(), "known_hosts")
	}
	if cfg.SSH.User == "" {
		cfg.SSH.User = "rollout"
	}
	if cfg.SSH.Port == 0 {
		cfg.SSH.Port = 22
	}
	if cfg.Defaults.TaskTimeoutSeconds == 0 {
		cfg.Defaults.TaskTimeoutSeconds = int(DefaultTaskTimeout.Seconds())
	}
	if cfg.Defaults.GracefulTimeoutMillis == 0 {
		cfg.Defaults.GracefulTimeoutMillis = WaitIndefinitely
	}
	if cfg.Defaults.MaxParallel == 0 {
		cfg.Defaults.MaxParallel = DefaultMaxParallel
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(ConfigDir(), "history.db")
	}
}
