package core

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
)

// Keys read from secrets.env.
const (
	SecretAgent       = "ROLLOUT_AGENT_SECRET"
	SecretConsulToken = "CONSUL_HTTP_TOKEN"
)

// LoadSecretsEnv reads KEY=VALUE pairs from a dotenv file. A missing file
// yields an empty map.
func LoadSecretsEnv(path string) (map[string]string, error) {
	if path == "" {
		path = ConfigDir() + "/secrets.env"
	}
	out, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secrets: %w", err)
	}
	return out, nil
}
