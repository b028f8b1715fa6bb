// Package secrets resolves credentials for the optional telemetry sinks
// (Redis URL, Postgres DSN).
//
// The primary implementation uses 1Password Connect for production
// environments, with an environment/file fallback for development. Sink
// DSNs never appear in the scenario config file; the config names a secret
// and the provider resolves it at startup.
package secrets

import (
	"fmt"
	"log/slog"
	"os"
)

// Provider resolves a named secret to its value.
type Provider interface {
	// Get returns the secret value, or an error if it cannot be resolved.
	Get(name string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}

// Config selects and configures the secrets backend.
type Config struct {
	// Backend is "1password", "local", or "auto". "auto" (default) uses
	// 1Password Connect if configured, otherwise local.
	Backend string

	// 1Password Connect configuration.
	Host    string // OP_CONNECT_HOST
	Token   string // OP_CONNECT_TOKEN
	VaultID string // OP_VAULT_ID

	// LocalDir holds one file per secret for the local backend.
	LocalDir string
}

// ConfigFromEnv creates a Config from environment variables.
func ConfigFromEnv() Config {
	return Config{
		Backend:  getEnv("MESHGUARD_SECRETS_BACKEND", "auto"),
		Host:     os.Getenv("OP_CONNECT_HOST"),
		Token:    os.Getenv("OP_CONNECT_TOKEN"),
		VaultID:  os.Getenv("OP_VAULT_ID"),
		LocalDir: os.Getenv("MESHGUARD_SECRET_DIR"),
	}
}

// New creates a Provider based on configuration.
func New(cfg Config, logger *slog.Logger) (Provider, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "1password":
		return NewOnePasswordProvider(cfg, logger)

	case "local":
		return NewLocalProvider(cfg.LocalDir, logger), nil

	case "auto":
		if cfg.Host != "" && cfg.Token != "" && cfg.VaultID != "" {
			p, err := NewOnePasswordProvider(cfg, logger)
			if err != nil {
				logger.Warn("failed to initialize 1Password, falling back to local secrets",
					"error", err)
				return NewLocalProvider(cfg.LocalDir, logger), nil
			}
			return p, nil
		}
		logger.Info("1Password Connect not configured, using local secrets")
		return NewLocalProvider(cfg.LocalDir, logger), nil

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
