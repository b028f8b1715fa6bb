package secrets

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LocalProvider resolves secrets from the environment, falling back to one
// file per secret in a directory. Intended for development and testing.
//
// A secret named "redis-url" resolves from MESHGUARD_SECRET_REDIS_URL, then
// from <dir>/redis-url.
type LocalProvider struct {
	dir    string
	logger *slog.Logger
}

// NewLocalProvider creates an environment/file-backed provider.
func NewLocalProvider(dir string, logger *slog.Logger) *LocalProvider {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("using local secrets provider", "dir", dir)
	return &LocalProvider{dir: dir, logger: logger}
}

// envName maps a secret name to its environment variable.
func envName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
	return "MESHGUARD_SECRET_" + mapped
}

// Get resolves the named secret.
func (p *LocalProvider) Get(name string) (string, error) {
	if val := os.Getenv(envName(name)); val != "" {
		return val, nil
	}
	if p.dir != "" {
		data, err := os.ReadFile(filepath.Join(p.dir, name))
		if err == nil {
			return strings.TrimSpace(string(data)), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("reading secret file %s: %w", name, err)
		}
	}
	return "", fmt.Errorf("secret not found: %s (set %s)", name, envName(name))
}

// Close is a no-op for the local provider.
func (p *LocalProvider) Close() error { return nil }
