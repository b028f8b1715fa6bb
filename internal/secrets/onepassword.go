package secrets

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
)

// OnePasswordProvider resolves secrets from a 1Password vault via the
// Connect API. Each secret is an item whose title is the secret name; the
// value is read from the item's "credential" field, falling back to the
// first concealed field.
//
// Configuration is via environment variables:
//   - OP_CONNECT_HOST: URL of the 1Password Connect server
//   - OP_CONNECT_TOKEN: Access token for the Connect server
//   - OP_VAULT_ID: UUID of the vault holding the secrets
type OnePasswordProvider struct {
	client  connect.Client
	vaultID string
	logger  *slog.Logger

	// Cache to avoid repeated API calls
	mu    sync.RWMutex
	cache map[string]string
}

// NewOnePasswordProvider creates a 1Password-backed provider.
func NewOnePasswordProvider(cfg Config, logger *slog.Logger) (*OnePasswordProvider, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}

	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "meshguard")

	return &OnePasswordProvider{
		client:  client,
		vaultID: cfg.VaultID,
		logger:  logger,
		cache:   make(map[string]string),
	}, nil
}

// Get resolves the named secret from the vault.
func (p *OnePasswordProvider) Get(name string) (string, error) {
	p.mu.RLock()
	if cached, ok := p.cache[name]; ok {
		p.mu.RUnlock()
		return cached, nil
	}
	p.mu.RUnlock()

	items, err := p.client.GetItemsByTitle(name, p.vaultID)
	if err != nil {
		return "", fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("secret not found in vault: %s", name)
	}

	// Get the full item (including fields)
	item, err := p.client.GetItem(items[0].ID, p.vaultID)
	if err != nil {
		return "", fmt.Errorf("getting item: %w", err)
	}

	value := ""
	for _, f := range item.Fields {
		if f.Label == "credential" {
			value = f.Value
			break
		}
		if value == "" && f.Type == "CONCEALED" {
			value = f.Value
		}
	}
	if value == "" {
		return "", fmt.Errorf("secret %s has no credential field", name)
	}

	p.mu.Lock()
	p.cache[name] = value
	p.mu.Unlock()
	return value, nil
}

// Close clears the cache.
func (p *OnePasswordProvider) Close() error {
	p.mu.Lock()
	p.cache = make(map[string]string)
	p.mu.Unlock()
	return nil
}
