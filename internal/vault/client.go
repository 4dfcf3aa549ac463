// Package vault keeps each user's broker login in a HashiCorp Vault KV v2 engine so a
// dropped venue connection can be re-established without asking the user again.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/vault/api"

	"github.com/wagnerlcg/iqoptiontraderbot/config"
)

// ErrCredentialsNotFound is returned when no credentials are stored for a user
var ErrCredentialsNotFound = errors.New("broker credentials not found")

// Credentials represents the broker login stored in Vault
type Credentials struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	AccountType string `json:"account_type"`
}

func (c Credentials) toData() map[string]interface{} {
	return map[string]interface{}{
		"email":        c.Email,
		"password":     c.Password,
		"account_type": c.AccountType,
	}
}

func credentialsFromData(data map[string]interface{}) Credentials {
	field := func(key string) string {
		s, _ := data[key].(string)
		return s
	}
	return Credentials{
		Email:       field("email"),
		Password:    field("password"),
		AccountType: field("account_type"),
	}
}

// credentialCache is a process-local copy of stored logins
type credentialCache struct {
	mu      sync.RWMutex
	entries map[string]Credentials
}

func newCredentialCache() *credentialCache {
	return &credentialCache{entries: make(map[string]Credentials)}
}

func (cc *credentialCache) get(userID string) (Credentials, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	c, ok := cc.entries[userID]
	return c, ok
}

func (cc *credentialCache) put(userID string, c Credentials) {
	cc.mu.Lock()
	cc.entries[userID] = c
	cc.mu.Unlock()
}

func (cc *credentialCache) drop(userID string) {
	cc.mu.Lock()
	delete(cc.entries, userID)
	cc.mu.Unlock()
}

// Client wraps the Vault KV v2 API. When Vault is disabled credentials live in process
// memory only and are lost on restart.
type Client struct {
	kv     *api.KVv2
	sys    *api.Sys
	config config.VaultConfig
	cache  *credentialCache
}

// NewClient creates a Vault client; a disabled config yields a memory-only client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{config: cfg, cache: newCredentialCache()}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	vc, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	vc.SetToken(cfg.Token)

	c.kv = vc.KVv2(cfg.MountPath)
	c.sys = vc.Sys()
	return c, nil
}

// NewMockClient creates a client backed only by the in-memory cache
func NewMockClient() *Client {
	return &Client{cache: newCredentialCache()}
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// StoreCredentials stores the broker login for a user
func (c *Client) StoreCredentials(ctx context.Context, userID string, creds Credentials) error {
	if c.IsEnabled() {
		if _, err := c.kv.Put(ctx, c.secretKey(userID), creds.toData()); err != nil {
			return fmt.Errorf("failed to store credentials in vault: %w", err)
		}
	}
	c.cache.put(userID, creds)
	return nil
}

// GetCredentials returns a copy of the broker login for a user, reading Vault on a cache miss
func (c *Client) GetCredentials(ctx context.Context, userID string) (*Credentials, error) {
	if creds, ok := c.cache.get(userID); ok {
		return &creds, nil
	}
	if !c.IsEnabled() {
		return nil, ErrCredentialsNotFound
	}

	secret, err := c.kv.Get(ctx, c.secretKey(userID))
	if errors.Is(err, api.ErrSecretNotFound) || (err == nil && (secret == nil || secret.Data == nil)) {
		return nil, ErrCredentialsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}

	creds := credentialsFromData(secret.Data)
	c.cache.put(userID, creds)
	return &creds, nil
}

// DeleteCredentials removes every version of the broker login for a user
func (c *Client) DeleteCredentials(ctx context.Context, userID string) error {
	c.cache.drop(userID)
	if !c.IsEnabled() {
		return nil
	}
	if err := c.kv.DeleteMetadata(ctx, c.secretKey(userID)); err != nil {
		return fmt.Errorf("failed to delete credentials from vault: %w", err)
	}
	return nil
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.IsEnabled() {
		return nil
	}
	health, err := c.sys.HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return errors.New("vault is sealed")
	}
	return nil
}

// secretKey is the KV path, relative to the mount, of a user's credentials
func (c *Client) secretKey(userID string) string {
	segment := strings.NewReplacer("/", "_", " ", "_").Replace(userID)
	if c.config.SecretPath == "" {
		return segment
	}
	return strings.TrimSuffix(c.config.SecretPath, "/") + "/" + segment
}
