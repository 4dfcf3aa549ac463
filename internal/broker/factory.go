package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wagnerlcg/iqoptiontraderbot/config"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/logging"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/vault"
)

// Factory opens per-user venue sessions. Credentials are kept in Vault (or its local
// cache when Vault is disabled) so a dropped session can be re-established.
type Factory struct {
	connector Connector
	vault     *vault.Client
	mode      string
	logger    *logging.Logger

	clients sync.Map // userID -> *clientEntry
}

type clientEntry struct {
	client    *resilientClient
	createdAt time.Time
}

// NewFactory builds the connector selected by cfg.Mode
func NewFactory(cfg config.BrokerConfig, vaultClient *vault.Client) (*Factory, error) {
	var connector Connector
	switch cfg.Mode {
	case "paper", "":
		connector = &PaperConnector{StartingBalance: cfg.PaperStartingBalance, Payout: cfg.PaperPayout}
	case "websocket":
		if cfg.URL == "" {
			return nil, fmt.Errorf("broker url is required in websocket mode")
		}
		connector = &WSConnector{URL: cfg.URL, Timeout: cfg.RequestTimeout}
	default:
		return nil, fmt.Errorf("unknown broker mode %q", cfg.Mode)
	}
	return NewFactoryWithConnector(cfg.Mode, connector, vaultClient), nil
}

// NewFactoryWithConnector wraps an existing connector
func NewFactoryWithConnector(mode string, connector Connector, vaultClient *vault.Client) *Factory {
	if vaultClient == nil {
		vaultClient = vault.NewMockClient()
	}
	return &Factory{
		connector: connector,
		vault:     vaultClient,
		mode:      mode,
		logger:    logging.BrokerContext(mode, "factory"),
	}
}

// Mode returns the configured venue mode
func (f *Factory) Mode() string {
	return f.mode
}

// Login authenticates userID with the venue and stores the credentials for reconnects
func (f *Factory) Login(ctx context.Context, userID string, creds Credentials) (Client, error) {
	raw, err := f.connector.Connect(ctx, creds)
	if err != nil {
		return nil, err
	}

	if err := f.vault.StoreCredentials(ctx, userID, vault.Credentials{
		Email:       creds.Email,
		Password:    creds.Password,
		AccountType: string(creds.AccountType),
	}); err != nil {
		// the session works without it, only reconnects are lost
		f.logger.Warn("Failed to store broker credentials", "user_id", userID, "error", err)
	}

	client := &resilientClient{userID: userID, factory: f, current: raw}
	client.entry = &clientEntry{client: client, createdAt: time.Now()}
	// a replaced client stays open for its owner to settle orders, then closes itself
	f.clients.Store(userID, client.entry)

	f.logger.Info("Broker login succeeded", "user_id", userID, "account_type", string(creds.AccountType))
	return client, nil
}

// Reconnect re-opens userID's venue session from stored credentials
func (f *Factory) Reconnect(ctx context.Context, userID string) (Client, error) {
	stored, err := f.vault.GetCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials for user %s: %w", userID, err)
	}
	accountType, err := ParseAccountType(stored.AccountType)
	if err != nil {
		return nil, err
	}
	return f.connector.Connect(ctx, Credentials{
		Email:       stored.Email,
		Password:    stored.Password,
		AccountType: accountType,
	})
}

// Release closes userID's session and, when forget is set, drops the stored credentials
func (f *Factory) Release(ctx context.Context, userID string, forget bool) {
	if entry, ok := f.clients.LoadAndDelete(userID); ok {
		entry.(*clientEntry).client.closeCurrent()
	}
	if forget {
		if err := f.vault.DeleteCredentials(ctx, userID); err != nil {
			f.logger.Warn("Failed to delete broker credentials", "user_id", userID, "error", err)
		}
	}
}

// ActiveSessions returns how many users hold a venue session
func (f *Factory) ActiveSessions() int {
	n := 0
	f.clients.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// resilientClient re-establishes a dropped venue session once per failing call.
// Order placement is never retried since it is not idempotent.
type resilientClient struct {
	userID  string
	factory *Factory
	entry   *clientEntry

	mu      sync.Mutex
	current Client
	closed  bool
}

func (r *resilientClient) client() (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("%w: session closed", ErrConnection)
	}
	return r.current, nil
}

func (r *resilientClient) reconnect(ctx context.Context, failed Client) (Client, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: session closed", ErrConnection)
	}
	if r.current != failed {
		// another caller already reconnected
		c := r.current
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	fresh, err := r.factory.Reconnect(ctx, r.userID)
	if err != nil {
		return nil, fmt.Errorf("%w: reconnect: %v", ErrConnection, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		fresh.Close()
		return nil, fmt.Errorf("%w: session closed", ErrConnection)
	}
	if r.current != failed {
		fresh.Close()
		return r.current, nil
	}
	failed.Close()
	r.current = fresh
	r.factory.logger.Info("Broker session re-established", "user_id", r.userID)
	return fresh, nil
}

func (r *resilientClient) GetBalance(ctx context.Context) (float64, error) {
	c, err := r.client()
	if err != nil {
		return 0, err
	}
	balance, err := c.GetBalance(ctx)
	if err == nil || !errors.Is(err, ErrConnection) || ctx.Err() != nil {
		return balance, err
	}
	if c, err = r.reconnect(ctx, c); err != nil {
		return 0, err
	}
	return c.GetBalance(ctx)
}

func (r *resilientClient) PlaceOrder(ctx context.Context, req OrderRequest) (bool, string, error) {
	c, err := r.client()
	if err != nil {
		return false, "", err
	}
	accepted, id, err := c.PlaceOrder(ctx, req)
	if err != nil && errors.Is(err, ErrConnection) && ctx.Err() == nil {
		// reconnect for the next call, but report this placement as failed
		r.reconnect(ctx, c)
	}
	return accepted, id, err
}

func (r *resilientClient) CheckResult(ctx context.Context, orderID string) (Result, error) {
	c, err := r.client()
	if err != nil {
		return Result{}, err
	}
	res, err := c.CheckResult(ctx, orderID)
	if err == nil || !errors.Is(err, ErrConnection) || ctx.Err() != nil {
		return res, err
	}
	if c, err = r.reconnect(ctx, c); err != nil {
		return Result{}, err
	}
	return c.CheckResult(ctx, orderID)
}

// Close ends the session and unregisters it unless a newer login replaced it
func (r *resilientClient) Close() error {
	r.factory.clients.CompareAndDelete(r.userID, r.entry)
	return r.closeCurrent()
}

func (r *resilientClient) closeCurrent() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.current.Close()
}

// NormalizeUserID derives the registry key for a venue login
func NormalizeUserID(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
