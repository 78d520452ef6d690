package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"opsync/internal/domain"
)

// SecretOpener decrypts an integration's stored credential bundle.
type SecretOpener interface {
	Open(cipher string) (string, error)
}

// Endpoints overrides platform base URLs, mainly for the local simulator.
type Endpoints map[string]string

// TenantAdapters builds and caches adapters for one tenant's integrations.
// It is created per scope and never shared across tenants.
type TenantAdapters struct {
	TenantID string

	registry  *Registry
	policies  *PolicyRegistry
	secrets   SecretOpener
	endpoints Endpoints
	http      *http.Client
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]Adapter
}

type TenantAdaptersOptions struct {
	Registry  *Registry
	Policies  *PolicyRegistry
	Secrets   SecretOpener
	Endpoints Endpoints
	HTTP      *http.Client
	Logger    *slog.Logger
}

func NewTenantAdapters(tenantID string, opts TenantAdaptersOptions) *TenantAdapters {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TenantAdapters{
		TenantID:  tenantID,
		registry:  opts.Registry,
		policies:  opts.Policies,
		secrets:   opts.Secrets,
		endpoints: opts.Endpoints,
		http:      opts.HTTP,
		logger:    logger,
		cache:     map[string]Adapter{},
	}
}

// For returns the adapter for integration in, building it on first use.
// Stored credentials are decrypted per call, never when the adapter is built.
func (t *TenantAdapters) For(in domain.Integration) (Adapter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.cache[in.ID]; ok {
		return a, nil
	}

	var source CredentialSource
	if in.SecretCipher != "" {
		if t.secrets == nil {
			return nil, fmt.Errorf("integration %s: no secret opener configured", in.ID)
		}
		source = openSource(t.secrets, in.ID, in.SecretCipher)
	}

	logger := t.logger.With("platform", in.Platform, "integration_id", in.ID)
	a, err := t.registry.New(in.Platform, Config{
		TenantID:      t.TenantID,
		IntegrationID: in.ID,
		BaseURL:       t.endpoints[in.Platform],
		Credentials:   Credentials{},
		Secrets:       source,
		Settings:      in.Settings,
		HTTP:          t.http,
		Policy:        t.policies.For(t.TenantID, in.Platform),
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	t.cache[in.ID] = a
	return a, nil
}

func openSource(secrets SecretOpener, integrationID, cipher string) CredentialSource {
	return func(context.Context) (Credentials, error) {
		plain, err := secrets.Open(cipher)
		if err != nil {
			return nil, fmt.Errorf("integration %s: open credentials: %w", integrationID, err)
		}
		creds := Credentials{}
		if err := json.Unmarshal([]byte(plain), &creds); err != nil {
			return nil, fmt.Errorf("integration %s: decode credentials: %w", integrationID, err)
		}
		return creds, nil
	}
}

func (t *TenantAdapters) Channel(in domain.Integration) (ChannelAdapter, error) {
	a, err := t.For(in)
	if err != nil {
		return nil, err
	}
	ch, ok := a.(ChannelAdapter)
	if !ok {
		return nil, Unsupported(in.Platform, "channel")
	}
	return ch, nil
}

func (t *TenantAdapters) Courier(in domain.Integration) (CourierAdapter, error) {
	a, err := t.For(in)
	if err != nil {
		return nil, err
	}
	c, ok := a.(CourierAdapter)
	if !ok {
		return nil, Unsupported(in.Platform, "courier")
	}
	return c, nil
}
