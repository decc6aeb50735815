package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gantrylabs/gantry/pkg/audit"
	"github.com/gantrylabs/gantry/pkg/catalog"
	"github.com/gantrylabs/gantry/pkg/store"
)

// FlowProvider is the slice of a Provider the authorization flow uses.
type FlowProvider interface {
	AuthURL(clientID, redirectURI, state string, scopes []string) string
	ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*TokenResponse, error)
	Revoke(ctx context.Context, token string) error
}

// Flow walks an instance through the OAuth authorization round-trip:
// Begin hands the user off to the provider, Complete lands the
// returned code, Revoke tears the grant down.
type Flow struct {
	store       InstanceStore
	catalog     ServiceCatalog
	cache       *Cache
	providers   map[string]FlowProvider
	clients     map[string]ClientCredentials
	redirectURI string
	audit       audit.Logger
	logger      *slog.Logger
	now         func() time.Time
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithFlowProvider installs or replaces one provider.
func WithFlowProvider(name string, p FlowProvider) FlowOption {
	return func(f *Flow) { f.providers[name] = p }
}

// WithFlowClients installs the platform's OAuth client registrations,
// keyed by provider. Instances carrying their own client pair take
// precedence.
func WithFlowClients(clients map[string]ClientCredentials) FlowOption {
	return func(f *Flow) {
		for name, c := range clients {
			f.clients[name] = c
		}
	}
}

// WithFlowAudit sets the audit trail target.
func WithFlowAudit(l audit.Logger) FlowOption {
	return func(f *Flow) { f.audit = l }
}

// WithFlowClock overrides the time source. Tests use this.
func WithFlowClock(now func() time.Time) FlowOption {
	return func(f *Flow) { f.now = now }
}

// NewFlow wires the authorization flow. redirectURI is the control
// plane's registered callback URL.
func NewFlow(st InstanceStore, cat ServiceCatalog, cache *Cache, redirectURI string, opts ...FlowOption) *Flow {
	f := &Flow{
		store:       st,
		catalog:     cat,
		cache:       cache,
		providers:   make(map[string]FlowProvider),
		clients:     make(map[string]ClientCredentials),
		redirectURI: redirectURI,
		audit:       audit.Nop{},
		logger:      slog.With("component", "oauth-flow"),
		now:         time.Now,
	}
	for _, name := range Providers() {
		p, err := NewProvider(name)
		if err != nil {
			continue
		}
		f.providers[name] = p
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// BeginAuthorization returns the provider URL the user must visit to
// grant access for the instance.
func (f *Flow) BeginAuthorization(ctx context.Context, instanceID string) (string, error) {
	inst, entry, provider, err := f.load(ctx, instanceID)
	if err != nil {
		return "", err
	}
	client := f.clientFor(inst, entry.Provider)
	if client.ID == "" {
		return "", fmt.Errorf("credentials: no oauth client registered for provider %q", entry.Provider)
	}

	state := EncodeState(State{
		InstanceID: inst.ID,
		UserID:     inst.UserID,
		Service:    inst.ServiceName,
		IssuedAt:   f.now(),
	})
	return provider.AuthURL(client.ID, f.redirectURI, state, entry.DefaultScopes), nil
}

// CompleteAuthorization lands the provider callback: it validates the
// state, exchanges the code and persists the grant. Returns the
// instance id the grant belongs to.
func (f *Flow) CompleteAuthorization(ctx context.Context, stateParam, code string) (string, error) {
	state, err := DecodeState(stateParam, f.now())
	if err != nil {
		return "", err
	}
	inst, entry, provider, err := f.load(ctx, state.InstanceID)
	if err != nil {
		return "", err
	}
	if inst.UserID != state.UserID {
		return "", ErrStateInvalid
	}

	client := f.clientFor(inst, entry.Provider)
	resp, err := provider.ExchangeCode(ctx, client.ID, client.Secret, code, f.redirectURI)
	if err != nil {
		_ = f.audit.Failure(ctx, audit.OpExchange, inst.ID, inst.UserID, err,
			map[string]any{"service": inst.ServiceName})
		return "", fmt.Errorf("credentials: authorization exchange failed: %w", err)
	}

	now := f.now()
	expiresAt := now.Add(nonExpiringTTL)
	if resp.ExpiresIn > 0 {
		expiresAt = now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	if err := f.store.UpdateInstanceTokens(ctx, inst.ID, resp.AccessToken, resp.RefreshToken, expiresAt); err != nil {
		return "", fmt.Errorf("credentials: failed to persist grant: %w", err)
	}
	f.cache.Invalidate(inst.ID)

	_ = f.audit.Success(ctx, audit.OpExchange, inst.ID, inst.UserID,
		map[string]any{"service": inst.ServiceName, "scope": resp.Scope})
	f.logger.Info("authorization completed", "instance_id", inst.ID, "service", inst.ServiceName)
	return inst.ID, nil
}

// RevokeCredential revokes the instance's token upstream and marks the
// grant revoked locally. Upstream refusal does not block the local
// teardown.
func (f *Flow) RevokeCredential(ctx context.Context, instanceID string) error {
	inst, _, provider, err := f.load(ctx, instanceID)
	if err != nil {
		return err
	}

	if inst.AccessToken != "" {
		if err := provider.Revoke(ctx, inst.AccessToken); err != nil {
			f.logger.Warn("upstream revoke failed", "instance_id", instanceID, "error", err)
		}
	}
	if err := f.store.UpdateOAuthStatus(ctx, instanceID, store.OAuthRevoked); err != nil {
		return fmt.Errorf("credentials: failed to mark grant revoked: %w", err)
	}
	f.cache.Invalidate(instanceID)

	_ = f.audit.Success(ctx, audit.OpRevoke, instanceID, inst.UserID,
		map[string]any{"service": inst.ServiceName})
	return nil
}

// clientFor picks the instance's own client registration, falling back
// to the platform's registration for the provider.
func (f *Flow) clientFor(inst *store.Instance, provider string) ClientCredentials {
	if inst.ClientID != "" {
		return ClientCredentials{ID: inst.ClientID, Secret: inst.ClientSecret}
	}
	return f.clients[provider]
}

func (f *Flow) load(ctx context.Context, instanceID string) (*store.Instance, *catalog.Entry, FlowProvider, error) {
	inst, err := f.store.LookupInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("credentials: failed to load instance: %w", err)
	}
	if inst == nil {
		return nil, nil, nil, ErrInstanceNotFound
	}
	if inst.Kind != store.KindOAuth {
		return nil, nil, nil, fmt.Errorf("credentials: instance %s is not an oauth instance", instanceID)
	}
	entry, ok := f.catalog.Lookup(inst.ServiceName)
	if !ok || entry.Disabled {
		return nil, nil, nil, ErrServiceDisabled
	}
	provider, ok := f.providers[entry.Provider]
	if !ok {
		return nil, nil, nil, fmt.Errorf("credentials: no provider registered for %q", entry.Provider)
	}
	return inst, entry, provider, nil
}
