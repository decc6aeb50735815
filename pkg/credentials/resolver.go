package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/gantrylabs/gantry/pkg/audit"
	"github.com/gantrylabs/gantry/pkg/catalog"
	"github.com/gantrylabs/gantry/pkg/metrics"
	"github.com/gantrylabs/gantry/pkg/observability"
	"github.com/gantrylabs/gantry/pkg/store"
)

const (
	// refreshMargin is how much usable life a token must have left
	// before it is handed out. Anything closer to expiry refreshes.
	refreshMargin = 5 * time.Minute

	// nonExpiringTTL bounds cache residence for tokens the provider
	// issued without an expiry; the store is re-consulted after.
	nonExpiringTTL = time.Hour
)

// InstanceStore is the slice of the store the resolver needs.
type InstanceStore interface {
	LookupInstance(ctx context.Context, id string) (*store.Instance, error)
	UpdateInstanceTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error
	UpdateOAuthStatus(ctx context.Context, id string, status store.OAuthStatus) error
}

// ServiceCatalog answers whether a service exists and is enabled.
type ServiceCatalog interface {
	Lookup(name string) (*catalog.Entry, bool)
}

// Refresher trades a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (*TokenResponse, error)
}

// Resolver turns an instance id into a usable bearer token: cache
// first, then the store, then an upstream refresh. Refreshes are
// single-flight per instance and circuit-broken per provider.
type Resolver struct {
	store      InstanceStore
	catalog    ServiceCatalog
	cache      *Cache
	refreshers map[string]Refresher
	clients    map[string]ClientCredentials
	audit      audit.Logger
	logger     *slog.Logger
	now        func() time.Time

	flight singleflight.Group

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithRefresher installs or replaces the refresher for one provider.
func WithRefresher(provider string, r Refresher) ResolverOption {
	return func(res *Resolver) { res.refreshers[provider] = r }
}

// WithClients installs the platform's OAuth client registrations,
// keyed by provider. Instances carrying their own client pair take
// precedence.
func WithClients(clients map[string]ClientCredentials) ResolverOption {
	return func(res *Resolver) {
		for name, c := range clients {
			res.clients[name] = c
		}
	}
}

// WithAudit sets the audit trail target.
func WithAudit(l audit.Logger) ResolverOption {
	return func(res *Resolver) { res.audit = l }
}

// WithResolverLogger sets the slog logger.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(res *Resolver) { res.logger = l }
}

// WithResolverClock overrides the time source. Tests use this.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(res *Resolver) { res.now = now }
}

// NewResolver wires a resolver over the given store, catalog and
// cache. All built-in providers are installed; options may override
// individual refreshers.
func NewResolver(st InstanceStore, cat ServiceCatalog, cache *Cache, opts ...ResolverOption) *Resolver {
	res := &Resolver{
		store:      st,
		catalog:    cat,
		cache:      cache,
		refreshers: make(map[string]Refresher),
		clients:    make(map[string]ClientCredentials),
		audit:      audit.Nop{},
		logger:     slog.With("component", "credentials"),
		now:        time.Now,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, name := range Providers() {
		p, err := NewProvider(name)
		if err != nil {
			continue
		}
		res.refreshers[name] = p
	}
	for _, opt := range opts {
		opt(res)
	}
	return res
}

// Resolve returns a bearer token for the instance, refreshing through
// the provider when the stored token is inside the expiry margin.
func (r *Resolver) Resolve(ctx context.Context, instanceID string) (string, error) {
	now := r.now()
	if entry, ok := r.cache.Get(instanceID); ok && entry.ExpiresAt.After(now.Add(refreshMargin)) {
		return entry.AccessToken, nil
	}

	ctx, span := observability.StartSpan(ctx, "credentials.resolve",
		trace.WithAttributes(observability.AttrInstanceID.String(instanceID)))
	token, err := r.resolveUncached(ctx, instanceID, now)
	observability.EndSpan(span, err)
	return token, err
}

func (r *Resolver) resolveUncached(ctx context.Context, instanceID string, now time.Time) (string, error) {
	inst, err := r.store.LookupInstance(ctx, instanceID)
	if err != nil {
		return "", fmt.Errorf("credentials: failed to load instance: %w", err)
	}
	if inst == nil {
		return "", ErrInstanceNotFound
	}
	entry, ok := r.catalog.Lookup(inst.ServiceName)
	if !ok || entry.Disabled {
		return "", ErrServiceDisabled
	}
	observability.SpanFromContext(ctx).SetAttributes(
		observability.AttrService.String(inst.ServiceName),
		observability.AttrProvider.String(entry.Provider))
	if inst.Status == store.StatusInactive {
		return "", ErrInstancePaused
	}

	if inst.Kind == store.KindOAuth {
		switch inst.OAuthStatus {
		case store.OAuthCompleted:
		case store.OAuthExpired:
			return "", ErrReauthRequired
		default:
			return "", ErrNoCredential
		}
	}

	// A stored token still outside the margin is served as is.
	if inst.AccessToken != "" && r.tokenFresh(inst.TokenExpiresAt, now) {
		r.cache.Put(instanceID, r.entryFor(inst, now))
		return inst.AccessToken, nil
	}

	if inst.Kind != store.KindOAuth || inst.RefreshToken == "" {
		// Nothing stored and nothing to refresh with.
		return "", ErrNoCredential
	}

	token, err, _ := r.flight.Do(instanceID, func() (any, error) {
		return r.refresh(ctx, inst, entry.Provider)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// clientFor picks the instance's own client registration, falling back
// to the platform's registration for the provider.
func (r *Resolver) clientFor(inst *store.Instance, provider string) ClientCredentials {
	if inst.ClientID != "" {
		return ClientCredentials{ID: inst.ClientID, Secret: inst.ClientSecret}
	}
	return r.clients[provider]
}

func (r *Resolver) tokenFresh(expiresAt *time.Time, now time.Time) bool {
	if expiresAt == nil {
		return true
	}
	return expiresAt.After(now.Add(refreshMargin))
}

func (r *Resolver) entryFor(inst *store.Instance, now time.Time) CachedCredential {
	expires := now.Add(nonExpiringTTL)
	if inst.TokenExpiresAt != nil {
		expires = *inst.TokenExpiresAt
	}
	return CachedCredential{
		AccessToken:  inst.AccessToken,
		RefreshToken: inst.RefreshToken,
		ExpiresAt:    expires,
		UserID:       inst.UserID,
		Status:       string(inst.OAuthStatus),
	}
}

// refresh runs inside the per-instance flight. Exactly one provider
// call chain executes per instance at a time; concurrent resolvers
// share its outcome.
func (r *Resolver) refresh(ctx context.Context, inst *store.Instance, provider string) (string, error) {
	refresher, ok := r.refreshers[provider]
	if !ok {
		return "", &RefreshFailedError{Provider: provider, Detail: "no refresher configured"}
	}

	client := r.clientFor(inst, provider)

	started := r.now()
	attempts := 0
	var resp *TokenResponse
	var err error
	for attempts < 2 {
		attempts++
		resp, err = r.guarded(provider, func() (*TokenResponse, error) {
			return refresher.Refresh(ctx, client.ID, client.Secret, inst.RefreshToken)
		})
		if err == nil {
			break
		}
		var invalid *AuthInvalidError
		if errors.As(err, &invalid) {
			return "", r.grantDead(ctx, inst, provider, invalid)
		}
		// Transient failure: one more try within the same request.
	}
	if err != nil {
		r.cache.NoteRefreshFailure(inst.ID)
		metrics.ObserveRefresh("failed", r.now().Sub(started))
		_ = r.audit.Failure(ctx, audit.OpRefresh, inst.ID, inst.UserID, err,
			map[string]any{"provider": provider, "attempts": attempts})
		r.logger.Warn("token refresh failed",
			"instance_id", inst.ID, "provider", provider, "attempts", attempts, "error", err)
		var failed *RefreshFailedError
		if errors.As(err, &failed) {
			return "", failed
		}
		return "", &RefreshFailedError{Provider: provider, Detail: "refresh failed", Err: err}
	}

	now := r.now()
	expiresAt := now.Add(nonExpiringTTL)
	if resp.ExpiresIn > 0 {
		expiresAt = now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	if err := r.store.UpdateInstanceTokens(ctx, inst.ID, resp.AccessToken, resp.RefreshToken, expiresAt); err != nil {
		metrics.ObserveRefresh("failed", r.now().Sub(started))
		_ = r.audit.Failure(ctx, audit.OpRefresh, inst.ID, inst.UserID, err,
			map[string]any{"provider": provider, "stage": "persist"})
		return "", fmt.Errorf("credentials: failed to persist refreshed token: %w", err)
	}

	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = inst.RefreshToken
	}
	r.cache.Put(inst.ID, CachedCredential{
		AccessToken:  resp.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		UserID:       inst.UserID,
		Status:       string(store.OAuthCompleted),
	})

	metrics.ObserveRefresh("success", r.now().Sub(started))
	observability.AddSpanEvent(ctx, "token.refreshed", observability.AttrProvider.String(provider))
	_ = r.audit.Success(ctx, audit.OpRefresh, inst.ID, inst.UserID,
		map[string]any{"provider": provider, "attempts": attempts, "expires_in": resp.ExpiresIn})
	r.logger.Info("token refreshed", "instance_id", inst.ID, "provider", provider)
	return resp.AccessToken, nil
}

// grantDead handles a permanent provider rejection: the instance flips
// to expired, the cache entry dies, and the caller learns the user has
// to re-authorize.
func (r *Resolver) grantDead(ctx context.Context, inst *store.Instance, provider string, cause *AuthInvalidError) error {
	if err := r.store.UpdateOAuthStatus(ctx, inst.ID, store.OAuthExpired); err != nil {
		r.logger.Error("failed to mark grant expired", "instance_id", inst.ID, "error", err)
	}
	r.cache.Invalidate(inst.ID)
	metrics.ObserveRefresh("reauth_required", 0)
	_ = r.audit.Failure(ctx, audit.OpRefresh, inst.ID, inst.UserID, cause,
		map[string]any{"provider": provider, "reason": cause.Code})
	r.logger.Warn("grant permanently rejected, re-auth required",
		"instance_id", inst.ID, "provider", provider, "code", cause.Code)
	return ErrReauthRequired
}

// guarded routes a provider call through that provider's circuit
// breaker. A dead grant is a definitive answer, not provider trouble,
// so it does not count against the breaker.
func (r *Resolver) guarded(provider string, fn func() (*TokenResponse, error)) (*TokenResponse, error) {
	cb := r.breakerFor(provider)
	out, err := cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &RefreshFailedError{Provider: provider, Detail: "provider circuit open", Err: err}
		}
		return nil, err
	}
	return out.(*TokenResponse), nil
}

func (r *Resolver) breakerFor(provider string) *gobreaker.CircuitBreaker {
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()
	if cb, ok := r.breakers[provider]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "oauth-" + provider,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var invalid *AuthInvalidError
			return err == nil || errors.As(err, &invalid)
		},
	})
	r.breakers[provider] = cb
	return cb
}
