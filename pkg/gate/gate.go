// Package gate is the admission chain for instance-scoped routes. The
// token middleware has already established who is calling; the gate
// establishes what they may touch: a well-formed instance id, an
// instance they own, headroom in their plan's rate budget, and a live
// upstream credential resolved into the request context.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/credentials"
	"github.com/gantrylabs/gantry/pkg/identity"
	"github.com/gantrylabs/gantry/pkg/plans"
	"github.com/gantrylabs/gantry/pkg/ratelimit"
	"github.com/gantrylabs/gantry/pkg/store"
)

// usageBudget bounds the async last_accessed_at write.
const usageBudget = 5 * time.Second

// Store is the slice of the persistent store the gate consumes.
type Store interface {
	LookupInstance(ctx context.Context, id string) (*store.Instance, error)
	UpdateInstanceUsage(ctx context.Context, id string) error
	GetUserPlan(ctx context.Context, userID string) (*plans.UserPlan, error)
}

// Resolver turns an instance id into a usable upstream bearer.
type Resolver interface {
	Resolve(ctx context.Context, instanceID string) (string, error)
}

// Gate carries the admission dependencies.
type Gate struct {
	store    Store
	resolver Resolver
	limits   ratelimit.Store
	logger   *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithRateLimits installs the per-user limiter store. Without one the
// gate skips rate limiting.
func WithRateLimits(limits ratelimit.Store) Option {
	return func(g *Gate) { g.limits = limits }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger.With("component", "gate") }
}

// New builds the gate.
func New(st Store, resolver Resolver, opts ...Option) *Gate {
	g := &Gate{
		store:    st,
		resolver: resolver,
		logger:   slog.Default().With("component", "gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// admit runs the shared front half of both variants: id syntax,
// principal, existence, ownership. A nil return means the response has
// already been written.
func (g *Gate) admit(w http.ResponseWriter, r *http.Request) *store.Instance {
	instanceID := r.PathValue("instance_id")
	if u, err := uuid.Parse(instanceID); err != nil || u.Version() != 4 {
		api.WriteFromError(w, r, api.ErrInvalidInstanceID)
		return nil
	}

	principal, ok := identity.PrincipalFrom(r.Context())
	if !ok {
		api.WriteUnauthorized(w, r, "")
		return nil
	}

	inst, err := g.store.LookupInstance(r.Context(), instanceID)
	if err != nil {
		api.WriteInternal(w, r, err)
		return nil
	}
	if inst == nil {
		api.WriteNotFound(w, r, "no such instance")
		return nil
	}
	if inst.UserID != principal.UserID {
		api.WriteForbidden(w, r, "")
		return nil
	}
	return inst
}

// Middleware is the full admission chain for the forwarding routes:
// admit, rate limit against the owner's plan, resolve the credential,
// stamp usage, and attach the bearer to the context.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inst := g.admit(w, r)
		if inst == nil {
			return
		}

		if !g.allowRate(w, r, inst.UserID) {
			return
		}

		bearer, err := g.resolver.Resolve(r.Context(), inst.ID)
		if err != nil {
			api.WriteFromError(w, r, err)
			return
		}

		// Usage stamping is fire-and-forget; a failed write must not
		// fail the request.
		go func(id string) {
			ctx, cancel := context.WithTimeout(context.Background(), usageBudget)
			defer cancel()
			if err := g.store.UpdateInstanceUsage(ctx, id); err != nil {
				g.logger.Warn("failed to update instance usage", "instance_id", id, "error", err)
			}
		}(inst.ID)

		ctx := credentials.WithBearer(r.Context(), bearer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Lightweight admits lifecycle and authorization routes: existence and
// ownership only, no credential requirement. Starting or inspecting an
// instance must work before its OAuth round-trip has completed.
func (g *Gate) Lightweight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.admit(w, r) == nil {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowRate checks the owner's plan budget. Limiter backend errors
// fail open; only a real over-budget verdict throttles.
func (g *Gate) allowRate(w http.ResponseWriter, r *http.Request, userID string) bool {
	if g.limits == nil {
		return true
	}

	policy := ratePolicy(g.planFor(r.Context(), userID))
	err := ratelimit.Check(r.Context(), g.limits, "user:"+userID, policy)
	if err == nil {
		return true
	}
	if errors.Is(err, ratelimit.ErrRateLimited) {
		api.WriteTooManyRequests(w, r, retryAfter(policy))
		return false
	}
	g.logger.Warn("rate limit check unavailable", "user_id", userID, "error", err)
	return true
}

// planFor loads the user's plan type, defaulting to free when the
// lookup fails.
func (g *Gate) planFor(ctx context.Context, userID string) plans.PlanType {
	up, err := g.store.GetUserPlan(ctx, userID)
	if err != nil {
		g.logger.Warn("failed to load plan for rate limiting", "user_id", userID, "error", err)
		return plans.PlanFree
	}
	return up.Type
}

func ratePolicy(t plans.PlanType) ratelimit.Policy {
	plan := plans.Get(t)
	if plan == nil {
		plan = &plans.Free
	}
	return ratelimit.Policy{
		RequestsPerMinute: plan.Limits.RequestsPerMinute,
		Burst:             plan.Limits.Burst,
	}
}

// retryAfter estimates when the next token lands.
func retryAfter(policy ratelimit.Policy) int {
	if policy.RequestsPerMinute <= 0 {
		return 60
	}
	secs := 60 / policy.RequestsPerMinute
	if secs < 1 {
		secs = 1
	}
	return secs
}
