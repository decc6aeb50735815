// Package plans defines the subscription plans that gate how many MCP
// instances a user may run concurrently, and the billing state attached
// to a user's plan.
package plans

import "time"

// PlanType identifies a subscription plan.
type PlanType string

const (
	PlanFree PlanType = "free"
	PlanPro  PlanType = "pro"
)

// PaymentStatus tracks the billing state of a user's plan.
type PaymentStatus string

const (
	PaymentNone       PaymentStatus = "none"
	PaymentActive     PaymentStatus = "active"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCancelled  PaymentStatus = "cancelled"
	PaymentProcessing PaymentStatus = "processing"
)

// Limits defines resource limits for a plan.
type Limits struct {
	MaxInstances      int // concurrent active MCP instances, -1 = unlimited
	RequestsPerMinute int
	Burst             int
}

// Plan represents a subscription plan with limits and features.
type Plan struct {
	Type        PlanType
	Name        string
	Description string
	Limits      Limits
	Features    []string
}

// All available plans
var (
	Free = Plan{
		Type:        PlanFree,
		Name:        "Free",
		Description: "For individuals trying out hosted MCP services",
		Limits: Limits{
			MaxInstances:      2,
			RequestsPerMinute: 60,
			Burst:             10,
		},
		Features: []string{"hosted_workers", "oauth_refresh"},
	}

	Pro = Plan{
		Type:        PlanPro,
		Name:        "Pro",
		Description: "For daily-driver workloads across many services",
		Limits: Limits{
			MaxInstances:      10,
			RequestsPerMinute: 600,
			Burst:             60,
		},
		Features: []string{
			"hosted_workers",
			"oauth_refresh",
			"priority_startup",
			"auto_restart",
			"audit_history",
		},
	}

	// AllPlans contains all available plans
	AllPlans = map[PlanType]Plan{
		PlanFree: Free,
		PlanPro:  Pro,
	}
)

// Get returns a plan by type, or nil if not found.
func Get(t PlanType) *Plan {
	plan, ok := AllPlans[t]
	if !ok {
		return nil
	}
	return &plan
}

// HasFeature checks if a plan has a specific feature.
func (p *Plan) HasFeature(feature string) bool {
	for _, f := range p.Features {
		if f == feature || f == "all" {
			return true
		}
	}
	return false
}

// UserPlan is the per-user plan row: which plan the user is on and the
// billing state that came with it. One row per user.
type UserPlan struct {
	UserID         string
	Type           PlanType
	PaymentStatus  PaymentStatus
	SubscriptionID string
	CustomerID     string
	MaxInstances   int
	Features       []string
	ExpiresAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Quota returns the effective instance quota for the user: the per-user
// override when set, otherwise the plan default.
func (u *UserPlan) Quota() int {
	if u.MaxInstances > 0 {
		return u.MaxInstances
	}
	if p := Get(u.Type); p != nil {
		return p.Limits.MaxInstances
	}
	return Free.Limits.MaxInstances
}
