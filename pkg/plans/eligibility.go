package plans

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// DefaultEligibilityRule is the rule applied when the operator does not
// configure one: a start is allowed while the user has spare quota.
const DefaultEligibilityRule = `active < max`

// EligibilityPolicy decides whether a user may start one more instance.
// The rule is a CEL expression over the variables plan, active, max and
// service, compiled once and cached.
type EligibilityPolicy struct {
	env  *cel.Env
	rule string

	mu  sync.Mutex
	prg cel.Program
}

// NewEligibilityPolicy compiles the given rule. An empty rule selects
// DefaultEligibilityRule.
func NewEligibilityPolicy(rule string) (*EligibilityPolicy, error) {
	if rule == "" {
		rule = DefaultEligibilityRule
	}
	env, err := cel.NewEnv(
		cel.Variable("plan", cel.StringType),
		cel.Variable("active", cel.IntType),
		cel.Variable("max", cel.IntType),
		cel.Variable("service", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("plans: failed to create CEL environment: %w", err)
	}
	p := &EligibilityPolicy{env: env, rule: rule}
	if _, err := p.program(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *EligibilityPolicy) program() (cel.Program, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prg != nil {
		return p.prg, nil
	}
	ast, issues := p.env.Compile(p.rule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("plans: eligibility rule compile: %w", issues.Err())
	}
	prg, err := p.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("plans: eligibility rule program: %w", err)
	}
	p.prg = prg
	return prg, nil
}

// Allows reports whether the user on the given plan, with active running
// instances out of max, may start one more worker for service.
func (p *EligibilityPolicy) Allows(plan PlanType, active, max int, service string) (bool, error) {
	prg, err := p.program()
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"plan":    string(plan),
		"active":  active,
		"max":     max,
		"service": service,
	})
	if err != nil {
		return false, fmt.Errorf("plans: eligibility rule eval: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("plans: eligibility rule did not return bool")
	}
	return allowed, nil
}
