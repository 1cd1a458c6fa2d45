package auth

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Authorizer decides whether an actor may perform an operation. Decisions
// are CEL expressions over the actor and operation; every rule must hold
// (fail closed).
type Authorizer struct {
	env      *cel.Env
	rules    []string
	prgCache map[string]cel.Program
	mu       sync.RWMutex
}

// Base rules: the actor must be identified and must hold the permission
// named by the operation.
var systemRules = []string{
	`actor.id != ""`,
	`operation in actor.permissions || "*" in actor.permissions`,
}

// NewAuthorizer creates an authorizer enforcing the base rules plus any
// deployment-specific extra rules.
func NewAuthorizer(extraRules ...string) (*Authorizer, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor", cel.DynType),
		cel.Variable("operation", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	a := &Authorizer{
		env:      env,
		rules:    append(append([]string{}, systemRules...), extraRules...),
		prgCache: make(map[string]cel.Program),
	}
	// Compile eagerly so bad rules surface at startup, not per-request.
	for _, rule := range a.rules {
		if _, err := a.program(rule); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Allow evaluates every rule for the principal and operation.
func (a *Authorizer) Allow(p Principal, operation string) (bool, error) {
	if p == nil {
		return false, nil
	}
	input := map[string]any{
		"operation": operation,
		"actor": map[string]any{
			"id":          p.GetID(),
			"permissions": p.GetPermissions(),
		},
	}
	for i, rule := range a.rules {
		prg, err := a.program(rule)
		if err != nil {
			return false, err
		}
		out, _, err := prg.Eval(input)
		if err != nil {
			return false, fmt.Errorf("authorization rule %d eval: %w", i, err)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("authorization rule %d did not yield a bool", i)
		}
		if !allowed {
			return false, nil
		}
	}
	return true, nil
}

func (a *Authorizer) program(rule string) (cel.Program, error) {
	a.mu.RLock()
	prg, hit := a.prgCache[rule]
	a.mu.RUnlock()
	if hit {
		return prg, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if prg, hit = a.prgCache[rule]; hit {
		return prg, nil
	}
	ast, issues := a.env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("authorization rule compile: %w", issues.Err())
	}
	prg, err := a.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("authorization rule program: %w", err)
	}
	a.prgCache[rule] = prg
	return prg, nil
}
