package registry

import (
	"context"
	"fmt"

	"github.com/tollgate/tollgate/pkg/engine"
)

// GuardRegistry stores guard predicates.
type GuardRegistry struct {
	*Registry[engine.GuardFunc]
}

// NewGuardRegistry creates a guard registry, optionally preloaded with the
// builtin guards.
func NewGuardRegistry(preloadDefaults bool) *GuardRegistry {
	r := &GuardRegistry{New(engine.KindGuard, registerBuiltinGuards)}
	if preloadDefaults {
		r.Reset()
	}
	return r
}

// Check evaluates the named guard for domain.
func (r *GuardRegistry) Check(ctx context.Context, name string, tc *engine.TransitionContext, domain engine.Domain) (bool, error) {
	fn, err := r.Get(name, domain)
	if err != nil {
		return false, err
	}
	return invokePredicate(ctx, engine.KindGuard, name, domain, tc, fn)
}

// ConditionRegistry stores condition checks.
type ConditionRegistry struct {
	*Registry[engine.ConditionFunc]
}

// NewConditionRegistry creates a condition registry, optionally preloaded
// with the builtin conditions.
func NewConditionRegistry(preloadDefaults bool) *ConditionRegistry {
	r := &ConditionRegistry{New(engine.KindCondition, registerBuiltinConditions)}
	if preloadDefaults {
		r.Reset()
	}
	return r
}

// Check evaluates the named condition for domain.
func (r *ConditionRegistry) Check(ctx context.Context, name string, tc *engine.TransitionContext, domain engine.Domain) (bool, error) {
	fn, err := r.Get(name, domain)
	if err != nil {
		return false, err
	}
	return invokePredicate(ctx, engine.KindCondition, name, domain, tc, func(ctx context.Context, tc *engine.TransitionContext) (bool, error) {
		return fn(ctx, tc)
	})
}

// ActionRegistry stores side-effecting actions.
type ActionRegistry struct {
	*Registry[engine.ActionFunc]
}

// NewActionRegistry creates an action registry, optionally preloaded with
// the builtin actions.
func NewActionRegistry(preloadDefaults bool) *ActionRegistry {
	r := &ActionRegistry{New(engine.KindAction, registerBuiltinActions)}
	if preloadDefaults {
		r.Reset()
	}
	return r
}

// Execute runs the named action for domain and returns its result.
func (r *ActionRegistry) Execute(ctx context.Context, name string, tc *engine.TransitionContext, domain engine.Domain) (result any, err error) {
	fn, err := r.Get(name, domain)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &engine.HandlerError{Kind: engine.KindAction, Name: name, Domain: domain, Err: err}
	}

	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = &engine.HandlerError{Kind: engine.KindAction, Name: name, Domain: domain, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	result, err = fn(ctx, tc)
	if err != nil {
		return nil, &engine.HandlerError{Kind: engine.KindAction, Name: name, Domain: domain, Err: err}
	}
	return result, nil
}

// invokePredicate runs a guard or condition, converting handler errors and
// panics into *engine.HandlerError.
func invokePredicate(ctx context.Context, kind engine.HandlerKind, name string, domain engine.Domain, tc *engine.TransitionContext, fn engine.GuardFunc) (ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, &engine.HandlerError{Kind: kind, Name: name, Domain: domain, Err: err}
	}

	defer func() {
		if p := recover(); p != nil {
			ok = false
			err = &engine.HandlerError{Kind: kind, Name: name, Domain: domain, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	ok, err = fn(ctx, tc)
	if err != nil {
		return false, &engine.HandlerError{Kind: kind, Name: name, Domain: domain, Err: err}
	}
	return ok, nil
}

// Set bundles the three registries the engine resolves handlers from.
type Set struct {
	Guards     *GuardRegistry
	Conditions *ConditionRegistry
	Actions    *ActionRegistry
}

// NewSet creates the three registries, optionally preloaded with builtins.
func NewSet(preloadDefaults bool) *Set {
	return &Set{
		Guards:     NewGuardRegistry(preloadDefaults),
		Conditions: NewConditionRegistry(preloadDefaults),
		Actions:    NewActionRegistry(preloadDefaults),
	}
}

// Freeze makes all three registries read-only.
func (s *Set) Freeze() {
	s.Guards.Freeze()
	s.Conditions.Freeze()
	s.Actions.Freeze()
}

// Reset restores all three registries to their builtin defaults.
func (s *Set) Reset() {
	s.Guards.Reset()
	s.Conditions.Reset()
	s.Actions.Reset()
}

// Clone copies every entry into a new, unfrozen set.
func (s *Set) Clone() (*Set, error) {
	out := NewSet(false)
	if err := s.Guards.copyInto(out.Guards.Registry); err != nil {
		return nil, err
	}
	if err := s.Conditions.copyInto(out.Conditions.Registry); err != nil {
		return nil, err
	}
	if err := s.Actions.copyInto(out.Actions.Registry); err != nil {
		return nil, err
	}
	return out, nil
}

// Summary counts registered entries per kind.
func (s *Set) Summary() map[engine.HandlerKind]int {
	return map[engine.HandlerKind]int{
		engine.KindGuard:     s.Guards.Len(),
		engine.KindCondition: s.Conditions.Len(),
		engine.KindAction:    s.Actions.Len(),
	}
}
