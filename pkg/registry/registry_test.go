package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/tollgate/tollgate/pkg/engine"
)

func constGuard(v bool) engine.GuardFunc {
	return func(context.Context, *engine.TransitionContext) (bool, error) { return v, nil }
}

func TestRegistry_DomainFallback(t *testing.T) {
	r := NewGuardRegistry(false)
	if err := r.Register("can_start", engine.DomainShared, constGuard(false)); err != nil {
		t.Fatalf("Register shared: %v", err)
	}
	if err := r.Register("can_start", engine.DomainTask, constGuard(true)); err != nil {
		t.Fatalf("Register task: %v", err)
	}

	ctx := context.Background()
	tc := engine.NewTransitionContext(nil)

	ok, err := r.Check(ctx, "can_start", tc, engine.DomainTask)
	if err != nil || !ok {
		t.Errorf("task-scoped lookup = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = r.Check(ctx, "can_start", tc, engine.DomainSession)
	if err != nil || ok {
		t.Errorf("session lookup should fall back to shared: got (%v, %v)", ok, err)
	}

	_, err = r.Check(ctx, "missing", tc, engine.DomainTask)
	var unknown *engine.UnknownHandlerError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownHandlerError, got %v", err)
	}
	if unknown.Name != "missing" || unknown.Domain != engine.DomainTask || unknown.Kind != engine.KindGuard {
		t.Errorf("unexpected error fields: %+v", unknown)
	}
}

func TestRegistry_DomainOnlyEntryNotVisibleFromShared(t *testing.T) {
	r := NewConditionRegistry(false)
	r.MustRegister("qa_only", engine.DomainQA, func(context.Context, *engine.TransitionContext) (bool, error) {
		return true, nil
	})

	if r.Has("qa_only", engine.DomainShared) {
		t.Error("domain-scoped entry must not resolve from the shared scope")
	}
	if r.Has("qa_only", engine.DomainTask) {
		t.Error("domain-scoped entry must not resolve from another domain")
	}
	if !r.Has("qa_only", engine.DomainQA) {
		t.Error("domain-scoped entry should resolve for its own domain")
	}
}

func TestRegistry_LastWriterWins(t *testing.T) {
	r := NewGuardRegistry(false)
	r.MustRegister("x", engine.DomainShared, constGuard(false))
	r.MustRegister("x", engine.DomainShared, constGuard(true))

	ok, err := r.Check(context.Background(), "x", engine.NewTransitionContext(nil), engine.DomainShared)
	if err != nil || !ok {
		t.Errorf("expected the later registration to win, got (%v, %v)", ok, err)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_ListMergesDomainOverShared(t *testing.T) {
	r := NewGuardRegistry(false)
	r.MustRegister("a", engine.DomainShared, constGuard(false))
	r.MustRegister("b", engine.DomainShared, constGuard(false))
	r.MustRegister("a", engine.DomainTask, constGuard(true))
	r.MustRegister("c", engine.DomainSession, constGuard(true))

	listed := r.List(engine.DomainTask)
	if len(listed) != 2 {
		t.Fatalf("List(task) returned %d entries, want 2", len(listed))
	}
	ok, _ := listed["a"](context.Background(), engine.NewTransitionContext(nil))
	if !ok {
		t.Error("List(task) should return the task-scoped 'a'")
	}

	names := r.Names(engine.DomainShared)
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Names(shared) = %v", names)
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewActionRegistry(false)
	if err := r.Register("", engine.DomainShared, func(context.Context, *engine.TransitionContext) (any, error) { return nil, nil }); err == nil {
		t.Error("expected error for empty name")
	}
	if err := r.Register("nil", engine.DomainShared, nil); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestRegistry_FreezeAndReset(t *testing.T) {
	r := NewGuardRegistry(true)
	if !r.Has("always_allow", engine.DomainShared) {
		t.Fatal("builtin guard missing after preload")
	}

	r.MustRegister("custom", engine.DomainShared, constGuard(true))
	r.Freeze()

	err := r.Register("late", engine.DomainShared, constGuard(true))
	if !errors.Is(err, ErrFrozen) {
		t.Fatalf("Register after Freeze = %v, want ErrFrozen", err)
	}

	r.Reset()
	if r.Frozen() {
		t.Error("Reset should unfreeze")
	}
	if r.Has("custom", engine.DomainShared) {
		t.Error("Reset should drop custom entries")
	}
	if !r.Has("always_allow", engine.DomainShared) {
		t.Error("Reset should restore builtins")
	}
}

func TestRegistry_HandlerErrorsAndPanicsAreWrapped(t *testing.T) {
	r := NewGuardRegistry(false)
	cause := errors.New("subprocess failed")
	r.MustRegister("fails", engine.DomainShared, func(context.Context, *engine.TransitionContext) (bool, error) {
		return true, cause
	})
	r.MustRegister("panics", engine.DomainShared, func(context.Context, *engine.TransitionContext) (bool, error) {
		panic("nil map")
	})

	ctx := context.Background()
	tc := engine.NewTransitionContext(nil)

	ok, err := r.Check(ctx, "fails", tc, engine.DomainTask)
	if ok {
		t.Error("a failing guard must not report true")
	}
	var he *engine.HandlerError
	if !errors.As(err, &he) || !errors.Is(err, cause) {
		t.Fatalf("expected HandlerError wrapping cause, got %v", err)
	}

	_, err = r.Check(ctx, "panics", tc, engine.DomainTask)
	if !errors.Is(err, engine.ErrHandlerRaised) {
		t.Fatalf("expected panic to surface as HandlerError, got %v", err)
	}
}

func TestRegistry_CancelledContext(t *testing.T) {
	r := NewActionRegistry(true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Execute(ctx, "stamp_transition", engine.NewTransitionContext(nil), engine.DomainTask)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute with cancelled context = %v, want context.Canceled", err)
	}
}

func TestSet_Clone(t *testing.T) {
	s := NewSet(true)
	s.Guards.MustRegister("scoped", engine.DomainTask, constGuard(true))
	s.Freeze()

	clone, err := s.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if clone.Guards.Frozen() {
		t.Error("clone should be writable")
	}
	if !clone.Guards.Has("scoped", engine.DomainTask) {
		t.Error("clone lost a domain-scoped entry")
	}
	if clone.Actions.Len() != s.Actions.Len() {
		t.Errorf("clone has %d actions, want %d", clone.Actions.Len(), s.Actions.Len())
	}
}

func TestBuiltins(t *testing.T) {
	s := NewSet(true)
	ctx := context.Background()

	tc := engine.NewTransitionContext(map[string]any{"task": map[string]any{"allowed": true}})
	if ok, err := s.Guards.Check(ctx, "can_start_task", tc, engine.DomainTask); err != nil || !ok {
		t.Errorf("can_start_task = (%v, %v)", ok, err)
	}

	tc = engine.NewTransitionContext(map[string]any{"session": map[string]any{"work_complete": false}})
	if ok, err := s.Conditions.Check(ctx, "all_work_complete", tc, engine.DomainTask); err != nil || ok {
		t.Errorf("all_work_complete = (%v, %v)", ok, err)
	}

	tc = engine.NewTransitionContext(map[string]any{"task": map[string]any{"session_id": "s-1", "title": "x"}})
	prev, err := s.Actions.Execute(ctx, "clear_claim", tc, engine.DomainTask)
	if err != nil || prev != "s-1" {
		t.Fatalf("clear_claim = (%v, %v)", prev, err)
	}
	if _, ok := tc.Lookup("task.session_id"); ok {
		t.Error("clear_claim should remove task.session_id")
	}
	if v, _ := tc.Lookup("task.title"); v != "x" {
		t.Error("clear_claim should keep other task fields")
	}
}
