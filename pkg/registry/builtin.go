package registry

import (
	"context"
	"time"

	"github.com/tollgate/tollgate/pkg/engine"
)

// Builtin handlers are registered in the shared scope so that specs used in
// tests and in projects without extension packs always resolve.

func registerBuiltinGuards(r *Registry[engine.GuardFunc]) {
	r.MustRegister("always_allow", engine.DomainShared, func(context.Context, *engine.TransitionContext) (bool, error) {
		return true, nil
	})
	r.MustRegister("always_deny", engine.DomainShared, func(context.Context, *engine.TransitionContext) (bool, error) {
		return false, nil
	})
	r.MustRegister("can_start_task", engine.DomainShared, pathTruthy("task.allowed"))
	r.MustRegister("has_active_session", engine.DomainShared, pathTruthy("session.id"))
}

func registerBuiltinConditions(r *Registry[engine.ConditionFunc]) {
	r.MustRegister("all_work_complete", engine.DomainShared, engine.ConditionFunc(pathTruthy("session.work_complete")))
	r.MustRegister("qa_approved", engine.DomainShared, engine.ConditionFunc(pathTruthy("qa.approved")))
	r.MustRegister("task_claimed", engine.DomainShared, engine.ConditionFunc(pathTruthy("task.session_id")))
	r.MustRegister("evidence_present", engine.DomainShared, engine.ConditionFunc(pathTruthy("evidence")))
}

func registerBuiltinActions(r *Registry[engine.ActionFunc]) {
	r.MustRegister("stamp_transition", engine.DomainShared, func(_ context.Context, tc *engine.TransitionContext) (any, error) {
		now := time.Now().UTC().Format(time.RFC3339)
		tc.Set("transitioned_at", now)
		return now, nil
	})
	r.MustRegister("mark_completed", engine.DomainShared, func(_ context.Context, tc *engine.TransitionContext) (any, error) {
		if v, ok := tc.Get("completed_at"); ok && engine.Truthy(v) {
			return v, nil
		}
		now := time.Now().UTC().Format(time.RFC3339)
		tc.Set("completed_at", now)
		return now, nil
	})
	r.MustRegister("clear_claim", engine.DomainShared, func(_ context.Context, tc *engine.TransitionContext) (any, error) {
		task, ok := tc.Get("task")
		if !ok {
			return nil, nil
		}
		m, ok := task.(map[string]any)
		if !ok {
			return nil, nil
		}
		cleared := make(map[string]any, len(m))
		for k, v := range m {
			if k != "session_id" {
				cleared[k] = v
			}
		}
		tc.Set("task", cleared)
		return m["session_id"], nil
	})
}

// pathTruthy builds a predicate that holds when the dotted path resolves to a
// truthy value.
func pathTruthy(path string) engine.GuardFunc {
	return func(_ context.Context, tc *engine.TransitionContext) (bool, error) {
		v, ok := tc.Lookup(path)
		return ok && engine.Truthy(v), nil
	}
}
