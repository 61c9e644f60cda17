package engine

import (
	"context"
	"time"
)

// GuardFunc is a boolean precondition. Returning false rejects the transition;
// returning an error reports a handler failure.
type GuardFunc func(ctx context.Context, tc *TransitionContext) (bool, error)

// ConditionFunc is a secondary boolean check. A false result lets the engine
// fall back to the condition's alternatives.
type ConditionFunc func(ctx context.Context, tc *TransitionContext) (bool, error)

// ActionFunc performs a side effect tied to a transition.
type ActionFunc func(ctx context.Context, tc *TransitionContext) (any, error)

// Audit event types.
const (
	AuditGuardCheck          = "guard.check"
	AuditGuardBlocked        = "guard.blocked"
	AuditGuardError          = "guard.error"
	AuditTransitionCommitted = "transition.committed"
	AuditTransitionRejected  = "transition.rejected"
)

// AuditEvent is one record emitted to an AuditSink.
type AuditEvent struct {
	// ID is the unique identifier for this event. Sinks assign one when empty.
	ID string `json:"id"`

	// Type is one of the Audit* constants.
	Type string `json:"type"`

	// Timestamp is when the event occurred. Sinks assign one when zero.
	Timestamp time.Time `json:"timestamp"`

	// Domain is the entity domain being transitioned.
	Domain Domain `json:"domain"`

	// EntityID is set for facade-level events.
	EntityID string `json:"entity_id,omitempty"`

	// Guard is the guard name for guard.* events.
	Guard string `json:"guard,omitempty"`

	// From is the state being left.
	From string `json:"from,omitempty"`

	// To is the target state.
	To string `json:"to"`

	// Result is the guard outcome for guard.check and guard.blocked.
	Result *bool `json:"result,omitempty"`

	// Error is the failure message for guard.error and transition.rejected.
	Error string `json:"error,omitempty"`
}

// AuditSink receives audit events. A nil sink is a silent no-op for the
// engine; sink errors are logged and never fail a transition.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent) error
}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(ctx context.Context, event AuditEvent) error

// Emit calls f.
func (f AuditSinkFunc) Emit(ctx context.Context, event AuditEvent) error {
	return f(ctx, event)
}

// HistorySink persists committed history entries for an entity.
type HistorySink interface {
	AppendHistory(ctx context.Context, domain Domain, entityID string, entry HistoryEntry) error
}
