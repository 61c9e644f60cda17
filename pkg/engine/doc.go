// Package engine provides the core vocabulary of the tollgate lifecycle rule engine.
//
// # Overview
//
// tollgate governs the lifecycle of work-tracking entities (tasks, sessions,
// QA records) through declarative transition tables. Every lifecycle change
// requested by a repository passes through a single gate:
//
//  1. Validating - resolve the declared edge for (current, target)
//  2. Guard - evaluate the transition's guard predicate
//  3. Conditions - evaluate conditions with their OR-fallback chains
//  4. Executing - run the ordered side-effecting actions
//  5. Committed - report the executed action labels and a history entry
//
// Any failure short-circuits to a rejected outcome carrying a typed error.
//
// # Core Domain Types
//
//   - Domain: the entity kind a transition table belongs to ("task", "session", "qa")
//   - StateSpec: the per-domain table of states and their allowed transitions
//   - Transition: one edge with its guard, conditions and actions
//   - TransitionContext: the mutable bag handlers read and write during one call
//   - TransitionResult: the committed outcome returned by the facade
//   - AuditEvent: what guard evaluation reports to an AuditSink
//
// # Handler Signatures
//
// Guard, condition and action implementations are plain Go functions:
//
//	type GuardFunc func(ctx context.Context, tc *TransitionContext) (bool, error)
//	type ConditionFunc func(ctx context.Context, tc *TransitionContext) (bool, error)
//	type ActionFunc func(ctx context.Context, tc *TransitionContext) (any, error)
//
// They are resolved by name through pkg/registry and composed from layered
// sources by pkg/loader. The state machine itself lives in pkg/machine and the
// repository-facing entry point in pkg/transitions.
package engine
