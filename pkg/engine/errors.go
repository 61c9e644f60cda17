package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks against the typed errors below.
var (
	ErrUnknownTransition = errors.New("unknown transition")
	ErrUnknownHandler    = errors.New("unknown handler")
	ErrGuardRejected     = errors.New("guard rejected")
	ErrConditionFailed   = errors.New("condition failed")
	ErrHandlerRaised     = errors.New("handler raised")
	ErrEntityTransition  = errors.New("entity transition failed")
)

// Common error codes.
const (
	ErrCodeUnknownTransition = "UNKNOWN_TRANSITION"
	ErrCodeUnknownHandler    = "UNKNOWN_HANDLER"
	ErrCodeGuardRejected     = "GUARD_REJECTED"
	ErrCodeConditionFailed   = "CONDITION_FAILED"
	ErrCodeHandlerRaised     = "HANDLER_RAISED"
	ErrCodeEntityTransition  = "ENTITY_TRANSITION_FAILED"
)

// HandlerKind names the three handler families.
type HandlerKind string

const (
	KindGuard     HandlerKind = "guard"
	KindCondition HandlerKind = "condition"
	KindAction    HandlerKind = "action"
)

// Plural returns the directory-style plural of the kind ("guards").
func (k HandlerKind) Plural() string {
	return string(k) + "s"
}

// UnknownTransitionError reports that no edge is declared for (From, To).
type UnknownTransitionError struct {
	Domain Domain
	From   string
	To     string
}

func (e *UnknownTransitionError) Error() string {
	return fmt.Sprintf("Invalid transition for %s: %s -> %s", e.Domain, e.From, e.To)
}

// Is matches ErrUnknownTransition.
func (e *UnknownTransitionError) Is(target error) bool { return target == ErrUnknownTransition }

// Code returns the stable error code.
func (e *UnknownTransitionError) Code() string { return ErrCodeUnknownTransition }

// UnknownHandlerError reports a handler that is registered neither for the
// domain nor in the shared scope.
type UnknownHandlerError struct {
	Kind   HandlerKind
	Name   string
	Domain Domain
}

func (e *UnknownHandlerError) Error() string {
	return fmt.Sprintf("Unknown %s '%s' (domain: %s)", e.Kind, e.Name, e.Domain)
}

// Is matches ErrUnknownHandler.
func (e *UnknownHandlerError) Is(target error) bool { return target == ErrUnknownHandler }

// Code returns the stable error code.
func (e *UnknownHandlerError) Code() string { return ErrCodeUnknownHandler }

// GuardRejectedError reports a guard that evaluated false.
type GuardRejectedError struct {
	Domain Domain
	Guard  string
	From   string
	To     string
}

func (e *GuardRejectedError) Error() string {
	return fmt.Sprintf("Guard '%s' blocked transition %s -> %s", e.Guard, e.From, e.To)
}

// Is matches ErrGuardRejected.
func (e *GuardRejectedError) Is(target error) bool { return target == ErrGuardRejected }

// Code returns the stable error code.
func (e *GuardRejectedError) Code() string { return ErrCodeGuardRejected }

// ConditionFailedError reports a condition whose primary check and every
// alternative evaluated false.
type ConditionFailedError struct {
	Name    string
	Message string
}

func (e *ConditionFailedError) Error() string {
	return e.Message
}

// Is matches ErrConditionFailed.
func (e *ConditionFailedError) Is(target error) bool { return target == ErrConditionFailed }

// Code returns the stable error code.
func (e *ConditionFailedError) Code() string { return ErrCodeConditionFailed }

// DefaultConditionMessage is the failure message used when a condition spec
// declares no error text.
func DefaultConditionMessage(name string) string {
	return fmt.Sprintf("Condition '%s' failed", name)
}

// HandlerError wraps an error returned (or a panic raised) by integrator
// supplied handler code, preserving its message.
type HandlerError struct {
	Kind   HandlerKind
	Name   string
	Domain Domain
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s '%s' failed: %s", e.Kind, e.Name, e.unwrapMessage())
}

// Unwrap returns the handler's own error.
func (e *HandlerError) Unwrap() error { return e.Err }

// Is matches ErrHandlerRaised.
func (e *HandlerError) Is(target error) bool { return target == ErrHandlerRaised }

// Code returns the stable error code.
func (e *HandlerError) Code() string { return ErrCodeHandlerRaised }

func (e *HandlerError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "unknown error"
}

// EntityTransitionError is the facade-level failure for a concrete entity.
type EntityTransitionError struct {
	Domain Domain
	ID     string
	From   string
	To     string
	Reason string

	// Err is the engine error behind Reason, when there is one.
	Err error
}

func (e *EntityTransitionError) Error() string {
	return fmt.Sprintf("cannot transition %s %s from %q to %q: %s", e.Domain, e.ID, e.From, e.To, e.Reason)
}

// Unwrap returns the engine error that caused the rejection.
func (e *EntityTransitionError) Unwrap() error { return e.Err }

// Is matches ErrEntityTransition.
func (e *EntityTransitionError) Is(target error) bool { return target == ErrEntityTransition }

// Code returns the stable error code.
func (e *EntityTransitionError) Code() string { return ErrCodeEntityTransition }

// ErrorCode extracts the stable code from any error in the chain that
// carries one, or "" if none does.
func ErrorCode(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}
