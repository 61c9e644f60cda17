package engine

import (
	"time"
)

// Domain identifies the kind of entity whose lifecycle a StateSpec governs.
type Domain string

const (
	// DomainShared is the unscoped domain. Handlers registered here are the
	// fallback for every domain.
	DomainShared Domain = ""

	// DomainTask governs work items.
	DomainTask Domain = "task"

	// DomainSession governs agent work sessions.
	DomainSession Domain = "session"

	// DomainQA governs quality-assurance records.
	DomainQA Domain = "qa"
)

// String returns the domain name, or "shared" for the unscoped domain.
func (d Domain) String() string {
	if d == DomainShared {
		return "shared"
	}
	return string(d)
}

// IsShared reports whether d is the unscoped domain.
func (d Domain) IsShared() bool {
	return d == DomainShared
}

// StateSpec maps a state name to its definition. It is loaded once and never
// mutated by the engine.
type StateSpec map[string]State

// State is one node of a domain's lifecycle.
type State struct {
	// Initial marks a state new entities may start in.
	Initial bool `json:"initial,omitempty" yaml:"initial,omitempty" mapstructure:"initial"`

	// Final marks a state with no expected outgoing work.
	Final bool `json:"final,omitempty" yaml:"final,omitempty" mapstructure:"final"`

	// AllowedTransitions lists the edges leaving this state, in declaration order.
	AllowedTransitions []Transition `json:"allowed_transitions,omitempty" yaml:"allowed_transitions,omitempty" mapstructure:"allowed_transitions" validate:"dive"`
}

// Transition is a declared edge between two states.
type Transition struct {
	// To is the target state name.
	To string `json:"to" yaml:"to" mapstructure:"to" validate:"required"`

	// Guard names an optional guard handler. A false guard rejects the transition.
	Guard string `json:"guard,omitempty" yaml:"guard,omitempty" mapstructure:"guard"`

	// Conditions are evaluated in order after the guard passes.
	Conditions []ConditionSpec `json:"conditions,omitempty" yaml:"conditions,omitempty" mapstructure:"conditions" validate:"dive"`

	// Actions run before or after the checks depending on their When field.
	Actions []ActionSpec `json:"actions,omitempty" yaml:"actions,omitempty" mapstructure:"actions" validate:"dive"`
}

// ConditionSpec is a named check with an ordered list of alternatives.
// The condition holds when Name or any alternative evaluates true.
type ConditionSpec struct {
	// Name is the primary condition handler. May be empty when Or is set.
	Name string `json:"name,omitempty" yaml:"name,omitempty" mapstructure:"name"`

	// Error overrides the failure message reported when nothing passes.
	Error string `json:"error,omitempty" yaml:"error,omitempty" mapstructure:"error"`

	// Or lists fallback conditions tried in order when Name fails.
	Or []ConditionAlternative `json:"or,omitempty" yaml:"or,omitempty" mapstructure:"or" validate:"dive"`
}

// ConditionAlternative is one entry of a condition's OR chain.
type ConditionAlternative struct {
	Name string `json:"name" yaml:"name" mapstructure:"name" validate:"required"`
}

// Label returns the name reported when the condition fails.
func (c ConditionSpec) Label() string {
	if c.Name != "" {
		return c.Name
	}
	if len(c.Or) > 0 {
		return c.Or[0].Name
	}
	return ""
}

// ActionSpec names an action and when it runs.
type ActionSpec struct {
	// Name is the action handler.
	Name string `json:"name" yaml:"name" mapstructure:"name" validate:"required"`

	// When is nil, "before", "after", a bool, or a dotted context path.
	When any `json:"when,omitempty" yaml:"when,omitempty" mapstructure:"when"`
}

// Timing selects the slot an action runs in.
type Timing string

const (
	// TimingBefore runs the action before the guard is evaluated.
	TimingBefore Timing = "before"

	// TimingAfter runs the action once the guard and conditions have passed.
	TimingAfter Timing = "after"
)

// Timing resolves the slot of the action. Everything that is not literally
// "before" runs in the after slot.
func (a ActionSpec) Timing() Timing {
	if s, ok := a.When.(string); ok && s == string(TimingBefore) {
		return TimingBefore
	}
	return TimingAfter
}

// ShouldRun resolves the action's gate against the context.
func (a ActionSpec) ShouldRun(tc *TransitionContext) bool {
	switch w := a.When.(type) {
	case nil:
		return true
	case bool:
		return w
	case string:
		if w == string(TimingBefore) || w == string(TimingAfter) || w == "" {
			return true
		}
		v, ok := tc.Lookup(w)
		return ok && Truthy(v)
	default:
		return Truthy(w)
	}
}

// HistoryEntry records one committed lifecycle change.
type HistoryEntry struct {
	// ID uniquely identifies the entry.
	ID string `json:"id"`

	// From is the state the entity left.
	From string `json:"from"`

	// To is the state the entity entered.
	To string `json:"to"`

	// Timestamp is when the transition was committed.
	Timestamp time.Time `json:"timestamp"`
}

// TransitionResult is the committed outcome of a facade transition.
type TransitionResult struct {
	// State is the entity's new state.
	State string `json:"state"`

	// PreviousState is the state the entity was in.
	PreviousState string `json:"previous_state"`

	// History is the entry to append to the entity's history, if recorded.
	History *HistoryEntry `json:"history_entry,omitempty"`

	// ActionsExecuted lists the labels of actions that ran, in order.
	ActionsExecuted []string `json:"actions_executed"`
}
