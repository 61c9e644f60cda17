package config

import (
	"fmt"
	"strings"

	"github.com/tollgate/tollgate/pkg/engine"
)

// Machine is one domain's entry in a spec document.
type Machine struct {
	// States is the domain's transition table.
	States engine.StateSpec `json:"states" yaml:"states" mapstructure:"states" validate:"required,dive"`
}

// Document is the top-level shape of a spec file:
//
//	statemachine:
//	  task:
//	    states:
//	      todo:
//	        initial: true
//	        allowed_transitions:
//	          - to: wip
//	            guard: can_start_task
type Document struct {
	StateMachine map[string]Machine `json:"statemachine" yaml:"statemachine" mapstructure:"statemachine" validate:"required,dive"`
}

// Specs returns the document's tables keyed by domain.
func (d Document) Specs() map[engine.Domain]engine.StateSpec {
	out := make(map[engine.Domain]engine.StateSpec, len(d.StateMachine))
	for name, m := range d.StateMachine {
		out[engine.Domain(name)] = m.States
	}
	return out
}

// ValidationError represents a spec or configuration problem.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the dotted path to the offending value
	// (e.g., "statemachine.task.states.todo").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is "error" or "warning".
	Severity string `json:"severity"`
}

func (e ValidationError) String() string {
	var loc strings.Builder
	if e.File != "" {
		loc.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&loc, ":%d:%d", e.Line, e.Column)
		}
		loc.WriteString(": ")
	}
	if e.Path != "" {
		loc.WriteString(e.Path)
		loc.WriteString(": ")
	}
	return loc.String() + e.Message
}

// ValidationErrors is returned when a spec fails validation.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, e := range v {
		if e.Severity == SeverityWarning {
			continue
		}
		msgs = append(msgs, e.String())
	}
	if len(msgs) == 1 {
		return "spec validation failed: " + msgs[0]
	}
	return fmt.Sprintf("spec validation failed with %d errors:\n  %s", len(msgs), strings.Join(msgs, "\n  "))
}

// HasErrors reports whether any entry has error severity.
func (v ValidationErrors) HasErrors() bool {
	for _, e := range v {
		if e.Severity != SeverityWarning {
			return true
		}
	}
	return false
}

// Severity levels.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)
