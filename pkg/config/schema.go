package config

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// specSchema is the structural schema of a spec document. Definitions are
// closed, so unknown keys are rejected.
const specSchema = `
#Action: {
	name:  string & !=""
	when?: bool | string | null
}

#Alternative: {
	name: string & !=""
}

#Condition: {
	name?:  string & !=""
	error?: string
	or?: [...#Alternative]
}

#Transition: {
	to:     string & !=""
	guard?: string
	conditions?: [...#Condition]
	actions?: [...#Action]
}

#State: {
	initial?: bool
	final?:   bool
	allowed_transitions?: [...#Transition]
}

#Machine: {
	states: [string]: #State
}

#Document: {
	statemachine: [string]: #Machine
}
`

// Schema validates spec documents against the CUE schema.
type Schema struct {
	mu       sync.Mutex
	ctx      *cue.Context
	document cue.Value
}

var (
	defaultSchema     *Schema
	defaultSchemaOnce sync.Once
)

// DefaultSchema returns the shared spec schema.
func DefaultSchema() *Schema {
	defaultSchemaOnce.Do(func() {
		s, err := NewSchema()
		if err != nil {
			panic(err)
		}
		defaultSchema = s
	})
	return defaultSchema
}

// NewSchema compiles the state machine document schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(specSchema, cue.Filename("tollgate.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile spec schema: %w", err)
	}
	return &Schema{
		ctx:      ctx,
		document: val.LookupPath(cue.ParsePath("#Document")),
	}, nil
}

// Validate checks a decoded document (as produced by YAML or JSON decoding)
// against #Document.
func (s *Schema) Validate(data any, file string) ValidationErrors {
	s.mu.Lock()
	defer s.mu.Unlock()

	val := s.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return ValidationErrors{{File: file, Message: fmt.Sprintf("failed to encode document: %v", err), Severity: SeverityError}}
	}
	return s.validateValue(val, file)
}

// CompileCUE compiles CUE source, checks it against #Document and returns
// the concrete document as plain Go values.
func (s *Schema) CompileCUE(src []byte, file string) (map[string]any, ValidationErrors) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val := s.ctx.CompileBytes(src, cue.Filename(file))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err, file)
	}
	if errs := s.validateValue(val, file); len(errs) > 0 {
		return nil, errs
	}

	var out map[string]any
	if err := val.Decode(&out); err != nil {
		return nil, ValidationErrors{{File: file, Message: fmt.Sprintf("failed to decode document: %v", err), Severity: SeverityError}}
	}
	return out, nil
}

func (s *Schema) validateValue(val cue.Value, file string) ValidationErrors {
	unified := s.document.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err, file)
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error, file string) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			File:     file,
			Message:  cueerrors.Details(e, nil),
			Severity: SeverityError,
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() == file {
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}
