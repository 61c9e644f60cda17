package audit

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tollgate/tollgate/pkg/engine"
)

// LogSink writes audit events as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that logs through logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

// Emit logs the event. Blocked and rejected events log at warn, guard errors
// at error, everything else at info.
func (s *LogSink) Emit(_ context.Context, event engine.AuditEvent) error {
	var e *zerolog.Event
	switch event.Type {
	case engine.AuditGuardError:
		e = s.logger.Error()
	case engine.AuditGuardBlocked, engine.AuditTransitionRejected:
		e = s.logger.Warn()
	default:
		e = s.logger.Info()
	}

	e = e.Str("event_id", event.ID).
		Str("event_type", event.Type).
		Str("domain", event.Domain.String()).
		Str("from", event.From).
		Str("to", event.To)
	if event.EntityID != "" {
		e = e.Str("entity_id", event.EntityID)
	}
	if event.Guard != "" {
		e = e.Str("guard", event.Guard)
	}
	if event.Result != nil {
		e = e.Bool("result", *event.Result)
	}
	if event.Error != "" {
		e = e.Str("error", event.Error)
	}
	e.Msg("Audit event")
	return nil
}

// Multi emits to every sink in order and joins their errors.
type Multi []engine.AuditSink

// Emit calls Emit on each non-nil sink.
func (m Multi) Emit(ctx context.Context, event engine.AuditEvent) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []engine.AuditEvent
}

// Emit appends the event.
func (r *Recorder) Emit(_ context.Context, event engine.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []engine.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]engine.AuditEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
