// Package transitions is the entry point repositories call before persisting
// a lifecycle change.
package transitions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tollgate/tollgate/pkg/engine"
	"github.com/tollgate/tollgate/pkg/machine"
	"github.com/tollgate/tollgate/pkg/registry"
	"github.com/tollgate/tollgate/pkg/telemetry"
)

// MissingStatusReason is returned when the caller does not know the entity's
// current state.
const MissingStatusReason = "Missing current status"

// TransitionRequest describes one entity lifecycle change.
type TransitionRequest struct {
	Domain      engine.Domain
	EntityID    string
	From        string
	To          string
	Context     *engine.TransitionContext
	SkipHistory bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithAuditSink sets the sink for guard and transition audit events.
func WithAuditSink(sink engine.AuditSink) Option {
	return func(s *Service) {
		s.audit = sink
	}
}

// WithHistorySink sets where committed history entries are persisted.
func WithHistorySink(sink engine.HistorySink) Option {
	return func(s *Service) {
		s.history = sink
	}
}

// WithTelemetry wires metrics and tracing into every engine.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Service) {
		if tel == nil {
			return
		}
		s.metrics = tel.Metrics
		s.tracer = tel.Tracer
	}
}

// WithHandlerTimeout bounds each handler call.
func WithHandlerTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.handlerTimeout = d
	}
}

// Service validates and executes entity transitions across domains.
type Service struct {
	// mu protects specs, engines and set.
	mu      sync.RWMutex
	specs   map[engine.Domain]engine.StateSpec
	engines map[engine.Domain]*machine.TransitionEngine
	set     *registry.Set

	logger         zerolog.Logger
	audit          engine.AuditSink
	history        engine.HistorySink
	metrics        *telemetry.Metrics
	tracer         *telemetry.Tracer
	handlerTimeout time.Duration
	now            func() time.Time
}

// NewService creates a service resolving handlers from set. A nil set falls
// back to the builtin handlers.
func NewService(set *registry.Set, opts ...Option) *Service {
	if set == nil {
		set = registry.NewSet(true)
		set.Freeze()
	}
	s := &Service{
		specs:   make(map[engine.Domain]engine.StateSpec),
		engines: make(map[engine.Domain]*machine.TransitionEngine),
		set:     set,
		logger:  zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "transitions").Logger()
	return s
}

// RegisterSpec installs or replaces the transition table for domain.
func (s *Service) RegisterSpec(domain engine.Domain, spec engine.StateSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.specs[domain] = spec
	s.engines[domain] = s.newEngineLocked(domain, spec)
}

// RegisterSpecs installs several tables at once.
func (s *Service) RegisterSpecs(specs map[engine.Domain]engine.StateSpec) {
	for domain, spec := range specs {
		s.RegisterSpec(domain, spec)
	}
}

// Spec returns the table registered for domain.
func (s *Service) Spec(domain engine.Domain) (engine.StateSpec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spec, ok := s.specs[domain]
	return spec, ok
}

// Domains returns the sorted registered domains.
func (s *Service) Domains() []engine.Domain {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]engine.Domain, 0, len(s.specs))
	for d := range s.specs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Engine returns the engine for domain.
func (s *Service) Engine(domain engine.Domain) (*machine.TransitionEngine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.engines[domain]
	return e, ok
}

// Registries returns the active handler set.
func (s *Service) Registries() *registry.Set {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.set
}

// ReplaceRegistries swaps in a freshly loaded handler set and rebuilds every
// engine against it. Calls already in flight finish on the old set.
func (s *Service) ReplaceRegistries(set *registry.Set) {
	if set == nil {
		return
	}
	set.Freeze()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.set = set
	for domain, spec := range s.specs {
		s.engines[domain] = s.newEngineLocked(domain, spec)
	}
	s.logger.Info().Interface("handlers", set.Summary()).Msg("Handler registries replaced")
}

func (s *Service) newEngineLocked(domain engine.Domain, spec engine.StateSpec) *machine.TransitionEngine {
	return machine.New(domain, spec, s.set,
		machine.WithAuditSink(s.audit),
		machine.WithLogger(s.logger),
		machine.WithMetrics(s.metrics),
		machine.WithTracer(s.tracer),
		machine.WithHandlerTimeout(s.handlerTimeout),
	)
}

// ValidateTransition reports whether from -> to is allowed for domain without
// running any action. Domains with no registered table are open: every
// transition is allowed.
func (s *Service) ValidateTransition(ctx context.Context, domain engine.Domain, from, to string, tc *engine.TransitionContext) (bool, string) {
	err := s.validate(ctx, domain, from, to, tc)
	if err != nil {
		return false, err.Error()
	}
	return true, ""
}

var errMissingStatus = errors.New(MissingStatusReason)

func (s *Service) validate(ctx context.Context, domain engine.Domain, from, to string, tc *engine.TransitionContext) error {
	if from == "" {
		return errMissingStatus
	}
	if from == to {
		return nil
	}
	e, ok := s.Engine(domain)
	if !ok {
		return nil
	}
	return e.Validate(ctx, from, to, tc, false)
}

// TransitionEntity validates the change, runs its actions and returns the
// committed result. The same context is shared by the validation and
// execution passes so values set by handlers carry over.
func (s *Service) TransitionEntity(ctx context.Context, req TransitionRequest) (*engine.TransitionResult, error) {
	tc := req.Context
	if tc == nil {
		tc = engine.NewTransitionContext(nil)
	}
	log := s.logger.With().
		Str("domain", req.Domain.String()).
		Str("entity_id", req.EntityID).
		Str("from", req.From).
		Str("to", req.To).
		Logger()

	if err := s.validate(ctx, req.Domain, req.From, req.To, tc); err != nil {
		return nil, s.reject(ctx, req, err)
	}

	if req.From != req.To {
		if e, ok := s.Engine(req.Domain); ok {
			if err := e.Validate(ctx, req.From, req.To, tc, true); err != nil {
				return nil, s.reject(ctx, req, err)
			}
		}
	}

	result := &engine.TransitionResult{
		State:           req.To,
		PreviousState:   req.From,
		ActionsExecuted: tc.ActionsExecuted(),
	}
	if !req.SkipHistory && req.From != req.To {
		result.History = &engine.HistoryEntry{
			ID:        uuid.New().String(),
			From:      req.From,
			To:        req.To,
			Timestamp: s.now(),
		}
		if s.history != nil {
			if err := s.history.AppendHistory(ctx, req.Domain, req.EntityID, *result.History); err != nil {
				log.Warn().Err(err).Msg("Failed to persist history entry")
			}
		}
	}

	s.emit(ctx, engine.AuditEvent{
		Type:     engine.AuditTransitionCommitted,
		Domain:   req.Domain,
		EntityID: req.EntityID,
		From:     req.From,
		To:       req.To,
	})
	log.Info().Strs("actions", result.ActionsExecuted).Msg("Transition committed")
	return result, nil
}

func (s *Service) reject(ctx context.Context, req TransitionRequest, cause error) error {
	s.emit(ctx, engine.AuditEvent{
		Type:     engine.AuditTransitionRejected,
		Domain:   req.Domain,
		EntityID: req.EntityID,
		From:     req.From,
		To:       req.To,
		Error:    cause.Error(),
	})
	s.logger.Info().
		Str("domain", req.Domain.String()).
		Str("entity_id", req.EntityID).
		Str("from", req.From).
		Str("to", req.To).
		Str("code", engine.ErrorCode(cause)).
		Msg("Transition rejected")

	return &engine.EntityTransitionError{
		Domain: req.Domain,
		ID:     req.EntityID,
		From:   req.From,
		To:     req.To,
		Reason: cause.Error(),
		Err:    cause,
	}
}

func (s *Service) emit(ctx context.Context, event engine.AuditEvent) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Emit(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("event_type", event.Type).Msg("Failed to emit audit event")
	}
}

// String summarises the service for debugging.
func (s *Service) String() string {
	return fmt.Sprintf("transitions.Service{domains: %v}", s.Domains())
}
