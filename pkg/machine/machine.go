// Package machine evaluates one domain's transition table against the handler
// registries.
package machine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/tollgate/tollgate/pkg/engine"
	"github.com/tollgate/tollgate/pkg/registry"
	"github.com/tollgate/tollgate/pkg/telemetry"
)

// Phase is the stage a transition call has reached.
type Phase string

const (
	PhaseValidating        Phase = "validating"
	PhaseGuardChecked      Phase = "guard_checked"
	PhaseConditionsChecked Phase = "conditions_checked"
	PhaseExecuting         Phase = "executing"
	PhaseCommitted         Phase = "committed"
	PhaseRejected          Phase = "rejected"
)

// Option configures a TransitionEngine.
type Option func(*TransitionEngine)

// WithAuditSink sets the sink guard evaluations are reported to.
func WithAuditSink(sink engine.AuditSink) Option {
	return func(e *TransitionEngine) {
		e.audit = sink
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *TransitionEngine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *TransitionEngine) {
		e.metrics = m
	}
}

// WithTracer sets the tracer used for transition and handler spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *TransitionEngine) {
		e.tracer = t
	}
}

// WithHandlerTimeout bounds every handler call. Zero disables the bound.
func WithHandlerTimeout(d time.Duration) Option {
	return func(e *TransitionEngine) {
		e.handlerTimeout = d
	}
}

// TransitionEngine validates and executes transitions for one domain.
// It is safe for concurrent use as long as the registry set is frozen.
type TransitionEngine struct {
	domain engine.Domain
	spec   engine.StateSpec
	set    *registry.Set

	audit          engine.AuditSink
	logger         zerolog.Logger
	metrics        *telemetry.Metrics
	tracer         *telemetry.Tracer
	handlerTimeout time.Duration
}

// New creates an engine for domain. A nil set falls back to the builtin
// handlers.
func New(domain engine.Domain, spec engine.StateSpec, set *registry.Set, opts ...Option) *TransitionEngine {
	if set == nil {
		set = registry.NewSet(true)
	}
	if spec == nil {
		spec = engine.StateSpec{}
	}

	e := &TransitionEngine{
		domain: domain,
		spec:   spec,
		set:    set,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "machine").Str("domain", domain.String()).Logger()
	return e
}

// Domain returns the domain this engine governs.
func (e *TransitionEngine) Domain() engine.Domain {
	return e.domain
}

// Spec returns the transition table.
func (e *TransitionEngine) Spec() engine.StateSpec {
	return e.spec
}

// Validate checks the transition current -> target. With executeActions it
// also runs the transition's before and after actions and records their
// labels in tc.
func (e *TransitionEngine) Validate(ctx context.Context, current, target string, tc *engine.TransitionContext, executeActions bool) (err error) {
	if current == target {
		return nil
	}
	if tc == nil {
		tc = engine.NewTransitionContext(nil)
	}

	mode := "validate"
	if executeActions {
		mode = "execute"
	}
	timer := telemetry.NewTimer()
	ctx, span := e.tracer.StartTransitionSpan(ctx, e.domain.String(), current, target, executeActions)
	log := e.logger.With().Str("from", current).Str("to", target).Str("mode", mode).Logger()

	phase := PhaseValidating
	var before []string
	defer func() {
		outcome := string(PhaseCommitted)
		if err != nil {
			outcome = string(PhaseRejected)
			telemetry.RecordError(span, err)
			span.SetAttributes(telemetry.AttrErrorCode.String(engine.ErrorCode(err)))
			log.Debug().Err(err).Str("phase", string(phase)).Msg("Transition rejected")
			if len(before) > 0 {
				log.Warn().
					Strs("actions", before).
					Str("phase", string(phase)).
					Msg("Before actions already ran for a rejected transition; no compensation is performed")
			}
		} else {
			telemetry.RecordSuccess(span)
			log.Debug().Msg("Transition allowed")
		}
		span.SetAttributes(telemetry.AttrOutcome.String(outcome))
		span.End()
		e.metrics.RecordTransition(e.domain.String(), outcome, mode, timer.Duration())
	}()

	transition, ok := e.Transition(current, target)
	if !ok {
		return &engine.UnknownTransitionError{Domain: e.domain, From: current, To: target}
	}
	if _, declared := e.spec[target]; !declared {
		return &engine.UnknownTransitionError{Domain: e.domain, From: current, To: target}
	}

	if executeActions {
		phase = PhaseExecuting
		for _, action := range transition.Actions {
			if action.Timing() != engine.TimingBefore {
				continue
			}
			if err := e.runAction(ctx, span, action, tc); err != nil {
				return err
			}
			before = append(before, action.Name)
		}
	}

	if transition.Guard != "" {
		if err := e.checkGuard(ctx, transition.Guard, current, target, tc); err != nil {
			return err
		}
	}
	phase = PhaseGuardChecked

	for _, cond := range transition.Conditions {
		if err := e.checkCondition(ctx, cond, tc); err != nil {
			return err
		}
	}
	phase = PhaseConditionsChecked

	if executeActions {
		phase = PhaseExecuting
		for _, action := range transition.Actions {
			if action.Timing() != engine.TimingAfter || !action.ShouldRun(tc) {
				continue
			}
			if err := e.runAction(ctx, span, action, tc); err != nil {
				return err
			}
		}
	}

	phase = PhaseCommitted
	return nil
}

// checkGuard evaluates the guard and reports the outcome to the audit sink.
func (e *TransitionEngine) checkGuard(ctx context.Context, guard, current, target string, tc *engine.TransitionContext) error {
	ok, err := e.callPredicate(ctx, engine.KindGuard, guard, func(hctx context.Context) (bool, error) {
		return e.set.Guards.Check(hctx, guard, tc, e.domain)
	})

	event := engine.AuditEvent{
		Domain: e.domain,
		Guard:  guard,
		From:   current,
		To:     target,
	}
	if err != nil {
		var unknown *engine.UnknownHandlerError
		if errors.As(err, &unknown) {
			e.metrics.RecordGuard(e.domain.String(), guard, "unknown")
			return err
		}
		event.Type = engine.AuditGuardError
		event.Error = err.Error()
		e.emit(ctx, event)
		e.metrics.RecordGuard(e.domain.String(), guard, "error")
		return err
	}

	event.Result = &ok
	if !ok {
		event.Type = engine.AuditGuardBlocked
		e.emit(ctx, event)
		e.metrics.RecordGuard(e.domain.String(), guard, "blocked")
		return &engine.GuardRejectedError{Domain: e.domain, Guard: guard, From: current, To: target}
	}

	event.Type = engine.AuditGuardCheck
	e.emit(ctx, event)
	e.metrics.RecordGuard(e.domain.String(), guard, "allowed")
	return nil
}

// checkCondition evaluates the primary condition, then each alternative in
// order, and passes when any of them holds.
func (e *TransitionEngine) checkCondition(ctx context.Context, cond engine.ConditionSpec, tc *engine.TransitionContext) error {
	names := make([]string, 0, 1+len(cond.Or))
	if cond.Name != "" {
		names = append(names, cond.Name)
	}
	for _, alt := range cond.Or {
		names = append(names, alt.Name)
	}

	for _, name := range names {
		ok, err := e.callPredicate(ctx, engine.KindCondition, name, func(hctx context.Context) (bool, error) {
			return e.set.Conditions.Check(hctx, name, tc, e.domain)
		})
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	label := cond.Label()
	e.metrics.RecordConditionFailure(e.domain.String(), label)
	msg := cond.Error
	if msg == "" {
		msg = engine.DefaultConditionMessage(label)
	}
	return &engine.ConditionFailedError{Name: label, Message: msg}
}

// runAction executes one action and records its label on success.
func (e *TransitionEngine) runAction(ctx context.Context, parent trace.Span, action engine.ActionSpec, tc *engine.TransitionContext) error {
	hctx, cancel := e.handlerContext(ctx)
	defer cancel()

	hctx, span := e.tracer.StartHandlerSpan(hctx, string(engine.KindAction), action.Name)
	defer span.End()

	timer := telemetry.NewTimer()
	_, err := e.set.Actions.Execute(hctx, action.Name, tc, e.domain)
	e.metrics.ObserveHandler(string(engine.KindAction), action.Name, timer.Duration())
	if err != nil {
		telemetry.RecordError(span, err)
		e.metrics.RecordAction(e.domain.String(), action.Name, "failed")
		return err
	}

	tc.RecordAction(action.Name)
	parent.AddEvent("action.executed", trace.WithAttributes(telemetry.AttrHandlerName.String(action.Name)))
	e.metrics.RecordAction(e.domain.String(), action.Name, "succeeded")
	return nil
}

// callPredicate wraps a guard or condition call with the handler timeout,
// a span and a latency observation.
func (e *TransitionEngine) callPredicate(ctx context.Context, kind engine.HandlerKind, name string, fn func(context.Context) (bool, error)) (bool, error) {
	hctx, cancel := e.handlerContext(ctx)
	defer cancel()

	hctx, span := e.tracer.StartHandlerSpan(hctx, string(kind), name)
	defer span.End()

	timer := telemetry.NewTimer()
	ok, err := fn(hctx)
	e.metrics.ObserveHandler(string(kind), name, timer.Duration())
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return ok, err
}

func (e *TransitionEngine) handlerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.handlerTimeout > 0 {
		return context.WithTimeout(ctx, e.handlerTimeout)
	}
	return context.WithCancel(ctx)
}

// emit forwards an audit event. Sink failures are logged only.
func (e *TransitionEngine) emit(ctx context.Context, event engine.AuditEvent) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Emit(ctx, event); err != nil {
		e.logger.Warn().Err(err).Str("event_type", event.Type).Msg("Failed to emit audit event")
	}
}

// Transition returns the declared edge current -> target. The first matching
// entry wins when a state lists the same target twice.
func (e *TransitionEngine) Transition(current, target string) (engine.Transition, bool) {
	state, ok := e.spec[current]
	if !ok {
		return engine.Transition{}, false
	}
	for _, t := range state.AllowedTransitions {
		if t.To == target {
			return t, true
		}
	}
	return engine.Transition{}, false
}

// AllowedTargets lists the declared targets of current in spec order.
func (e *TransitionEngine) AllowedTargets(current string) []string {
	state, ok := e.spec[current]
	if !ok {
		return []string{}
	}
	targets := make([]string, 0, len(state.AllowedTransitions))
	for _, t := range state.AllowedTransitions {
		targets = append(targets, t.To)
	}
	return targets
}

// TransitionsMap returns every state's declared targets.
func (e *TransitionEngine) TransitionsMap() map[string][]string {
	out := make(map[string][]string, len(e.spec))
	for name := range e.spec {
		out[name] = e.AllowedTargets(name)
	}
	return out
}

// States returns the sorted state names.
func (e *TransitionEngine) States() []string {
	names := make([]string, 0, len(e.spec))
	for name := range e.spec {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InitialStates returns the sorted states flagged initial.
func (e *TransitionEngine) InitialStates() []string {
	return e.statesWhere(func(s engine.State) bool { return s.Initial })
}

// FinalStates returns the sorted states flagged final.
func (e *TransitionEngine) FinalStates() []string {
	return e.statesWhere(func(s engine.State) bool { return s.Final })
}

func (e *TransitionEngine) statesWhere(pred func(engine.State) bool) []string {
	out := []string{}
	for _, name := range e.States() {
		if pred(e.spec[name]) {
			out = append(out, name)
		}
	}
	return out
}
