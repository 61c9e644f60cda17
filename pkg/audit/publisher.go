// Package audit delivers engine audit events to one or more sinks.
//
// The Publisher is itself an engine.AuditSink. It stamps IDs and timestamps,
// applies filters and fans events out to subscribed sinks, either inline or
// from a buffered background worker.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tollgate/tollgate/pkg/engine"
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("audit publisher is closed")

// ErrBufferFull is returned by Emit when the async buffer has no room.
var ErrBufferFull = errors.New("audit buffer full, event dropped")

// Config controls event buffering.
type Config struct {
	// Async delivers events from a background worker.
	Async bool `yaml:"async"`

	// BufferSize is the async queue capacity.
	BufferSize int `yaml:"buffer_size" validate:"gte=0"`

	// MaxBatchSize is how many queued events are delivered per batch.
	MaxBatchSize int `yaml:"max_batch_size" validate:"gte=0"`
}

// DefaultConfig returns synchronous delivery.
func DefaultConfig() Config {
	return Config{
		Async:        false,
		BufferSize:   1024,
		MaxBatchSize: 64,
	}
}

// Filter determines whether an event should be delivered.
type Filter func(event engine.AuditEvent) bool

type subscriberEntry struct {
	sink   engine.AuditSink
	filter Filter
}

// Publisher fans audit events out to subscribed sinks.
type Publisher struct {
	config      Config
	logger      zerolog.Logger
	buffer      chan engine.AuditEvent
	subscribers []subscriberEntry
	filters     []Filter
	closed      bool
	wg          sync.WaitGroup
	mu          sync.RWMutex
}

// NewPublisher creates a publisher. With cfg.Async a worker goroutine is
// started; call Close to drain it.
func NewPublisher(cfg Config, logger zerolog.Logger) *Publisher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultConfig().MaxBatchSize
	}

	p := &Publisher{
		config: cfg,
		logger: logger.With().Str("component", "audit").Logger(),
	}

	if cfg.Async {
		p.buffer = make(chan engine.AuditEvent, cfg.BufferSize)
		p.wg.Add(1)
		go p.processEvents()
	}

	return p
}

// Emit publishes an event to all matching subscribers.
func (p *Publisher) Emit(ctx context.Context, event engine.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}
	for _, filter := range p.filters {
		if !filter(event) {
			return nil
		}
	}

	if p.config.Async {
		select {
		case p.buffer <- event:
			return nil
		default:
			return ErrBufferFull
		}
	}

	p.deliverLocked(ctx, event)
	return nil
}

// Subscribe adds a sink. A nil filter accepts every event.
func (p *Publisher) Subscribe(sink engine.AuditSink, filter Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.subscribers = append(p.subscribers, subscriberEntry{sink: sink, filter: filter})
}

// AddFilter adds a global filter applied before any subscriber.
func (p *Publisher) AddFilter(filter Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.filters = append(p.filters, filter)
}

// processEvents drains the buffer in batches until Close.
func (p *Publisher) processEvents() {
	defer p.wg.Done()

	batch := make([]engine.AuditEvent, 0, p.config.MaxBatchSize)
	for event := range p.buffer {
		batch = append(batch, event)
		if len(batch) < p.config.MaxBatchSize && len(p.buffer) > 0 {
			continue
		}
		p.flushBatch(batch)
		batch = batch[:0]
	}
	if len(batch) > 0 {
		p.flushBatch(batch)
	}
}

func (p *Publisher) flushBatch(events []engine.AuditEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, event := range events {
		p.deliverLocked(context.Background(), event)
	}
}

// deliverLocked sends event to every matching subscriber. Callers hold mu.
func (p *Publisher) deliverLocked(ctx context.Context, event engine.AuditEvent) {
	for _, entry := range p.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		if err := entry.sink.Emit(ctx, event); err != nil {
			p.logger.Warn().
				Err(err).
				Str("event_id", event.ID).
				Str("event_type", event.Type).
				Msg("Audit sink failed")
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.buffer != nil {
		close(p.buffer)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("audit publisher shutdown timeout")
	}
}

// Common filters.

// FilterByType only allows events of the given types.
func FilterByType(types ...string) Filter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event engine.AuditEvent) bool {
		return typeSet[event.Type]
	}
}

// FilterByDomain only allows events for one domain.
func FilterByDomain(domain engine.Domain) Filter {
	return func(event engine.AuditEvent) bool {
		return event.Domain == domain
	}
}

// FilterByEntity only allows facade events for one entity.
func FilterByEntity(entityID string) Filter {
	return func(event engine.AuditEvent) bool {
		return event.EntityID == entityID
	}
}

// FilterFailures only allows blocked, errored or rejected events.
func FilterFailures() Filter {
	return FilterByType(engine.AuditGuardBlocked, engine.AuditGuardError, engine.AuditTransitionRejected)
}
