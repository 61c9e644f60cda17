package audit

import (
	"context"
	"encoding/json"
	"fmt"

	backend "github.com/redis/go-redis/v9"

	"github.com/tollgate/tollgate/pkg/engine"
)

// DefaultStream is the Redis stream audit events are appended to.
const DefaultStream = "tollgate:audit"

// RedisSink appends audit events to a Redis stream.
type RedisSink struct {
	client *backend.Client
	stream string
	maxLen int64
}

// RedisOption configures a RedisSink.
type RedisOption func(*RedisSink)

// WithStream sets the stream key.
func WithStream(stream string) RedisOption {
	return func(s *RedisSink) {
		s.stream = stream
	}
}

// WithMaxLen caps the stream length. Zero keeps every entry.
func WithMaxLen(n int64) RedisOption {
	return func(s *RedisSink) {
		s.maxLen = n
	}
}

// NewRedisSink connects to address and returns a sink.
func NewRedisSink(address, password string, db int, opts ...RedisOption) *RedisSink {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisSinkFromClient(rdb, opts...)
}

// NewRedisSinkFromClient wraps an existing client.
func NewRedisSinkFromClient(client *backend.Client, opts ...RedisOption) *RedisSink {
	s := &RedisSink{
		client: client,
		stream: DefaultStream,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Emit appends the event as one stream entry. The full event is stored as
// JSON under "payload"; type and domain are duplicated for XREAD consumers.
func (s *RedisSink) Emit(ctx context.Context, event engine.AuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	args := &backend.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"type":    event.Type,
			"domain":  event.Domain.String(),
			"payload": string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append audit event to %s: %w", s.stream, err)
	}
	return nil
}

// Recent returns up to n events, newest first.
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]engine.AuditEvent, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit stream %s: %w", s.stream, err)
	}

	events := make([]engine.AuditEvent, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["payload"].(string)
		if !ok {
			continue
		}
		var event engine.AuditEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, fmt.Errorf("failed to decode audit entry %s: %w", msg.ID, err)
		}
		events = append(events, event)
	}
	return events, nil
}

// Close closes the underlying client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
