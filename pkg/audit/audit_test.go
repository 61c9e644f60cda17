package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate/tollgate/pkg/engine"
)

func quietLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func boolPtr(b bool) *bool { return &b }

func TestPublisher_SyncDeliveryStampsEvents(t *testing.T) {
	p := NewPublisher(DefaultConfig(), quietLogger())
	rec := &Recorder{}
	p.Subscribe(rec, nil)

	err := p.Emit(context.Background(), engine.AuditEvent{
		Type:   engine.AuditGuardCheck,
		Domain: engine.DomainTask,
		Guard:  "can_start_task",
		From:   "todo",
		To:     "wip",
		Result: boolPtr(true),
	})
	require.NoError(t, err)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, "can_start_task", events[0].Guard)
}

func TestPublisher_Filters(t *testing.T) {
	p := NewPublisher(DefaultConfig(), quietLogger())
	all := &Recorder{}
	failures := &Recorder{}
	p.Subscribe(all, nil)
	p.Subscribe(failures, FilterFailures())
	p.AddFilter(FilterByDomain(engine.DomainTask))

	ctx := context.Background()
	require.NoError(t, p.Emit(ctx, engine.AuditEvent{Type: engine.AuditGuardCheck, Domain: engine.DomainTask}))
	require.NoError(t, p.Emit(ctx, engine.AuditEvent{Type: engine.AuditGuardBlocked, Domain: engine.DomainTask}))
	require.NoError(t, p.Emit(ctx, engine.AuditEvent{Type: engine.AuditGuardBlocked, Domain: engine.DomainSession}))

	assert.Equal(t, []string{engine.AuditGuardCheck, engine.AuditGuardBlocked}, all.Types())
	assert.Equal(t, []string{engine.AuditGuardBlocked}, failures.Types())
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	p := NewPublisher(Config{Async: true, BufferSize: 16, MaxBatchSize: 4}, quietLogger())
	rec := &Recorder{}
	p.Subscribe(rec, nil)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Emit(ctx, engine.AuditEvent{Type: engine.AuditGuardCheck, To: "wip"}))
	}

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, p.Close(closeCtx))

	assert.Len(t, rec.Events(), 10)
	assert.ErrorIs(t, p.Emit(ctx, engine.AuditEvent{Type: engine.AuditGuardCheck}), ErrClosed)
}

func TestPublisher_SinkErrorsDoNotPropagate(t *testing.T) {
	p := NewPublisher(DefaultConfig(), quietLogger())
	p.Subscribe(engine.AuditSinkFunc(func(context.Context, engine.AuditEvent) error {
		return errors.New("disk full")
	}), nil)
	rec := &Recorder{}
	p.Subscribe(rec, nil)

	require.NoError(t, p.Emit(context.Background(), engine.AuditEvent{Type: engine.AuditGuardError}))
	assert.Len(t, rec.Events(), 1)
}

func TestMulti_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	rec := &Recorder{}
	m := Multi{rec, nil, engine.AuditSinkFunc(func(context.Context, engine.AuditEvent) error { return boom })}

	err := m.Emit(context.Background(), engine.AuditEvent{Type: engine.AuditGuardCheck})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, rec.Events(), 1)
}

func TestLogSink_NeverFails(t *testing.T) {
	sink := NewLogSink(quietLogger())
	for _, typ := range []string{engine.AuditGuardCheck, engine.AuditGuardBlocked, engine.AuditGuardError, engine.AuditTransitionCommitted} {
		assert.NoError(t, sink.Emit(context.Background(), engine.AuditEvent{Type: typ, Result: boolPtr(false), Error: "x"}))
	}
}

func TestRedisSink_AppendAndRecent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	sink := NewRedisSinkFromClient(client, WithStream("test:audit"))
	defer sink.Close()

	ctx := context.Background()
	require.NoError(t, sink.Emit(ctx, engine.AuditEvent{ID: "e1", Type: engine.AuditGuardCheck, Domain: engine.DomainTask, Guard: "g", To: "wip", Result: boolPtr(true)}))
	require.NoError(t, sink.Emit(ctx, engine.AuditEvent{ID: "e2", Type: engine.AuditGuardBlocked, Domain: engine.DomainTask, Guard: "g", To: "wip", Result: boolPtr(false)}))

	events, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e2", events[0].ID)
	assert.Equal(t, "e1", events[1].ID)
	require.NotNil(t, events[0].Result)
	assert.False(t, *events[0].Result)

	events, err = sink.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRedisSink_ThroughPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	sink := NewRedisSinkFromClient(backend.NewClient(&backend.Options{Addr: mr.Addr()}))
	defer sink.Close()

	p := NewPublisher(DefaultConfig(), quietLogger())
	p.Subscribe(sink, FilterByType(engine.AuditTransitionCommitted))

	ctx := context.Background()
	require.NoError(t, p.Emit(ctx, engine.AuditEvent{Type: engine.AuditGuardCheck}))
	require.NoError(t, p.Emit(ctx, engine.AuditEvent{Type: engine.AuditTransitionCommitted, EntityID: "T-1"}))

	events, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "T-1", events[0].EntityID)
}
