package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tollgate/tollgate/pkg/engine"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// EntityState is the last committed state of an entity.
type EntityState struct {
	Domain    engine.Domain `json:"domain"`
	EntityID  string        `json:"entity_id"`
	State     string        `json:"state"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// HistoryRecord is a stored history entry with its owner.
type HistoryRecord struct {
	Domain   engine.Domain `json:"domain"`
	EntityID string        `json:"entity_id"`
	engine.HistoryEntry
}

// AuditQuery filters ListAuditEvents. Zero fields match everything.
type AuditQuery struct {
	Domain   engine.Domain
	EntityID string
	Type     string
	Since    time.Time
	Limit    int
	Offset   int
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.HistorySink
	engine.AuditSink

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Entity state operations
	GetEntityState(ctx context.Context, domain engine.Domain, entityID string) (*EntityState, error)
	SetEntityState(ctx context.Context, domain engine.Domain, entityID, state string) error
	ListEntityStates(ctx context.Context, domain engine.Domain, limit, offset int) ([]*EntityState, error)

	// History operations
	ListHistory(ctx context.Context, domain engine.Domain, entityID string, limit int) ([]*HistoryRecord, error)

	// Audit operations
	ListAuditEvents(ctx context.Context, q AuditQuery) ([]engine.AuditEvent, error)
	PruneAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
