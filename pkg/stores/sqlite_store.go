package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/tollgate/tollgate/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// AppendHistory stores a committed transition and moves the entity to its
// new state in one transaction.
func (s *SQLiteStore) AppendHistory(ctx context.Context, domain engine.Domain, entityID string, entry engine.HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO history (id, domain, entity_id, from_state, to_state, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, string(domain), entityID, entry.From, entry.To, entry.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	if err := upsertEntityState(ctx, tx, domain, entityID, entry.To, entry.Timestamp); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history: %w", err)
	}
	return nil
}

// ListHistory returns an entity's history, oldest first. A limit of zero
// returns every entry.
func (s *SQLiteStore) ListHistory(ctx context.Context, domain engine.Domain, entityID string, limit int) ([]*HistoryRecord, error) {
	query := `
		SELECT id, domain, entity_id, from_state, to_state, timestamp
		FROM history
		WHERE domain = ? AND entity_id = ?
		ORDER BY timestamp ASC, rowid ASC
	`
	args := []any{string(domain), entityID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var records []*HistoryRecord
	for rows.Next() {
		rec := &HistoryRecord{}
		var d string
		var ts int64
		if err := rows.Scan(&rec.ID, &d, &rec.EntityID, &rec.From, &rec.To, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		rec.Domain = engine.Domain(d)
		rec.Timestamp = time.Unix(0, ts).UTC()
		records = append(records, rec)
	}

	return records, rows.Err()
}

// GetEntityState returns the last committed state of an entity, or
// ErrNotFound.
func (s *SQLiteStore) GetEntityState(ctx context.Context, domain engine.Domain, entityID string) (*EntityState, error) {
	st := &EntityState{Domain: domain, EntityID: entityID}
	var ts int64
	err := s.db.QueryRowContext(ctx, `
		SELECT state, updated_at FROM entity_states WHERE domain = ? AND entity_id = ?
	`, string(domain), entityID).Scan(&st.State, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s/%s: %w", domain, entityID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity state: %w", err)
	}
	st.UpdatedAt = time.Unix(0, ts).UTC()
	return st, nil
}

// SetEntityState records an entity's state without a history entry. It is
// used to seed entities in their initial state.
func (s *SQLiteStore) SetEntityState(ctx context.Context, domain engine.Domain, entityID, state string) error {
	return upsertEntityState(ctx, s.db, domain, entityID, state, time.Now().UTC())
}

// ListEntityStates lists the entities of a domain ordered by ID.
func (s *SQLiteStore) ListEntityStates(ctx context.Context, domain engine.Domain, limit, offset int) ([]*EntityState, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, state, updated_at FROM entity_states
		WHERE domain = ?
		ORDER BY entity_id
		LIMIT ? OFFSET ?
	`, string(domain), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list entity states: %w", err)
	}
	defer rows.Close()

	var states []*EntityState
	for rows.Next() {
		st := &EntityState{Domain: domain}
		var ts int64
		if err := rows.Scan(&st.EntityID, &st.State, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan entity state: %w", err)
		}
		st.UpdatedAt = time.Unix(0, ts).UTC()
		states = append(states, st)
	}
	return states, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertEntityState(ctx context.Context, db execer, domain engine.Domain, entityID, state string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO entity_states (domain, entity_id, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (domain, entity_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`, string(domain), entityID, state, at.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert entity state: %w", err)
	}
	return nil
}

// Emit stores an audit event.
func (s *SQLiteStore) Emit(ctx context.Context, event engine.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var result sql.NullBool
	if event.Result != nil {
		result = sql.NullBool{Bool: *event.Result, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, domain, entity_id, guard, from_state, to_state, result, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.Type,
		string(event.Domain),
		event.EntityID,
		event.Guard,
		event.From,
		event.To,
		result,
		event.Error,
		event.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns matching audit events, newest first.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, q AuditQuery) ([]engine.AuditEvent, error) {
	var where []string
	var args []any
	if q.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, string(q.Domain))
	}
	if q.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, q.EntityID)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since.UnixNano())
	}

	query := "SELECT id, type, domain, entity_id, guard, from_state, to_state, result, error, timestamp FROM audit_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, rowid DESC LIMIT ? OFFSET ?"

	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []engine.AuditEvent
	for rows.Next() {
		var (
			ev     engine.AuditEvent
			domain string
			result sql.NullBool
			ts     int64
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &domain, &ev.EntityID, &ev.Guard, &ev.From, &ev.To, &result, &ev.Error, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		ev.Domain = engine.Domain(domain)
		ev.Timestamp = time.Unix(0, ts).UTC()
		if result.Valid {
			r := result.Bool
			ev.Result = &r
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PruneAuditEvents deletes events older than before and reports how many
// were removed.
func (s *SQLiteStore) PruneAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE timestamp < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit events: %w", err)
	}
	return res.RowsAffected()
}
