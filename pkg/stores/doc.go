// Package stores persists entity states, transition history and audit events
// in SQLite. The schema is managed with embedded golang-migrate migrations.
//
// SQLiteStore satisfies engine.HistorySink and engine.AuditSink, so it can
// be handed directly to the transition service or an audit publisher.
package stores
