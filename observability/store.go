package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/docingest/dbopen"
	"github.com/hazyhaar/docingest/idgen"
)

// Schema is the DDL for the event table.
const Schema = `
CREATE TABLE IF NOT EXISTS ingest_events (
    event_id TEXT PRIMARY KEY,
    stage TEXT NOT NULL,
    name TEXT NOT NULL,
    success INTEGER NOT NULL DEFAULT 1,
    attrs TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ingest_events_stage ON ingest_events(stage, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_ingest_events_time ON ingest_events(created_at DESC);
`

// Init applies Schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// EventStore persists events to SQLite. It implements Emitter.
type EventStore struct {
	db    *sql.DB
	owned bool
	newID idgen.Generator
}

// StoreOption configures an EventStore.
type StoreOption func(*EventStore)

// WithStoreIDGenerator sets the generator for event IDs.
func WithStoreIDGenerator(gen idgen.Generator) StoreOption {
	return func(s *EventStore) { s.newID = gen }
}

// NewEventStore wraps an already opened database and applies Schema.
func NewEventStore(db *sql.DB, opts ...StoreOption) (*EventStore, error) {
	if err := Init(db); err != nil {
		return nil, fmt.Errorf("observability schema: %w", err)
	}
	s := &EventStore{db: db, newID: idgen.Prefixed("evt_", idgen.Default)}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// OpenEventStore opens (creating if needed) a SQLite file and applies
// Schema. The store owns the handle.
func OpenEventStore(path string, opts ...StoreOption) (*EventStore, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("open events db: %w", err)
	}
	s, err := NewEventStore(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// Emit inserts e. Errors are logged, never returned.
func (s *EventStore) Emit(ctx context.Context, e Event) {
	var attrs []byte
	if len(e.Attrs) > 0 {
		var err error
		attrs, err = json.Marshal(e.Attrs)
		if err != nil {
			slog.Warn("observability: marshal attrs", "error", err, "event", e.Name)
			attrs = nil
		}
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO ingest_events (event_id, stage, name, success, attrs, created_at) VALUES (?,?,?,?,?,?)`,
		s.newID(), e.Stage, e.Name, e.Success, nullString(attrs), at.UnixMilli())
	if err != nil {
		slog.Error("observability event store failed", "error", err, "stage", e.Stage, "event", e.Name)
	}
}

// Recent returns up to limit events, newest first. An empty stage matches all.
func (s *EventStore) Recent(ctx context.Context, stage string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT stage, name, success, attrs, created_at FROM ingest_events`
	var args []any
	if stage != "" {
		q += ` WHERE stage = ?`
		args = append(args, stage)
	}
	q += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e     Event
			attrs sql.NullString
			ms    int64
		)
		if err := rows.Scan(&e.Stage, &e.Name, &e.Success, &attrs, &ms); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if attrs.Valid && attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &e.Attrs); err != nil {
				return nil, fmt.Errorf("decode attrs: %w", err)
			}
		}
		e.At = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than maxAge.
func (s *EventStore) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := dbopen.Exec(ctx, s.db, `DELETE FROM ingest_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database if the store opened it.
func (s *EventStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

func nullString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
