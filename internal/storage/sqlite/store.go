// Package sqlite implements the Synapse storage interfaces on a single SQLite
// database: conversations (working memory), the append-only event log, the
// pattern table (knowledge graph), the snapshot archive, anomaly records, and
// user settings.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/synapse/internal/storage"
)

// Schema creates all tables and indexes. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id          TEXT PRIMARY KEY,
	start_time  TIMESTAMP NOT NULL,
	end_time    TIMESTAMP,
	status      TEXT NOT NULL DEFAULT 'active',
	intent      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_conversations_start ON conversations(start_time);
CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status);

CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	timestamp       TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);

CREATE TABLE IF NOT EXISTS entities (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	kind            TEXT NOT NULL,
	value           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_conversation ON entities(conversation_id);
CREATE INDEX IF NOT EXISTS idx_entities_value ON entities(value);

CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp  TIMESTAMP NOT NULL,
	event_type TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '{}',
	checksum   TEXT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);

CREATE TABLE IF NOT EXISTS patterns (
	signature        TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	confidence       REAL NOT NULL DEFAULT 0,
	occurrence_count INTEGER NOT NULL DEFAULT 0,
	last_updated     TIMESTAMP NOT NULL,
	anomaly_flag     INTEGER NOT NULL DEFAULT 0,
	payload          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_patterns_kind ON patterns(kind);
CREATE INDEX IF NOT EXISTS idx_patterns_confidence ON patterns(confidence);

CREATE TABLE IF NOT EXISTS snapshots (
	id            TEXT PRIMARY KEY,
	version       INTEGER NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	pattern_count INTEGER NOT NULL,
	checksum      TEXT NOT NULL,
	payload       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_version ON snapshots(version);

CREATE TABLE IF NOT EXISTS anomalies (
	id                  TEXT PRIMARY KEY,
	signature           TEXT NOT NULL,
	kind                TEXT NOT NULL,
	reason              TEXT NOT NULL,
	proposed_confidence REAL NOT NULL,
	occurrence_count    INTEGER NOT NULL,
	created_at          TIMESTAMP NOT NULL,
	reviewed            INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS event_cursor (
	id  INTEGER PRIMARY KEY CHECK (id = 1),
	seq INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO event_cursor (id, seq) VALUES (1, 0);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// defaultConversationCap is the working-memory retention bound used when the
// caller does not override it.
const defaultConversationCap = 50

// Store implements the storage interfaces on one SQLite database.
type Store struct {
	db              *sql.DB
	conversationCap int
}

// Option configures a Store.
type Option func(*Store)

// WithConversationCap overrides the working-memory retention bound.
func WithConversationCap(cap int) Option {
	return func(s *Store) {
		if cap > 0 {
			s.conversationCap = cap
		}
	}
}

// Open opens (or creates) the database at dsn, configures WAL mode, and
// creates the schema. Use ":memory:" for tests.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent load;
	// WAL mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	s := &Store{db: db, conversationCap: defaultConversationCap}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DB exposes the underlying handle for settings persistence and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ConversationCap returns the configured retention bound.
func (s *Store) ConversationCap() int {
	return s.conversationCap
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetSetting returns the value for key from the settings table.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: failed to read setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting writes a key-value pair with upsert semantics.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("sqlite: failed to write setting %q: %w", key, err)
	}
	return nil
}
