package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

// AppendEvent appends an event, assigning its sequence number. Events whose
// checksum is already present are rejected with ErrDuplicateEvent and the
// existing sequence number, so producers can retry blindly.
func (s *Store) AppendEvent(ctx context.Context, event *types.Event) (int64, error) {
	if event == nil {
		return 0, storage.ErrInvalidInput
	}
	if event.Type == "" {
		return 0, fmt.Errorf("%w: event type is required", storage.ErrInvalidInput)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Checksum == "" {
		event.Checksum = event.ComputeChecksum()
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to marshal event payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO events (timestamp, event_type, payload, checksum) VALUES (?, ?, ?, ?)",
		event.Timestamp, string(event.Type), string(payload), event.Checksum)
	if err != nil {
		if isUniqueViolation(err) {
			var seq int64
			if qErr := s.db.QueryRowContext(ctx,
				"SELECT seq FROM events WHERE checksum = ?", event.Checksum).Scan(&seq); qErr == nil {
				event.Seq = seq
				return seq, storage.ErrDuplicateEvent
			}
			return 0, storage.ErrDuplicateEvent
		}
		return 0, fmt.Errorf("sqlite: failed to append event: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to read event seq: %w", err)
	}
	event.Seq = seq
	return seq, nil
}

// isUniqueViolation reports whether the error is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// LoadSince returns up to limit events with seq > cursor, in sequence order.
func (s *Store) LoadSince(ctx context.Context, cursor int64, limit int) ([]*types.Event, error) {
	if limit < 1 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, timestamp, event_type, payload, checksum
		FROM events WHERE seq > ?
		ORDER BY seq ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load events: %w", err)
	}
	defer rows.Close()

	var out []*types.Event
	for rows.Next() {
		ev := &types.Event{}
		var eventType, payload string
		if err := rows.Scan(&ev.Seq, &ev.Timestamp, &eventType, &payload, &ev.Checksum); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan event: %w", err)
		}
		ev.Type = types.EventType(eventType)
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, fmt.Errorf("sqlite: failed to unmarshal event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Cursor returns the current high-water mark.
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, "SELECT seq FROM event_cursor WHERE id = 1").Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to read cursor: %w", err)
	}
	return seq, nil
}

// PendingCount returns the number of events beyond the cursor.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events
		WHERE seq > (SELECT seq FROM event_cursor WHERE id = 1)`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to count pending events: %w", err)
	}
	return n, nil
}
