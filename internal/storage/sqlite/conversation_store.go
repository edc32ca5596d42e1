package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

// Append adds a message to the conversation, creating it if the ID is
// unknown. Appending to an ended conversation fails. Every append runs an
// eviction check so the store never retains more than the configured cap.
func (s *Store) Append(ctx context.Context, conversationID string, msg types.Message) (*types.Conversation, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation ID is required", storage.ErrInvalidInput)
	}
	if msg.Content == "" {
		return nil, fmt.Errorf("%w: message content is required", storage.ErrInvalidInput)
	}
	if msg.Role != types.RoleUser && msg.Role != types.RoleAssistant {
		return nil, fmt.Errorf("%w: unknown role %q", storage.ErrInvalidInput, msg.Role)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx,
		"SELECT status FROM conversations WHERE id = ?", conversationID).Scan(&status)
	switch {
	case err == sql.ErrNoRows:
		// Auto-create on first append.
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO conversations (id, start_time, status) VALUES (?, ?, ?)",
			conversationID, msg.Timestamp, string(types.ConversationActive)); err != nil {
			return nil, fmt.Errorf("sqlite: failed to create conversation: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("sqlite: failed to read conversation: %w", err)
	case status == string(types.ConversationEnded):
		return nil, fmt.Errorf("%w: %s", storage.ErrConversationEnded, conversationID)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO messages (conversation_id, role, content, timestamp) VALUES (?, ?, ?, ?)",
		conversationID, string(msg.Role), msg.Content, msg.Timestamp); err != nil {
		return nil, fmt.Errorf("sqlite: failed to append message: %w", err)
	}

	if err := s.evictOverCap(ctx, tx); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to commit append: %w", err)
	}

	return s.Get(ctx, conversationID)
}

// evictOverCap deletes whole conversations beyond the retention cap, oldest
// start_time first, rowid breaking ties. Runs inside the append transaction.
func (s *Store) evictOverCap(ctx context.Context, tx *sql.Tx) error {
	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations").Scan(&count); err != nil {
		return fmt.Errorf("sqlite: failed to count conversations: %w", err)
	}
	if count <= s.conversationCap {
		return nil
	}

	_, err := tx.ExecContext(ctx, `
		DELETE FROM conversations WHERE id IN (
			SELECT id FROM conversations
			ORDER BY start_time ASC, rowid ASC
			LIMIT ?
		)`, count-s.conversationCap)
	if err != nil {
		return fmt.Errorf("sqlite: failed to evict conversations: %w", err)
	}
	return nil
}

// SetExtraction replaces the conversation's extracted entities and intent.
func (s *Store) SetExtraction(ctx context.Context, conversationID string, entities []types.Entity, intent types.Intent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE conversations SET intent = ? WHERE id = ?", string(intent), conversationID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update intent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: conversation %s", storage.ErrNotFound, conversationID)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM entities WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("sqlite: failed to clear entities: %w", err)
	}
	for _, e := range entities {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO entities (conversation_id, kind, value) VALUES (?, ?, ?)",
			conversationID, string(e.Kind), e.Value); err != nil {
			return fmt.Errorf("sqlite: failed to insert entity: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit extraction: %w", err)
	}
	return nil
}

// End closes the conversation. Ending an already-ended conversation is a no-op.
func (s *Store) End(ctx context.Context, conversationID string) (*types.Conversation, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?, end_time = COALESCE(end_time, ?)
		WHERE id = ?`,
		string(types.ConversationEnded), time.Now().UTC(), conversationID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to end conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: conversation %s", storage.ErrNotFound, conversationID)
	}
	return s.Get(ctx, conversationID)
}

// Get retrieves a conversation with all turns and entities.
func (s *Store) Get(ctx context.Context, conversationID string) (*types.Conversation, error) {
	conv := &types.Conversation{ID: conversationID}
	var endTime sql.NullTime
	var status, intent string

	err := s.db.QueryRowContext(ctx, `
		SELECT start_time, end_time, status, intent
		FROM conversations WHERE id = ?`, conversationID).
		Scan(&conv.StartTime, &endTime, &status, &intent)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: conversation %s", storage.ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to read conversation: %w", err)
	}

	conv.Status = types.ConversationStatus(status)
	conv.Intent = types.Intent(intent)
	if endTime.Valid {
		t := endTime.Time
		conv.EndTime = &t
	}

	if err := s.loadTurns(ctx, conv); err != nil {
		return nil, err
	}
	if err := s.loadEntities(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Store) loadTurns(ctx context.Context, conv *types.Conversation) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, timestamp FROM messages
		WHERE conversation_id = ? ORDER BY id ASC`, conv.ID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m types.Message
		var role string
		if err := rows.Scan(&role, &m.Content, &m.Timestamp); err != nil {
			return fmt.Errorf("sqlite: failed to scan message: %w", err)
		}
		m.Role = types.Role(role)
		conv.Turns = append(conv.Turns, m)
	}
	return rows.Err()
}

func (s *Store) loadEntities(ctx context.Context, conv *types.Conversation) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, value FROM entities
		WHERE conversation_id = ? ORDER BY id ASC`, conv.ID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to load entities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e types.Entity
		var kind string
		if err := rows.Scan(&kind, &e.Value); err != nil {
			return fmt.Errorf("sqlite: failed to scan entity: %w", err)
		}
		e.Kind = types.EntityKind(kind)
		e.ConversationID = conv.ID
		conv.Entities = append(conv.Entities, e)
	}
	return rows.Err()
}

// GetRecent returns up to limit conversations, most recently started first.
func (s *Store) GetRecent(ctx context.Context, limit int) ([]*types.Conversation, error) {
	if limit < 1 {
		limit = s.conversationCap
	}
	return s.listByIDs(ctx, `
		SELECT id FROM conversations
		ORDER BY start_time DESC, rowid DESC
		LIMIT ?`, limit)
}

// Query returns conversations matching the filter, most recent first.
func (s *Store) Query(ctx context.Context, q storage.ConversationQuery) ([]*types.Conversation, error) {
	q.Normalize()

	query := `
		SELECT DISTINCT c.id FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		LEFT JOIN entities e ON e.conversation_id = c.id
		WHERE 1=1`
	var args []any

	if q.Status != "" {
		query += " AND c.status = ?"
		args = append(args, string(q.Status))
	}
	if q.Intent != "" {
		query += " AND c.intent = ?"
		args = append(args, string(q.Intent))
	}
	if q.Keyword != "" {
		query += " AND LOWER(m.content) LIKE ?"
		args = append(args, "%"+strings.ToLower(q.Keyword)+"%")
	}
	if q.EntityValue != "" {
		query += " AND e.value = ?"
		args = append(args, q.EntityValue)
	}
	query += " ORDER BY c.start_time DESC, c.rowid DESC LIMIT ?"
	args = append(args, q.Limit)

	return s.listByIDs(ctx, query, args...)
}

func (s *Store) listByIDs(ctx context.Context, query string, args ...any) ([]*types.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list conversations: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: failed to scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]*types.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

// Delete removes a conversation; messages and entities cascade.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", conversationID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: conversation %s", storage.ErrNotFound, conversationID)
	}
	return nil
}

// Count returns the number of retained conversations.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations").Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: failed to count conversations: %w", err)
	}
	return n, nil
}

// Clear removes all conversations.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM conversations"); err != nil {
		return fmt.Errorf("sqlite: failed to clear conversations: %w", err)
	}
	return nil
}
