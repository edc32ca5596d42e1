// Package storage provides composable storage interfaces for the Synapse
// memory brain.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. The SQLite backend
// implements all of them on a single database; the Postgres backend mirrors
// the event log and pattern table for multi-host deployments.
package storage

import (
	"context"

	"github.com/scrypster/synapse/pkg/types"
)

// ConversationStore is the bounded working-memory store. It is single-writer:
// all mutations serialize through the owning component.
type ConversationStore interface {
	// Append adds a message to the conversation, creating the conversation if
	// the ID is unknown. Appending to an ended conversation returns
	// ErrConversationEnded. Every append triggers an eviction check: when the
	// retention cap is exceeded, whole conversations are evicted strictly
	// FIFO by start time (ties broken by insertion order).
	Append(ctx context.Context, conversationID string, msg types.Message) (*types.Conversation, error)

	// SetExtraction replaces the conversation's extracted entities and intent.
	// Returns ErrNotFound for an unknown conversation.
	SetExtraction(ctx context.Context, conversationID string, entities []types.Entity, intent types.Intent) error

	// End closes the conversation. Ending an already-ended conversation is a
	// no-op. Returns ErrNotFound for an unknown conversation.
	End(ctx context.Context, conversationID string) (*types.Conversation, error)

	// Get retrieves a conversation with all turns and entities.
	// Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, conversationID string) (*types.Conversation, error)

	// GetRecent returns up to limit conversations, most recently started first.
	GetRecent(ctx context.Context, limit int) ([]*types.Conversation, error)

	// Query returns conversations matching the filter, most recent first.
	Query(ctx context.Context, q ConversationQuery) ([]*types.Conversation, error)

	// Delete removes a conversation and its turns and entities.
	// Returns ErrNotFound if it doesn't exist.
	Delete(ctx context.Context, conversationID string) error

	// Count returns the number of retained conversations.
	Count(ctx context.Context) (int, error)

	// Clear removes all conversations.
	Clear(ctx context.Context) error
}

// EventLog is the append-only interaction record. Events are immutable and
// deduplicated by checksum; consumption is tracked through a single
// high-water-mark cursor so processing is idempotent.
type EventLog interface {
	// AppendEvent appends an event, assigning its sequence number. An event
	// whose checksum is already present returns ErrDuplicateEvent and the
	// existing sequence number.
	AppendEvent(ctx context.Context, event *types.Event) (int64, error)

	// LoadSince returns up to limit events with seq > cursor, in sequence order.
	LoadSince(ctx context.Context, cursor int64, limit int) ([]*types.Event, error)

	// Cursor returns the current high-water mark (0 when nothing consumed).
	Cursor(ctx context.Context) (int64, error)

	// PendingCount returns the number of events beyond the cursor.
	PendingCount(ctx context.Context) (int, error)
}

// PatternStore holds the long-term knowledge graph, keyed by signature.
// Only the aggregator writes to it.
type PatternStore interface {
	// GetPattern retrieves a pattern by signature.
	// Returns ErrNotFound if it doesn't exist.
	GetPattern(ctx context.Context, signature string) (*types.Pattern, error)

	// ListPatterns returns patterns matching the options, highest confidence
	// first.
	ListPatterns(ctx context.Context, opts PatternListOptions) ([]*types.Pattern, error)

	// AllPatterns returns the full pattern set.
	AllPatterns(ctx context.Context) ([]*types.Pattern, error)

	// PatternCount returns the number of stored patterns.
	PatternCount(ctx context.Context) (int, error)
}

// RunCommitter atomically commits an aggregator run: the full replacement
// pattern set and the advanced high-water-mark cursor are written in a single
// transaction, so readers observe either the pre-run or the post-run state,
// never a partially-updated graph.
type RunCommitter interface {
	// CommitRun replaces the pattern set and advances the cursor atomically.
	CommitRun(ctx context.Context, patterns []*types.Pattern, cursor int64) error

	// RestorePatterns replaces the pattern set without touching the cursor.
	// Used by rollback to reinstate a snapshot.
	RestorePatterns(ctx context.Context, patterns []*types.Pattern) error
}

// SnapshotStore archives versioned copies of the pattern set.
type SnapshotStore interface {
	// SaveSnapshot persists a snapshot.
	SaveSnapshot(ctx context.Context, snap *types.Snapshot) error

	// LatestSnapshot returns the most recent snapshot, or ErrNotFound when
	// none exist.
	LatestSnapshot(ctx context.Context) (*types.Snapshot, error)

	// GetSnapshot retrieves a snapshot by ID, including its pattern payload.
	GetSnapshot(ctx context.Context, id string) (*types.Snapshot, error)

	// ListSnapshots returns snapshot metadata (no payloads), newest first.
	ListSnapshots(ctx context.Context) ([]*types.Snapshot, error)

	// PruneSnapshots deletes all but the keep most recent snapshots and
	// returns the number removed.
	PruneSnapshots(ctx context.Context, keep int) (int, error)
}

// AnomalyStore records suppressed pattern updates for manual review.
type AnomalyStore interface {
	// RecordAnomaly persists an anomaly record.
	RecordAnomaly(ctx context.Context, rec *types.AnomalyRecord) error

	// ListAnomalies returns anomaly records, newest first. When unreviewedOnly
	// is true, reviewed records are excluded.
	ListAnomalies(ctx context.Context, unreviewedOnly bool) ([]*types.AnomalyRecord, error)

	// MarkAnomalyReviewed flags an anomaly as reviewed.
	// Returns ErrNotFound if it doesn't exist.
	MarkAnomalyReviewed(ctx context.Context, id string) error
}

// SettingsStore persists user settings across restarts.
type SettingsStore interface {
	// GetSetting returns the value for key, or "" with ErrNotFound.
	GetSetting(ctx context.Context, key string) (string, error)

	// SetSetting writes a key-value pair with upsert semantics.
	SetSetting(ctx context.Context, key, value string) error
}
