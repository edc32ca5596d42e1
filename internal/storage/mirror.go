package storage

import (
	"context"
	"errors"
	"log"

	"github.com/scrypster/synapse/pkg/types"
)

// Backend is the full storage surface a Mirrored wrapper fronts.
type Backend interface {
	ConversationStore
	EventLog
	PatternStore
	RunCommitter
	SnapshotStore
	AnomalyStore
	SettingsStore
	Close() error
}

// MirrorTarget is the subset of the storage surface that gets replicated to
// a secondary backend: events flowing in and committed pattern sets flowing
// out. Everything else stays local.
type MirrorTarget interface {
	AppendEvent(ctx context.Context, event *types.Event) (int64, error)
	CommitRun(ctx context.Context, patterns []*types.Pattern, cursor int64) error
	RestorePatterns(ctx context.Context, patterns []*types.Pattern) error
	Close() error
}

// Mirrored fans event appends and run commits out to a secondary backend
// after the primary write succeeds. The primary is authoritative; mirror
// failures are logged and never propagated to callers.
type Mirrored struct {
	Backend
	mirror MirrorTarget
}

// NewMirrored wraps primary so that appends and commits are replicated to
// mirror.
func NewMirrored(primary Backend, mirror MirrorTarget) *Mirrored {
	return &Mirrored{Backend: primary, mirror: mirror}
}

func (m *Mirrored) AppendEvent(ctx context.Context, event *types.Event) (int64, error) {
	seq, err := m.Backend.AppendEvent(ctx, event)
	if err != nil {
		return seq, err
	}
	if _, merr := m.mirror.AppendEvent(ctx, event); merr != nil && !errors.Is(merr, ErrDuplicateEvent) {
		log.Printf("storage: mirror append failed for event checksum %s: %v", event.Checksum, merr)
	}
	return seq, nil
}

func (m *Mirrored) CommitRun(ctx context.Context, patterns []*types.Pattern, cursor int64) error {
	if err := m.Backend.CommitRun(ctx, patterns, cursor); err != nil {
		return err
	}
	if merr := m.mirror.CommitRun(ctx, patterns, cursor); merr != nil {
		log.Printf("storage: mirror commit failed at cursor %d: %v", cursor, merr)
	}
	return nil
}

func (m *Mirrored) RestorePatterns(ctx context.Context, patterns []*types.Pattern) error {
	if err := m.Backend.RestorePatterns(ctx, patterns); err != nil {
		return err
	}
	if merr := m.mirror.RestorePatterns(ctx, patterns); merr != nil {
		log.Printf("storage: mirror restore failed: %v", merr)
	}
	return nil
}

// Close closes the primary first, then the mirror.
func (m *Mirrored) Close() error {
	err := m.Backend.Close()
	if merr := m.mirror.Close(); merr != nil && err == nil {
		err = merr
	}
	return err
}
