package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func userMsg(content string, at time.Time) types.Message {
	return types.Message{Role: types.RoleUser, Content: content, Timestamp: at}
}

// TestAppendCreatesConversation verifies auto-creation on first append
func TestAppendCreatesConversation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conv, err := s.Append(ctx, "c1", userMsg("hello", now))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if conv.ID != "c1" {
		t.Errorf("expected conversation c1, got %s", conv.ID)
	}
	if conv.Status != types.ConversationActive {
		t.Errorf("expected active status, got %s", conv.Status)
	}
	if len(conv.Turns) != 1 || conv.Turns[0].Content != "hello" {
		t.Errorf("unexpected turns: %+v", conv.Turns)
	}
}

// TestAppendRejectsInvalidInput verifies the validation guards
func TestAppendRejectsInvalidInput(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	cases := []struct {
		name string
		id   string
		msg  types.Message
	}{
		{"empty conversation ID", "", userMsg("hi", now)},
		{"empty content", "c1", types.Message{Role: types.RoleUser, Timestamp: now}},
		{"unknown role", "c1", types.Message{Role: "system", Content: "hi", Timestamp: now}},
	}
	for _, tc := range cases {
		if _, err := s.Append(ctx, tc.id, tc.msg); !errors.Is(err, storage.ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}

// TestAppendToEndedConversation verifies ended conversations reject turns
func TestAppendToEndedConversation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.Append(ctx, "c1", userMsg("hello", now)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	conv, err := s.End(ctx, "c1")
	if err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if !conv.Ended() || conv.EndTime == nil {
		t.Errorf("conversation should be ended with an end time: %+v", conv)
	}

	if _, err := s.Append(ctx, "c1", userMsg("more", now)); !errors.Is(err, storage.ErrConversationEnded) {
		t.Errorf("expected ErrConversationEnded, got %v", err)
	}
}

// TestEvictionOverCap verifies oldest conversations are dropped past the cap
func TestEvictionOverCap(t *testing.T) {
	s := openTestStore(t, WithConversationCap(3))
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, id := range []string{"c1", "c2", "c3", "c4"} {
		if _, err := s.Append(ctx, id, userMsg("turn", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("append %s failed: %v", id, err)
		}
	}

	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 retained conversations, got %d", count)
	}
	if _, err := s.Get(ctx, "c1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("oldest conversation should be evicted, got %v", err)
	}
	if _, err := s.Get(ctx, "c4"); err != nil {
		t.Errorf("newest conversation should survive: %v", err)
	}
}

// TestSetExtractionReplacesEntities verifies extraction overwrites prior state
func TestSetExtractionReplacesEntities(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.Append(ctx, "c1", userMsg("edit main.go", now)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	first := []types.Entity{{Kind: types.EntityFile, Value: "main.go"}}
	if err := s.SetExtraction(ctx, "c1", first, types.IntentRefactor); err != nil {
		t.Fatalf("set extraction failed: %v", err)
	}
	second := []types.Entity{
		{Kind: types.EntityFile, Value: "main.go"},
		{Kind: types.EntityClass, Value: "Router"},
	}
	if err := s.SetExtraction(ctx, "c1", second, types.IntentFix); err != nil {
		t.Fatalf("set extraction failed: %v", err)
	}

	conv, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if conv.Intent != types.IntentFix {
		t.Errorf("expected FIX intent, got %s", conv.Intent)
	}
	if len(conv.Entities) != 2 {
		t.Errorf("expected 2 entities after replacement, got %d", len(conv.Entities))
	}

	if err := s.SetExtraction(ctx, "missing", first, types.IntentFix); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown conversation, got %v", err)
	}
}

// TestQueryFilters verifies keyword, status and entity filtering
func TestQueryFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.Append(ctx, "c1", userMsg("fix the billing exporter", now)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := s.Append(ctx, "c2", userMsg("refactor the scheduler", now.Add(time.Minute))); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.SetExtraction(ctx, "c2",
		[]types.Entity{{Kind: types.EntityFile, Value: "scheduler.go"}}, types.IntentRefactor); err != nil {
		t.Fatalf("set extraction failed: %v", err)
	}
	if _, err := s.End(ctx, "c1"); err != nil {
		t.Fatalf("end failed: %v", err)
	}

	byKeyword, err := s.Query(ctx, storage.ConversationQuery{Keyword: "BILLING"})
	if err != nil {
		t.Fatalf("keyword query failed: %v", err)
	}
	if len(byKeyword) != 1 || byKeyword[0].ID != "c1" {
		t.Errorf("keyword query should match case-insensitively: %+v", byKeyword)
	}

	byStatus, err := s.Query(ctx, storage.ConversationQuery{Status: types.ConversationActive})
	if err != nil {
		t.Fatalf("status query failed: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != "c2" {
		t.Errorf("status query mismatch: %+v", byStatus)
	}

	byEntity, err := s.Query(ctx, storage.ConversationQuery{EntityValue: "scheduler.go"})
	if err != nil {
		t.Fatalf("entity query failed: %v", err)
	}
	if len(byEntity) != 1 || byEntity[0].ID != "c2" {
		t.Errorf("entity query mismatch: %+v", byEntity)
	}
}

// TestGetRecentOrder verifies most recently started conversations come first
func TestGetRecentOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, id := range []string{"c1", "c2", "c3"} {
		if _, err := s.Append(ctx, id, userMsg("turn", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	recent, err := s.GetRecent(ctx, 2)
	if err != nil {
		t.Fatalf("get recent failed: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "c3" || recent[1].ID != "c2" {
		t.Errorf("unexpected recent order: %+v", recent)
	}
}

// TestDeleteAndClear verifies removal paths
func TestDeleteAndClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.Append(ctx, "c1", userMsg("hello", now)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.Delete(ctx, "c1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := s.Delete(ctx, "c1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}

	if _, err := s.Append(ctx, "c2", userMsg("hello", now)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	count, _ := s.Count(ctx)
	if count != 0 {
		t.Errorf("expected empty store after clear, got %d", count)
	}
}

// TestAppendEventDeduplicates verifies checksum dedup returns the original seq
func TestAppendEventDeduplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := func() *types.Event {
		return &types.Event{
			Timestamp: time.Now().UTC(),
			Type:      types.EventIntentDetected,
			Payload:   map[string]any{"phrase": "deploy", "intent": "EXECUTE"},
		}
	}

	seq1, err := s.AppendEvent(ctx, ev())
	if err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	seq2, err := s.AppendEvent(ctx, ev())
	if !errors.Is(err, storage.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
	if seq2 != seq1 {
		t.Errorf("duplicate should report the original seq %d, got %d", seq1, seq2)
	}

	pending, err := s.PendingCount(ctx)
	if err != nil {
		t.Fatalf("pending count failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("expected 1 pending event, got %d", pending)
	}
}

// TestLoadSinceRespectsCursor verifies batch loading past a cursor
func TestLoadSinceRespectsCursor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.AppendEvent(ctx, &types.Event{
			Timestamp: time.Now().UTC(),
			Type:      types.EventFileEdited,
			Payload:   map[string]any{"file_a": "a.go", "file_b": "b.go", "n": i},
		})
		if err != nil {
			t.Fatalf("append event %d failed: %v", i, err)
		}
	}

	all, err := s.LoadSince(ctx, 0, 10)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].Seq >= all[1].Seq || all[1].Seq >= all[2].Seq {
		t.Errorf("events out of order: %d %d %d", all[0].Seq, all[1].Seq, all[2].Seq)
	}
	if all[0].Payload["file_a"] != "a.go" {
		t.Errorf("payload lost on round trip: %+v", all[0].Payload)
	}

	rest, err := s.LoadSince(ctx, all[0].Seq, 10)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(rest) != 2 {
		t.Errorf("expected 2 events past cursor, got %d", len(rest))
	}

	limited, err := s.LoadSince(ctx, 0, 2)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected limit to apply, got %d events", len(limited))
	}
}

// TestCommitRunAdvancesCursor verifies the atomic pattern-and-cursor commit
func TestCommitRunAdvancesCursor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seq, err := s.AppendEvent(ctx, &types.Event{
		Timestamp: time.Now().UTC(),
		Type:      types.EventIntentDetected,
		Payload:   map[string]any{"phrase": "deploy", "intent": "EXECUTE"},
	})
	if err != nil {
		t.Fatalf("append event failed: %v", err)
	}

	p := &types.Pattern{
		Signature:       "intent:deploy",
		Kind:            types.PatternIntent,
		Confidence:      0.10,
		OccurrenceCount: 1,
		LastUpdated:     time.Now().UTC(),
		Intent:          &types.IntentPattern{PhraseTemplate: "deploy", IntentLabel: "EXECUTE"},
	}
	if err := s.CommitRun(ctx, []*types.Pattern{p}, seq); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	cursor, err := s.Cursor(ctx)
	if err != nil {
		t.Fatalf("cursor failed: %v", err)
	}
	if cursor != seq {
		t.Errorf("expected cursor %d, got %d", seq, cursor)
	}
	pending, _ := s.PendingCount(ctx)
	if pending != 0 {
		t.Errorf("expected no pending events after commit, got %d", pending)
	}

	got, err := s.GetPattern(ctx, "intent:deploy")
	if err != nil {
		t.Fatalf("get pattern failed: %v", err)
	}
	if got.Intent == nil || got.Intent.PhraseTemplate != "deploy" {
		t.Errorf("pattern payload lost on round trip: %+v", got)
	}
}

// TestRestorePatternsKeepsCursor verifies rollback leaves the cursor alone
func TestRestorePatternsKeepsCursor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seq, err := s.AppendEvent(ctx, &types.Event{
		Timestamp: time.Now().UTC(),
		Type:      types.EventIntentDetected,
		Payload:   map[string]any{"phrase": "deploy", "intent": "EXECUTE"},
	})
	if err != nil {
		t.Fatalf("append event failed: %v", err)
	}

	if err := s.RestorePatterns(ctx, nil); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	cursor, _ := s.Cursor(ctx)
	if cursor != 0 {
		t.Errorf("restore must not move the cursor, got %d", cursor)
	}
	pending, _ := s.PendingCount(ctx)
	if pending != 1 {
		t.Errorf("event %d should still be pending, pending=%d", seq, pending)
	}
}

// TestListPatternsFiltering verifies confidence, kind and anomaly filters
func TestListPatternsFiltering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	set := []*types.Pattern{
		{
			Signature: "intent:deploy", Kind: types.PatternIntent,
			Confidence: 0.80, OccurrenceCount: 8, LastUpdated: now,
			Intent: &types.IntentPattern{PhraseTemplate: "deploy", IntentLabel: "EXECUTE"},
		},
		{
			Signature: "filerel:a.go|b.go", Kind: types.PatternFileRelationship,
			Confidence: 0.30, OccurrenceCount: 3, LastUpdated: now,
			FileRel: &types.FileRelationship{FileA: "a.go", FileB: "b.go", CoChangeRate: 0.5},
		},
		{
			Signature: "intent:flagged", Kind: types.PatternIntent,
			Confidence: 0.90, OccurrenceCount: 9, LastUpdated: now, AnomalyFlag: true,
			Intent: &types.IntentPattern{PhraseTemplate: "flagged", IntentLabel: "FIX"},
		},
	}
	if err := s.CommitRun(ctx, set, 0); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	confident, err := s.ListPatterns(ctx, storage.PatternListOptions{MinConfidence: 0.50})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(confident) != 1 || confident[0].Signature != "intent:deploy" {
		t.Errorf("confidence filter should exclude flagged and weak patterns: %+v", confident)
	}

	flagged, err := s.ListPatterns(ctx, storage.PatternListOptions{IncludeFlagged: true})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(flagged) != 3 {
		t.Errorf("expected 3 patterns with flagged included, got %d", len(flagged))
	}

	byKind, err := s.ListPatterns(ctx, storage.PatternListOptions{Kind: types.PatternFileRelationship})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(byKind) != 1 || byKind[0].FileRel == nil {
		t.Errorf("kind filter mismatch: %+v", byKind)
	}

	count, _ := s.PatternCount(ctx)
	if count != 3 {
		t.Errorf("expected 3 stored patterns, got %d", count)
	}
}

// TestSnapshotLifecycle verifies save, latest, list and prune
func TestSnapshotLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for v := int64(1); v <= 4; v++ {
		snap := &types.Snapshot{
			ID:        fmt.Sprintf("snap-%d", v),
			Version:   v,
			CreatedAt: now.Add(time.Duration(v) * time.Minute),
			Patterns: []*types.Pattern{{
				Signature: "intent:deploy", Kind: types.PatternIntent,
				Confidence: 0.10, OccurrenceCount: 1, LastUpdated: now,
				Intent: &types.IntentPattern{PhraseTemplate: "deploy", IntentLabel: "EXECUTE"},
			}},
		}
		if err := s.SaveSnapshot(ctx, snap); err != nil {
			t.Fatalf("save snapshot %d failed: %v", v, err)
		}
	}

	latest, err := s.LatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if latest.Version != 4 || len(latest.Patterns) != 1 {
		t.Errorf("unexpected latest snapshot: %+v", latest)
	}
	if latest.Checksum == "" || latest.PatternCount != 1 {
		t.Errorf("snapshot metadata not filled in: %+v", latest)
	}

	pruned, err := s.PruneSnapshots(ctx, 2)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if pruned != 2 {
		t.Errorf("expected 2 pruned snapshots, got %d", pruned)
	}

	list, err := s.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].Version != 4 || list[1].Version != 3 {
		t.Errorf("unexpected snapshot list after prune: %+v", list)
	}
}

// TestSnapshotNotFound verifies the empty-archive error
func TestSnapshotNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LatestSnapshot(context.Background()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on empty archive, got %v", err)
	}
}

// TestAnomalyReviewFlow verifies record, list and mark-reviewed
func TestAnomalyReviewFlow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &types.AnomalyRecord{
		ID:                 "a1",
		Signature:          "intent:deploy",
		Kind:               types.PatternIntent,
		Reason:             "confidence step 0.50 exceeds 0.15",
		ProposedConfidence: 0.50,
		OccurrenceCount:    1,
	}
	if err := s.RecordAnomaly(ctx, rec); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	unreviewed, err := s.ListAnomalies(ctx, true)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(unreviewed) != 1 || unreviewed[0].ID != "a1" || unreviewed[0].Reviewed {
		t.Errorf("unexpected unreviewed anomalies: %+v", unreviewed)
	}

	if err := s.MarkAnomalyReviewed(ctx, "a1"); err != nil {
		t.Fatalf("mark reviewed failed: %v", err)
	}
	unreviewed, _ = s.ListAnomalies(ctx, true)
	if len(unreviewed) != 0 {
		t.Errorf("expected no unreviewed anomalies, got %d", len(unreviewed))
	}
	all, _ := s.ListAnomalies(ctx, false)
	if len(all) != 1 || !all[0].Reviewed {
		t.Errorf("reviewed anomaly should remain listed: %+v", all)
	}

	if err := s.MarkAnomalyReviewed(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown anomaly, got %v", err)
	}
}

// TestSettingsUpsert verifies the key-value settings table
func TestSettingsUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "theme"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing key, got %v", err)
	}

	if err := s.SetSetting(ctx, "theme", "dark"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := s.SetSetting(ctx, "theme", "light"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := s.GetSetting(ctx, "theme")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != "light" {
		t.Errorf("expected upserted value light, got %q", got)
	}
}
