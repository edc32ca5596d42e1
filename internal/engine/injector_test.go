package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

// fakeConversationStore serves canned conversations and can be made to fail.
type fakeConversationStore struct {
	conversations []*types.Conversation
	failLoads     bool
	loads         int
}

func (s *fakeConversationStore) Append(ctx context.Context, id string, msg types.Message) (*types.Conversation, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeConversationStore) SetExtraction(ctx context.Context, id string, entities []types.Entity, intent types.Intent) error {
	return errors.New("not implemented")
}

func (s *fakeConversationStore) End(ctx context.Context, id string) (*types.Conversation, error) {
	return nil, storage.ErrNotFound
}

func (s *fakeConversationStore) Get(ctx context.Context, id string) (*types.Conversation, error) {
	return nil, storage.ErrNotFound
}

func (s *fakeConversationStore) GetRecent(ctx context.Context, limit int) ([]*types.Conversation, error) {
	s.loads++
	if s.failLoads {
		return nil, errors.New("store down")
	}
	if limit > len(s.conversations) {
		limit = len(s.conversations)
	}
	return s.conversations[:limit], nil
}

func (s *fakeConversationStore) Query(ctx context.Context, q storage.ConversationQuery) ([]*types.Conversation, error) {
	return nil, nil
}

func (s *fakeConversationStore) Delete(ctx context.Context, id string) error { return nil }

func (s *fakeConversationStore) Count(ctx context.Context) (int, error) {
	return len(s.conversations), nil
}

func (s *fakeConversationStore) Clear(ctx context.Context) error { return nil }

func newTestInjector(store storage.ConversationStore) *ContextInjector {
	return NewContextInjector(
		store,
		NewRelevanceScorer(0),
		NewContextFormatter(FormatterConfig{}),
		NewHeuristicExtractor(),
		InjectorConfig{},
	)
}

// TestInjectEmptyStore verifies the empty marker comes back, never an error
func TestInjectEmptyStore(t *testing.T) {
	inj := newTestInjector(&fakeConversationStore{})
	got := inj.Inject(context.Background(), "fix the login bug", 500)
	if got != EmptyContextMarker {
		t.Errorf("expected empty marker, got %q", got)
	}
}

// TestInjectRelevantConversation verifies a matching conversation is injected
func TestInjectRelevantConversation(t *testing.T) {
	start := time.Now().Add(-30 * time.Minute)
	store := &fakeConversationStore{conversations: []*types.Conversation{{
		ID:        "conv-1",
		StartTime: start,
		Status:    types.ConversationActive,
		Intent:    types.IntentFix,
		Entities: []types.Entity{
			{Kind: types.EntityFile, Value: "AuthService.cs"},
		},
		Turns: []types.Message{
			{Role: types.RoleUser, Content: "fix the login bug in AuthService.cs", Timestamp: start},
			{Role: types.RoleAssistant, Content: "patched the token refresh in AuthService.cs", Timestamp: start.Add(time.Minute)},
		},
	}}}

	inj := newTestInjector(store)
	got := inj.Inject(context.Background(), "the login bug in AuthService.cs is back, fix it", 500)

	if got == EmptyContextMarker {
		t.Fatal("expected context, got empty marker")
	}
	if !strings.Contains(got, "AuthService.cs") {
		t.Errorf("context missing the relevant file:\n%s", got)
	}
	if EstimateTokens(got) > 500 {
		t.Errorf("context exceeds budget: %d tokens", EstimateTokens(got))
	}
}

// TestInjectFiltersIrrelevant verifies low-relevance conversations drop out
func TestInjectFiltersIrrelevant(t *testing.T) {
	start := time.Now().Add(-40 * 24 * time.Hour)
	store := &fakeConversationStore{conversations: []*types.Conversation{{
		ID:        "conv-old",
		StartTime: start,
		Status:    types.ConversationEnded,
		Intent:    types.IntentDocument,
		Turns: []types.Message{
			{Role: types.RoleUser, Content: "write a readme for the billing exporter", Timestamp: start},
		},
	}}}

	inj := newTestInjector(store)
	got := inj.Inject(context.Background(), "fix the websocket reconnect loop", 500)
	if got != EmptyContextMarker {
		t.Errorf("irrelevant conversation should be filtered, got:\n%s", got)
	}
}

// TestInjectStoreFailureDegrades verifies load errors never propagate
func TestInjectStoreFailureDegrades(t *testing.T) {
	store := &fakeConversationStore{failLoads: true}
	inj := newTestInjector(store)

	got := inj.Inject(context.Background(), "anything", 500)
	if got != EmptyContextMarker {
		t.Errorf("expected graceful degradation, got %q", got)
	}
}

// TestInjectCircuitBreakerOpens verifies repeated failures short-circuit loads
func TestInjectCircuitBreakerOpens(t *testing.T) {
	store := &fakeConversationStore{failLoads: true}
	inj := newTestInjector(store)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		inj.Inject(ctx, "anything", 500)
	}
	// Three consecutive failures trip the breaker; later calls must not reach
	// the store.
	if store.loads > 3 {
		t.Errorf("breaker should have opened after 3 failures, store saw %d loads", store.loads)
	}
}

// TestQueryContextBeforeInject verifies the no-context message
func TestQueryContextBeforeInject(t *testing.T) {
	inj := newTestInjector(&fakeConversationStore{})
	if got := inj.QueryContext(); got != "No context loaded." {
		t.Errorf("unexpected query output: %q", got)
	}
}
