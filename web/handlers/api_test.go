package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/synapse/internal/brain"
	"github.com/scrypster/synapse/internal/config"
	"github.com/scrypster/synapse/internal/storage/sqlite"
	"github.com/scrypster/synapse/pkg/types"
)

func testBrainConfig() *config.Config {
	return &config.Config{
		Brain: config.BrainConfig{
			ConversationCap:  50,
			TokenBudget:      500,
			MaxLookback:      50,
			MinRelevance:     0.30,
			ScoreTimeout:     200 * time.Millisecond,
			ScoreWorkers:     4,
			ExcerptLimit:     160,
			ResolveThreshold: 0.50,
		},
		Aggregator: config.AggregatorConfig{
			EventCountThreshold:  50,
			ElapsedThreshold:     24 * time.Hour,
			MinPendingForElapsed: 10,
			SnapshotRetention:    5,
			EventBatchLimit:      500,
		},
		Tuning: config.DefaultTuning(),
	}
}

func newTestHandlers(t *testing.T) (*APIHandlers, *brain.Brain) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	b := brain.New(store, testBrainConfig())
	return NewAPIHandlers(b), b
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := newTestHandlers(t)

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["time"])
}

func TestStatsEndpoint(t *testing.T) {
	h, b := newTestHandlers(t)
	_, err := b.Capture(context.Background(), "", "hello", "hi")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["conversations"])
}

func TestListPatternsWithFilters(t *testing.T) {
	h, b := newTestHandlers(t)
	now := time.Now().UTC()
	patterns := []*types.Pattern{
		{
			Signature: "intent:deploy", Kind: types.PatternIntent,
			Confidence: 0.80, OccurrenceCount: 8, LastUpdated: now,
			Intent: &types.IntentPattern{PhraseTemplate: "deploy", IntentLabel: "EXECUTE"},
		},
		{
			Signature: "filerel:a.go|b.go", Kind: types.PatternFileRelationship,
			Confidence: 0.20, OccurrenceCount: 2, LastUpdated: now,
			FileRel: &types.FileRelationship{FileA: "a.go", FileB: "b.go", CoChangeRate: 0.4},
		},
	}
	require.NoError(t, b.StoreHandle().CommitRun(context.Background(), patterns, 0))

	rec := httptest.NewRecorder()
	h.ListPatterns(rec, httptest.NewRequest(http.MethodGet, "/api/patterns", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["total"])

	rec = httptest.NewRecorder()
	h.ListPatterns(rec, httptest.NewRequest(http.MethodGet, "/api/patterns?min_confidence=0.5", nil))
	assert.Equal(t, float64(1), decodeBody(t, rec)["total"])

	rec = httptest.NewRecorder()
	h.ListPatterns(rec, httptest.NewRequest(http.MethodGet, "/api/patterns?kind=file_relationship", nil))
	assert.Equal(t, float64(1), decodeBody(t, rec)["total"])
}

func TestGetPatternBySignature(t *testing.T) {
	h, b := newTestHandlers(t)
	now := time.Now().UTC()
	patterns := []*types.Pattern{{
		Signature: "intent:deploy", Kind: types.PatternIntent,
		Confidence: 0.80, OccurrenceCount: 8, LastUpdated: now,
		Intent: &types.IntentPattern{PhraseTemplate: "deploy", IntentLabel: "EXECUTE"},
	}}
	require.NoError(t, b.StoreHandle().CommitRun(context.Background(), patterns, 0))

	rec := httptest.NewRecorder()
	h.GetPattern(rec, httptest.NewRequest(http.MethodGet, "/api/patterns/intent:deploy", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "intent:deploy", body["signature"])

	rec = httptest.NewRecorder()
	h.GetPattern(rec, httptest.NewRequest(http.MethodGet, "/api/patterns/intent:missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnomalyReviewEndpoints(t *testing.T) {
	h, b := newTestHandlers(t)
	ctx := context.Background()
	require.NoError(t, b.StoreHandle().RecordAnomaly(ctx, &types.AnomalyRecord{
		ID:                 "a1",
		Signature:          "intent:deploy",
		Kind:               types.PatternIntent,
		Reason:             "confidence step too large",
		ProposedConfidence: 0.50,
		OccurrenceCount:    1,
	}))

	rec := httptest.NewRecorder()
	h.ListAnomalies(rec, httptest.NewRequest(http.MethodGet, "/api/anomalies", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["total"])

	rec = httptest.NewRecorder()
	h.ReviewAnomaly(rec, httptest.NewRequest(http.MethodPost, "/api/anomalies/a1/review", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ListAnomalies(rec, httptest.NewRequest(http.MethodGet, "/api/anomalies", nil))
	assert.Equal(t, float64(0), decodeBody(t, rec)["total"])

	rec = httptest.NewRecorder()
	h.ListAnomalies(rec, httptest.NewRequest(http.MethodGet, "/api/anomalies?all=true", nil))
	assert.Equal(t, float64(1), decodeBody(t, rec)["total"])

	rec = httptest.NewRecorder()
	h.ReviewAnomaly(rec, httptest.NewRequest(http.MethodPost, "/api/anomalies/missing/review", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ReviewAnomaly(rec, httptest.NewRequest(http.MethodPost, "/api/anomalies/a1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing /review suffix")
}

func TestListSnapshotsEndpoint(t *testing.T) {
	h, b := newTestHandlers(t)
	require.NoError(t, b.StoreHandle().SaveSnapshot(context.Background(), &types.Snapshot{
		ID:      "snap-1",
		Version: 1,
	}))

	rec := httptest.NewRecorder()
	h.ListSnapshots(rec, httptest.NewRequest(http.MethodGet, "/api/snapshots", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["total"])
}

func TestRunAggregationEndpoint(t *testing.T) {
	h, b := newTestHandlers(t)
	_, err := b.LogEvent(context.Background(), types.EventIntentDetected,
		map[string]any{"phrase": "deploy the app", "intent": "EXECUTE"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.RunAggregation(rec, httptest.NewRequest(http.MethodPost, "/api/aggregate", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "COMMITTED", body["state"])
	assert.Equal(t, float64(1), body["patterns_created"])
}

func TestConversationEndpoints(t *testing.T) {
	h, b := newTestHandlers(t)
	id, err := b.Capture(context.Background(), "", "fix the billing exporter", "done")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ListConversations(rec, httptest.NewRequest(http.MethodGet, "/api/conversations?keyword=billing", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["total"])

	rec = httptest.NewRecorder()
	h.ListConversations(rec, httptest.NewRequest(http.MethodGet, "/api/conversations?keyword=nothing", nil))
	assert.Equal(t, float64(0), decodeBody(t, rec)["total"])

	rec = httptest.NewRecorder()
	h.GetConversation(rec, httptest.NewRequest(http.MethodGet, "/api/conversations/"+id, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, id, body["id"])

	rec = httptest.NewRecorder()
	h.GetConversation(rec, httptest.NewRequest(http.MethodGet, "/api/conversations/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
