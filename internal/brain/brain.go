// Package brain composes the memory subsystems into the surface the
// transports expose: capture, context injection, event logging, claim
// authorization and knowledge-graph queries. Both the MCP server and the
// dashboard talk to a Brain; neither reaches into storage directly.
package brain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/synapse/internal/claims"
	"github.com/scrypster/synapse/internal/config"
	"github.com/scrypster/synapse/internal/engine"
	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

// Store is the full storage surface the brain requires. The SQLite backend
// satisfies it with a single database.
type Store interface {
	storage.ConversationStore
	storage.EventLog
	storage.PatternStore
	storage.RunCommitter
	storage.SnapshotStore
	storage.AnomalyStore
	storage.SettingsStore
}

// Brain is the façade over working memory, the event log, the knowledge
// graph and claim enforcement.
type Brain struct {
	store      Store
	extractor  engine.TextExtractor
	injector   *engine.ContextInjector
	aggregator *engine.Aggregator
	enforcer   *claims.Enforcer
	cfg        *config.Config
	activity   engine.ActivityFunc
	now        func() time.Time
}

// Option customizes a Brain.
type Option func(*Brain)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Brain) { b.now = now }
}

// WithActivityFunc forwards aggregator transitions to the dashboard feed.
func WithActivityFunc(fn engine.ActivityFunc) Option {
	return func(b *Brain) { b.activity = fn }
}

// New wires a Brain over the given store and configuration.
func New(store Store, cfg *config.Config, opts ...Option) *Brain {
	var extractorOpts []engine.ExtractorOption
	if len(cfg.Tuning.FileExtensions) > 0 {
		extractorOpts = append(extractorOpts, engine.WithFileExtensions(cfg.Tuning.FileExtensions))
	}
	if len(cfg.Tuning.IntentKeywords) > 0 {
		extractorOpts = append(extractorOpts, engine.WithIntentKeywords(cfg.Tuning.IntentKeywords))
	}
	extractor := engine.NewHeuristicExtractor(extractorOpts...)

	b := &Brain{
		store:     store,
		extractor: extractor,
		enforcer:  claims.NewEnforcer(),
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	scorer := engine.NewRelevanceScorer(cfg.Tuning.RecencyHalfLife)
	formatter := engine.NewContextFormatter(engine.FormatterConfig{
		ExcerptLimit:     cfg.Brain.ExcerptLimit,
		ResolveThreshold: cfg.Brain.ResolveThreshold,
	})
	b.injector = engine.NewContextInjector(store, scorer, formatter, extractor, engine.InjectorConfig{
		MaxLookback:  cfg.Brain.MaxLookback,
		MinRelevance: cfg.Brain.MinRelevance,
		TokenBudget:  cfg.Brain.TokenBudget,
		ScoreTimeout: cfg.Brain.ScoreTimeout,
		Workers:      cfg.Brain.ScoreWorkers,
	})

	aggOpts := []engine.AggregatorOption{engine.WithClock(b.now)}
	if b.activity != nil {
		aggOpts = append(aggOpts, engine.WithActivityFunc(b.activity))
	}
	b.aggregator = engine.NewAggregator(store, cfg.Aggregator, cfg.Tuning, aggOpts...)

	return b
}

// Capture records one user/assistant exchange into working memory, runs
// entity and intent extraction over the conversation so far, and appends an
// intent event for the aggregator. Returns the conversation ID (generated
// when empty).
func (b *Brain) Capture(ctx context.Context, conversationID, userText, assistantText string) (string, error) {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	now := b.now()

	if _, err := b.store.Append(ctx, conversationID, types.Message{
		Role:      types.RoleUser,
		Content:   userText,
		Timestamp: now,
	}); err != nil {
		return "", fmt.Errorf("brain: failed to capture user turn: %w", err)
	}
	conv, err := b.store.Append(ctx, conversationID, types.Message{
		Role:      types.RoleAssistant,
		Content:   assistantText,
		Timestamp: now,
	})
	if err != nil {
		return "", fmt.Errorf("brain: failed to capture assistant turn: %w", err)
	}

	extraction := b.extractor.Extract(conv.Text())
	if err := b.store.SetExtraction(ctx, conversationID, extraction.Entities(conversationID), extraction.Intent); err != nil {
		return "", fmt.Errorf("brain: failed to store extraction: %w", err)
	}

	if extraction.Intent != types.IntentGeneral {
		b.logIntentEvent(ctx, userText, extraction.Intent, now)
	}
	b.logFileEvents(ctx, extraction.Files, now)

	b.maybeTrigger(engine.TriggerEventCount)
	return conversationID, nil
}

// logIntentEvent appends an intent observation. Append failures are logged,
// not propagated: capture must not fail because learning input was lost.
func (b *Brain) logIntentEvent(ctx context.Context, phrase string, intent types.Intent, now time.Time) {
	_, err := b.store.AppendEvent(ctx, &types.Event{
		Timestamp: now,
		Type:      types.EventIntentDetected,
		Payload: map[string]any{
			"phrase": phrase,
			"intent": string(intent),
		},
	})
	if err != nil && !errors.Is(err, storage.ErrDuplicateEvent) {
		log.Printf("brain: failed to log intent event: %v", err)
	}
}

// logFileEvents appends a co-change observation for each file pair mentioned
// together in one exchange.
func (b *Brain) logFileEvents(ctx context.Context, files []string, now time.Time) {
	for i := 0; i < len(files); i++ {
		for j := i + 1; j < len(files); j++ {
			_, err := b.store.AppendEvent(ctx, &types.Event{
				Timestamp: now,
				Type:      types.EventFileEdited,
				Payload: map[string]any{
					"file_a": files[i],
					"file_b": files[j],
				},
			})
			if err != nil && !errors.Is(err, storage.ErrDuplicateEvent) {
				log.Printf("brain: failed to log file event: %v", err)
			}
		}
	}
}

// InjectContext returns the formatted context block for a request, within the
// token budget (0 means the configured default). Never fails: degraded modes
// return the empty-context marker.
func (b *Brain) InjectContext(ctx context.Context, request string, tokenBudget int) string {
	return b.injector.Inject(ctx, request, tokenBudget)
}

// QueryContext returns a human-readable view of the last injection ranking.
func (b *Brain) QueryContext() string {
	return b.injector.QueryContext()
}

// Forget deletes conversations matching any of the given keywords and returns
// how many were removed.
func (b *Brain) Forget(ctx context.Context, keywords []string) (int, error) {
	deleted := 0
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		convs, err := b.store.Query(ctx, storage.ConversationQuery{Keyword: kw})
		if err != nil {
			return deleted, fmt.Errorf("brain: forget query failed: %w", err)
		}
		for _, c := range convs {
			if err := b.store.Delete(ctx, c.ID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue // already removed via an earlier keyword
				}
				return deleted, fmt.Errorf("brain: failed to delete conversation %s: %w", c.ID, err)
			}
			deleted++
		}
	}
	return deleted, nil
}

// ClearAll wipes working memory. The event log and knowledge graph are
// untouched: learned patterns outlive raw conversations.
func (b *Brain) ClearAll(ctx context.Context) error {
	if err := b.store.Clear(ctx); err != nil {
		return fmt.Errorf("brain: failed to clear conversations: %w", err)
	}
	return nil
}

// LogEvent appends an arbitrary interaction event. Duplicate events return
// the existing sequence number without error.
func (b *Brain) LogEvent(ctx context.Context, eventType types.EventType, payload map[string]any) (int64, error) {
	seq, err := b.store.AppendEvent(ctx, &types.Event{
		Timestamp: b.now(),
		Type:      eventType,
		Payload:   payload,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateEvent) {
			return seq, nil
		}
		return 0, fmt.Errorf("brain: failed to log event: %w", err)
	}
	b.maybeTrigger(engine.TriggerEventCount)
	return seq, nil
}

// RegisterCheck records an executed automated check and returns its evidence.
func (b *Brain) RegisterCheck(sessionID string, kind types.EvidenceKind, passed bool) *types.Evidence {
	return b.enforcer.RegisterCheck(sessionID, kind, passed)
}

// AuthorizeClaim evaluates a claim. Allowed claims are appended to the event
// log with any advisory warnings annotated; blocked claims are not logged as
// claims at all.
func (b *Brain) AuthorizeClaim(ctx context.Context, claim *types.Claim) (*types.Verdict, error) {
	verdict := b.enforcer.Authorize(claim)
	if !verdict.Allowed() {
		return verdict, nil
	}

	payload := map[string]any{
		"claim_type": string(claim.Type),
		"statement":  claim.Statement,
	}
	if claim.EvidenceID != "" {
		payload["evidence_id"] = claim.EvidenceID
	}
	if claim.FailureSignature != "" {
		payload["failure_signature"] = claim.FailureSignature
	}
	if claim.RootCause != "" {
		payload["root_cause"] = claim.RootCause
	}
	if len(verdict.Warnings) > 0 {
		rules := make([]string, len(verdict.Warnings))
		for i, w := range verdict.Warnings {
			rules[i] = w.Rule
		}
		payload["warnings"] = strings.Join(rules, ",")
	}

	if _, err := b.LogEvent(ctx, types.EventClaim, payload); err != nil {
		return verdict, err
	}
	return verdict, nil
}

// QueryPattern returns patterns matching the options, and the single pattern
// for an exact signature when one is given.
func (b *Brain) QueryPattern(ctx context.Context, signature string, opts storage.PatternListOptions) ([]*types.Pattern, error) {
	if signature != "" {
		p, err := b.store.GetPattern(ctx, signature)
		if err != nil {
			return nil, err
		}
		return []*types.Pattern{p}, nil
	}
	return b.store.ListPatterns(ctx, opts)
}

// RunAggregation starts a manual aggregation run.
func (b *Brain) RunAggregation(ctx context.Context) (*engine.RunReport, error) {
	return b.aggregator.Run(ctx, engine.TriggerManual)
}

// MaybeAggregate evaluates the elapsed-time trigger. Called from a ticker.
func (b *Brain) MaybeAggregate() {
	b.maybeTrigger(engine.TriggerElapsed)
}

// EndSession closes the conversation, drops the session's claim evidence and
// fires the end-of-session aggregation trigger.
func (b *Brain) EndSession(ctx context.Context, conversationID, sessionID string) error {
	if conversationID != "" {
		if _, err := b.store.End(ctx, conversationID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("brain: failed to end conversation: %w", err)
		}
	}
	b.enforcer.EndSession(sessionID)
	b.maybeTrigger(engine.TriggerSessionEnd)
	return nil
}

// Stats summarizes the brain's state for diagnostics.
type Stats struct {
	Conversations int         `json:"conversations"`
	Patterns      int         `json:"patterns"`
	PendingEvents int         `json:"pending_events"`
	EventCursor   int64       `json:"event_cursor"`
	LastRun       *RunSummary `json:"last_run,omitempty"`
}

// RunSummary is the part of a run report surfaced in stats.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	State      string    `json:"state"`
	FinishedAt time.Time `json:"finished_at"`
}

// BrainStats gathers counters across the stores.
func (b *Brain) BrainStats(ctx context.Context) (*Stats, error) {
	convs, err := b.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("brain: failed to count conversations: %w", err)
	}
	patterns, err := b.store.PatternCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("brain: failed to count patterns: %w", err)
	}
	pending, err := b.store.PendingCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("brain: failed to count pending events: %w", err)
	}
	cursor, err := b.store.Cursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("brain: failed to read cursor: %w", err)
	}

	stats := &Stats{
		Conversations: convs,
		Patterns:      patterns,
		PendingEvents: pending,
		EventCursor:   cursor,
	}
	if rep := b.aggregator.LastReport(); rep != nil {
		stats.LastRun = &RunSummary{
			RunID:      rep.RunID,
			State:      string(rep.State),
			FinishedAt: rep.FinishedAt,
		}
	}
	return stats, nil
}

// Aggregator exposes the aggregator for the dashboard's snapshot and anomaly
// views.
func (b *Brain) Aggregator() *engine.Aggregator {
	return b.aggregator
}

// Store exposes the underlying store for read-only dashboard queries.
func (b *Brain) StoreHandle() Store {
	return b.store
}

// maybeTrigger runs the aggregator in the background when its trigger fires.
// Runs are serialized by the aggregator's run lock; a concurrent run makes
// this a no-op. Detached from the caller's context: a capture returning does
// not cancel the aggregation it triggered.
func (b *Brain) maybeTrigger(trigger engine.RunTrigger) {
	go func() {
		runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := b.aggregator.MaybeRun(runCtx, trigger); err != nil && !errors.Is(err, engine.ErrRunInProgress) {
			log.Printf("brain: %s aggregation failed: %v", trigger, err)
		}
	}()
}
