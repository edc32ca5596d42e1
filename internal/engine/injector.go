package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

// InjectorConfig tunes context injection.
type InjectorConfig struct {
	// MaxLookback bounds how many recent conversations are considered.
	MaxLookback int

	// MinRelevance is the inclusion floor for scored candidates.
	MinRelevance float64

	// TokenBudget is the default ceiling when the caller passes zero.
	TokenBudget int

	// ScoreTimeout is the hard deadline for the scoring loop. On timeout the
	// injector proceeds with whatever candidates were scored.
	ScoreTimeout time.Duration

	// Workers is the scoring fan-out (candidates are independent).
	Workers int
}

func (c *InjectorConfig) normalize() {
	if c.MaxLookback <= 0 {
		c.MaxLookback = 50
	}
	if c.MinRelevance <= 0 {
		c.MinRelevance = 0.30
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = 500
	}
	if c.ScoreTimeout <= 0 {
		c.ScoreTimeout = 200 * time.Millisecond
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

// ContextInjector is the single public entry point for context retrieval:
// it loads candidates, scores them, filters by relevance, and renders a
// token-budgeted summary. Failures never propagate to the caller — every
// degradation path returns the empty-context marker.
type ContextInjector struct {
	store     storage.ConversationStore
	scorer    *RelevanceScorer
	formatter *ContextFormatter
	extractor TextExtractor
	cfg       InjectorConfig
	breaker   *gobreaker.CircuitBreaker

	mu         sync.Mutex
	lastRanked []ScoredConversation
	lastText   string
}

// NewContextInjector wires the injection pipeline. The circuit breaker
// protects the caller from repeated store failures: after three consecutive
// failures loads are short-circuited for thirty seconds and injection
// degrades to the empty marker immediately.
func NewContextInjector(store storage.ConversationStore, scorer *RelevanceScorer,
	formatter *ContextFormatter, extractor TextExtractor, cfg InjectorConfig) *ContextInjector {

	cfg.normalize()
	return &ContextInjector{
		store:     store,
		scorer:    scorer,
		formatter: formatter,
		extractor: extractor,
		cfg:       cfg,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ConversationLoad",
			MaxRequests: 2,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Inject returns the formatted context block for the current request. The
// token budget defaults to the configured value when zero. Inject never
// returns an error: an empty store, load failures, and timeouts all degrade
// to the empty-context marker.
func (i *ContextInjector) Inject(ctx context.Context, request string, tokenBudget int) string {
	if tokenBudget <= 0 {
		tokenBudget = i.cfg.TokenBudget
	}

	candidates, err := i.loadCandidates(ctx)
	if err != nil {
		log.Printf("injector: candidate load failed, degrading to empty context: %v", err)
		return EmptyContextMarker
	}
	if len(candidates) == 0 {
		return EmptyContextMarker
	}

	req := NewRequestContext(request, i.extractor, time.Now())
	ranked := i.scoreCandidates(ctx, req, candidates)

	filtered := ranked[:0]
	for _, sc := range ranked {
		if sc.Score >= i.cfg.MinRelevance {
			filtered = append(filtered, sc)
		}
	}

	resolvedRequest, resolutions := i.formatter.ResolvePronouns(request, filtered)
	formatted := i.formatter.Format(filtered, tokenBudget)

	text := formatted.Text
	if len(resolutions) > 0 && formatted.Text != EmptyContextMarker {
		// The resolved request rides along under the same budget; trim the
		// context block if the addition would overflow.
		line := fmt.Sprintf("\nCurrent request (resolved): %s\n", resolvedRequest)
		if EstimateTokens(text+line) <= tokenBudget {
			text += line
		}
	}

	i.mu.Lock()
	i.lastRanked = filtered
	i.lastText = text
	i.mu.Unlock()

	return text
}

// QueryContext returns a human-readable listing of the currently-loaded
// context with scores, for inspection by the user.
func (i *ContextInjector) QueryContext() string {
	i.mu.Lock()
	ranked := i.lastRanked
	i.mu.Unlock()

	if len(ranked) == 0 {
		return "No context loaded."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Loaded context (%d conversations):\n", len(ranked))
	for n, sc := range ranked {
		conv := sc.Conversation
		fmt.Fprintf(&b, "%2d. score=%.2f  started %s  intent=%s  turns=%d  entities=%d\n",
			n+1, sc.Score, recencyLabel(time.Since(conv.StartTime)), conv.Intent,
			len(conv.Turns), len(conv.Entities))
	}
	return b.String()
}

// loadCandidates reads recent conversations through the circuit breaker.
func (i *ContextInjector) loadCandidates(ctx context.Context) ([]*types.Conversation, error) {
	result, err := i.breaker.Execute(func() (interface{}, error) {
		return i.store.GetRecent(ctx, i.cfg.MaxLookback)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*types.Conversation), nil
}

// scoreCandidates fans scoring out across workers under a hard deadline.
// Candidates not scored before the deadline are dropped — the injector never
// blocks the caller past the timeout.
func (i *ContextInjector) scoreCandidates(ctx context.Context, req RequestContext, candidates []*types.Conversation) []ScoredConversation {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.ScoreTimeout)
	defer cancel()

	jobs := make(chan *types.Conversation)
	results := make(chan ScoredConversation, len(candidates))

	var wg sync.WaitGroup
	for w := 0; w < i.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for conv := range jobs {
				results <- ScoredConversation{
					Conversation: conv,
					Score:        i.scorer.Score(req, conv),
				}
			}
		}()
	}

feed:
	for _, conv := range candidates {
		select {
		case jobs <- conv:
		case <-ctx.Done():
			log.Printf("injector: scoring deadline hit, continuing with %d/%d candidates",
				len(results), len(candidates))
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	ranked := make([]ScoredConversation, 0, len(candidates))
	for sc := range results {
		ranked = append(ranked, sc)
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].Score > ranked[b].Score })
	return ranked
}
