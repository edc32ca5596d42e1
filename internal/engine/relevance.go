package engine

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/scrypster/synapse/pkg/types"
)

// Relevance weights. The five signals are computed independently and combined
// as a weighted sum; weights total 1.0.
const (
	weightKeyword = 0.30
	weightFile    = 0.25
	weightEntity  = 0.20
	weightRecency = 0.15
	weightIntent  = 0.10
)

// RequestContext is the pre-analyzed current request, built once per
// injection so that scoring a candidate never re-runs extraction.
type RequestContext struct {
	Text       string
	Keywords   map[string]bool
	Extraction Extraction
	Now        time.Time
}

// RelevanceScorer ranks stored conversations against the current request.
// Scoring is pure: no I/O, no side effects, so candidates can be scored in
// parallel.
type RelevanceScorer struct {
	recencyHalfLife time.Duration
}

// NewRelevanceScorer creates a scorer. halfLife controls the temporal decay
// signal; zero selects the 48h default.
func NewRelevanceScorer(halfLife time.Duration) *RelevanceScorer {
	if halfLife <= 0 {
		halfLife = 48 * time.Hour
	}
	return &RelevanceScorer{recencyHalfLife: halfLife}
}

// RelevanceBreakdown exposes the component scores behind an overall
// relevance value.
type RelevanceBreakdown struct {
	// Overall is the weighted sum of all components (0.0 to 1.0).
	Overall float64

	// Keyword reflects lexical overlap with the request (0.0 to 1.0).
	Keyword float64

	// File reflects file-path overlap (0.0 to 1.0).
	File float64

	// Entity reflects overlap of extracted classes, methods, and UI terms.
	Entity float64

	// Recency decays monotonically with conversation age (0.0 to 1.0).
	Recency float64

	// Intent is 1.0 on an exact intent match, 0.5 for related intents.
	Intent float64
}

// NewRequestContext analyzes the current request once for reuse across all
// candidates.
func NewRequestContext(text string, extractor TextExtractor, now time.Time) RequestContext {
	if now.IsZero() {
		now = time.Now()
	}
	return RequestContext{
		Text:       text,
		Keywords:   tokenize(text),
		Extraction: extractor.Extract(text),
		Now:        now,
	}
}

// Score returns the overall relevance of a candidate conversation for the
// request, in [0, 1]. Candidates without message history score 0.
func (s *RelevanceScorer) Score(req RequestContext, conv *types.Conversation) float64 {
	return s.ScoreWithBreakdown(req, conv).Overall
}

// ScoreWithBreakdown computes all five component scores.
func (s *RelevanceScorer) ScoreWithBreakdown(req RequestContext, conv *types.Conversation) RelevanceBreakdown {
	b := RelevanceBreakdown{}
	if conv == nil || len(conv.Turns) == 0 {
		return b
	}

	b.Keyword = s.keywordOverlap(req, conv)
	b.File = s.fileOverlap(req, conv)
	b.Entity = s.entityOverlap(req, conv)
	b.Recency = s.recencyScore(req.Now, conv)
	b.Intent = s.intentMatch(req.Extraction.Intent, conv.Intent)

	b.Overall = b.Keyword*weightKeyword +
		b.File*weightFile +
		b.Entity*weightEntity +
		b.Recency*weightRecency +
		b.Intent*weightIntent
	return b
}

// keywordOverlap is the fraction of request keywords appearing in the
// conversation text.
func (s *RelevanceScorer) keywordOverlap(req RequestContext, conv *types.Conversation) float64 {
	if len(req.Keywords) == 0 {
		return 0
	}
	convWords := tokenize(conv.Text())
	hits := 0
	for w := range req.Keywords {
		if convWords[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(req.Keywords))
}

// fileOverlap is the fraction of request files the conversation mentions,
// matched by base name so "the auth file" conversations still line up when
// paths differ.
func (s *RelevanceScorer) fileOverlap(req RequestContext, conv *types.Conversation) float64 {
	if len(req.Extraction.Files) == 0 {
		return 0
	}
	known := map[string]bool{}
	for _, e := range conv.EntitiesOfKind(types.EntityFile) {
		known[baseName(e.Value)] = true
	}
	if len(known) == 0 {
		return 0
	}
	hits := 0
	for _, f := range req.Extraction.Files {
		if known[baseName(f)] {
			hits++
		}
	}
	return float64(hits) / float64(len(req.Extraction.Files))
}

// entityOverlap is the fraction of request classes/methods/UI terms the
// conversation extracted.
func (s *RelevanceScorer) entityOverlap(req RequestContext, conv *types.Conversation) float64 {
	var reqEntities []string
	reqEntities = append(reqEntities, req.Extraction.Classes...)
	reqEntities = append(reqEntities, req.Extraction.Methods...)
	reqEntities = append(reqEntities, req.Extraction.UIComponents...)
	if len(reqEntities) == 0 {
		return 0
	}

	known := map[string]bool{}
	for _, e := range conv.Entities {
		if e.Kind == types.EntityFile {
			continue
		}
		known[strings.ToLower(e.Value)] = true
	}

	hits := 0
	for _, v := range reqEntities {
		if known[strings.ToLower(v)] {
			hits++
		}
	}
	return float64(hits) / float64(len(reqEntities))
}

// recencyScore decays exponentially with the age of the conversation's last
// activity: 1.0 now, 0.5 at one half-life, monotonically towards 0.
func (s *RelevanceScorer) recencyScore(now time.Time, conv *types.Conversation) float64 {
	last := conv.StartTime
	if m := conv.LastMessage(); m != nil && m.Timestamp.After(last) {
		last = m.Timestamp
	}
	age := now.Sub(last)
	if age <= 0 {
		return 1.0
	}
	return math.Pow(2, -age.Hours()/s.recencyHalfLife.Hours())
}

// relatedIntents gives partial credit for intents that commonly co-occur in
// one piece of work.
var relatedIntents = map[types.Intent][]types.Intent{
	types.IntentPlan:     {types.IntentResearch, types.IntentExecute},
	types.IntentExecute:  {types.IntentPlan, types.IntentTest},
	types.IntentFix:      {types.IntentTest, types.IntentExecute},
	types.IntentRefactor: {types.IntentExecute, types.IntentTest},
	types.IntentTest:     {types.IntentFix, types.IntentExecute},
	types.IntentDocument: {types.IntentResearch},
	types.IntentResearch: {types.IntentPlan, types.IntentDocument},
}

// intentMatch returns 1.0 for an exact match, 0.5 for related intents, 0
// otherwise. GENERAL matches nothing but itself.
func (s *RelevanceScorer) intentMatch(a, b types.Intent) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1.0
	}
	for _, rel := range relatedIntents[a] {
		if rel == b {
			return 0.5
		}
	}
	return 0
}

var tokenRe = regexp.MustCompile(`[a-z0-9][a-z0-9_.]*`)

// scoringStopWords excludes filler words from keyword overlap.
var scoringStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "be": true, "to": true, "of": true,
	"in": true, "on": true, "for": true, "with": true, "it": true, "that": true,
	"this": true, "i": true, "you": true, "we": true, "can": true, "do": true,
	"did": true, "have": true, "has": true, "my": true, "me": true, "at": true,
	"as": true, "so": true, "if": true, "not": true, "no": true, "yes": true,
	"please": true, "what": true, "how": true, "why": true, "when": true,
}

// tokenize lower-cases text and returns its significant words as a set.
func tokenize(text string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range tokenRe.FindAllString(strings.ToLower(text), -1) {
		if len(tok) < 2 || scoringStopWords[tok] {
			continue
		}
		out[tok] = true
	}
	return out
}

// baseName strips directory components from a path-like value.
func baseName(path string) string {
	path = strings.ToLower(path)
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 {
		return path[i+1:]
	}
	return path
}
