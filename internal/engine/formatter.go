package engine

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/scrypster/synapse/pkg/types"
)

// EmptyContextMarker is returned when no stored conversation qualifies for
// injection. Callers receive this marker, never an empty string or an error.
const EmptyContextMarker = "[no relevant context]"

// ScoredConversation pairs a candidate with its relevance score.
type ScoredConversation struct {
	Conversation *types.Conversation
	Score        float64
}

// FormattedContext is the rendered, budget-constrained context block.
type FormattedContext struct {
	// Text is the markdown summary handed back to the caller.
	Text string

	// TokenCount is the estimated token footprint of Text.
	TokenCount int

	// Included is the number of conversations that made it into the block.
	Included int

	// Resolutions maps pronouns in the current request to the entity values
	// they were resolved to. Empty when nothing resolved.
	Resolutions map[string]string
}

// FormatterConfig tunes rendering.
type FormatterConfig struct {
	// ExcerptLimit is the maximum excerpt length in characters before the
	// text is cut with an ellipsis (default: 160).
	ExcerptLimit int

	// ResolveThreshold is the minimum relevance a conversation needs before
	// its entities may serve as pronoun antecedents (default: 0.50).
	ResolveThreshold float64
}

// ContextFormatter renders ranked conversations into a compact markdown
// summary under a hard token ceiling. It never errors: when nothing fits it
// degrades to the empty-context marker.
type ContextFormatter struct {
	cfg FormatterConfig
}

// NewContextFormatter creates a formatter, applying defaults for zero fields.
func NewContextFormatter(cfg FormatterConfig) *ContextFormatter {
	if cfg.ExcerptLimit <= 0 {
		cfg.ExcerptLimit = 160
	}
	if cfg.ResolveThreshold <= 0 {
		cfg.ResolveThreshold = 0.50
	}
	return &ContextFormatter{cfg: cfg}
}

// EstimateTokens approximates the token footprint of text. One token per
// four characters tracks typical BPE vocabularies closely enough for budget
// enforcement.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Format renders the ranked conversations into a summary within tokenBudget.
// Entries are added highest-ranked first; when the budget is exceeded the
// lowest-ranked entries are dropped first. Zero qualifying candidates yield
// the empty-context marker, never an error.
func (f *ContextFormatter) Format(ranked []ScoredConversation, tokenBudget int) FormattedContext {
	if tokenBudget <= 0 {
		tokenBudget = 500
	}

	var entries []string
	for _, sc := range ranked {
		if sc.Conversation == nil || len(sc.Conversation.Turns) == 0 {
			continue
		}
		entries = append(entries, f.renderEntry(sc))
	}

	if len(entries) == 0 {
		return FormattedContext{Text: EmptyContextMarker, TokenCount: EstimateTokens(EmptyContextMarker)}
	}

	header := "## Relevant prior context\n\n"

	// Drop lowest-ranked entries until the block fits. ranked arrives in
	// descending score order, so trimming from the tail removes the weakest
	// entries first.
	for len(entries) > 0 {
		text := header + strings.Join(entries, "\n")
		if tokens := EstimateTokens(text); tokens <= tokenBudget {
			return FormattedContext{Text: text, TokenCount: tokens, Included: len(entries)}
		}
		entries = entries[:len(entries)-1]
	}

	return FormattedContext{Text: EmptyContextMarker, TokenCount: EstimateTokens(EmptyContextMarker)}
}

// renderEntry renders one conversation as a markdown block: recency label,
// relevance score, truncated excerpt, and entity mentions.
func (f *ContextFormatter) renderEntry(sc ScoredConversation) string {
	conv := sc.Conversation

	var b strings.Builder
	fmt.Fprintf(&b, "### %s (relevance %.2f, intent %s)\n",
		recencyLabel(time.Since(conv.StartTime)), sc.Score, conv.Intent)

	if excerpt := f.excerpt(conv); excerpt != "" {
		b.WriteString(excerpt)
		b.WriteByte('\n')
	}

	if mentions := entityMentions(conv); mentions != "" {
		fmt.Fprintf(&b, "Mentions: %s\n", mentions)
	}
	return b.String()
}

// excerpt summarizes the final user/assistant exchange, truncating each turn
// at the configured limit.
func (f *ContextFormatter) excerpt(conv *types.Conversation) string {
	var lines []string
	start := len(conv.Turns) - 2
	if start < 0 {
		start = 0
	}
	for _, m := range conv.Turns[start:] {
		lines = append(lines, fmt.Sprintf("- %s: %s", m.Role, truncate(m.Content, f.cfg.ExcerptLimit)))
	}
	return strings.Join(lines, "\n")
}

func entityMentions(conv *types.Conversation) string {
	var vals []string
	seen := map[string]bool{}
	for _, e := range conv.Entities {
		if seen[e.Value] {
			continue
		}
		seen[e.Value] = true
		vals = append(vals, e.Value)
		if len(vals) >= 8 {
			break
		}
	}
	return strings.Join(vals, ", ")
}

// truncate cuts s at limit bytes, stepping back to a rune boundary so the
// cut never splits a multi-byte character, and appends an ellipsis.
func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut]) + "…"
}

// recencyLabel renders an age as a compact human label.
func recencyLabel(age time.Duration) string {
	switch {
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(age.Hours()/24))
	}
}

// pronounRe matches the bare pronouns eligible for resolution.
var pronounRe = regexp.MustCompile(`\b(?i:it|that|this|them)\b`)

// antecedentKinds is the kind preference order for pronoun resolution.
var antecedentKinds = []types.EntityKind{
	types.EntityFile,
	types.EntityClass,
	types.EntityMethod,
	types.EntityUIComponent,
}

// ResolvePronouns replaces bare pronouns in the current request with the
// most-recently-extracted matching entity from the highest-ranked
// conversation — but only when exactly one plausible antecedent exists above
// the relevance threshold. Ambiguous pronouns are left untouched; the
// formatter never guesses.
func (f *ContextFormatter) ResolvePronouns(request string, ranked []ScoredConversation) (string, map[string]string) {
	if len(ranked) == 0 || !pronounRe.MatchString(request) {
		return request, nil
	}

	top := ranked[0]
	if top.Conversation == nil || top.Score < f.cfg.ResolveThreshold {
		return request, nil
	}

	antecedent := singleAntecedent(top.Conversation)
	if antecedent == "" {
		return request, nil
	}

	resolutions := map[string]string{}
	resolved := pronounRe.ReplaceAllStringFunc(request, func(pronoun string) string {
		resolutions[strings.ToLower(pronoun)] = antecedent
		return antecedent
	})
	return resolved, resolutions
}

// singleAntecedent returns the sole plausible antecedent from the
// conversation, or "" when none or more than one exists. The first entity
// kind with any entities is considered; within it, the most recently
// extracted value wins only if it is the kind's single distinct value.
func singleAntecedent(conv *types.Conversation) string {
	for _, kind := range antecedentKinds {
		entities := conv.EntitiesOfKind(kind)
		if len(entities) == 0 {
			continue
		}
		distinct := map[string]bool{}
		for _, e := range entities {
			distinct[e.Value] = true
		}
		if len(distinct) == 1 {
			return entities[len(entities)-1].Value
		}
		// More than one candidate of the preferred kind: ambiguous.
		return ""
	}
	return ""
}
