package engine

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/scrypster/synapse/pkg/types"
)

func scoredConv(id string, score float64, content string, entities ...types.Entity) ScoredConversation {
	start := time.Now().Add(-time.Hour)
	return ScoredConversation{
		Score: score,
		Conversation: &types.Conversation{
			ID:        id,
			StartTime: start,
			Status:    types.ConversationActive,
			Intent:    types.IntentFix,
			Entities:  entities,
			Turns: []types.Message{
				{Role: types.RoleUser, Content: content, Timestamp: start},
				{Role: types.RoleAssistant, Content: "done: " + content, Timestamp: start.Add(time.Minute)},
			},
		},
	}
}

// TestFormatEmptyInput verifies the empty marker, never an empty string
func TestFormatEmptyInput(t *testing.T) {
	f := NewContextFormatter(FormatterConfig{})

	out := f.Format(nil, 500)
	if out.Text != EmptyContextMarker {
		t.Errorf("expected empty marker, got %q", out.Text)
	}
	if out.Included != 0 {
		t.Errorf("expected zero included, got %d", out.Included)
	}
}

// TestFormatRespectsBudget verifies output never exceeds the token ceiling
func TestFormatRespectsBudget(t *testing.T) {
	f := NewContextFormatter(FormatterConfig{})
	long := strings.Repeat("the auth refactor touched many files ", 30)

	var ranked []ScoredConversation
	for i := 0; i < 10; i++ {
		ranked = append(ranked, scoredConv("c", 0.9, long))
	}

	for _, budget := range []int{50, 100, 500, 2000} {
		out := f.Format(ranked, budget)
		if out.TokenCount > budget && out.Text != EmptyContextMarker {
			t.Errorf("budget %d exceeded: %d tokens", budget, out.TokenCount)
		}
	}
}

// TestFormatDropsLowestRankedFirst verifies trimming removes the tail
func TestFormatDropsLowestRankedFirst(t *testing.T) {
	f := NewContextFormatter(FormatterConfig{})
	ranked := []ScoredConversation{
		scoredConv("top", 0.9, "top ranked conversation about the scheduler"),
		scoredConv("low", 0.4, "low ranked conversation about the parser"),
	}

	tight := f.Format(ranked, 60)
	if tight.Included != 1 {
		t.Fatalf("expected exactly one entry to fit, got %d", tight.Included)
	}
	if !strings.Contains(tight.Text, "scheduler") {
		t.Errorf("kept the wrong entry:\n%s", tight.Text)
	}
}

// TestFormatTooSmallBudget verifies degradation to the marker
func TestFormatTooSmallBudget(t *testing.T) {
	f := NewContextFormatter(FormatterConfig{})
	out := f.Format([]ScoredConversation{scoredConv("c", 0.9, "some content here")}, 5)
	if out.Text != EmptyContextMarker {
		t.Errorf("expected empty marker when nothing fits, got %q", out.Text)
	}
}

// TestResolvePronounsSingleAntecedent verifies "it" resolves unambiguously
func TestResolvePronounsSingleAntecedent(t *testing.T) {
	f := NewContextFormatter(FormatterConfig{})
	ranked := []ScoredConversation{scoredConv("c", 0.8, "edited the auth file",
		types.Entity{Kind: types.EntityFile, Value: "AuthService.cs"},
	)}

	resolved, resolutions := f.ResolvePronouns("make it async", ranked)
	if resolved != "make AuthService.cs async" {
		t.Errorf("unexpected resolution: %q", resolved)
	}
	if resolutions["it"] != "AuthService.cs" {
		t.Errorf("resolution map wrong: %v", resolutions)
	}
}

// TestResolvePronounsAmbiguous verifies multiple candidates leave the text alone
func TestResolvePronounsAmbiguous(t *testing.T) {
	f := NewContextFormatter(FormatterConfig{})
	ranked := []ScoredConversation{scoredConv("c", 0.8, "edited two files",
		types.Entity{Kind: types.EntityFile, Value: "a.go"},
		types.Entity{Kind: types.EntityFile, Value: "b.go"},
	)}

	resolved, resolutions := f.ResolvePronouns("make it async", ranked)
	if resolved != "make it async" || resolutions != nil {
		t.Errorf("ambiguous pronoun must not resolve: %q %v", resolved, resolutions)
	}
}

// TestResolvePronounsBelowThreshold verifies weak matches never resolve
func TestResolvePronounsBelowThreshold(t *testing.T) {
	f := NewContextFormatter(FormatterConfig{ResolveThreshold: 0.50})
	ranked := []ScoredConversation{scoredConv("c", 0.35, "edited the auth file",
		types.Entity{Kind: types.EntityFile, Value: "AuthService.cs"},
	)}

	resolved, _ := f.ResolvePronouns("make it async", ranked)
	if resolved != "make it async" {
		t.Errorf("low-relevance context must not resolve pronouns: %q", resolved)
	}
}

// TestEstimateTokens verifies the four-characters-per-token heuristic
func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("empty text: got %d", got)
	}
	if got := EstimateTokens("abcd"); got != 1 {
		t.Errorf("4 chars: got %d", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Errorf("5 chars: got %d", got)
	}
}

// TestTruncate verifies excerpts cut with an ellipsis
func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("short text should pass through, got %q", got)
	}
	got := truncate("a very long piece of text", 10)
	if !strings.HasSuffix(got, "…") || len(got) > 14 {
		t.Errorf("expected truncated text with ellipsis, got %q", got)
	}
}

// TestTruncateKeepsRuneBoundaries verifies a cut never splits a multi-byte
// character
func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	// Byte 9 lands inside the two-byte "ö", so the cut must step back.
	got := truncate("héllo wörld über alles", 9)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated text is not valid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("expected ellipsis suffix, got %q", got)
	}
	if strings.Contains(got, "�") {
		t.Errorf("truncation produced a replacement character: %q", got)
	}
}
