package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/scrypster/synapse/pkg/types"
)

// Signatures are the normalized keys patterns aggregate under. Two events
// describing the same underlying knowledge must map to the same signature or
// confidence never accrues.

var (
	quotedRe = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	numberRe = regexp.MustCompile(`\b\d+\b`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// NormalizePhrase wildcard-generalizes a phrase: quoted strings and numbers
// collapse to placeholders so that "fix the 3 failing tests" and
// "fix the 7 failing tests" aggregate together.
func NormalizePhrase(phrase string) string {
	p := strings.ToLower(strings.TrimSpace(phrase))
	p = quotedRe.ReplaceAllString(p, "*")
	p = numberRe.ReplaceAllString(p, "*")
	p = spaceRe.ReplaceAllString(p, " ")
	return p
}

// FilePairKey builds an order-independent key for a file co-change pair.
func FilePairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// SignatureForEvent derives the pattern signature and kind for an event.
// Events without enough payload to aggregate return ok=false and are skipped.
func SignatureForEvent(ev *types.Event) (signature string, kind types.PatternKind, ok bool) {
	switch ev.Type {
	case types.EventIntentDetected:
		phrase := ev.PayloadString("phrase")
		if phrase == "" {
			return "", "", false
		}
		return "intent:" + NormalizePhrase(phrase), types.PatternIntent, true

	case types.EventFileEdited:
		a, b := ev.PayloadString("file_a"), ev.PayloadString("file_b")
		if a == "" || b == "" || a == b {
			return "", "", false
		}
		return "filerel:" + FilePairKey(a, b), types.PatternFileRelationship, true

	case types.EventCorrection:
		wrong, correct := ev.PayloadString("wrong_value"), ev.PayloadString("correct_value")
		if wrong == "" || correct == "" {
			return "", "", false
		}
		return fmt.Sprintf("correction:%s->%s", NormalizePhrase(wrong), NormalizePhrase(correct)),
			types.PatternCorrection, true

	case types.EventWorkflowStep:
		steps := workflowSteps(ev)
		if len(steps) == 0 {
			return "", "", false
		}
		return "workflow:" + strings.Join(steps, ">"), types.PatternWorkflow, true

	case types.EventValidationOutcome:
		sig := ev.PayloadString("failure_signature")
		if sig == "" {
			return "", "", false
		}
		return "insight:" + NormalizePhrase(sig), types.PatternValidationInsight, true

	case types.EventClaim:
		// Allowed claims are evidence for validation insights when they carry
		// a failure signature; bare claims carry no aggregatable knowledge.
		sig := ev.PayloadString("failure_signature")
		if sig == "" {
			return "", "", false
		}
		return "insight:" + NormalizePhrase(sig), types.PatternValidationInsight, true

	default:
		return "", "", false
	}
}

// workflowSteps reads the ordered step list from a workflow event payload.
func workflowSteps(ev *types.Event) []string {
	raw, ok := ev.Payload["steps"]
	if !ok {
		return nil
	}
	var steps []string
	switch v := raw.(type) {
	case []string:
		steps = v
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok {
				steps = append(steps, str)
			}
		}
	}
	for i := range steps {
		steps[i] = NormalizePhrase(steps[i])
	}
	return steps
}

// NewPatternForEvent builds the initial pattern payload for a first
// observation. Confidence starts at zero; the caller applies the first
// confidence update through the capped path like every other update.
func NewPatternForEvent(signature string, kind types.PatternKind, ev *types.Event) *types.Pattern {
	p := &types.Pattern{Signature: signature, Kind: kind}

	switch kind {
	case types.PatternIntent:
		p.Intent = &types.IntentPattern{
			PhraseTemplate: NormalizePhrase(ev.PayloadString("phrase")),
			IntentLabel:    types.Intent(ev.PayloadString("intent")),
		}
		if p.Intent.IntentLabel == "" {
			p.Intent.IntentLabel = types.IntentGeneral
		}
	case types.PatternFileRelationship:
		a, b := ev.PayloadString("file_a"), ev.PayloadString("file_b")
		if a > b {
			a, b = b, a
		}
		p.FileRel = &types.FileRelationship{FileA: a, FileB: b}
	case types.PatternCorrection:
		p.Correction = &types.Correction{
			WrongValue:   ev.PayloadString("wrong_value"),
			CorrectValue: ev.PayloadString("correct_value"),
			Context:      ev.PayloadString("context"),
		}
	case types.PatternWorkflow:
		p.Workflow = &types.Workflow{Steps: workflowSteps(ev)}
	case types.PatternValidationInsight:
		p.Insight = &types.ValidationInsight{
			FailureSignature: ev.PayloadString("failure_signature"),
			FixID:            ev.PayloadString("fix_id"),
		}
	}
	return p
}

// sortedSignatures returns map keys in stable order for deterministic writes.
func sortedSignatures(m map[string]*types.Pattern) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
