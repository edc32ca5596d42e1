package engine

import (
	"fmt"
	"strings"

	"github.com/scrypster/synapse/pkg/types"
)

// GraphValidator checks a staged pattern set before it is committed. A failed
// validation aborts the whole run; the staged set is discarded and the stored
// graph must be restored from the pre-run snapshot.
type GraphValidator struct {
	tuning ValidatorTuning
}

// ValidatorTuning carries the occurrence-to-confidence caps the validator
// re-checks after staging. The same values drive the update path; the
// validator is the independent second opinion.
type ValidatorTuning struct {
	LowOccurrenceCap  float64 // max confidence below LowOccurrenceMin occurrences
	LowOccurrenceMin  int
	FullConfidenceMin int // occurrences required for confidence 1.0
	MidOccurrenceCap  float64
}

// NewGraphValidator builds a validator. Zero-valued tuning fields fall back
// to the shipped defaults.
func NewGraphValidator(t ValidatorTuning) *GraphValidator {
	if t.LowOccurrenceCap == 0 {
		t.LowOccurrenceCap = 0.50
	}
	if t.LowOccurrenceMin == 0 {
		t.LowOccurrenceMin = 3
	}
	if t.FullConfidenceMin == 0 {
		t.FullConfidenceMin = 10
	}
	if t.MidOccurrenceCap == 0 {
		t.MidOccurrenceCap = 0.99
	}
	return &GraphValidator{tuning: t}
}

// ValidationError reports every problem found in one pass so a failed run can
// be diagnosed from a single log line.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("graph validation failed: %s", strings.Join(e.Problems, "; "))
}

// Validate runs structural and content checks over the full staged set.
// Returns nil when the set is safe to commit.
func (v *GraphValidator) Validate(patterns map[string]*types.Pattern) error {
	var problems []string

	for _, sig := range sortedSignatures(patterns) {
		p := patterns[sig]
		if p == nil {
			problems = append(problems, fmt.Sprintf("%s: nil pattern", sig))
			continue
		}
		if p.Signature != sig {
			problems = append(problems, fmt.Sprintf("%s: signature mismatch (%q)", sig, p.Signature))
		}
		if err := p.Validate(); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		problems = append(problems, v.checkConfidence(p)...)
		problems = append(problems, v.checkContent(p)...)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// checkConfidence enforces the occurrence-count confidence ladder.
func (v *GraphValidator) checkConfidence(p *types.Pattern) []string {
	var problems []string
	switch {
	case p.OccurrenceCount < v.tuning.LowOccurrenceMin:
		if p.Confidence > v.tuning.LowOccurrenceCap {
			problems = append(problems, fmt.Sprintf(
				"%s: confidence %.2f exceeds %.2f with only %d occurrences",
				p.Signature, p.Confidence, v.tuning.LowOccurrenceCap, p.OccurrenceCount))
		}
	case p.OccurrenceCount < v.tuning.FullConfidenceMin:
		if p.Confidence > v.tuning.MidOccurrenceCap {
			problems = append(problems, fmt.Sprintf(
				"%s: confidence %.2f exceeds %.2f with %d occurrences",
				p.Signature, p.Confidence, v.tuning.MidOccurrenceCap, p.OccurrenceCount))
		}
	}
	return problems
}

// checkContent validates the variant payloads: non-empty required fields and
// well-formed file paths where paths appear.
func (v *GraphValidator) checkContent(p *types.Pattern) []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf("%s: ", p.Signature)+fmt.Sprintf(format, args...))
	}

	switch p.Kind {
	case types.PatternIntent:
		if p.Intent.PhraseTemplate == "" {
			add("empty phrase template")
		}
		if p.Intent.IntentLabel == "" {
			add("empty intent label")
		}
	case types.PatternFileRelationship:
		if !wellFormedPath(p.FileRel.FileA) {
			add("malformed file path %q", p.FileRel.FileA)
		}
		if !wellFormedPath(p.FileRel.FileB) {
			add("malformed file path %q", p.FileRel.FileB)
		}
		if p.FileRel.FileA == p.FileRel.FileB {
			add("self relationship")
		}
		if p.FileRel.FileA > p.FileRel.FileB {
			add("unordered file pair")
		}
		if p.FileRel.CoChangeRate < 0 || p.FileRel.CoChangeRate > 1 {
			add("co-change rate %v out of range", p.FileRel.CoChangeRate)
		}
	case types.PatternCorrection:
		if p.Correction.WrongValue == "" || p.Correction.CorrectValue == "" {
			add("incomplete correction")
		}
		if p.Correction.WrongValue == p.Correction.CorrectValue {
			add("correction maps value to itself")
		}
	case types.PatternWorkflow:
		if len(p.Workflow.Steps) == 0 {
			add("empty workflow")
		}
		for i, s := range p.Workflow.Steps {
			if strings.TrimSpace(s) == "" {
				add("blank workflow step at index %d", i)
			}
		}
	case types.PatternValidationInsight:
		if p.Insight.FailureSignature == "" {
			add("empty failure signature")
		}
	}
	return problems
}

// wellFormedPath accepts relative or absolute slash paths with a filename
// component. Windows separators are tolerated.
func wellFormedPath(p string) bool {
	if p == "" || strings.ContainsAny(p, "\x00\n\r") {
		return false
	}
	norm := strings.ReplaceAll(p, `\`, "/")
	base := norm
	if i := strings.LastIndex(norm, "/"); i >= 0 {
		base = norm[i+1:]
	}
	return base != "" && base != "." && base != ".."
}
