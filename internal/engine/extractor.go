// Package engine provides the memory brain's processing core: entity and
// intent extraction, relevance scoring, context formatting and injection, and
// the knowledge-graph aggregator with its protection invariants.
package engine

import (
	"regexp"
	"strings"

	"github.com/scrypster/synapse/pkg/types"
)

// Extraction is the result of analyzing a piece of text.
type Extraction struct {
	Files        []string
	Classes      []string
	Methods      []string
	UIComponents []string
	Intent       types.Intent
}

// Entities converts the extraction into entity records for a conversation.
func (x Extraction) Entities(conversationID string) []types.Entity {
	var out []types.Entity
	add := func(kind types.EntityKind, values []string) {
		for _, v := range values {
			out = append(out, types.Entity{Kind: kind, Value: v, ConversationID: conversationID})
		}
	}
	add(types.EntityFile, x.Files)
	add(types.EntityClass, x.Classes)
	add(types.EntityMethod, x.Methods)
	add(types.EntityUIComponent, x.UIComponents)
	return out
}

// TextExtractor is the pluggable extraction strategy. Implementations must be
// pure and deterministic: no I/O, same input always yields the same output.
type TextExtractor interface {
	Extract(text string) Extraction
}

// Caps on extracted entities, applied in first-seen order.
const (
	maxClasses      = 10
	maxMethods      = 10
	maxUIComponents = 5
)

var (
	// fileRe matches path-like tokens ending in a file extension.
	fileRe = regexp.MustCompile(`[\w./\\-]+\.\w{1,6}`)

	// pascalRe matches PascalCase identifiers with at least two words.
	pascalRe = regexp.MustCompile(`\b[A-Z][a-z0-9]+(?:[A-Z][a-z0-9]*)+\b`)

	// camelRe matches camelCase identifiers.
	camelRe = regexp.MustCompile(`\b[a-z]+(?:[A-Z][a-z0-9]*)+\b`)

	wordRe = regexp.MustCompile(`[A-Za-z][A-Za-z0-9_]*`)

	// callRe matches explicit call syntax on plain lower-case names.
	callRe = regexp.MustCompile(`\b([a-z_][a-z0-9_]*)\(`)
)

// verbPrefixes mark lower-case tokens that read as method names even without
// camel casing ("update", "render" on their own are too noisy, so a following
// identifier is required by the caller).
var verbPrefixes = []string{
	"get", "set", "add", "create", "update", "delete", "remove", "handle",
	"render", "fetch", "load", "save", "build", "parse", "validate", "init",
}

// defaultFileExtensions is the suffix set used for file detection when the
// tuning file does not override it.
var defaultFileExtensions = []string{
	".go", ".cs", ".ts", ".tsx", ".js", ".jsx", ".py", ".rb", ".java", ".kt",
	".rs", ".c", ".h", ".cpp", ".hpp", ".swift", ".vue", ".svelte", ".html",
	".css", ".scss", ".sql", ".sh", ".yaml", ".yml", ".json", ".toml", ".md",
	".xaml", ".proto",
}

// stopWords are capitalized or common words that the casing heuristics would
// otherwise misread as class or method names.
var stopWords = map[string]bool{
	"This": true, "That": true, "These": true, "Those": true, "The": true,
	"When": true, "Where": true, "What": true, "Which": true, "While": true,
	"Then": true, "There": true, "Here": true, "Also": true, "Please": true,
	"Okay": true, "Ok": true, "Yes": true, "No": true, "Not": true,
	"TODO": true, "FIXME": true, "README": true,
}

// uiTerms is the vocabulary for UI component detection.
var uiTerms = map[string]bool{
	"button": true, "modal": true, "dialog": true, "dropdown": true,
	"menu": true, "navbar": true, "sidebar": true, "toolbar": true,
	"tooltip": true, "form": true, "checkbox": true, "slider": true,
	"tab": true, "panel": true, "card": true, "banner": true,
	"spinner": true, "toast": true, "widget": true, "footer": true,
	"header": true, "layout": true, "grid": true, "list": true,
}

// defaultIntentKeywords is the built-in keyword-weight taxonomy. The map is
// keyed by intent label; weights accumulate per occurrence.
var defaultIntentKeywords = map[types.Intent]map[string]float64{
	types.IntentPlan: {
		"plan": 2, "design": 2, "architect": 2, "roadmap": 2, "approach": 1,
		"propose": 1, "outline": 1, "strategy": 1,
	},
	types.IntentExecute: {
		"implement": 2, "build": 2, "create": 1.5, "add": 1, "write": 1,
		"make": 1, "generate": 1, "set up": 1.5, "setup": 1.5,
	},
	types.IntentFix: {
		"fix": 3, "bug": 2, "broken": 2, "error": 2, "crash": 2, "fails": 2,
		"failing": 2, "issue": 1, "wrong": 1, "doesn't work": 2, "repair": 2,
	},
	types.IntentRefactor: {
		"refactor": 3, "clean up": 2, "cleanup": 2, "restructure": 2,
		"rename": 1.5, "extract": 1, "simplify": 1.5, "reorganize": 2,
	},
	types.IntentTest: {
		"test": 2, "tests": 2, "coverage": 2, "unit test": 2.5, "spec": 1,
		"assert": 1.5, "verify": 1,
	},
	types.IntentDocument: {
		"document": 2, "docs": 2, "readme": 2, "comment": 1.5, "explain": 1,
		"documentation": 2.5,
	},
	types.IntentResearch: {
		"research": 2.5, "investigate": 2, "explore": 1.5, "compare": 1.5,
		"understand": 1, "look into": 2, "why": 0.5, "how does": 1.5,
	},
	// GENERAL has no keywords: it is the floor when nothing scores above zero.
	types.IntentGeneral: {},
}

// HeuristicExtractor implements TextExtractor with regex and keyword
// heuristics. It is the default strategy; callers can swap in their own
// TextExtractor without touching the capture or scoring paths.
type HeuristicExtractor struct {
	extensions     map[string]bool
	intentKeywords map[types.Intent]map[string]float64
}

// ExtractorOption configures a HeuristicExtractor.
type ExtractorOption func(*HeuristicExtractor)

// WithFileExtensions replaces the file extension set.
func WithFileExtensions(exts []string) ExtractorOption {
	return func(e *HeuristicExtractor) {
		if len(exts) == 0 {
			return
		}
		e.extensions = make(map[string]bool, len(exts))
		for _, ext := range exts {
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			e.extensions[strings.ToLower(ext)] = true
		}
	}
}

// WithIntentKeywords replaces the intent keyword taxonomy. Labels outside the
// fixed taxonomy are ignored.
func WithIntentKeywords(kw map[string]map[string]float64) ExtractorOption {
	return func(e *HeuristicExtractor) {
		if len(kw) == 0 {
			return
		}
		merged := make(map[types.Intent]map[string]float64)
		for _, intent := range types.IntentOrder {
			if words, ok := kw[string(intent)]; ok {
				merged[intent] = words
			} else {
				merged[intent] = defaultIntentKeywords[intent]
			}
		}
		e.intentKeywords = merged
	}
}

// NewHeuristicExtractor creates the default extraction strategy.
func NewHeuristicExtractor(opts ...ExtractorOption) *HeuristicExtractor {
	e := &HeuristicExtractor{
		extensions:     make(map[string]bool, len(defaultFileExtensions)),
		intentKeywords: defaultIntentKeywords,
	}
	for _, ext := range defaultFileExtensions {
		e.extensions[ext] = true
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract analyzes text and returns files, classes, methods, UI components,
// and the detected intent.
func (e *HeuristicExtractor) Extract(text string) Extraction {
	return Extraction{
		Files:        e.extractFiles(text),
		Classes:      e.extractClasses(text),
		Methods:      e.extractMethods(text),
		UIComponents: e.extractUIComponents(text),
		Intent:       e.DetectIntent(text),
	}
}

func (e *HeuristicExtractor) extractFiles(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, tok := range fileRe.FindAllString(text, -1) {
		dot := strings.LastIndex(tok, ".")
		if dot < 0 {
			continue
		}
		if !e.extensions[strings.ToLower(tok[dot:])] {
			continue
		}
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out
}

func (e *HeuristicExtractor) extractClasses(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, tok := range pascalRe.FindAllString(text, -1) {
		if stopWords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
		if len(out) >= maxClasses {
			break
		}
	}
	return out
}

func (e *HeuristicExtractor) extractMethods(text string) []string {
	var out []string
	seen := map[string]bool{}

	add := func(tok string) bool {
		if seen[tok] {
			return len(out) < maxMethods
		}
		seen[tok] = true
		out = append(out, tok)
		return len(out) < maxMethods
	}

	// camelCase identifiers read as method names.
	for _, tok := range camelRe.FindAllString(text, -1) {
		if !add(tok) {
			return out
		}
	}

	// Verb-prefixed call mentions like "getUser()" are already caught above;
	// here we catch explicit call syntax on plain lower-case names.
	for _, m := range callRe.FindAllStringSubmatch(text, -1) {
		name := m[1]
		for _, prefix := range verbPrefixes {
			if strings.HasPrefix(name, prefix) {
				if !add(name) {
					return out
				}
				break
			}
		}
	}
	return out
}

func (e *HeuristicExtractor) extractUIComponents(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, tok := range wordRe.FindAllString(text, -1) {
		low := strings.ToLower(tok)
		if !uiTerms[low] || seen[low] {
			continue
		}
		seen[low] = true
		out = append(out, low)
		if len(out) >= maxUIComponents {
			break
		}
	}
	return out
}

// DetectIntent scores the text against the keyword taxonomy and returns the
// highest-scoring intent. Ties break by taxonomy declaration order, and
// GENERAL is returned when nothing scores above zero.
func (e *HeuristicExtractor) DetectIntent(text string) types.Intent {
	low := strings.ToLower(text)

	best := types.IntentGeneral
	bestScore := 0.0
	for _, intent := range types.IntentOrder {
		score := 0.0
		for kw, weight := range e.intentKeywords[intent] {
			score += weight * float64(strings.Count(low, kw))
		}
		// Strict greater-than keeps the earliest declared intent on ties.
		if score > bestScore {
			best = intent
			bestScore = score
		}
	}
	return best
}
