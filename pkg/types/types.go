// Package types defines the core data structures for the Synapse memory brain:
// conversations (working memory), knowledge-graph patterns (long-term memory),
// interaction events, claims, and graph snapshots.
package types

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	// RoleUser marks a turn written by the human user.
	RoleUser Role = "user"

	// RoleAssistant marks a turn written by the assistant.
	RoleAssistant Role = "assistant"
)

// ConversationStatus represents the lifecycle state of a conversation.
type ConversationStatus string

const (
	// ConversationActive indicates the conversation is still receiving turns.
	ConversationActive ConversationStatus = "active"

	// ConversationEnded indicates the conversation has been closed and is
	// read-only from now on.
	ConversationEnded ConversationStatus = "ended"
)

// Message is a single immutable conversation turn.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// EntityKind classifies an extracted entity.
type EntityKind string

const (
	EntityFile        EntityKind = "file"
	EntityClass       EntityKind = "class"
	EntityMethod      EntityKind = "method"
	EntityUIComponent EntityKind = "ui_component"
)

// Entity is a reference extracted from conversation text. Entities are owned
// by their conversation and used as weak references for pronoun resolution
// (lookup by recency and kind, never ownership).
type Entity struct {
	Kind           EntityKind `json:"kind"`
	Value          string     `json:"value"`
	ConversationID string     `json:"conversation_id,omitempty"`
}

// Intent is the detected purpose of a conversation or request.
type Intent string

const (
	IntentPlan     Intent = "PLAN"
	IntentExecute  Intent = "EXECUTE"
	IntentFix      Intent = "FIX"
	IntentRefactor Intent = "REFACTOR"
	IntentTest     Intent = "TEST"
	IntentDocument Intent = "DOCUMENT"
	IntentResearch Intent = "RESEARCH"
	IntentGeneral  Intent = "GENERAL"
)

// IntentOrder is the declaration order of the intent taxonomy. Scoring ties
// are broken by this order, lowest index wins.
var IntentOrder = []Intent{
	IntentPlan,
	IntentExecute,
	IntentFix,
	IntentRefactor,
	IntentTest,
	IntentDocument,
	IntentResearch,
	IntentGeneral,
}

// Conversation is a bounded unit of working memory: an ordered list of turns
// plus the entities and intent extracted from them.
type Conversation struct {
	ID        string             `json:"id"`
	StartTime time.Time          `json:"start_time"`
	EndTime   *time.Time         `json:"end_time,omitempty"`
	Status    ConversationStatus `json:"status"`
	Turns     []Message          `json:"turns"`
	Entities  []Entity           `json:"entities,omitempty"`
	Intent    Intent             `json:"intent,omitempty"`
}

// Ended reports whether the conversation has been closed.
func (c *Conversation) Ended() bool {
	return c.Status == ConversationEnded
}

// LastMessage returns the most recent turn, or nil for an empty conversation.
func (c *Conversation) LastMessage() *Message {
	if len(c.Turns) == 0 {
		return nil
	}
	return &c.Turns[len(c.Turns)-1]
}

// Text returns the concatenated content of all turns. Used by lexical
// relevance scoring.
func (c *Conversation) Text() string {
	var b strings.Builder
	for i := range c.Turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(c.Turns[i].Content)
	}
	return b.String()
}

// EntitiesOfKind returns the conversation's entities of the given kind in
// extraction order (oldest first).
func (c *Conversation) EntitiesOfKind(kind EntityKind) []Entity {
	var out []Entity
	for _, e := range c.Entities {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// PatternKind identifies the variant of a knowledge-graph pattern. The set is
// closed: update and query sites switch exhaustively over these values.
type PatternKind string

const (
	PatternIntent            PatternKind = "intent"
	PatternFileRelationship  PatternKind = "file_relationship"
	PatternCorrection        PatternKind = "correction"
	PatternWorkflow          PatternKind = "workflow"
	PatternValidationInsight PatternKind = "validation_insight"
)

// IntentPattern maps a wildcard-generalized phrase to an intent label.
type IntentPattern struct {
	PhraseTemplate string `json:"phrase_template"`
	IntentLabel    Intent `json:"intent_label"`
}

// FileRelationship records how often two files change together.
type FileRelationship struct {
	FileA        string  `json:"file_a"`
	FileB        string  `json:"file_b"`
	CoChangeRate float64 `json:"co_change_rate"`
}

// Correction records a value the user corrected and the context it applied in.
type Correction struct {
	WrongValue   string `json:"wrong_value"`
	CorrectValue string `json:"correct_value"`
	Context      string `json:"context,omitempty"`
}

// Workflow records an observed sequence of workflow steps.
type Workflow struct {
	Steps []string `json:"steps"`
}

// ValidationInsight links a failure signature to the fix that resolved it.
type ValidationInsight struct {
	FailureSignature string `json:"failure_signature"`
	FixID            string `json:"fix_id"`
}

// Pattern is a confidence-scored unit of long-term knowledge. Exactly one
// variant payload is set, matching Kind. Patterns are created and updated only
// by the aggregator and never start above 0.50 confidence.
type Pattern struct {
	Signature       string      `json:"signature"`
	Kind            PatternKind `json:"kind"`
	Confidence      float64     `json:"confidence"`
	OccurrenceCount int         `json:"occurrence_count"`
	LastUpdated     time.Time   `json:"last_updated"`
	AnomalyFlag     bool        `json:"anomaly_flag,omitempty"`

	Intent     *IntentPattern     `json:"intent,omitempty"`
	FileRel    *FileRelationship  `json:"file_relationship,omitempty"`
	Correction *Correction        `json:"correction,omitempty"`
	Workflow   *Workflow          `json:"workflow,omitempty"`
	Insight    *ValidationInsight `json:"validation_insight,omitempty"`
}

// Validate checks structural integrity: a known kind, exactly one payload
// matching the kind, and confidence within [0, 1].
func (p *Pattern) Validate() error {
	if p.Signature == "" {
		return fmt.Errorf("pattern has empty signature")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("pattern %q: confidence %v out of range", p.Signature, p.Confidence)
	}
	if p.OccurrenceCount < 0 {
		return fmt.Errorf("pattern %q: negative occurrence count", p.Signature)
	}

	set := 0
	if p.Intent != nil {
		set++
	}
	if p.FileRel != nil {
		set++
	}
	if p.Correction != nil {
		set++
	}
	if p.Workflow != nil {
		set++
	}
	if p.Insight != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("pattern %q: expected exactly one payload, found %d", p.Signature, set)
	}

	switch p.Kind {
	case PatternIntent:
		if p.Intent == nil {
			return fmt.Errorf("pattern %q: kind %s without matching payload", p.Signature, p.Kind)
		}
	case PatternFileRelationship:
		if p.FileRel == nil {
			return fmt.Errorf("pattern %q: kind %s without matching payload", p.Signature, p.Kind)
		}
	case PatternCorrection:
		if p.Correction == nil {
			return fmt.Errorf("pattern %q: kind %s without matching payload", p.Signature, p.Kind)
		}
	case PatternWorkflow:
		if p.Workflow == nil {
			return fmt.Errorf("pattern %q: kind %s without matching payload", p.Signature, p.Kind)
		}
	case PatternValidationInsight:
		if p.Insight == nil {
			return fmt.Errorf("pattern %q: kind %s without matching payload", p.Signature, p.Kind)
		}
	default:
		return fmt.Errorf("pattern %q: unknown kind %q", p.Signature, p.Kind)
	}

	return nil
}

// Clone returns a deep copy of the pattern.
func (p *Pattern) Clone() *Pattern {
	cp := *p
	if p.Intent != nil {
		v := *p.Intent
		cp.Intent = &v
	}
	if p.FileRel != nil {
		v := *p.FileRel
		cp.FileRel = &v
	}
	if p.Correction != nil {
		v := *p.Correction
		cp.Correction = &v
	}
	if p.Workflow != nil {
		v := *p.Workflow
		v.Steps = append([]string(nil), p.Workflow.Steps...)
		cp.Workflow = &v
	}
	if p.Insight != nil {
		v := *p.Insight
		cp.Insight = &v
	}
	return &cp
}

// EventType classifies an interaction event.
type EventType string

const (
	EventIntentDetected    EventType = "intent_detected"
	EventFileEdited        EventType = "file_edited"
	EventCorrection        EventType = "correction"
	EventValidationOutcome EventType = "validation_outcome"
	EventWorkflowStep      EventType = "workflow_step"
	EventClaim             EventType = "claim"
)

// Event is an append-only, immutable interaction record. Events are
// deduplicated by checksum and consumed by the aggregator through a
// high-water-mark cursor, so processing is repeatable without double-counting.
type Event struct {
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Checksum  string         `json:"checksum"`
}

// ComputeChecksum derives the dedup checksum from the event type and payload.
// Go's JSON encoder writes map keys in sorted order, so the digest is stable
// for equal payloads.
func (e *Event) ComputeChecksum() string {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", e.Payload))
	}
	sum := sha256.Sum256(append([]byte(string(e.Type)+"|"), data...))
	return fmt.Sprintf("%x", sum)
}

// PayloadString returns a string payload field, or "" when absent.
func (e *Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	if s, ok := e.Payload[key].(string); ok {
		return s
	}
	return ""
}

// PayloadFloat returns a numeric payload field, or 0 when absent.
func (e *Event) PayloadFloat(key string) float64 {
	if e.Payload == nil {
		return 0
	}
	switch v := e.Payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// Snapshot is a versioned, validated copy of the full pattern set, written
// before every mutating aggregator run and used for rollback.
type Snapshot struct {
	ID           string     `json:"id"`
	Version      int64      `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	PatternCount int        `json:"pattern_count"`
	Checksum     string     `json:"checksum"`
	Patterns     []*Pattern `json:"patterns"`
}

// ComputeChecksum derives a content checksum over the snapshot's pattern set,
// independent of pattern ordering.
func (s *Snapshot) ComputeChecksum() string {
	sorted := append([]*Pattern(nil), s.Patterns...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Signature < sorted[j].Signature })
	data, err := json.Marshal(sorted)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", sorted))
	}
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// AnomalyRecord is a proposed pattern update that violated a confidence-growth
// invariant. It is recorded for manual review and never silently applied.
type AnomalyRecord struct {
	ID                 string      `json:"id"`
	Signature          string      `json:"signature"`
	Kind               PatternKind `json:"kind"`
	Reason             string      `json:"reason"`
	ProposedConfidence float64     `json:"proposed_confidence"`
	OccurrenceCount    int         `json:"occurrence_count"`
	CreatedAt          time.Time   `json:"created_at"`
	Reviewed           bool        `json:"reviewed"`
}
