package storage

import (
	"errors"

	"github.com/scrypster/synapse/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConversationEnded indicates an append to a closed conversation.
	ErrConversationEnded = errors.New("conversation has ended")

	// ErrDuplicateEvent indicates an event whose checksum is already logged.
	ErrDuplicateEvent = errors.New("duplicate event")
)

// ConversationQuery filters conversation lookups.
type ConversationQuery struct {
	// Status filters by lifecycle status. Empty string means no filter.
	Status types.ConversationStatus

	// Intent filters by detected intent. Empty string means no filter.
	Intent types.Intent

	// Keyword restricts results to conversations whose message content
	// contains the keyword (case-insensitive). Empty string means no filter.
	Keyword string

	// EntityValue restricts results to conversations that extracted an entity
	// with this exact value. Empty string means no filter.
	EntityValue string

	// Limit caps the number of results (default: 20, max: 100).
	Limit int
}

// Normalize applies defaults and bounds to the query.
func (q *ConversationQuery) Normalize() {
	if q.Limit < 1 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
}

// PatternListOptions filters pattern listings.
type PatternListOptions struct {
	// Kind filters by pattern kind. Empty string means no filter.
	Kind types.PatternKind

	// MinConfidence excludes patterns below this confidence.
	MinConfidence float64

	// IncludeFlagged includes patterns carrying an anomaly flag.
	// They are excluded by default so downstream consumers acting
	// autonomously never see them.
	IncludeFlagged bool

	// Limit caps the number of results (default: 50, max: 500).
	Limit int
}

// Normalize applies defaults and bounds to the options.
func (o *PatternListOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 50
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	if o.MinConfidence < 0 {
		o.MinConfidence = 0
	}
	if o.MinConfidence > 1 {
		o.MinConfidence = 1
	}
}
