package types

import "time"

// ClaimType classifies what an agent asserts about its own work.
type ClaimType string

const (
	// ClaimSuccess asserts that a change worked ("fixed", "done", "success").
	ClaimSuccess ClaimType = "success"

	// ClaimIntegrationSuccess asserts end-to-end behavior across the full path.
	ClaimIntegrationSuccess ClaimType = "integration_success"

	// ClaimVisualChange asserts a presentation-layer change looks correct.
	ClaimVisualChange ClaimType = "visual_change"
)

// EvidenceKind classifies the automated check backing a claim.
type EvidenceKind string

const (
	EvidenceUnit        EvidenceKind = "unit"
	EvidenceIntegration EvidenceKind = "integration"
	EvidenceVisual      EvidenceKind = "visual"
)

// Evidence is a record of an automated check executed in the current session.
// Claims reference evidence by ID; the enforcement layer only trusts checks
// it has seen registered.
type Evidence struct {
	ID         string       `json:"id"`
	Kind       EvidenceKind `json:"kind"`
	Passed     bool         `json:"passed"`
	RecordedAt time.Time    `json:"recorded_at"`
}

// Claim is an agent's assertion submitted for authorization before it may
// reach the event log.
type Claim struct {
	AgentID          string    `json:"agent_id,omitempty"`
	SessionID        string    `json:"session_id,omitempty"`
	Type             ClaimType `json:"type"`
	Statement        string    `json:"statement"`
	EvidenceID       string    `json:"evidence_id,omitempty"`
	FilesTouched     []string  `json:"files_touched,omitempty"`
	FailureSignature string    `json:"failure_signature,omitempty"`
	RootCause        string    `json:"root_cause,omitempty"`
}

// VerdictStatus is the outcome of claim authorization.
type VerdictStatus string

const (
	VerdictAllowed VerdictStatus = "allowed"
	VerdictBlocked VerdictStatus = "blocked"
)

// ClaimWarning is a non-blocking advisory attached to an allowed claim.
type ClaimWarning struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Verdict is the typed result of claim authorization. A blocked verdict names
// the vetoing rule and carries a remediation hint; warnings pass through and
// are annotated on the logged event.
type Verdict struct {
	Status   VerdictStatus  `json:"status"`
	Rule     string         `json:"rule,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Hint     string         `json:"hint,omitempty"`
	Warnings []ClaimWarning `json:"warnings,omitempty"`
}

// Allowed reports whether the claim may proceed to the event log.
func (v *Verdict) Allowed() bool {
	return v.Status == VerdictAllowed
}
