// Package claims gates agent success claims behind registered evidence.
//
// Agents report checks as they run them; claims reference that evidence by ID.
// The enforcer never trusts a claim's own account of testing: a success claim
// with no passing registered check is blocked before it reaches the event log.
package claims

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/synapse/pkg/types"
)

// Rule names, stable across releases: they appear in verdicts, logged events
// and the dashboard feed.
const (
	RuleEvidenceBeforeClaim   = "evidence_before_claim"
	RuleIntegrationEscalation = "integration_escalation"
	RuleVisualVerification    = "visual_verification"
	RuleRetryWithoutDiagnosis = "retry_without_diagnosis"
)

// Enforcer holds per-session evidence registries and failure history. Safe
// for concurrent use.
type Enforcer struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	now      func() time.Time
}

type sessionState struct {
	evidence map[string]*types.Evidence
	// failure signatures already claimed fixed this session, with whether a
	// root cause accompanied the claim
	failures map[string]bool
}

// NewEnforcer builds an empty enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{
		sessions: make(map[string]*sessionState),
		now:      time.Now,
	}
}

// RegisterCheck records an executed automated check for the session and
// returns its evidence ID. The caller supplies the kind and outcome; an empty
// sessionID registers against the shared default session.
func (e *Enforcer) RegisterCheck(sessionID string, kind types.EvidenceKind, passed bool) *types.Evidence {
	ev := &types.Evidence{
		ID:         uuid.NewString(),
		Kind:       kind,
		Passed:     passed,
		RecordedAt: e.now(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.session(sessionID).evidence[ev.ID] = ev
	return ev
}

// Evidence returns registered evidence by ID, or nil when unknown.
func (e *Enforcer) Evidence(sessionID, id string) *types.Evidence {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session(sessionID).evidence[id]
}

// EndSession drops the session's evidence registry and failure history.
// Evidence never carries across sessions.
func (e *Enforcer) EndSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
}

// Authorize evaluates a claim against the enforcement rules. Blocking rules
// veto in order; advisory rules attach warnings to an allowed verdict.
// Allowed claims update the session's failure history.
func (e *Enforcer) Authorize(claim *types.Claim) *types.Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess := e.session(claim.SessionID)

	if v := e.checkEvidence(sess, claim); v != nil {
		return v
	}
	if v := e.checkIntegration(sess, claim); v != nil {
		return v
	}

	verdict := &types.Verdict{Status: types.VerdictAllowed}
	if w := e.visualWarning(sess, claim); w != nil {
		verdict.Warnings = append(verdict.Warnings, *w)
	}
	if w := e.retryWarning(sess, claim); w != nil {
		verdict.Warnings = append(verdict.Warnings, *w)
	}

	if claim.FailureSignature != "" {
		sess.failures[claim.FailureSignature] = claim.RootCause != ""
	}
	return verdict
}

// checkEvidence blocks success-class claims that do not reference a passing
// check registered this session. Advisory-only claim types fall through to
// the warning rules.
func (e *Enforcer) checkEvidence(sess *sessionState, claim *types.Claim) *types.Verdict {
	if !successClass(claim.Type) {
		return nil
	}
	if claim.EvidenceID == "" {
		return &types.Verdict{
			Status: types.VerdictBlocked,
			Rule:   RuleEvidenceBeforeClaim,
			Reason: fmt.Sprintf("%s claim carries no evidence reference", claim.Type),
			Hint:   "run the relevant check, register it, and reference its evidence ID",
		}
	}
	ev, ok := sess.evidence[claim.EvidenceID]
	if !ok {
		return &types.Verdict{
			Status: types.VerdictBlocked,
			Rule:   RuleEvidenceBeforeClaim,
			Reason: fmt.Sprintf("evidence %q was not registered this session", claim.EvidenceID),
			Hint:   "evidence does not carry across sessions; re-run the check",
		}
	}
	if !ev.Passed {
		return &types.Verdict{
			Status: types.VerdictBlocked,
			Rule:   RuleEvidenceBeforeClaim,
			Reason: fmt.Sprintf("referenced %s check failed", ev.Kind),
			Hint:   "a failing check cannot back a success claim",
		}
	}
	return nil
}

// checkIntegration blocks integration_success claims backed only by
// narrower-scope evidence.
func (e *Enforcer) checkIntegration(sess *sessionState, claim *types.Claim) *types.Verdict {
	if claim.Type != types.ClaimIntegrationSuccess {
		return nil
	}
	ev := sess.evidence[claim.EvidenceID]
	if ev != nil && ev.Kind == types.EvidenceIntegration {
		return nil
	}
	return &types.Verdict{
		Status: types.VerdictBlocked,
		Rule:   RuleIntegrationEscalation,
		Reason: "integration claim backed by non-integration evidence",
		Hint:   "exercise the full path end to end and register an integration check",
	}
}

// successClass reports whether the claim type asserts that something works
// and therefore requires registered evidence.
func successClass(t types.ClaimType) bool {
	return t == types.ClaimSuccess || t == types.ClaimIntegrationSuccess
}

// visualWarning flags claims that touch the presentation layer, by type or by
// the files they name, without visual evidence. Advisory: automated visual
// verification is often unavailable.
func (e *Enforcer) visualWarning(sess *sessionState, claim *types.Claim) *types.ClaimWarning {
	if claim.Type != types.ClaimVisualChange && !touchesPresentation(claim.FilesTouched) {
		return nil
	}
	if ev := sess.evidence[claim.EvidenceID]; ev != nil && ev.Kind == types.EvidenceVisual {
		return nil
	}
	return &types.ClaimWarning{
		Rule:    RuleVisualVerification,
		Message: "presentation change claimed without visual verification; confirm the rendered result",
	}
}

var presentationExts = map[string]bool{
	".css": true, ".scss": true, ".less": true, ".html": true,
	".tsx": true, ".jsx": true, ".vue": true, ".svelte": true,
}

func touchesPresentation(files []string) bool {
	for _, f := range files {
		if presentationExts[strings.ToLower(filepath.Ext(f))] {
			return true
		}
	}
	return false
}

// retryWarning flags a claim re-fixing a failure signature already claimed
// fixed this session without an accompanying root cause.
func (e *Enforcer) retryWarning(sess *sessionState, claim *types.Claim) *types.ClaimWarning {
	if claim.FailureSignature == "" {
		return nil
	}
	if _, seen := sess.failures[claim.FailureSignature]; !seen || claim.RootCause != "" {
		return nil
	}
	return &types.ClaimWarning{
		Rule:    RuleRetryWithoutDiagnosis,
		Message: fmt.Sprintf("failure %q was already claimed fixed this session; diagnose the root cause before retrying", claim.FailureSignature),
	}
}

func (e *Enforcer) session(id string) *sessionState {
	if id == "" {
		id = "default"
	}
	s, ok := e.sessions[id]
	if !ok {
		s = &sessionState{
			evidence: make(map[string]*types.Evidence),
			failures: make(map[string]bool),
		}
		e.sessions[id] = s
	}
	return s
}
