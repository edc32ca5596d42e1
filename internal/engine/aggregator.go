package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/synapse/internal/config"
	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

// RunState names the phases of an aggregation run. Every mutating run moves
// through them in order; a validation failure branches to rollback and the
// stored graph is reinstated from the pre-run snapshot.
type RunState string

const (
	StateIdle             RunState = "IDLE"
	StateSnapshotTaken    RunState = "SNAPSHOT_TAKEN"
	StateEventsLoaded     RunState = "EVENTS_LOADED"
	StatePatternsUpdated  RunState = "PATTERNS_UPDATED"
	StateValidated        RunState = "VALIDATED"
	StateCommitted        RunState = "COMMITTED"
	StateValidationFailed RunState = "VALIDATION_FAILED"
	StateRolledBack       RunState = "ROLLED_BACK"
)

// RunTrigger identifies what started a run.
type RunTrigger string

const (
	TriggerEventCount RunTrigger = "event_count"
	TriggerElapsed    RunTrigger = "elapsed"
	TriggerSessionEnd RunTrigger = "session_end"
	TriggerManual     RunTrigger = "manual"
)

// ErrRunInProgress is returned when a run is requested while another run
// holds the run lock. The caller should not retry; the in-flight run will
// consume the same pending events.
var ErrRunInProgress = errors.New("engine: aggregation run already in progress")

// AggregatorStore is the storage surface the aggregator requires.
type AggregatorStore interface {
	storage.EventLog
	storage.PatternStore
	storage.RunCommitter
	storage.SnapshotStore
	storage.AnomalyStore
}

// RunReport summarizes one aggregation run for logs, the dashboard feed and
// the MCP run_aggregation tool.
type RunReport struct {
	RunID           string     `json:"run_id"`
	Trigger         RunTrigger `json:"trigger"`
	State           RunState   `json:"state"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      time.Time  `json:"finished_at"`
	SnapshotID      string     `json:"snapshot_id,omitempty"`
	CursorBefore    int64      `json:"cursor_before"`
	CursorAfter     int64      `json:"cursor_after"`
	EventsProcessed int        `json:"events_processed"`
	EventsSkipped   int        `json:"events_skipped"`
	PatternsCreated int        `json:"patterns_created"`
	PatternsUpdated int        `json:"patterns_updated"`
	PatternsDecayed int        `json:"patterns_decayed"`
	PatternsPruned  int        `json:"patterns_pruned"`
	Anomalies       int        `json:"anomalies"`
	Error           string     `json:"error,omitempty"`
}

// ActivityFunc receives run state transitions and anomaly notices. Used to
// feed the dashboard websocket; must not block.
type ActivityFunc func(runID string, state RunState, detail string)

// Aggregator maintains the long-term knowledge graph. It is the only writer
// of the pattern set. Runs stage all updates in memory, validate the staged
// set, and commit patterns and cursor in one transaction, so concurrent
// readers only ever observe the pre-run or post-run graph.
type Aggregator struct {
	store     AggregatorStore
	validator *GraphValidator
	cfg       config.AggregatorConfig
	tuning    config.TuningConfig
	activity  ActivityFunc
	now       func() time.Time

	runMu   sync.Mutex // held for the duration of a run
	stateMu sync.Mutex
	lastRun time.Time
	lastRep *RunReport
}

// AggregatorOption customizes an Aggregator.
type AggregatorOption func(*Aggregator)

// WithActivityFunc installs a transition callback.
func WithActivityFunc(fn ActivityFunc) AggregatorOption {
	return func(a *Aggregator) { a.activity = fn }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator builds an aggregator over the given store.
func NewAggregator(store AggregatorStore, cfg config.AggregatorConfig, tuning config.TuningConfig, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		store: store,
		validator: NewGraphValidator(ValidatorTuning{
			LowOccurrenceCap:  tuning.LowOccurrenceCap,
			LowOccurrenceMin:  tuning.LowOccurrenceMin,
			FullConfidenceMin: tuning.FullConfidenceMin,
			MidOccurrenceCap:  tuning.MidOccurrenceCap,
		}),
		cfg:    cfg,
		tuning: tuning,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// LastReport returns the most recent run report, or nil before the first run.
func (a *Aggregator) LastReport() *RunReport {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.lastRep
}

// MaybeRun starts a run if the trigger's condition holds. Returns (nil, nil)
// when the condition does not hold, and ErrRunInProgress when another run is
// active. Manual triggers always run.
func (a *Aggregator) MaybeRun(ctx context.Context, trigger RunTrigger) (*RunReport, error) {
	pending, err := a.store.PendingCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to count pending events: %w", err)
	}

	switch trigger {
	case TriggerEventCount:
		if pending < a.cfg.EventCountThreshold {
			return nil, nil
		}
	case TriggerElapsed:
		a.stateMu.Lock()
		last := a.lastRun
		a.stateMu.Unlock()
		if !last.IsZero() && a.now().Sub(last) < a.cfg.ElapsedThreshold {
			return nil, nil
		}
		if pending < a.cfg.MinPendingForElapsed {
			return nil, nil
		}
	case TriggerSessionEnd:
		if pending == 0 {
			return nil, nil
		}
	case TriggerManual:
		// always runs, even with nothing pending: decay still applies
	default:
		return nil, fmt.Errorf("engine: unknown run trigger %q", trigger)
	}

	return a.Run(ctx, trigger)
}

// Run executes one aggregation run. Only one run may be active at a time.
func (a *Aggregator) Run(ctx context.Context, trigger RunTrigger) (*RunReport, error) {
	if !a.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer a.runMu.Unlock()

	report := &RunReport{
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		State:     StateIdle,
		StartedAt: a.now(),
	}
	err := a.run(ctx, report)
	report.FinishedAt = a.now()
	if err != nil {
		report.Error = err.Error()
	}

	a.stateMu.Lock()
	a.lastRun = report.FinishedAt
	a.lastRep = report
	a.stateMu.Unlock()

	log.Printf("aggregator: run %s finished state=%s events=%d created=%d updated=%d decayed=%d anomalies=%d err=%v",
		report.RunID, report.State, report.EventsProcessed, report.PatternsCreated,
		report.PatternsUpdated, report.PatternsDecayed, report.Anomalies, err)
	return report, err
}

func (a *Aggregator) run(ctx context.Context, report *RunReport) error {
	now := a.now()

	// Snapshot before anything else. If we cannot archive the current graph
	// we must not mutate it.
	snap, err := a.takeSnapshot(ctx, now)
	if err != nil {
		return err
	}
	report.SnapshotID = snap.ID
	a.transition(report, StateSnapshotTaken, snap.ID)

	cursor, err := a.store.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("engine: failed to read event cursor: %w", err)
	}
	report.CursorBefore = cursor
	report.CursorAfter = cursor

	events, err := a.store.LoadSince(ctx, cursor, a.cfg.EventBatchLimit)
	if err != nil {
		return fmt.Errorf("engine: failed to load events: %w", err)
	}
	a.transition(report, StateEventsLoaded, fmt.Sprintf("%d events", len(events)))

	// Stage the working set in memory. Deep copies keep the stored graph and
	// the snapshot untouched until commit.
	staged := make(map[string]*types.Pattern, len(snap.Patterns))
	baseline := make(map[string]float64, len(snap.Patterns))
	for _, p := range snap.Patterns {
		staged[p.Signature] = p.Clone()
		baseline[p.Signature] = p.Confidence
	}

	visited := make(map[string]bool)
	newCursor := cursor
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		newCursor = ev.Seq
		if a.applyEvent(ctx, staged, baseline, visited, ev, now, report) {
			report.EventsProcessed++
		} else {
			report.EventsSkipped++
		}
	}

	report.PatternsDecayed = a.applyDecay(staged, visited, now)
	report.PatternsPruned = a.pruneStale(staged)
	a.transition(report, StatePatternsUpdated,
		fmt.Sprintf("created=%d updated=%d", report.PatternsCreated, report.PatternsUpdated))

	if err := a.validator.Validate(staged); err != nil {
		a.transition(report, StateValidationFailed, err.Error())
		if rbErr := a.store.RestorePatterns(ctx, snap.Patterns); rbErr != nil {
			return fmt.Errorf("engine: rollback after validation failure also failed: %v (validation: %w)", rbErr, err)
		}
		a.transition(report, StateRolledBack, snap.ID)
		return err
	}
	a.transition(report, StateValidated, "")

	final := make([]*types.Pattern, 0, len(staged))
	for _, sig := range sortedSignatures(staged) {
		final = append(final, staged[sig])
	}
	if err := a.store.CommitRun(ctx, final, newCursor); err != nil {
		return fmt.Errorf("engine: failed to commit run: %w", err)
	}
	report.CursorAfter = newCursor
	a.transition(report, StateCommitted, fmt.Sprintf("cursor %d -> %d", cursor, newCursor))

	if a.cfg.SnapshotRetention > 0 {
		if pruned, err := a.store.PruneSnapshots(ctx, a.cfg.SnapshotRetention); err != nil {
			log.Printf("aggregator: snapshot prune failed: %v", err)
		} else if pruned > 0 {
			log.Printf("aggregator: pruned %d snapshots", pruned)
		}
	}
	return nil
}

// takeSnapshot archives the current pattern set with the next version number.
func (a *Aggregator) takeSnapshot(ctx context.Context, now time.Time) (*types.Snapshot, error) {
	patterns, err := a.store.AllPatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to load patterns for snapshot: %w", err)
	}

	var version int64 = 1
	if latest, err := a.store.LatestSnapshot(ctx); err == nil {
		version = latest.Version + 1
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("engine: failed to read latest snapshot: %w", err)
	}

	snap := &types.Snapshot{
		ID:           uuid.NewString(),
		Version:      version,
		CreatedAt:    now,
		PatternCount: len(patterns),
		Patterns:     patterns,
	}
	snap.Checksum = snap.ComputeChecksum()
	if err := a.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("engine: failed to save snapshot: %w", err)
	}
	return snap, nil
}

// applyEvent folds one event into the staged set. Returns false when the
// event carries nothing aggregatable. Proposed updates that violate a
// confidence-growth bound are recorded as anomalies and not applied; growth
// from repeated signatures in one batch is clamped so no pattern's confidence
// moves more than MaxConfidenceStep above its value at run start.
func (a *Aggregator) applyEvent(ctx context.Context, staged map[string]*types.Pattern, baseline map[string]float64, visited map[string]bool, ev *types.Event, now time.Time, report *RunReport) bool {
	sig, kind, ok := SignatureForEvent(ev)
	if !ok {
		return false
	}

	p, exists := staged[sig]
	if !exists {
		p = NewPatternForEvent(sig, kind, ev)
	}

	gain := a.tuning.BaseConfidenceGain
	if w := ev.PayloadFloat("weight"); w > 0 {
		gain *= w
	}

	newOcc := p.OccurrenceCount + 1
	proposed := p.Confidence + gain
	proposed = a.capConfidence(proposed, newOcc)

	if reason := a.anomalyReason(p.Confidence, proposed, newOcc); reason != "" {
		a.recordAnomaly(ctx, sig, kind, reason, proposed, newOcc, now)
		report.Anomalies++
		if exists {
			staged[sig].AnomalyFlag = true
		}
		return true
	}

	// Patterns created this run have a zero baseline.
	if limit := baseline[sig] + a.tuning.MaxConfidenceStep; proposed > limit {
		proposed = limit
	}

	p.Confidence = proposed
	p.OccurrenceCount = newOcc
	p.LastUpdated = now
	if p.Kind == types.PatternFileRelationship && p.FileRel != nil {
		// Smoothed co-change estimate; converges toward 1 with repetition.
		p.FileRel.CoChangeRate = float64(newOcc) / float64(newOcc+3)
	}

	staged[sig] = p
	visited[sig] = true
	if exists {
		report.PatternsUpdated++
	} else {
		report.PatternsCreated++
	}
	return true
}

// capConfidence applies the occurrence ladder: new patterns stay at or below
// 0.50, established-but-unproven ones below 1.0, and only well-repeated
// patterns may reach full confidence.
func (a *Aggregator) capConfidence(proposed float64, occurrences int) float64 {
	switch {
	case occurrences < a.tuning.LowOccurrenceMin:
		if proposed > a.tuning.LowOccurrenceCap {
			return a.tuning.LowOccurrenceCap
		}
	case occurrences < a.tuning.FullConfidenceMin:
		if proposed > a.tuning.MidOccurrenceCap {
			return a.tuning.MidOccurrenceCap
		}
	default:
		if proposed > 1.0 {
			return 1.0
		}
	}
	return proposed
}

// anomalyReason returns a non-empty reason when the proposed update violates
// a growth bound: a single-step jump above MaxConfidenceStep, or near-full
// confidence with too few observations behind it.
func (a *Aggregator) anomalyReason(current, proposed float64, occurrences int) string {
	if proposed-current > a.tuning.MaxConfidenceStep {
		return fmt.Sprintf("confidence jump %.2f exceeds max step %.2f",
			proposed-current, a.tuning.MaxConfidenceStep)
	}
	if proposed >= a.tuning.AnomalyConfidence && occurrences < a.tuning.AnomalyMinOccurrences {
		return fmt.Sprintf("confidence %.2f with only %d occurrences", proposed, occurrences)
	}
	return ""
}

func (a *Aggregator) recordAnomaly(ctx context.Context, sig string, kind types.PatternKind, reason string, proposed float64, occurrences int, now time.Time) {
	rec := &types.AnomalyRecord{
		ID:                 uuid.NewString(),
		Signature:          sig,
		Kind:               kind,
		Reason:             reason,
		ProposedConfidence: proposed,
		OccurrenceCount:    occurrences,
		CreatedAt:          now,
	}
	if err := a.store.RecordAnomaly(ctx, rec); err != nil {
		log.Printf("aggregator: failed to record anomaly for %s: %v", sig, err)
	}
	if a.activity != nil {
		a.activity("", StatePatternsUpdated, "anomaly suppressed: "+sig+": "+reason)
	}
}

// applyDecay lowers confidence on patterns the run did not reinforce.
// LastUpdated advances by the whole cycles consumed so partial cycles carry
// over to the next run instead of resetting.
func (a *Aggregator) applyDecay(staged map[string]*types.Pattern, visited map[string]bool, now time.Time) int {
	dc := DecayConfig{Factor: a.tuning.DecayFactor, Cycle: a.tuning.DecayCycle}
	decayed := 0
	for sig, p := range staged {
		if visited[sig] || p.LastUpdated.IsZero() {
			continue
		}
		next := DecayedConfidence(p.Confidence, p.LastUpdated, now, dc)
		if next == p.Confidence {
			continue
		}
		cycles := now.Sub(p.LastUpdated) / dc.Cycle
		p.Confidence = next
		p.LastUpdated = p.LastUpdated.Add(cycles * dc.Cycle)
		decayed++
	}
	return decayed
}

// pruneStale drops patterns whose confidence has decayed below the floor.
func (a *Aggregator) pruneStale(staged map[string]*types.Pattern) int {
	dc := DecayConfig{Factor: a.tuning.DecayFactor, Cycle: a.tuning.DecayCycle}
	pruned := 0
	for sig, p := range staged {
		if p.OccurrenceCount > 0 && dc.Stale(p.Confidence) {
			delete(staged, sig)
			pruned++
		}
	}
	return pruned
}

func (a *Aggregator) transition(report *RunReport, state RunState, detail string) {
	report.State = state
	if a.activity != nil {
		a.activity(report.RunID, state, detail)
	}
}
