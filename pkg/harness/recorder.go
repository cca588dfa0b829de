package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/riskcell/pkg/engine"
	"github.com/openfroyo/riskcell/pkg/stores"
)

// RunInfo describes a test run for the results store.
type RunInfo struct {
	Model  string
	Source string
	Seed   int64
}

// StoreRecorder records cases of one test run in a results store.
type StoreRecorder struct {
	store stores.Store
	runID string

	mu     sync.Mutex
	failed int
}

// NewStoreRecorder creates the test run and returns a recorder for it.
func NewStoreRecorder(ctx context.Context, store stores.Store, info RunInfo) (*StoreRecorder, error) {
	now := time.Now()
	run := &stores.TestRun{
		ID:        uuid.New().String(),
		Model:     info.Model,
		Source:    info.Source,
		Seed:      info.Seed,
		Status:    stores.RunStatusRunning,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateTestRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create test run: %w", err)
	}
	return &StoreRecorder{store: store, runID: run.ID}, nil
}

// RunID returns the ID of the recorded run.
func (r *StoreRecorder) RunID() string {
	return r.runID
}

// CaseStarted stores the case as running.
func (r *StoreRecorder) CaseStarted(ctx context.Context, s *Started) error {
	faultsJSON, err := json.Marshal(s.Case.Faults)
	if err != nil {
		return fmt.Errorf("failed to encode faults: %w", err)
	}
	tc := &stores.TestCase{
		ID:        s.ID,
		RunID:     r.runID,
		Sequence:  s.Sequence,
		Name:      s.Case.Name,
		Goal:      s.Case.Goal,
		Faults:    string(faultsJSON),
		Status:    stores.CaseStatusPending,
		CreatedAt: s.At,
	}
	if err := r.store.CreateTestCase(ctx, tc); err != nil {
		return err
	}
	if err := r.store.StartTestCase(ctx, s.ID, s.At); err != nil {
		return err
	}
	return r.event(ctx, s.ID, engine.EventTypeTestCaseStarted, fmt.Sprintf("Case %s started: %s", s.Case.Name, s.Case.Goal), nil)
}

// CaseFinished stores the outcome of the case.
func (r *StoreRecorder) CaseFinished(ctx context.Context, o *Outcome) error {
	planJSON, err := json.Marshal(o.Plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	countersJSON, err := json.Marshal(o.FailCounters)
	if err != nil {
		return fmt.Errorf("failed to encode fail counters: %w", err)
	}

	if err := r.store.FinishTestCase(ctx, o.ID, &stores.CaseResult{
		PlanState:    string(o.PlanState),
		Plan:         string(planJSON),
		PlanInfo:     o.PlanInfo,
		ReplanCount:  int(o.ReplanCount),
		FailCounters: string(countersJSON),
		CompletedAt:  o.CompletedAt,
		Duration:     o.Duration,
	}); err != nil {
		return err
	}

	if o.PlanState != engine.PlanStateCompleted {
		r.mu.Lock()
		r.failed++
		r.mu.Unlock()
	}

	details := map[string]interface{}{
		"plan_state": o.PlanState,
		"replans":    o.ReplanCount,
		"duration":   o.Duration.String(),
	}
	return r.event(ctx, o.ID, engine.EventTypeTestCaseFinished,
		fmt.Sprintf("Case %s finished: %s", o.Case.Name, o.PlanState), details)
}

// Close marks the run completed, or failed when runErr is set.
func (r *StoreRecorder) Close(ctx context.Context, runErr error) error {
	if runErr != nil {
		msg := runErr.Error()
		return r.store.UpdateTestRunStatus(ctx, r.runID, stores.RunStatusFailed, &msg)
	}
	return r.store.UpdateTestRunStatus(ctx, r.runID, stores.RunStatusCompleted, nil)
}

// Failed returns how many recorded cases did not complete.
func (r *StoreRecorder) Failed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

func (r *StoreRecorder) event(ctx context.Context, caseID string, eventType engine.EventType, message string, details map[string]interface{}) error {
	ev := &stores.Event{
		RunID:     &r.runID,
		CaseID:    &caseID,
		Type:      string(eventType),
		Level:     stores.EventLevel(eventType.Severity()),
		Message:   message,
		Timestamp: time.Now(),
	}
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		text := string(data)
		ev.Details = &text
	}
	return r.store.AppendEvent(ctx, ev)
}
