package harness

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/riskcell/pkg/device/faults"
	"github.com/openfroyo/riskcell/pkg/engine"
	"github.com/openfroyo/riskcell/pkg/stores"
)

func newResultsStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreRecorder(t *testing.T) {
	store := newResultsStore(t)
	ctx := context.Background()

	rec, err := NewStoreRecorder(ctx, store, RunInfo{Model: "minimal_model", Source: "random", Seed: 4})
	if err != nil {
		t.Fatalf("NewStoreRecorder failed: %v", err)
	}

	start := time.Now()
	started := &Started{
		ID:       "case-1",
		Sequence: 0,
		At:       start,
		Case: Case{
			Name:   "always-failing",
			Goal:   "var:gantry_position_estimated == b",
			Faults: map[string]faults.Params{"gantry": {FailMode: faults.FailAlways}},
		},
	}
	if err := rec.CaseStarted(ctx, started); err != nil {
		t.Fatalf("CaseStarted failed: %v", err)
	}

	tc, err := store.GetTestCase(ctx, "case-1")
	if err != nil {
		t.Fatalf("GetTestCase failed: %v", err)
	}
	if tc.Status != stores.CaseStatusRunning {
		t.Errorf("Expected running, got %s", tc.Status)
	}
	if !strings.Contains(tc.Faults, `"fail_mode":1`) {
		t.Errorf("Expected faults recorded, got %s", tc.Faults)
	}

	err = rec.CaseFinished(ctx, &Outcome{
		Started:      *started,
		PlanState:    engine.PlanStateFailed,
		Plan:         []string{"op_gantry_move_to_b"},
		PlanInfo:     "step 0 (op_gantry_move_to_b) failed, replan budget exhausted",
		ReplanCount:  3,
		FailCounters: map[string]Counters{"gantry": {Subsequent: 4, Total: 4}},
		CompletedAt:  start.Add(time.Second),
		Duration:     time.Second,
	})
	if err != nil {
		t.Fatalf("CaseFinished failed: %v", err)
	}

	tc, _ = store.GetTestCase(ctx, "case-1")
	if tc.Status != stores.CaseStatusFinished || tc.PlanState != "failed" {
		t.Errorf("Expected finished/failed, got %s/%s", tc.Status, tc.PlanState)
	}
	if tc.Plan != `["op_gantry_move_to_b"]` {
		t.Errorf("Unexpected plan %s", tc.Plan)
	}
	if tc.FailCounters != `{"gantry":{"subsequent":4,"total":4}}` {
		t.Errorf("Unexpected counters %s", tc.FailCounters)
	}
	if rec.Failed() != 1 {
		t.Errorf("Expected 1 failed case, got %d", rec.Failed())
	}

	runID := rec.RunID()
	events, err := store.GetEvents(ctx, &runID, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Expected 2 events, got %d", len(events))
	}

	if err := rec.Close(ctx, nil); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	run, _ := store.GetTestRun(ctx, runID)
	if run.Status != stores.RunStatusCompleted {
		t.Errorf("Expected completed run, got %s", run.Status)
	}
}

func TestStoreRecorderCloseWithError(t *testing.T) {
	store := newResultsStore(t)
	ctx := context.Background()

	rec, err := NewStoreRecorder(ctx, store, RunInfo{Model: "minimal_model", Source: "suite.yaml"})
	if err != nil {
		t.Fatalf("NewStoreRecorder failed: %v", err)
	}
	if err := rec.Close(ctx, errors.New("interrupted")); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	run, _ := store.GetTestRun(ctx, rec.RunID())
	if run.Status != stores.RunStatusFailed || run.Error == nil || *run.Error != "interrupted" {
		t.Errorf("Expected failed run with error, got %s", run.Status)
	}
}
