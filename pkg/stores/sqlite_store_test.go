package stores

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// openStore initialises and migrates a store at path.
func openStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	ctx := context.Background()

	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q): %v", path, err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store
}

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	return openStore(t, ":memory:")
}

func createRun(t *testing.T, store *SQLiteStore, id string, startedAt time.Time) *TestRun {
	t.Helper()
	run := &TestRun{
		ID:        id,
		Model:     "minimal_model",
		Source:    "random",
		Seed:      42,
		Status:    RunStatusRunning,
		StartedAt: startedAt,
		CreatedAt: startedAt,
		UpdatedAt: startedAt,
	}
	if err := store.CreateTestRun(context.Background(), run); err != nil {
		t.Fatalf("CreateTestRun: %v", err)
	}
	return run
}

func TestNewSQLiteStoreConfig(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantErr  bool
		wantOpen int
		wantLife time.Duration
	}{
		{name: "empty path", cfg: Config{}, wantErr: true},
		{name: "memory is one connection", cfg: Config{Path: ":memory:", MaxOpenConns: 10}, wantOpen: 1},
		{name: "shared memory uri", cfg: Config{Path: "file:cell?mode=memory&cache=shared"}, wantOpen: 1},
		{name: "file defaults", cfg: Config{Path: "results.db"}, wantOpen: 25, wantLife: 5 * time.Minute},
		{name: "file explicit", cfg: Config{Path: "results.db", MaxOpenConns: 4}, wantOpen: 4, wantLife: 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewSQLiteStore(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if store.cfg.MaxOpenConns != tt.wantOpen || store.cfg.ConnMaxLifetime != tt.wantLife {
				t.Errorf("got open=%d life=%v, want open=%d life=%v",
					store.cfg.MaxOpenConns, store.cfg.ConnMaxLifetime, tt.wantOpen, tt.wantLife)
			}
		})
	}
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Migrate(ctx); err == nil {
		t.Error("expected Migrate to fail before Init")
	}
	if err := store.Close(); err != nil {
		t.Errorf("Close before Init: %v", err)
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	for _, table := range []string{"test_runs", "test_cases", "events"} {
		var n int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			t.Errorf("table %s: %v", table, err)
		}
	}
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("repeated Migrate: %v", err)
	}
}

func TestStoreOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	ctx := context.Background()

	store := openStore(t, path)
	createRun(t, store, "run-disk", time.Now())
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected database file: %v", err)
	}

	reopened := openStore(t, path)
	defer reopened.Close()
	if _, err := reopened.GetTestRun(ctx, "run-disk"); err != nil {
		t.Errorf("expected run to survive reopen: %v", err)
	}
}

func TestTestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	run := createRun(t, store, "run-001", now)

	retrieved, err := store.GetTestRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get test run: %v", err)
	}
	if retrieved.Model != run.Model || retrieved.Seed != 42 {
		t.Errorf("expected model %s seed 42, got %s seed %d", run.Model, retrieved.Model, retrieved.Seed)
	}
	if retrieved.Metadata != "{}" {
		t.Errorf("expected default metadata {}, got %s", retrieved.Metadata)
	}
	if retrieved.CompletedAt != nil {
		t.Error("expected CompletedAt to be unset")
	}

	errMsg := "store closed"
	if err := store.UpdateTestRunStatus(ctx, run.ID, RunStatusFailed, &errMsg); err != nil {
		t.Fatalf("failed to update test run status: %v", err)
	}

	updated, err := store.GetTestRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get updated test run: %v", err)
	}
	if updated.Status != RunStatusFailed {
		t.Errorf("expected Status %s, got %s", RunStatusFailed, updated.Status)
	}
	if updated.Error == nil || *updated.Error != errMsg {
		t.Errorf("expected Error %s, got %v", errMsg, updated.Error)
	}
	if updated.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	if err := store.UpdateTestRunStatus(ctx, "missing", RunStatusCompleted, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound updating missing run, got %v", err)
	}

	createRun(t, store, "run-002", now.Add(time.Minute))
	runs, err := store.ListTestRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list test runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-002" {
		t.Errorf("expected newest run first, got %d runs", len(runs))
	}

	if err := store.DeleteTestRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete test run: %v", err)
	}
	if _, err := store.GetTestRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for deleted run, got %v", err)
	}
	if err := store.DeleteTestRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestTestCaseLifecycle(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	run := createRun(t, store, "run-003", now)

	tc := &TestCase{
		ID:        "case-001",
		RunID:     run.ID,
		Sequence:  0,
		Goal:      "var:gantry_position_estimated == b",
		Faults:    `{"gantry":{"fail_mode":1}}`,
		Status:    CaseStatusPending,
		CreatedAt: now,
	}
	if err := store.CreateTestCase(ctx, tc); err != nil {
		t.Fatalf("failed to create test case: %v", err)
	}

	if err := store.StartTestCase(ctx, tc.ID, now); err != nil {
		t.Fatalf("failed to start test case: %v", err)
	}
	started, err := store.GetTestCase(ctx, tc.ID)
	if err != nil {
		t.Fatalf("failed to get test case: %v", err)
	}
	if started.Status != CaseStatusRunning || started.StartedAt == nil {
		t.Errorf("expected running case with start time, got %s", started.Status)
	}
	if started.Plan != "[]" {
		t.Errorf("expected default plan [], got %s", started.Plan)
	}

	err = store.FinishTestCase(ctx, tc.ID, &CaseResult{
		PlanState:    "failed",
		Plan:         `["op_gantry_move_to_b"]`,
		PlanInfo:     "found plan of length 1",
		ReplanCount:  3,
		FailCounters: `{"gantry":{"subsequent":4,"total":4}}`,
		CompletedAt:  now.Add(2 * time.Second),
		Duration:     2 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to finish test case: %v", err)
	}

	finished, err := store.GetTestCase(ctx, tc.ID)
	if err != nil {
		t.Fatalf("failed to get finished test case: %v", err)
	}
	if finished.Status != CaseStatusFinished {
		t.Errorf("expected Status %s, got %s", CaseStatusFinished, finished.Status)
	}
	if finished.PlanState != "failed" || finished.ReplanCount != 3 {
		t.Errorf("expected failed with 3 replans, got %s with %d", finished.PlanState, finished.ReplanCount)
	}
	if finished.DurationMs != 2000 {
		t.Errorf("expected 2000ms, got %d", finished.DurationMs)
	}

	if err := store.FinishTestCase(ctx, "missing", &CaseResult{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound finishing missing case, got %v", err)
	}
	if _, err := store.GetTestCase(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing case, got %v", err)
	}

	duplicate := *tc
	duplicate.ID = "case-dup"
	if err := store.CreateTestCase(ctx, &duplicate); err == nil {
		t.Error("expected error for duplicate sequence in run")
	}
}

func TestSummarizeRun(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	run := createRun(t, store, "run-004", now)

	outcomes := []struct {
		planState string
		duration  time.Duration
		replans   int
	}{
		{planState: "completed", duration: time.Second, replans: 0},
		{planState: "completed", duration: 3 * time.Second, replans: 1},
		{planState: "failed", duration: 2 * time.Second, replans: 3},
	}
	for i, o := range outcomes {
		tc := &TestCase{
			ID:        "case-" + string(rune('a'+i)),
			RunID:     run.ID,
			Sequence:  i,
			Goal:      "var:gantry_position_estimated == c",
			Status:    CaseStatusPending,
			CreatedAt: now,
		}
		if err := store.CreateTestCase(ctx, tc); err != nil {
			t.Fatalf("failed to create test case: %v", err)
		}
		if err := store.FinishTestCase(ctx, tc.ID, &CaseResult{
			PlanState:   o.planState,
			ReplanCount: o.replans,
			CompletedAt: now,
			Duration:    o.duration,
		}); err != nil {
			t.Fatalf("failed to finish test case: %v", err)
		}
	}
	pending := &TestCase{ID: "case-pending", RunID: run.ID, Sequence: 3, Goal: "true", Status: CaseStatusPending, CreatedAt: now}
	if err := store.CreateTestCase(ctx, pending); err != nil {
		t.Fatalf("failed to create test case: %v", err)
	}

	summary, err := store.SummarizeRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to summarize run: %v", err)
	}
	if summary.Cases != 4 || summary.Finished != 3 {
		t.Errorf("expected 4 cases with 3 finished, got %d/%d", summary.Cases, summary.Finished)
	}
	if summary.ByPlanState["completed"] != 2 || summary.ByPlanState["failed"] != 1 {
		t.Errorf("unexpected breakdown: %v", summary.ByPlanState)
	}
	if summary.MeanDuration != 2*time.Second {
		t.Errorf("expected mean 2s, got %v", summary.MeanDuration)
	}
	if summary.TotalReplans != 4 {
		t.Errorf("expected 4 replans, got %d", summary.TotalReplans)
	}

	cases, err := store.ListTestCasesByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list test cases: %v", err)
	}
	for i, tc := range cases {
		if tc.Sequence != i {
			t.Errorf("expected sequence %d at position %d, got %d", i, i, tc.Sequence)
		}
	}
}

func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	run := createRun(t, store, "run-005", now)

	caseID := "case-ev"
	if err := store.CreateTestCase(ctx, &TestCase{ID: caseID, RunID: run.ID, Goal: "true", Status: CaseStatusPending, CreatedAt: now}); err != nil {
		t.Fatalf("failed to create test case: %v", err)
	}

	events := []*Event{
		{RunID: &run.ID, Type: "test_case.started", Level: EventLevelInfo, Message: "Case started", Timestamp: now},
		{RunID: &run.ID, CaseID: &caseID, Type: "step.failed", Level: EventLevelWarning, Message: "Step failed", Timestamp: now.Add(time.Second)},
		{RunID: &run.ID, CaseID: &caseID, Type: "plan_state.changed", Level: EventLevelError, Message: "Plan failed", Timestamp: now.Add(2 * time.Second)},
	}

	for _, event := range events {
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if event.ID == 0 {
			t.Error("expected event ID to be set after insert")
		}
	}

	retrieved, err := store.GetEvents(ctx, &run.ID, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(retrieved) != 3 {
		t.Errorf("expected 3 events, got %d", len(retrieved))
	}

	byCase, err := store.GetEvents(ctx, nil, &caseID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get case events: %v", err)
	}
	if len(byCase) != 2 {
		t.Errorf("expected 2 case events, got %d", len(byCase))
	}

	errorLevel := EventLevelError
	filtered, err := store.GetEvents(ctx, nil, nil, &errorLevel, 10, 0)
	if err != nil {
		t.Fatalf("failed to get filtered events: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Type != "plan_state.changed" {
		t.Errorf("expected 1 error event, got %d", len(filtered))
	}

	if err := store.DeleteTestRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete test run: %v", err)
	}
	remaining, err := store.GetEvents(ctx, &run.ID, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected events to cascade with the run, got %d", len(remaining))
	}
}
