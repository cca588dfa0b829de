package stores

import (
	"context"
	"time"
)

// RunStatus represents the status of a test run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// CaseStatus represents the status of a test case
type CaseStatus string

const (
	CaseStatusPending  CaseStatus = "pending"
	CaseStatusRunning  CaseStatus = "running"
	CaseStatusFinished CaseStatus = "finished"
	CaseStatusSkipped  CaseStatus = "skipped"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// TestRun is one execution of a queue of test cases against a model.
type TestRun struct {
	ID          string     `json:"id"`
	Model       string     `json:"model"`
	Source      string     `json:"source"` // suite path, script path or "random"
	Seed        int64      `json:"seed"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Metadata    string     `json:"metadata"` // JSON blob
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TestCase is one goal with its injected faults and, once finished, its outcome.
type TestCase struct {
	ID           string     `json:"id"`
	RunID        string     `json:"run_id"`
	Sequence     int        `json:"sequence"`
	Name         string     `json:"name"`
	Goal         string     `json:"goal"`
	Faults       string     `json:"faults"` // JSON blob, per device
	Status       CaseStatus `json:"status"`
	PlanState    string     `json:"plan_state"`
	Plan         string     `json:"plan"` // JSON array of operation names
	PlanInfo     string     `json:"plan_info"`
	ReplanCount  int        `json:"replan_count"`
	FailCounters string     `json:"fail_counters"` // JSON blob, per device
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMs   int64      `json:"duration_ms"`
	CreatedAt    time.Time  `json:"created_at"`
}

// CaseResult is the outcome recorded when a case finishes.
type CaseResult struct {
	PlanState    string
	Plan         string
	PlanInfo     string
	ReplanCount  int
	FailCounters string
	CompletedAt  time.Time
	Duration     time.Duration
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	CaseID    *string    `json:"case_id,omitempty"`
	Type      string     `json:"type"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// RunSummary aggregates the cases of a run by final plan state.
type RunSummary struct {
	RunID        string         `json:"run_id"`
	Cases        int            `json:"cases"`
	Finished     int            `json:"finished"`
	ByPlanState  map[string]int `json:"by_plan_state"`
	MeanDuration time.Duration  `json:"mean_duration"`
	TotalReplans int            `json:"total_replans"`
}

// Store defines the interface for the results store
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// TestRun operations
	CreateTestRun(ctx context.Context, run *TestRun) error
	GetTestRun(ctx context.Context, id string) (*TestRun, error)
	UpdateTestRunStatus(ctx context.Context, id string, status RunStatus, err *string) error
	ListTestRuns(ctx context.Context, limit, offset int) ([]*TestRun, error)
	DeleteTestRun(ctx context.Context, id string) error

	// TestCase operations
	CreateTestCase(ctx context.Context, tc *TestCase) error
	GetTestCase(ctx context.Context, id string) (*TestCase, error)
	StartTestCase(ctx context.Context, id string, startedAt time.Time) error
	FinishTestCase(ctx context.Context, id string, result *CaseResult) error
	ListTestCasesByRun(ctx context.Context, runID string) ([]*TestCase, error)
	SummarizeRun(ctx context.Context, runID string) (*RunSummary, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, caseID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
