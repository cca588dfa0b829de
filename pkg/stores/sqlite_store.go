package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is wrapped by lookups and updates that match no row.
var ErrNotFound = errors.New("not found")

// pragmas are applied to every pooled connection.
var pragmas = []string{
	"_pragma=foreign_keys(1)",
	"_pragma=busy_timeout(5000)",
	"_pragma=journal_mode(WAL)",
	"_pragma=synchronous(NORMAL)",
	"_txlock=immediate",
}

// SQLiteStore is the Store backed by a modernc.org/sqlite database.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config sizes the connection pool. Zero values take the defaults.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c *Config) applyDefaults() {
	// Each connection to an in-memory database would see its own empty copy.
	if c.Path == ":memory:" || strings.Contains(c.Path, "mode=memory") {
		c.MaxOpenConns, c.MaxIdleConns, c.ConnMaxLifetime = 1, 1, 0
		return
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
}

// NewSQLiteStore checks cfg. No connection is made until Init.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	cfg.applyDefaults()
	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the pool and pings the database.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.cfg.Path+"?"+strings.Join(pragmas, "&"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate applies the embedded migrations that have not run yet.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	drv, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

type scanner interface{ Scan(...any) error }

// collect scans every row of a query with scan.
func collect[T any](ctx context.Context, db *sql.DB, scan func(scanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// execOne runs an update or delete that must match exactly the row named
// by what and id.
func (s *SQLiteStore) execOne(ctx context.Context, what, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", what, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

const runColumns = `id, model, source, seed, status, started_at, completed_at, error, metadata, created_at, updated_at`

func scanRun(row scanner) (*TestRun, error) {
	r := new(TestRun)
	err := row.Scan(&r.ID, &r.Model, &r.Source, &r.Seed, &r.Status, &r.StartedAt,
		&r.CompletedAt, &r.Error, &r.Metadata, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (s *SQLiteStore) CreateTestRun(ctx context.Context, run *TestRun) error {
	run.Metadata = orDefault(run.Metadata, "{}")
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO test_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Model, run.Source, run.Seed, run.Status, run.StartedAt,
		run.CompletedAt, run.Error, run.Metadata, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create test run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTestRun(ctx context.Context, id string) (*TestRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM test_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("test run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get test run %s: %w", id, err)
	}
	return run, nil
}

// UpdateTestRunStatus sets the status and error of a run. Terminal statuses
// also stamp completed_at.
func (s *SQLiteStore) UpdateTestRunStatus(ctx context.Context, id string, status RunStatus, errMsg *string) error {
	now := time.Now()
	var completedAt *time.Time
	switch status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		completedAt = &now
	}
	return s.execOne(ctx, "test run", id,
		`UPDATE test_runs SET status = ?, error = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, completedAt, now, id)
}

// ListTestRuns pages through runs, most recently started first.
func (s *SQLiteStore) ListTestRuns(ctx context.Context, limit, offset int) ([]*TestRun, error) {
	runs, err := collect(ctx, s.db, scanRun,
		`SELECT `+runColumns+` FROM test_runs ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list test runs: %w", err)
	}
	return runs, nil
}

// DeleteTestRun removes a run. Its cases and events go with it.
func (s *SQLiteStore) DeleteTestRun(ctx context.Context, id string) error {
	return s.execOne(ctx, "test run", id, `DELETE FROM test_runs WHERE id = ?`, id)
}

const caseColumns = `id, run_id, sequence, name, goal, faults, status, plan_state, plan, plan_info,
	replan_count, fail_counters, started_at, completed_at, duration_ms, created_at`

func scanCase(row scanner) (*TestCase, error) {
	c := new(TestCase)
	err := row.Scan(&c.ID, &c.RunID, &c.Sequence, &c.Name, &c.Goal, &c.Faults, &c.Status,
		&c.PlanState, &c.Plan, &c.PlanInfo, &c.ReplanCount, &c.FailCounters,
		&c.StartedAt, &c.CompletedAt, &c.DurationMs, &c.CreatedAt)
	return c, err
}

// CreateTestCase inserts a queued case. Empty JSON columns are stored as
// {} or [].
func (s *SQLiteStore) CreateTestCase(ctx context.Context, tc *TestCase) error {
	tc.Faults = orDefault(tc.Faults, "{}")
	tc.Plan = orDefault(tc.Plan, "[]")
	tc.FailCounters = orDefault(tc.FailCounters, "{}")

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO test_cases (`+caseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tc.ID, tc.RunID, tc.Sequence, tc.Name, tc.Goal, tc.Faults, tc.Status,
		tc.PlanState, tc.Plan, tc.PlanInfo, tc.ReplanCount, tc.FailCounters,
		tc.StartedAt, tc.CompletedAt, tc.DurationMs, tc.CreatedAt)
	if err != nil {
		return fmt.Errorf("create test case %s: %w", tc.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTestCase(ctx context.Context, id string) (*TestCase, error) {
	tc, err := scanCase(s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM test_cases WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("test case %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get test case %s: %w", id, err)
	}
	return tc, nil
}

func (s *SQLiteStore) StartTestCase(ctx context.Context, id string, startedAt time.Time) error {
	return s.execOne(ctx, "test case", id,
		`UPDATE test_cases SET status = ?, started_at = ? WHERE id = ?`,
		CaseStatusRunning, startedAt, id)
}

// FinishTestCase marks a case finished and records its outcome.
func (s *SQLiteStore) FinishTestCase(ctx context.Context, id string, res *CaseResult) error {
	return s.execOne(ctx, "test case", id, `
		UPDATE test_cases
		SET status = ?, plan_state = ?, plan = ?, plan_info = ?, replan_count = ?,
			fail_counters = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?`,
		CaseStatusFinished, res.PlanState, orDefault(res.Plan, "[]"), res.PlanInfo, res.ReplanCount,
		orDefault(res.FailCounters, "{}"), res.CompletedAt, res.Duration.Milliseconds(), id)
}

// ListTestCasesByRun returns the cases of a run in queue order.
func (s *SQLiteStore) ListTestCasesByRun(ctx context.Context, runID string) ([]*TestCase, error) {
	cases, err := collect(ctx, s.db, scanCase,
		`SELECT `+caseColumns+` FROM test_cases WHERE run_id = ? ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list cases of run %s: %w", runID, err)
	}
	return cases, nil
}

// SummarizeRun counts the cases of a run. Plan states, durations and the
// mean only consider finished cases; replans count across all of them.
func (s *SQLiteStore) SummarizeRun(ctx context.Context, runID string) (*RunSummary, error) {
	type group struct {
		status    CaseStatus
		planState string
		count     int
		ms        int64
		replans   int
	}
	groups, err := collect(ctx, s.db, func(row scanner) (group, error) {
		var g group
		err := row.Scan(&g.status, &g.planState, &g.count, &g.ms, &g.replans)
		return g, err
	}, `
		SELECT status, plan_state, COUNT(*), COALESCE(SUM(duration_ms), 0), COALESCE(SUM(replan_count), 0)
		FROM test_cases
		WHERE run_id = ?
		GROUP BY status, plan_state`, runID)
	if err != nil {
		return nil, fmt.Errorf("summarize run %s: %w", runID, err)
	}

	sum := &RunSummary{RunID: runID, ByPlanState: map[string]int{}}
	var finishedMs int64
	for _, g := range groups {
		sum.Cases += g.count
		sum.TotalReplans += g.replans
		if g.status != CaseStatusFinished {
			continue
		}
		sum.Finished += g.count
		sum.ByPlanState[g.planState] += g.count
		finishedMs += g.ms
	}
	if sum.Finished > 0 {
		sum.MeanDuration = time.Duration(finishedMs/int64(sum.Finished)) * time.Millisecond
	}
	return sum, nil
}

// AppendEvent inserts event and sets its ID.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, case_id, type, level, message, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.CaseID, event.Type, event.Level, event.Message, event.Details, event.Timestamp)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if event.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func scanEvent(row scanner) (*Event, error) {
	e := new(Event)
	err := row.Scan(&e.ID, &e.RunID, &e.CaseID, &e.Type, &e.Level, &e.Message, &e.Details, &e.Timestamp)
	return e, err
}

// GetEvents pages through the event log, newest first. Nil filters match
// everything.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, caseID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	events, err := collect(ctx, s.db, scanEvent, `
		SELECT id, run_id, case_id, type, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR case_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?`,
		runID, runID, caseID, caseID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	return events, nil
}
