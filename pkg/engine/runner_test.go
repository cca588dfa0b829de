package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/riskcell/pkg/state"
)

type cellHarness struct {
	t       *testing.T
	store   *state.Store
	planner *PlannerTask
	runner  *Runner
	device  func(state.State) state.State
}

func newCell(t *testing.T, retryLimit, maxReplans int, outcome ServiceRequestState, opts ...RunnerOption) (*cellHarness, *Model) {
	t.Helper()
	model, initial := deviceModel(t, retryLimit)
	initial = initial.Update("dev_position_estimated", state.String("a"))

	store := state.NewStore(initial, zerolog.Nop())
	t.Cleanup(store.Close)

	return &cellHarness{
		t:       t,
		store:   store,
		planner: NewPlannerTask(model, NewPlanner(PlannerConfig{MaxDepth: 4, PruneVisited: true}), store, zerolog.Nop()),
		runner:  NewRunner(model, store, RunnerConfig{MaxReplans: maxReplans}, zerolog.Nop(), opts...),
		device:  simulateDevice(outcome),
	}, model
}

func (c *cellHarness) write(fn func(state.State) state.State) {
	c.t.Helper()
	if _, err := c.store.Apply(context.Background(), "harness", fn); err != nil {
		c.t.Fatalf("Apply failed: %v", err)
	}
}

// cycle runs the planner, the runner and the device once each.
func (c *cellHarness) cycle() state.State {
	c.t.Helper()
	ctx := context.Background()
	if err := c.planner.Tick(ctx); err != nil {
		c.t.Fatalf("planner tick failed: %v", err)
	}
	if err := c.runner.Tick(ctx); err != nil {
		c.t.Fatalf("runner tick failed: %v", err)
	}
	s, err := c.store.Apply(ctx, "dev_interface", c.device)
	if err != nil {
		c.t.Fatalf("device apply failed: %v", err)
	}
	return s
}

// runUntilIdle cycles until the plan state is completed or failed.
func (c *cellHarness) runUntilIdle(limit int) state.State {
	c.t.Helper()
	v := VarsFor(testModel)
	var s state.State
	for i := 0; i < limit; i++ {
		s = c.cycle()
		ps, _ := s.GetString(v.PlanState())
		if ps == string(PlanStateCompleted) || ps == string(PlanStateFailed) {
			return s
		}
	}
	c.t.Fatalf("Plan did not finish within %d cycles", limit)
	return s
}

func TestRunnerCompletesPlan(t *testing.T) {
	obs := &recordingObserver{}
	c, _ := newCell(t, 0, 0, RequestSucceeded, WithRunnerObserver(obs))
	c.write(func(s state.State) state.State {
		return requestGoal(s, "var:dev_position_estimated == b")
	})

	s := c.runUntilIdle(20)

	if got, _ := s.GetString("cell_plan_state"); got != string(PlanStateCompleted) {
		t.Errorf("Expected completed, got %s", got)
	}
	if got, _ := s.GetString("dev_position_estimated"); got != "b" {
		t.Errorf("Expected position b, got %s", got)
	}
	if got, _ := s.GetInt64("dev_subsequent_fail_counter"); got != 0 {
		t.Errorf("Expected subsequent fail counter 0, got %d", got)
	}
	if got, _ := s.GetInt64("dev_total_fail_counter"); got != 0 {
		t.Errorf("Expected total fail counter 0, got %d", got)
	}
	if got, _ := s.GetString("cell_controller_state"); got != string(ControllerPlanning) {
		t.Errorf("Expected controller back in planning, got %s", got)
	}
	if len(obs.steps) != 1 || !obs.steps[0] {
		t.Errorf("Expected one successful step, got %v", obs.steps)
	}

	want := []PlanState{PlanStateExecuting, PlanStateCompleted}
	if len(obs.transitions) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, obs.transitions)
	}
	for i := range want {
		if obs.transitions[i] != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], obs.transitions[i])
		}
	}
}

// snapshotObserver reads the store whenever the plan state changes.
type snapshotObserver struct {
	NopObserver
	store *state.Store
	seen  []string
	errs  []error
}

func (o *snapshotObserver) PlanStateChanged(_ string, _, _ PlanState) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := o.store.Snapshot(ctx)
	if err != nil {
		o.errs = append(o.errs, err)
		return
	}
	ps, _ := s.GetString(VarsFor(testModel).PlanState())
	o.seen = append(o.seen, ps)
}

func TestRunnerNotifiesAfterWrite(t *testing.T) {
	obs := &snapshotObserver{}
	c, _ := newCell(t, 0, 0, RequestSucceeded, WithRunnerObserver(obs))
	obs.store = c.store
	c.write(func(s state.State) state.State {
		return requestGoal(s, "var:dev_position_estimated == b")
	})

	c.runUntilIdle(20)

	if len(obs.errs) > 0 {
		t.Fatalf("Observer could not read the store: %v", obs.errs)
	}
	want := []string{string(PlanStateExecuting), string(PlanStateCompleted)}
	if len(obs.seen) != len(want) {
		t.Fatalf("Expected observer to see %v, got %v", want, obs.seen)
	}
	for i := range want {
		if obs.seen[i] != want[i] {
			t.Errorf("Notification %d: expected committed state %s, got %s", i, want[i], obs.seen[i])
		}
	}
}

func TestRunnerAlwaysFailingDevice(t *testing.T) {
	obs := &recordingObserver{}
	c, _ := newCell(t, 0, 2, RequestFailed, WithRunnerObserver(obs))
	c.write(func(s state.State) state.State {
		return requestGoal(s, "var:dev_position_estimated == b")
	})

	s := c.runUntilIdle(50)

	if got, _ := s.GetString("cell_plan_state"); got != string(PlanStateFailed) {
		t.Fatalf("Expected failed, got %s", got)
	}
	total, _ := s.GetInt64("dev_total_fail_counter")
	subsequent, _ := s.GetInt64("dev_subsequent_fail_counter")
	if total < 1 {
		t.Errorf("Expected total fail counter >= 1, got %d", total)
	}
	if subsequent != total {
		t.Errorf("Expected subsequent fail counter %d, got %d", total, subsequent)
	}
	if total != 3 {
		t.Errorf("Expected one failure per attempt (3), got %d", total)
	}
	if got, _ := s.GetInt64("cell_replan_counter"); got != 2 {
		t.Errorf("Expected replan counter 2, got %d", got)
	}
	if obs.replans != 2 {
		t.Errorf("Expected 2 replans, got %d", obs.replans)
	}
	if v, _ := s.Get("dev_position_estimated"); !v.IsUnknown() {
		t.Errorf("Expected reset to invalidate the position, got %v", v)
	}
}

func TestRunnerRetriesInPlace(t *testing.T) {
	c, _ := newCell(t, 2, -1, RequestFailed)
	c.write(func(s state.State) state.State {
		return requestGoal(s, "var:dev_position_estimated == b")
	})

	s := c.runUntilIdle(50)

	if got, _ := s.GetString("cell_plan_state"); got != string(PlanStateFailed) {
		t.Fatalf("Expected failed, got %s", got)
	}
	if got, _ := s.GetInt64("dev_total_fail_counter"); got != 3 {
		t.Errorf("Expected 1 failure plus 2 retries, got %d", got)
	}
	if got, _ := s.GetInt64("cell_replan_counter"); got != 0 {
		t.Errorf("Expected no replans, got %d", got)
	}
}

func TestRunnerNoPlan(t *testing.T) {
	c, _ := newCell(t, 0, 0, RequestSucceeded)
	c.write(func(s state.State) state.State {
		return requestGoal(s, "var:dev_position_estimated == z")
	})

	s := c.runUntilIdle(10)

	if got, _ := s.GetString("cell_plan_state"); got != string(PlanStateFailed) {
		t.Errorf("Expected failed, got %s", got)
	}
	if exists, _ := s.GetBool("cell_plan_exists"); exists {
		t.Error("Expected plan_exists false")
	}
	if info, _ := s.GetString("cell_plan_info"); info == "" {
		t.Error("Expected plan_info to explain the failure")
	}
}

func TestRunnerSuccessResetsSubsequentCounter(t *testing.T) {
	model, initial := deviceModel(t, 0)
	r := NewRunner(model, nil, RunnerConfig{}, zerolog.Nop())
	v := VarsFor(testModel)

	s := initial.UpdateMany(map[string]state.Value{
		v.ControllerState():           ControllerExecuting.Value(),
		v.PlanState():                 PlanStateExecuting.Value(),
		v.Plan():                      state.Strings("op_dev_move_to_b"),
		v.PlanExists():                state.Bool(true),
		v.StepState():                 StepExecuting.Value(),
		"dev_request_trigger":         state.Bool(true),
		"dev_request_state":           RequestSucceeded.Value(),
		"dev_subsequent_fail_counter": state.Int64(4),
		"dev_total_fail_counter":      state.Int64(7),
	})

	s = r.Step(s)

	if got, _ := s.GetInt64("dev_subsequent_fail_counter"); got != 0 {
		t.Errorf("Expected subsequent counter reset, got %d", got)
	}
	if got, _ := s.GetInt64("dev_total_fail_counter"); got != 7 {
		t.Errorf("Expected total counter unchanged, got %d", got)
	}
	if got, _ := s.GetString(v.PlanState()); got != string(PlanStateCompleted) {
		t.Errorf("Expected completed, got %s", got)
	}
}

func TestRunnerFailureIncrementsBothCounters(t *testing.T) {
	model, initial := deviceModel(t, 0)
	r := NewRunner(model, nil, RunnerConfig{}, zerolog.Nop())
	v := VarsFor(testModel)

	s := initial.UpdateMany(map[string]state.Value{
		v.ControllerState():           ControllerExecuting.Value(),
		v.PlanState():                 PlanStateExecuting.Value(),
		v.Plan():                      state.Strings("op_dev_move_to_b"),
		v.StepState():                 StepExecuting.Value(),
		"dev_request_trigger":         state.Bool(true),
		"dev_request_state":           RequestFailed.Value(),
		"dev_subsequent_fail_counter": state.Int64(1),
		"dev_total_fail_counter":      state.Int64(5),
	})

	s = r.Step(s)

	if got, _ := s.GetInt64("dev_subsequent_fail_counter"); got != 2 {
		t.Errorf("Expected subsequent counter 2, got %d", got)
	}
	if got, _ := s.GetInt64("dev_total_fail_counter"); got != 6 {
		t.Errorf("Expected total counter 6, got %d", got)
	}
	if got, _ := s.GetString(v.ControllerState()); got != string(ControllerRecovering) {
		t.Errorf("Expected recovering, got %s", got)
	}
	if got, _ := s.GetString(v.PlanState()); got != string(PlanStateExecuting) {
		t.Errorf("Expected plan state to stay executing while recovering, got %s", got)
	}
}

func TestRunnerExternalGoalResetsReplanCounter(t *testing.T) {
	model, initial := deviceModel(t, 0)
	r := NewRunner(model, nil, RunnerConfig{}, zerolog.Nop())
	v := VarsFor(testModel)

	s := initial.UpdateMany(map[string]state.Value{
		v.ReplanCounter(): state.Int64(3),
		v.Replanned():     state.Bool(true),
		v.PlanExists():    state.Bool(true),
		v.Plan():          state.Strings("op_dev_move_to_b"),
	})

	s = r.Step(s)

	if got, _ := s.GetInt64(v.ReplanCounter()); got != 0 {
		t.Errorf("Expected replan counter reset, got %d", got)
	}
	if replanned, _ := s.GetBool(v.Replanned()); replanned {
		t.Error("Expected replanned to be consumed")
	}
	if got, _ := s.GetString(v.ControllerState()); got != string(ControllerExecuting) {
		t.Errorf("Expected executing, got %s", got)
	}
}

func TestRunnerIgnoresPlanUntilReplanned(t *testing.T) {
	model, initial := deviceModel(t, 0)
	r := NewRunner(model, nil, RunnerConfig{}, zerolog.Nop())
	v := VarsFor(testModel)

	s := initial.UpdateMany(map[string]state.Value{
		v.PlanExists(): state.Bool(true),
		v.Plan():       state.Strings("op_dev_move_to_b"),
	})

	next := r.Step(s)
	if !next.Equal(s) {
		t.Errorf("Expected no change before replanned, changed: %v", s.Diff(next))
	}
}

func TestRunnerAutoTransitions(t *testing.T) {
	decl := VarsFor(testModel).Declare(state.FromMap(map[string]state.Value{
		"door_open": state.Bool(true),
		"alarm":     state.Bool(false),
	}))
	auto := MustNewTransition(TransitionSpec{
		Name:           "raise_alarm",
		PlannerGuard:   "var:door_open == true",
		RunnerGuard:    "true",
		PlannerActions: []string{"var:alarm <- true"},
	}, decl)
	model, err := NewModel(testModel, []Transition{auto}, nil)
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}

	s := NewRunner(model, nil, RunnerConfig{}, zerolog.Nop()).Step(decl)
	if alarm, _ := s.GetBool("alarm"); !alarm {
		t.Error("Expected auto transition to fire while idle")
	}
}
