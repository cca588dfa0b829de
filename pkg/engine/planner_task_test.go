package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/riskcell/pkg/guard"
	"github.com/openfroyo/riskcell/pkg/state"
)

type mockPolicy struct {
	result *PolicyResult
	err    error
	calls  []*PlanAdmission
}

func (m *mockPolicy) AdmitPlan(_ context.Context, req *PlanAdmission) (*PolicyResult, error) {
	m.calls = append(m.calls, req)
	return m.result, m.err
}

func newPlannerTask(t *testing.T, opts ...PlannerTaskOption) (*PlannerTask, *state.Store) {
	t.Helper()
	model, initial := deviceModel(t, 0)
	initial = initial.Update("dev_position_estimated", state.String("a"))
	store := state.NewStore(initial, zerolog.Nop())
	t.Cleanup(store.Close)
	return NewPlannerTask(model, NewPlanner(PlannerConfig{MaxDepth: 3}), store, zerolog.Nop(), opts...), store
}

func TestPlannerTaskIdleWithoutTrigger(t *testing.T) {
	task, store := newPlannerTask(t)
	if err := task.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	versions, err := store.Versions(context.Background())
	if err != nil {
		t.Fatalf("Versions failed: %v", err)
	}
	if versions[PlannerWriter] != 0 {
		t.Errorf("Expected no planner writes, got %d", versions[PlannerWriter])
	}
}

func TestPlannerTaskPublishesPlan(t *testing.T) {
	policy := &mockPolicy{result: &PolicyResult{Allowed: true}}
	task, store := newPlannerTask(t, WithPlanPolicy(policy))
	ctx := context.Background()

	if _, err := store.Apply(ctx, "harness", func(s state.State) state.State {
		return requestGoal(s, "var:dev_position_estimated == b")
	}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := task.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	s, _ := store.Snapshot(ctx)
	v := VarsFor(testModel)
	plan, _ := s.GetStrings(v.Plan())
	if len(plan) != 1 || plan[0] != "op_dev_move_to_b" {
		t.Errorf("Expected [op_dev_move_to_b], got %v", plan)
	}
	if exists, _ := s.GetBool(v.PlanExists()); !exists {
		t.Error("Expected plan_exists true")
	}
	if trigger, _ := s.GetBool(v.ReplanTrigger()); trigger {
		t.Error("Expected replan trigger cleared")
	}
	if replanned, _ := s.GetBool(v.Replanned()); !replanned {
		t.Error("Expected replanned set")
	}

	if len(policy.calls) != 1 {
		t.Fatalf("Expected 1 admission call, got %d", len(policy.calls))
	}
	req := policy.calls[0]
	if req.Devices["op_dev_move_to_b"] != "dev" {
		t.Errorf("Expected device mapping, got %v", req.Devices)
	}
	if req.State["dev_position_estimated"] != "string_a" {
		t.Errorf("Expected exported state, got %q", req.State["dev_position_estimated"])
	}
}

func TestPlannerTaskPolicyDenial(t *testing.T) {
	obs := &recordingObserver{}
	policy := &mockPolicy{result: &PolicyResult{
		Allowed:    false,
		Violations: []PolicyViolation{{Policy: "forbidden", Message: "moves are forbidden"}},
	}}
	task, store := newPlannerTask(t, WithPlanPolicy(policy), WithPlannerObserver(obs))
	ctx := context.Background()

	_, _ = store.Apply(ctx, "harness", func(s state.State) state.State {
		return requestGoal(s, "var:dev_position_estimated == b")
	})
	if err := task.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	s, _ := store.Snapshot(ctx)
	v := VarsFor(testModel)
	if exists, _ := s.GetBool(v.PlanExists()); exists {
		t.Error("Expected denied plan not to exist")
	}
	info, _ := s.GetString(v.PlanInfo())
	if !strings.Contains(info, "moves are forbidden") {
		t.Errorf("Expected violation in plan info, got %q", info)
	}
	if obs.denied != 1 {
		t.Errorf("Expected 1 denial notification, got %d", obs.denied)
	}
}

func TestPlannerTaskPolicyError(t *testing.T) {
	policy := &mockPolicy{err: errors.New("rego failure")}
	task, store := newPlannerTask(t, WithPlanPolicy(policy))
	ctx := context.Background()

	_, _ = store.Apply(ctx, "harness", func(s state.State) state.State {
		return requestGoal(s, "var:dev_position_estimated == b")
	})
	if err := task.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	s, _ := store.Snapshot(ctx)
	if exists, _ := s.GetBool("cell_plan_exists"); exists {
		t.Error("Expected plan not to exist when admission fails")
	}
}

func TestPlannerTaskInvalidGoal(t *testing.T) {
	task, store := newPlannerTask(t)
	ctx := context.Background()

	_, _ = store.Apply(ctx, "harness", func(s state.State) state.State {
		return requestGoal(s, "not a guard")
	})
	if err := task.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	s, _ := store.Snapshot(ctx)
	info, _ := s.GetString("cell_plan_info")
	if !strings.HasPrefix(info, "invalid goal") {
		t.Errorf("Expected invalid goal info, got %q", info)
	}
	if replanned, _ := s.GetBool("cell_replanned"); !replanned {
		t.Error("Expected replanned so the runner can fail the plan")
	}
}

// goalSwitchingPlanner changes the goal in the store while searching.
type goalSwitchingPlanner struct {
	inner Planner
	store *state.Store
}

func (p *goalSwitchingPlanner) Plan(ctx context.Context, s state.State, goal guard.Expr, model *Model) (*Plan, error) {
	_, _ = p.store.Apply(ctx, "harness", func(s state.State) state.State {
		return requestGoal(s, "var:dev_position_estimated == a")
	})
	return p.inner.Plan(ctx, s, goal, model)
}

func TestPlannerTaskDiscardsStalePlan(t *testing.T) {
	model, initial := deviceModel(t, 0)
	store := state.NewStore(initial, zerolog.Nop())
	t.Cleanup(store.Close)
	ctx := context.Background()

	planner := &goalSwitchingPlanner{inner: NewPlanner(PlannerConfig{MaxDepth: 3}), store: store}
	task := NewPlannerTask(model, planner, store, zerolog.Nop())

	_, _ = store.Apply(ctx, "harness", func(s state.State) state.State {
		return requestGoal(s, "var:dev_position_estimated == b")
	})
	if err := task.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	s, _ := store.Snapshot(ctx)
	if replanned, _ := s.GetBool("cell_replanned"); replanned {
		t.Error("Expected stale plan to be discarded")
	}
	if trigger, _ := s.GetBool("cell_replan_trigger"); !trigger {
		t.Error("Expected trigger to remain set for the new goal")
	}
}
