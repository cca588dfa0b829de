package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/openfroyo/riskcell/pkg/guard"
)

func TestPlannerShortestPlan(t *testing.T) {
	model, s := graphModel(t, "a", [][2]string{
		{"a", "e"}, {"e", "f"}, {"f", "d"},
		{"a", "b"}, {"b", "d"},
		{"a", "c"}, {"c", "d"},
	})
	goal := guard.MustParseGuard("var:node == d", s)

	plan, err := NewPlanner(PlannerConfig{MaxDepth: 10}).Plan(context.Background(), s, goal, model)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if !plan.Found {
		t.Fatal("Expected plan to be found")
	}

	want := []string{"a_to_b", "b_to_d"}
	if !reflect.DeepEqual(plan.Operations, want) {
		t.Errorf("Expected %v, got %v", want, plan.Operations)
	}
	if plan.Expanded == 0 {
		t.Error("Expected expanded node count to be recorded")
	}
}

func TestPlannerTieBreakFollowsRegistrationOrder(t *testing.T) {
	model, s := graphModel(t, "a", [][2]string{
		{"a", "c"}, {"c", "d"},
		{"a", "b"}, {"b", "d"},
	})
	goal := guard.MustParseGuard("var:node == d", s)

	plan, err := NewPlanner(PlannerConfig{}).Plan(context.Background(), s, goal, model)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	want := []string{"a_to_c", "c_to_d"}
	if !reflect.DeepEqual(plan.Operations, want) {
		t.Errorf("Expected %v, got %v", want, plan.Operations)
	}
}

func TestPlannerIsDeterministic(t *testing.T) {
	model, s := graphModel(t, "a", [][2]string{
		{"a", "b"}, {"b", "a"}, {"b", "c"}, {"a", "c"}, {"c", "d"}, {"b", "d"},
	})
	goal := guard.MustParseGuard("var:node == d", s)
	planner := NewPlanner(PlannerConfig{MaxDepth: 6})

	first, err := planner.Plan(context.Background(), s, goal, model)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := planner.Plan(context.Background(), s, goal, model)
		if err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		if again.Found != first.Found || !reflect.DeepEqual(again.Operations, first.Operations) {
			t.Fatalf("Run %d: expected %v, got %v", i, first.Operations, again.Operations)
		}
	}
}

func TestPlannerDepthBound(t *testing.T) {
	model, s := graphModel(t, "a", [][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}})
	goal := guard.MustParseGuard("var:node == d", s)

	tests := []struct {
		depth int
		found bool
	}{
		{depth: 2, found: false},
		{depth: 3, found: true},
		{depth: 5, found: true},
	}
	for _, tt := range tests {
		plan, err := NewPlanner(PlannerConfig{MaxDepth: tt.depth}).Plan(context.Background(), s, goal, model)
		if err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		if plan.Found != tt.found {
			t.Errorf("depth %d: expected found=%v, got %v", tt.depth, tt.found, plan.Found)
		}
		if !plan.Found && len(plan.Operations) != 0 {
			t.Errorf("depth %d: expected empty plan, got %v", tt.depth, plan.Operations)
		}
	}
}

func TestPlannerGoalAlreadySatisfied(t *testing.T) {
	model, s := graphModel(t, "d", [][2]string{{"a", "d"}})
	goal := guard.MustParseGuard("var:node == d", s)

	plan, err := NewPlanner(PlannerConfig{}).Plan(context.Background(), s, goal, model)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if !plan.Found || plan.Len() != 0 {
		t.Errorf("Expected empty found plan, got found=%v %v", plan.Found, plan.Operations)
	}
}

func TestPlannerPruningKeepsResultOnAcyclicGraph(t *testing.T) {
	model, s := graphModel(t, "a", [][2]string{
		{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}, {"d", "e"}, {"b", "e"},
	})
	goal := guard.MustParseGuard("var:node == e", s)

	plain, err := NewPlanner(PlannerConfig{MaxDepth: 8}).Plan(context.Background(), s, goal, model)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	pruned, err := NewPlanner(PlannerConfig{MaxDepth: 8, PruneVisited: true}).Plan(context.Background(), s, goal, model)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if !reflect.DeepEqual(plain.Operations, pruned.Operations) {
		t.Errorf("Expected %v with pruning, got %v", plain.Operations, pruned.Operations)
	}
}

func TestPlannerPruningTerminatesOnCycles(t *testing.T) {
	model, s := graphModel(t, "a", [][2]string{{"a", "b"}, {"b", "a"}})
	goal := guard.MustParseGuard("var:node == z", s)

	plan, err := NewPlanner(PlannerConfig{MaxDepth: 1000, PruneVisited: true}).Plan(context.Background(), s, goal, model)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Found {
		t.Error("Expected no plan")
	}
	if plan.Expanded != 2 {
		t.Errorf("Expected 2 expanded nodes, got %d", plan.Expanded)
	}
}

func TestPlannerErrors(t *testing.T) {
	model, s := graphModel(t, "a", [][2]string{{"a", "b"}})
	goal := guard.MustParseGuard("var:node == b", s)
	planner := NewPlanner(PlannerConfig{})

	if _, err := planner.Plan(context.Background(), s, goal, nil); !IsPermanent(err) {
		t.Errorf("Expected permanent error for nil model, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := planner.Plan(ctx, s, goal, model)
	if !IsTransient(err) {
		t.Errorf("Expected transient error for cancelled context, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled in chain, got %v", err)
	}
}
