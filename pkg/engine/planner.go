package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/openfroyo/riskcell/pkg/guard"
	"github.com/openfroyo/riskcell/pkg/state"
)

// DefaultMaxDepth bounds plan length when PlannerConfig.MaxDepth is unset.
const DefaultMaxDepth = 20

// PlannerConfig configures a BFSPlanner.
type PlannerConfig struct {
	// MaxDepth is the longest plan the search will return.
	MaxDepth int `json:"max_depth" validate:"gte=0"`

	// PruneVisited skips states already reached at a shallower or equal depth.
	PruneVisited bool `json:"prune_visited"`
}

// BFSPlanner implements the Planner interface with breadth-first search over
// the planning abstraction of a model.
type BFSPlanner struct {
	config PlannerConfig
}

// NewPlanner creates a breadth-first planner.
func NewPlanner(cfg PlannerConfig) *BFSPlanner {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	return &BFSPlanner{config: cfg}
}

type searchNode struct {
	state state.State
	path  []string
}

// Plan searches from s for the shortest operation sequence after which goal
// holds. Operations are expanded in registration order, so among plans of
// equal length the result is the first in that order.
func (p *BFSPlanner) Plan(ctx context.Context, s state.State, goal guard.Expr, model *Model) (*Plan, error) {
	if model == nil {
		return nil, NewPermanentError("model is nil", nil).WithCode(ErrCodeValidation)
	}
	if goal == nil {
		return nil, NewPermanentError("goal is nil", nil).WithCode(ErrCodeValidation)
	}

	ctx, span := otel.Tracer("riskcell/engine").Start(ctx, "planner.search")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", model.Name),
		attribute.String("goal", goal.String()),
		attribute.Int("max_depth", p.config.MaxDepth),
	)

	start := time.Now()
	result := &Plan{Operations: []string{}}

	var visited map[uint64]struct{}
	if p.config.PruneVisited {
		visited = map[uint64]struct{}{s.Hash(): {}}
	}

	queue := []searchNode{{state: s}}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "search cancelled")
			return nil, NewTransientError("plan search cancelled", err).WithCode(ErrCodeTimeout)
		}

		node := queue[0]
		queue = queue[1:]
		result.Expanded++

		if goal.Eval(node.state) {
			result.Found = true
			result.Operations = append(result.Operations, node.path...)
			break
		}

		if len(node.path) >= p.config.MaxDepth {
			continue
		}

		for _, op := range model.Operations {
			if !op.EvalPlanning(node.state) {
				continue
			}
			next := op.TakePlanning(node.state)
			if visited != nil {
				h := next.Hash()
				if _, seen := visited[h]; seen {
					continue
				}
				visited[h] = struct{}{}
			}

			path := make([]string, len(node.path)+1)
			copy(path, node.path)
			path[len(node.path)] = op.Name
			queue = append(queue, searchNode{state: next, path: path})
		}
	}

	result.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Bool("found", result.Found),
		attribute.Int("length", len(result.Operations)),
		attribute.Int("expanded", result.Expanded),
	)
	return result, nil
}
