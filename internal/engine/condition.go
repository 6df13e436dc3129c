package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"peerflow/internal/domain"
	"peerflow/internal/template"
)

// evalEnv carries the inputs a predicate may inspect. Everything reads
// through the enclosing transaction so evaluation sees the mutation that
// triggered it.
type evalEnv struct {
	tx       *sql.Tx
	graph    *template.Graph
	activity *domain.Activity
	state    domain.StageState
	manual   bool
}

// evalExpr walks a condition tree. All and Any short-circuit; a leaf
// dispatches on its predicate kind. Unknown kinds are rejected at template
// registration, so hitting one here is a structural defect.
func (e Engine) evalExpr(ctx context.Context, env *evalEnv, expr domain.Expr) (bool, error) {
	switch {
	case len(expr.All) > 0:
		for _, child := range expr.All {
			ok, err := e.evalExpr(ctx, env, child)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(expr.Any) > 0:
		for _, child := range expr.Any {
			ok, err := e.evalExpr(ctx, env, child)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case expr.Not != nil:
		ok, err := e.evalExpr(ctx, env, *expr.Not)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case expr.When != nil:
		fn, ok := predicates[expr.When.Kind]
		if !ok {
			return false, &domain.StructuralError{
				Subject:  "template " + env.graph.Template.ID,
				Problems: []string{"unknown predicate kind " + string(expr.When.Kind)},
			}
		}
		return fn(ctx, e, env, *expr.When)
	default:
		return false, &domain.StructuralError{
			Subject:  "template " + env.graph.Template.ID,
			Problems: []string{"empty condition node"},
		}
	}
}

// requiredCount resolves a predicate's count, defaulting to the template's
// reviewer count when unset.
func (env *evalEnv) requiredCount(spec domain.PredicateSpec) int {
	if spec.Count > 0 {
		return spec.Count
	}
	return env.graph.Template.ReviewerCount
}

func (env *evalEnv) deadlineReached(now time.Time) (bool, error) {
	if env.state.Deadline == nil {
		return false, nil
	}
	d, err := time.Parse(time.RFC3339, *env.state.Deadline)
	if err != nil {
		return false, fmt.Errorf("stage %s deadline: %w", env.state.StageKey, err)
	}
	return !now.Before(d), nil
}
