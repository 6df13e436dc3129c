package engine

import (
	"context"

	"peerflow/internal/domain"
)

// predicateFunc evaluates one condition leaf against the current activity.
type predicateFunc func(ctx context.Context, e Engine, env *evalEnv, spec domain.PredicateSpec) (bool, error)

// predicates binds every shipped predicate kind at compile time. Template
// validation rejects kinds missing from this table, so evaluation never
// discovers an unknown predicate at runtime.
var predicates = map[domain.PredicateKind]predicateFunc{
	domain.PredManual:            evalManual,
	domain.PredDeadlineReached:   evalDeadlineReached,
	domain.PredReviewsSubmitted:  evalReviewsSubmitted,
	domain.PredReviewersJoined:   evalReviewersJoined,
	domain.PredReviewersLockedIn: evalReviewersLockedIn,
	domain.PredAuthorResponded:   evalAuthorResponded,
	domain.PredAllFinalized:      evalAllFinalized,
	domain.PredPayoutComplete:    evalPayoutComplete,
}

// evalManual is satisfied only while a caller explicitly triggers the edge.
// During automatic evaluation it is always false, which keeps manual edges
// out of sweeps.
func evalManual(ctx context.Context, e Engine, env *evalEnv, spec domain.PredicateSpec) (bool, error) {
	return env.manual, nil
}

func evalDeadlineReached(ctx context.Context, e Engine, env *evalEnv, spec domain.PredicateSpec) (bool, error) {
	return env.deadlineReached(e.now().UTC())
}

// evalReviewsSubmitted counts distinct reviewers with a review recorded in
// the current stage.
func evalReviewsSubmitted(ctx context.Context, e Engine, env *evalEnv, spec domain.PredicateSpec) (bool, error) {
	n, err := e.Repo.CountDistinctActorsTx(ctx, env.tx, env.activity.ID, env.state.StageKey, domain.ActionReview)
	if err != nil {
		return false, err
	}
	return n >= env.requiredCount(spec), nil
}

// evalReviewersJoined counts members who have joined or locked in; removed
// members do not count toward the target.
func evalReviewersJoined(ctx context.Context, e Engine, env *evalEnv, spec domain.PredicateSpec) (bool, error) {
	n, err := e.Repo.CountActiveMembersTx(ctx, env.tx, env.activity.ID)
	if err != nil {
		return false, err
	}
	return n >= env.requiredCount(spec), nil
}

func evalReviewersLockedIn(ctx context.Context, e Engine, env *evalEnv, spec domain.PredicateSpec) (bool, error) {
	n, err := e.Repo.CountMembersByStatusTx(ctx, env.tx, env.activity.ID, domain.MemberLockedIn)
	if err != nil {
		return false, err
	}
	return n >= env.requiredCount(spec), nil
}

// evalAuthorResponded checks for a response recorded by the activity creator
// in the current stage.
func evalAuthorResponded(ctx context.Context, e Engine, env *evalEnv, spec domain.PredicateSpec) (bool, error) {
	return e.Repo.ActionExistsTx(ctx, env.tx, env.activity.ID, env.state.StageKey, domain.ActionResponse, env.activity.CreatorID)
}

// evalAllFinalized holds when every locked-in reviewer has finalized and at
// least one reviewer is locked in.
func evalAllFinalized(ctx context.Context, e Engine, env *evalEnv, spec domain.PredicateSpec) (bool, error) {
	members, err := e.Repo.ListMembershipsTx(ctx, env.tx, env.activity.ID)
	if err != nil {
		return false, err
	}
	lockedIn := 0
	for _, m := range members {
		if m.Status != domain.MemberLockedIn {
			continue
		}
		lockedIn++
		if !m.Finalized {
			return false, nil
		}
	}
	return lockedIn > 0, nil
}

func evalPayoutComplete(ctx context.Context, e Engine, env *evalEnv, spec domain.PredicateSpec) (bool, error) {
	return env.activity.PayoutDone, nil
}
