package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"peerflow/internal/domain"
	"peerflow/internal/events"
	"peerflow/internal/repo"
	"peerflow/internal/template"
)

// JoinReviewer adds a reviewer to an activity's team during its enrollment
// stage. Joining starts the commitment window; a member who never locks in
// before it expires is swept out and frees the slot. A previously removed
// member may rejoin while capacity remains.
func (e Engine) JoinReviewer(ctx context.Context, activityID, userID, actorID string) (domain.ReviewerMembership, error) {
	if userID == "" {
		return domain.ReviewerMembership{}, domain.Validationf("user is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewerMembership{}, err
	}
	defer tx.Rollback()

	a, g, state, err := e.loadActiveTx(ctx, tx, activityID)
	if err != nil {
		return domain.ReviewerMembership{}, err
	}
	if a.CreatorID == userID {
		return domain.ReviewerMembership{}, domain.Validationf("the activity creator cannot join as reviewer")
	}
	stage, _ := g.Stage(state.StageKey)
	if stage.Type != domain.StageEnrollment {
		return domain.ReviewerMembership{}, domain.Validationf("activity %s is not enrolling (stage %s)", activityID, state.StageKey)
	}
	active, err := e.Repo.CountActiveMembersTx(ctx, tx, activityID)
	if err != nil {
		return domain.ReviewerMembership{}, err
	}
	if active >= g.Template.ReviewerCount {
		return domain.ReviewerMembership{}, domain.Validationf("reviewer team is full (%d of %d)", active, g.Template.ReviewerCount)
	}

	deadline := e.now().UTC().Add(e.Config.CommitmentWindow()).Format(time.RFC3339)
	m := domain.ReviewerMembership{
		ActivityID:         activityID,
		UserID:             userID,
		Status:             domain.MemberJoined,
		JoinedAt:           e.ts(),
		CommitmentDeadline: &deadline,
	}

	existing, err := e.Repo.GetMembershipTx(ctx, tx, activityID, userID)
	switch {
	case err == nil:
		if existing.Status != domain.MemberRemoved {
			return domain.ReviewerMembership{}, domain.Validationf("user %s is already a member (%s)", userID, existing.Status)
		}
		if err := e.Repo.UpdateMembershipTx(ctx, tx, m); err != nil {
			return domain.ReviewerMembership{}, err
		}
	case errors.Is(err, repo.ErrNotFound):
		if err := e.Repo.InsertMembershipTx(ctx, tx, m); err != nil {
			return domain.ReviewerMembership{}, err
		}
	default:
		return domain.ReviewerMembership{}, err
	}

	if err := e.Events.Append(ctx, tx, "reviewer.joined", activityID, "membership", userID, actorID, events.EventPayload{
		"commitment_deadline": deadline,
	}); err != nil {
		return domain.ReviewerMembership{}, err
	}
	if _, err := e.advanceTx(ctx, tx, g, a, state, actorID); err != nil {
		return domain.ReviewerMembership{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewerMembership{}, err
	}
	return m, nil
}

// LockInReviewer commits a joined reviewer. Locking in clears the
// commitment deadline, so the sweep never removes a committed member.
func (e Engine) LockInReviewer(ctx context.Context, activityID, userID, actorID string) (domain.ReviewerMembership, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewerMembership{}, err
	}
	defer tx.Rollback()

	a, g, state, err := e.loadActiveTx(ctx, tx, activityID)
	if err != nil {
		return domain.ReviewerMembership{}, err
	}
	m, err := e.Repo.GetMembershipTx(ctx, tx, activityID, userID)
	if err != nil {
		return domain.ReviewerMembership{}, err
	}
	if m.Status != domain.MemberJoined {
		return domain.ReviewerMembership{}, domain.Validationf("member %s is %s, only joined members can lock in", userID, m.Status)
	}
	lockedAt := e.ts()
	m.Status = domain.MemberLockedIn
	m.LockedInAt = &lockedAt
	m.CommitmentDeadline = nil
	if err := e.Repo.UpdateMembershipTx(ctx, tx, m); err != nil {
		return domain.ReviewerMembership{}, err
	}
	if err := e.Events.Append(ctx, tx, "reviewer.locked_in", activityID, "membership", userID, actorID, nil); err != nil {
		return domain.ReviewerMembership{}, err
	}
	if _, err := e.advanceTx(ctx, tx, g, a, state, actorID); err != nil {
		return domain.ReviewerMembership{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewerMembership{}, err
	}
	return m, nil
}

// RemoveReviewer drops a member from the team. Removal clears the finalized
// flag and frees the slot for someone else.
func (e Engine) RemoveReviewer(ctx context.Context, activityID, userID, reason, actorID string) (domain.ReviewerMembership, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewerMembership{}, err
	}
	defer tx.Rollback()

	m, err := e.removeReviewerTx(ctx, tx, activityID, userID, reason, actorID)
	if err != nil {
		return domain.ReviewerMembership{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewerMembership{}, err
	}
	return m, nil
}

func (e Engine) removeReviewerTx(ctx context.Context, tx *sql.Tx, activityID, userID, reason, actorID string) (domain.ReviewerMembership, error) {
	m, err := e.Repo.GetMembershipTx(ctx, tx, activityID, userID)
	if err != nil {
		return domain.ReviewerMembership{}, err
	}
	if m.Status == domain.MemberRemoved {
		return domain.ReviewerMembership{}, domain.Validationf("member %s is already removed", userID)
	}
	if reason == "" {
		reason = "removed"
	}
	m.Status = domain.MemberRemoved
	m.RemovedReason = &reason
	m.CommitmentDeadline = nil
	m.Finalized = false
	if err := e.Repo.UpdateMembershipTx(ctx, tx, m); err != nil {
		return domain.ReviewerMembership{}, err
	}
	if err := e.Events.Append(ctx, tx, "reviewer.removed", activityID, "membership", userID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return domain.ReviewerMembership{}, err
	}
	return m, nil
}

// SweepCommitments removes joined members whose commitment window has
// expired. Returns the affected activity ids.
func (e Engine) SweepCommitments(ctx context.Context, actorID string) ([]string, error) {
	expired, err := e.Repo.ListExpiredCommitments(ctx, e.ts())
	if err != nil {
		return nil, err
	}
	var touched []string
	for _, m := range expired {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return touched, err
		}
		if _, err := e.removeReviewerTx(ctx, tx, m.ActivityID, m.UserID, "commitment_expired", actorID); err != nil {
			tx.Rollback()
			if domain.IsConflict(err) {
				continue
			}
			return touched, err
		}
		if err := tx.Commit(); err != nil {
			return touched, err
		}
		touched = append(touched, m.ActivityID)
	}
	return touched, nil
}

// ActionOptions carries a participant action to record.
type ActionOptions struct {
	ActivityID  string
	UserID      string
	Kind        string
	PayloadJSON string
	ActorID     string
}

// RecordAction persists a review, author response, assessment edit or
// finalization signal against the activity's current stage, then re-runs
// automatic transition evaluation in the same transaction.
func (e Engine) RecordAction(ctx context.Context, opts ActionOptions) (domain.ParticipantAction, error) {
	if opts.UserID == "" {
		return domain.ParticipantAction{}, domain.Validationf("user is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ParticipantAction{}, err
	}
	defer tx.Rollback()

	a, g, state, err := e.loadActiveTx(ctx, tx, opts.ActivityID)
	if err != nil {
		return domain.ParticipantAction{}, err
	}

	switch opts.Kind {
	case domain.ActionReview, domain.ActionAssessment, domain.ActionFinalize:
		m, err := e.Repo.GetMembershipTx(ctx, tx, opts.ActivityID, opts.UserID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.ParticipantAction{}, domain.Validationf("user %s is not a reviewer on activity %s", opts.UserID, opts.ActivityID)
			}
			return domain.ParticipantAction{}, err
		}
		if m.Status != domain.MemberLockedIn {
			return domain.ParticipantAction{}, domain.Validationf("reviewer %s is %s, must be locked in", opts.UserID, m.Status)
		}
	case domain.ActionResponse:
		if opts.UserID != a.CreatorID {
			return domain.ParticipantAction{}, domain.Validationf("only the activity creator can record a response")
		}
	default:
		return domain.ParticipantAction{}, domain.Validationf("unknown action kind %q", opts.Kind)
	}

	act := domain.ParticipantAction{
		ID:          uuid.NewString(),
		ActivityID:  opts.ActivityID,
		UserID:      opts.UserID,
		Kind:        opts.Kind,
		StageKey:    state.StageKey,
		PayloadJSON: opts.PayloadJSON,
		TS:          e.ts(),
	}
	if err := e.Repo.InsertActionTx(ctx, tx, act); err != nil {
		return domain.ParticipantAction{}, err
	}

	switch opts.Kind {
	case domain.ActionFinalize:
		if err := e.Repo.SetFinalizedTx(ctx, tx, opts.ActivityID, opts.UserID); err != nil {
			return domain.ParticipantAction{}, err
		}
	case domain.ActionAssessment:
		// editing an assessment invalidates every standing finalization
		if err := e.Repo.ClearFinalizedTx(ctx, tx, opts.ActivityID); err != nil {
			return domain.ParticipantAction{}, err
		}
	}

	if err := e.Events.Append(ctx, tx, "action."+opts.Kind, opts.ActivityID, "action", act.ID, opts.ActorID, events.EventPayload{
		"user_id": opts.UserID,
		"stage":   state.StageKey,
	}); err != nil {
		return domain.ParticipantAction{}, err
	}
	if _, err := e.advanceTx(ctx, tx, g, a, state, opts.ActorID); err != nil {
		return domain.ParticipantAction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ParticipantAction{}, err
	}
	return act, nil
}

// GrantAward records peer assessment points from one locked-in reviewer to
// another. Points feed the ranking; they are not tokens.
func (e Engine) GrantAward(ctx context.Context, activityID, fromUserID, toUserID, kind string, points int, actorID string) (domain.AwardRecord, error) {
	if points <= 0 {
		return domain.AwardRecord{}, domain.Validationf("points must be positive")
	}
	if fromUserID == toUserID {
		return domain.AwardRecord{}, domain.Validationf("cannot grant points to yourself")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AwardRecord{}, err
	}
	defer tx.Rollback()

	a, g, state, err := e.loadActiveTx(ctx, tx, activityID)
	if err != nil {
		return domain.AwardRecord{}, err
	}
	for _, userID := range []string{fromUserID, toUserID} {
		m, err := e.Repo.GetMembershipTx(ctx, tx, activityID, userID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.AwardRecord{}, domain.Validationf("user %s is not a reviewer on activity %s", userID, activityID)
			}
			return domain.AwardRecord{}, err
		}
		if m.Status != domain.MemberLockedIn {
			return domain.AwardRecord{}, domain.Validationf("reviewer %s is %s, must be locked in", userID, m.Status)
		}
	}
	if kind == "" {
		kind = "assessment"
	}
	award := domain.AwardRecord{
		ID:         uuid.NewString(),
		ActivityID: activityID,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Kind:       kind,
		Points:     points,
		TS:         e.ts(),
	}
	if err := e.Repo.InsertAwardTx(ctx, tx, award); err != nil {
		return domain.AwardRecord{}, err
	}
	if err := e.Events.Append(ctx, tx, "award.granted", activityID, "award", award.ID, actorID, events.EventPayload{
		"from":   fromUserID,
		"to":     toUserID,
		"points": points,
	}); err != nil {
		return domain.AwardRecord{}, err
	}
	if _, err := e.advanceTx(ctx, tx, g, a, state, actorID); err != nil {
		return domain.AwardRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AwardRecord{}, err
	}
	return award, nil
}

// loadActiveTx loads an active activity with its graph and stage state.
func (e Engine) loadActiveTx(ctx context.Context, tx *sql.Tx, activityID string) (domain.Activity, *template.Graph, domain.StageState, error) {
	a, err := e.Repo.GetActivityTx(ctx, tx, activityID)
	if err != nil {
		return domain.Activity{}, nil, domain.StageState{}, err
	}
	if a.Status != domain.ActivityActive {
		return domain.Activity{}, nil, domain.StageState{}, domain.Validationf("activity %s is %s", a.ID, a.Status)
	}
	g, err := e.graphFor(ctx, a.TemplateID)
	if err != nil {
		return domain.Activity{}, nil, domain.StageState{}, err
	}
	state, err := e.Repo.GetStageStateTx(ctx, tx, activityID)
	if err != nil {
		return domain.Activity{}, nil, domain.StageState{}, err
	}
	return a, g, state, nil
}
