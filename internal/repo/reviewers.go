package repo

import (
	"context"
	"database/sql"

	"peerflow/internal/domain"
)

const membershipCols = `activity_id,user_id,status,joined_at,commitment_deadline,locked_in_at,removed_reason,finalized,final_rank`

func scanMembership(scan func(dest ...any) error) (domain.ReviewerMembership, error) {
	var m domain.ReviewerMembership
	var status string
	var deadline, lockedIn, reason sql.NullString
	var finalized int
	var rank sql.NullInt64
	err := scan(&m.ActivityID, &m.UserID, &status, &m.JoinedAt, &deadline, &lockedIn, &reason, &finalized, &rank)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Status = domain.MemberStatus(status)
	if deadline.Valid {
		m.CommitmentDeadline = &deadline.String
	}
	if lockedIn.Valid {
		m.LockedInAt = &lockedIn.String
	}
	if reason.Valid {
		m.RemovedReason = &reason.String
	}
	m.Finalized = finalized != 0
	if rank.Valid {
		v := int(rank.Int64)
		m.FinalRank = &v
	}
	return m, nil
}

func (r Repo) InsertMembershipTx(ctx context.Context, tx *sql.Tx, m domain.ReviewerMembership) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reviewer_memberships(`+membershipCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ActivityID, m.UserID, string(m.Status), m.JoinedAt, nullableStringPtr(m.CommitmentDeadline),
		nullableStringPtr(m.LockedInAt), nullableStringPtr(m.RemovedReason), boolInt(m.Finalized), nullableIntPtr(m.FinalRank))
	return err
}

func (r Repo) UpdateMembershipTx(ctx context.Context, tx *sql.Tx, m domain.ReviewerMembership) error {
	res, err := tx.ExecContext(ctx, `UPDATE reviewer_memberships SET status=?, commitment_deadline=?, locked_in_at=?, removed_reason=?, finalized=?, final_rank=? WHERE activity_id=? AND user_id=?`,
		string(m.Status), nullableStringPtr(m.CommitmentDeadline), nullableStringPtr(m.LockedInAt),
		nullableStringPtr(m.RemovedReason), boolInt(m.Finalized), nullableIntPtr(m.FinalRank), m.ActivityID, m.UserID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetMembership(ctx context.Context, activityID, userID string) (domain.ReviewerMembership, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+membershipCols+` FROM reviewer_memberships WHERE activity_id=? AND user_id=?`, activityID, userID)
	return scanMembership(row.Scan)
}

func (r Repo) GetMembershipTx(ctx context.Context, tx *sql.Tx, activityID, userID string) (domain.ReviewerMembership, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+membershipCols+` FROM reviewer_memberships WHERE activity_id=? AND user_id=?`, activityID, userID)
	return scanMembership(row.Scan)
}

func (r Repo) ListMemberships(ctx context.Context, activityID string) ([]domain.ReviewerMembership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+membershipCols+` FROM reviewer_memberships WHERE activity_id=? ORDER BY joined_at ASC, user_id ASC`, activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMemberships(rows)
}

func (r Repo) ListMembershipsTx(ctx context.Context, tx *sql.Tx, activityID string) ([]domain.ReviewerMembership, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+membershipCols+` FROM reviewer_memberships WHERE activity_id=? ORDER BY joined_at ASC, user_id ASC`, activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMemberships(rows)
}

func collectMemberships(rows *sql.Rows) ([]domain.ReviewerMembership, error) {
	var res []domain.ReviewerMembership
	for rows.Next() {
		m, err := scanMembership(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// CountActiveMembersTx counts seats in use: joined plus locked_in. Removed
// memberships stay as history but free their seat.
func (r Repo) CountActiveMembersTx(ctx context.Context, tx *sql.Tx, activityID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM reviewer_memberships WHERE activity_id=? AND status IN (?,?)`,
		activityID, string(domain.MemberJoined), string(domain.MemberLockedIn)).Scan(&n)
	return n, err
}

func (r Repo) CountMembersByStatusTx(ctx context.Context, tx *sql.Tx, activityID string, status domain.MemberStatus) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM reviewer_memberships WHERE activity_id=? AND status=?`, activityID, string(status)).Scan(&n)
	return n, err
}

// ListExpiredCommitments returns joined memberships whose commitment deadline
// is at or before now. Read path for the external sweep.
func (r Repo) ListExpiredCommitments(ctx context.Context, now string) ([]domain.ReviewerMembership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+membershipCols+` FROM reviewer_memberships WHERE status=? AND commitment_deadline IS NOT NULL AND commitment_deadline<=?`,
		string(domain.MemberJoined), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMemberships(rows)
}

// ClearFinalizedTx invalidates all finalization flags for an activity, used
// when stage content changes after participants already signaled approval.
func (r Repo) ClearFinalizedTx(ctx context.Context, tx *sql.Tx, activityID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE reviewer_memberships SET finalized=0 WHERE activity_id=?`, activityID)
	return err
}

func (r Repo) SetFinalizedTx(ctx context.Context, tx *sql.Tx, activityID, userID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE reviewer_memberships SET finalized=1 WHERE activity_id=? AND user_id=? AND status=?`,
		activityID, userID, string(domain.MemberLockedIn))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetFinalRankTx(ctx context.Context, tx *sql.Tx, activityID, userID string, rank int) error {
	_, err := tx.ExecContext(ctx, `UPDATE reviewer_memberships SET final_rank=? WHERE activity_id=? AND user_id=?`, rank, activityID, userID)
	return err
}

// --- awards ---

func (r Repo) InsertAwardTx(ctx context.Context, tx *sql.Tx, a domain.AwardRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO awards(id,activity_id,from_user_id,to_user_id,kind,points,ts) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.ActivityID, a.FromUserID, a.ToUserID, a.Kind, a.Points, a.TS)
	return err
}

func (r Repo) ListAwards(ctx context.Context, activityID string) ([]domain.AwardRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,activity_id,from_user_id,to_user_id,kind,points,ts FROM awards WHERE activity_id=? ORDER BY ts ASC, id ASC`, activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AwardRecord
	for rows.Next() {
		var a domain.AwardRecord
		if err := rows.Scan(&a.ID, &a.ActivityID, &a.FromUserID, &a.ToUserID, &a.Kind, &a.Points, &a.TS); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// SumPointsByReviewerTx aggregates received award points per user.
func (r Repo) SumPointsByReviewerTx(ctx context.Context, tx *sql.Tx, activityID string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT to_user_id, COALESCE(SUM(points),0) FROM awards WHERE activity_id=? GROUP BY to_user_id`, activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var user string
		var points int
		if err := rows.Scan(&user, &points); err != nil {
			return nil, err
		}
		res[user] = points
	}
	return res, rows.Err()
}

// --- participant actions ---

func (r Repo) InsertActionTx(ctx context.Context, tx *sql.Tx, a domain.ParticipantAction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO participant_actions(id,activity_id,user_id,kind,stage_key,payload_json,ts) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.ActivityID, a.UserID, a.Kind, a.StageKey, nullable(a.PayloadJSON), a.TS)
	return err
}

func (r Repo) ListActions(ctx context.Context, activityID, stageKey, kind string) ([]domain.ParticipantAction, error) {
	query := `SELECT id,activity_id,user_id,kind,stage_key,payload_json,ts FROM participant_actions WHERE activity_id=?`
	args := []any{activityID}
	if stageKey != "" {
		query += ` AND stage_key=?`
		args = append(args, stageKey)
	}
	if kind != "" {
		query += ` AND kind=?`
		args = append(args, kind)
	}
	query += ` ORDER BY ts ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ParticipantAction
	for rows.Next() {
		var a domain.ParticipantAction
		var payload sql.NullString
		if err := rows.Scan(&a.ID, &a.ActivityID, &a.UserID, &a.Kind, &a.StageKey, &payload, &a.TS); err != nil {
			return nil, err
		}
		if payload.Valid {
			a.PayloadJSON = payload.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountDistinctActorsTx counts distinct users who performed an action kind at
// a stage. Feeds the reviews_submitted predicate.
func (r Repo) CountDistinctActorsTx(ctx context.Context, tx *sql.Tx, activityID, stageKey, kind string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(DISTINCT user_id) FROM participant_actions WHERE activity_id=? AND stage_key=? AND kind=?`,
		activityID, stageKey, kind).Scan(&n)
	return n, err
}

// ActionExistsTx reports whether any action of the kind was recorded at the
// stage, optionally by a specific user.
func (r Repo) ActionExistsTx(ctx context.Context, tx *sql.Tx, activityID, stageKey, kind, userID string) (bool, error) {
	query := `SELECT 1 FROM participant_actions WHERE activity_id=? AND stage_key=? AND kind=?`
	args := []any{activityID, stageKey, kind}
	if userID != "" {
		query += ` AND user_id=?`
		args = append(args, userID)
	}
	query += ` LIMIT 1`
	var one int
	err := tx.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
