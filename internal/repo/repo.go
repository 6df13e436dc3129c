package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"peerflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- templates ---

func (r Repo) InsertTemplateTx(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	rewards, err := json.Marshal(t.RankRewards)
	if err != nil {
		return fmt.Errorf("marshal rank rewards: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO templates(id,name,version,reviewer_count,token_pool,insurance_fraction,rank_rewards_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Version, t.ReviewerCount, t.TokenPool, t.InsuranceFraction, string(rewards), t.CreatedAt); err != nil {
		return err
	}
	for _, s := range t.Stages {
		if _, err := tx.ExecContext(ctx, `INSERT INTO template_stages(template_id,key,activity_kind,type,deadline_days,is_initial,is_terminal) VALUES (?,?,?,?,?,?,?)`,
			t.ID, s.Key, s.ActivityKind, string(s.Type), nullableIntPtr(s.DeadlineDays), boolInt(s.IsInitial), boolInt(s.IsTerminal)); err != nil {
			return fmt.Errorf("insert stage %s: %w", s.Key, err)
		}
	}
	for _, tr := range t.Transitions {
		cond, err := json.Marshal(tr.Condition)
		if err != nil {
			return fmt.Errorf("marshal condition: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO template_transitions(id,template_id,from_key,to_key,is_automatic,transition_order,condition_json) VALUES (?,?,?,?,?,?,?)`,
			tr.ID, t.ID, tr.FromKey, tr.ToKey, boolInt(tr.Automatic), tr.Order, string(cond)); err != nil {
			return fmt.Errorf("insert transition %s->%s: %w", tr.FromKey, tr.ToKey, err)
		}
	}
	return nil
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	var t domain.Template
	var rewards string
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,version,reviewer_count,token_pool,insurance_fraction,rank_rewards_json,created_at FROM templates WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.Version, &t.ReviewerCount, &t.TokenPool, &t.InsuranceFraction, &rewards, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(rewards), &t.RankRewards); err != nil {
		return t, fmt.Errorf("rank rewards for %s: %w", id, err)
	}
	if t.Stages, err = r.listStages(ctx, id); err != nil {
		return t, err
	}
	if t.Transitions, err = r.listTransitions(ctx, id); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) listStages(ctx context.Context, templateID string) ([]domain.Stage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT template_id,key,activity_kind,type,deadline_days,is_initial,is_terminal FROM template_stages WHERE template_id=? ORDER BY key`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		var s domain.Stage
		var stageType string
		var days sql.NullInt64
		var initial, terminal int
		if err := rows.Scan(&s.TemplateID, &s.Key, &s.ActivityKind, &stageType, &days, &initial, &terminal); err != nil {
			return nil, err
		}
		s.Type = domain.StageType(stageType)
		if days.Valid {
			d := int(days.Int64)
			s.DeadlineDays = &d
		}
		s.IsInitial = initial != 0
		s.IsTerminal = terminal != 0
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) listTransitions(ctx context.Context, templateID string) ([]domain.Transition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,template_id,from_key,to_key,is_automatic,transition_order,condition_json FROM template_transitions WHERE template_id=? ORDER BY from_key, transition_order`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		var tr domain.Transition
		var auto int
		var cond string
		if err := rows.Scan(&tr.ID, &tr.TemplateID, &tr.FromKey, &tr.ToKey, &auto, &tr.Order, &cond); err != nil {
			return nil, err
		}
		tr.Automatic = auto != 0
		if err := json.Unmarshal([]byte(cond), &tr.Condition); err != nil {
			return nil, fmt.Errorf("condition on %s->%s: %w", tr.FromKey, tr.ToKey, err)
		}
		res = append(res, tr)
	}
	return res, rows.Err()
}

func (r Repo) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,version,reviewer_count,token_pool,insurance_fraction,rank_rewards_json,created_at FROM templates ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		var t domain.Template
		var rewards string
		if err := rows.Scan(&t.ID, &t.Name, &t.Version, &t.ReviewerCount, &t.TokenPool, &t.InsuranceFraction, &rewards, &t.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(rewards), &t.RankRewards); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TemplateInUse reports whether any activity references the template. Used
// to refuse in-place redefinition; a changed definition registers a new id.
func (r Repo) TemplateInUse(ctx context.Context, templateID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM activities WHERE template_id=? LIMIT 1`, templateID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// --- activities ---

func (r Repo) InsertActivityTx(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO activities(id,template_id,kind,paper_ref,creator_id,funding_amount,escrow_balance,status,payout_done,created_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.TemplateID, a.Kind, a.PaperRef, a.CreatorID, a.FundingAmount, a.EscrowBalance, a.Status, boolInt(a.PayoutDone), a.CreatedAt, nullableStringPtr(a.CompletedAt))
	return err
}

func scanActivity(scan func(dest ...any) error) (domain.Activity, error) {
	var a domain.Activity
	var payout int
	var completedAt sql.NullString
	err := scan(&a.ID, &a.TemplateID, &a.Kind, &a.PaperRef, &a.CreatorID, &a.FundingAmount, &a.EscrowBalance, &a.Status, &payout, &a.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.PayoutDone = payout != 0
	if completedAt.Valid {
		a.CompletedAt = &completedAt.String
	}
	return a, nil
}

const activityCols = `id,template_id,kind,paper_ref,creator_id,funding_amount,escrow_balance,status,payout_done,created_at,completed_at`

func (r Repo) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+activityCols+` FROM activities WHERE id=?`, id)
	return scanActivity(row.Scan)
}

func (r Repo) GetActivityTx(ctx context.Context, tx *sql.Tx, id string) (domain.Activity, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+activityCols+` FROM activities WHERE id=?`, id)
	return scanActivity(row.Scan)
}

type ActivityFilters struct {
	Status     string
	TemplateID string
	CreatorID  string
	Limit      int
}

func (r Repo) ListActivities(ctx context.Context, f ActivityFilters) ([]domain.Activity, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.TemplateID != "" {
		clauses = append(clauses, "template_id=?")
		args = append(args, f.TemplateID)
	}
	if f.CreatorID != "" {
		clauses = append(clauses, "creator_id=?")
		args = append(args, f.CreatorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + activityCols + ` FROM activities ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListActivitiesPastDeadline returns active activities whose current stage
// deadline is at or before now. Read path for the external sweep.
func (r Repo) ListActivitiesPastDeadline(ctx context.Context, now string) ([]domain.Activity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT a.`+strings.ReplaceAll(activityCols, ",", ",a.")+` FROM activities a
JOIN stage_states s ON s.activity_id=a.id
WHERE a.status=? AND s.deadline IS NOT NULL AND s.deadline<=?
ORDER BY s.deadline ASC`, domain.ActivityActive, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) SetActivityCompletedTx(ctx context.Context, tx *sql.Tx, id, completedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE activities SET status=?, completed_at=? WHERE id=?`, domain.ActivityCompleted, completedAt, id)
	return err
}

func (r Repo) SetPayoutDoneTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE activities SET payout_done=1 WHERE id=?`, id)
	return err
}

// --- stage state ---

func (r Repo) UpsertStageStateTx(ctx context.Context, tx *sql.Tx, s domain.StageState) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_states(activity_id,stage_key,entered_at,deadline,data_json,completed) VALUES (?,?,?,?,?,?)
ON CONFLICT(activity_id) DO UPDATE SET stage_key=excluded.stage_key, entered_at=excluded.entered_at, deadline=excluded.deadline, data_json=excluded.data_json, completed=excluded.completed`,
		s.ActivityID, s.StageKey, s.EnteredAt, nullableStringPtr(s.Deadline), nullableStringPtr(s.DataJSON), boolInt(s.Completed))
	return err
}

func scanStageState(scan func(dest ...any) error) (domain.StageState, error) {
	var s domain.StageState
	var deadline, data sql.NullString
	var completed int
	err := scan(&s.ActivityID, &s.StageKey, &s.EnteredAt, &deadline, &data, &completed)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if deadline.Valid {
		s.Deadline = &deadline.String
	}
	if data.Valid {
		s.DataJSON = &data.String
	}
	s.Completed = completed != 0
	return s, nil
}

func (r Repo) GetStageState(ctx context.Context, activityID string) (domain.StageState, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT activity_id,stage_key,entered_at,deadline,data_json,completed FROM stage_states WHERE activity_id=?`, activityID)
	return scanStageState(row.Scan)
}

func (r Repo) GetStageStateTx(ctx context.Context, tx *sql.Tx, activityID string) (domain.StageState, error) {
	row := tx.QueryRowContext(ctx, `SELECT activity_id,stage_key,entered_at,deadline,data_json,completed FROM stage_states WHERE activity_id=?`, activityID)
	return scanStageState(row.Scan)
}

// --- state log ---

func (r Repo) AppendStateLogTx(ctx context.Context, tx *sql.Tx, e domain.StateLogEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO state_log(activity_id,from_stage,to_stage,actor_id,reason,ts) VALUES (?,?,?,?,?,?)`,
		e.ActivityID, e.FromStage, e.ToStage, e.ActorID, e.Reason, e.TS)
	return err
}

func (r Repo) ListStateLog(ctx context.Context, activityID string) ([]domain.StateLogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,activity_id,from_stage,to_stage,actor_id,reason,ts FROM state_log WHERE activity_id=? ORDER BY id ASC`, activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StateLogEntry
	for rows.Next() {
		var e domain.StateLogEntry
		if err := rows.Scan(&e.ID, &e.ActivityID, &e.FromStage, &e.ToStage, &e.ActorID, &e.Reason, &e.TS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, activityID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if activityID != "" {
		clauses = append(clauses, "activity_id=?")
		args = append(args, activityID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,activity_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,activity_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var activityID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &activityID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if activityID.Valid {
			e.ActivityID = activityID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- platform config ---

func (r Repo) UpsertPlatformConfigTx(ctx context.Context, tx *sql.Tx, payload, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO platform_config(id,config_json,updated_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, payload, updatedAt)
	return err
}

func (r Repo) GetPlatformConfig(ctx context.Context) (string, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM platform_config WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return payload, err
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
