package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"peerflow/internal/config"
	"peerflow/internal/domain"
	"peerflow/internal/events"
	"peerflow/internal/ledger"
	"peerflow/internal/repo"
	"peerflow/internal/template"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Ledger
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: ledger.New(db),
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) platformAccount() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Platform.AccountID
}

// graphFor loads the activity's template graph.
func (e Engine) graphFor(ctx context.Context, templateID string) (*template.Graph, error) {
	t, err := e.Repo.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	return template.NewGraph(t), nil
}

// ActivityCreateOptions are parameters for creating a funded activity.
type ActivityCreateOptions struct {
	ID            string
	TemplateID    string
	Kind          string
	PaperRef      string
	CreatorID     string
	FunderAccount string
	FundingAmount int64
	ActorID       string
}

// CreateActivity registers an activity instance, funds its escrow from the
// funder's wallet and enters the template's initial stage, all in one
// transaction. A failed funding leaves no activity behind.
func (e Engine) CreateActivity(ctx context.Context, opts ActivityCreateOptions) (domain.Activity, error) {
	if e.Config == nil {
		return domain.Activity{}, errors.New("config not loaded")
	}
	if opts.TemplateID == "" {
		return domain.Activity{}, domain.Validationf("template is required")
	}
	if opts.CreatorID == "" {
		return domain.Activity{}, domain.Validationf("creator is required")
	}
	if opts.FundingAmount < 0 {
		return domain.Activity{}, domain.Validationf("funding amount must not be negative")
	}
	if opts.Kind == "" {
		opts.Kind = domain.DefaultActivityKind
	}
	if opts.FunderAccount == "" {
		opts.FunderAccount = opts.CreatorID
	}
	g, err := e.graphFor(ctx, opts.TemplateID)
	if err != nil {
		return domain.Activity{}, err
	}
	if opts.FundingAmount < g.Template.TokenPool {
		return domain.Activity{}, domain.Validationf("funding amount %d is below the template token pool %d", opts.FundingAmount, g.Template.TokenPool)
	}
	initial, ok := g.InitialStage(opts.Kind)
	if !ok {
		return domain.Activity{}, domain.Validationf("template %s has no initial stage for kind %q", opts.TemplateID, opts.Kind)
	}

	a := domain.Activity{
		ID:            opts.ID,
		TemplateID:    opts.TemplateID,
		Kind:          opts.Kind,
		PaperRef:      opts.PaperRef,
		CreatorID:     opts.CreatorID,
		FundingAmount: opts.FundingAmount,
		Status:        domain.ActivityActive,
		CreatedAt:     e.ts(),
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertActivityTx(ctx, tx, a); err != nil {
		return domain.Activity{}, fmt.Errorf("insert activity: %w", err)
	}
	if err := e.Ledger.FundEscrowTx(ctx, tx, opts.FunderAccount, a.ID, a.FundingAmount); err != nil {
		return domain.Activity{}, err
	}
	if err := e.Repo.UpdateActivityEscrowTx(ctx, tx, a.ID, a.FundingAmount); err != nil {
		return domain.Activity{}, err
	}
	a.EscrowBalance = a.FundingAmount

	state := domain.StageState{
		ActivityID: a.ID,
		StageKey:   initial.Key,
		EnteredAt:  e.ts(),
		Deadline:   e.stageDeadline(initial),
	}
	if err := e.Repo.UpsertStageStateTx(ctx, tx, state); err != nil {
		return domain.Activity{}, err
	}
	if err := e.Repo.AppendStateLogTx(ctx, tx, domain.StateLogEntry{
		ActivityID: a.ID,
		FromStage:  "",
		ToStage:    initial.Key,
		ActorID:    opts.ActorID,
		Reason:     "created",
		TS:         e.ts(),
	}); err != nil {
		return domain.Activity{}, err
	}
	if err := e.Events.Append(ctx, tx, "activity.created", a.ID, "activity", a.ID, opts.ActorID, events.EventPayload{
		"template_id": a.TemplateID,
		"stage":       initial.Key,
		"funding":     a.FundingAmount,
	}); err != nil {
		return domain.Activity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Activity{}, err
	}
	return a, nil
}

func (e Engine) stageDeadline(s domain.Stage) *string {
	if s.DeadlineDays == nil {
		return nil
	}
	d := e.now().UTC().Add(time.Duration(*s.DeadlineDays) * 24 * time.Hour).Format(time.RFC3339)
	return &d
}

// GetActivity returns the activity together with its current stage state.
func (e Engine) GetActivity(ctx context.Context, id string) (domain.Activity, domain.StageState, error) {
	a, err := e.Repo.GetActivity(ctx, id)
	if err != nil {
		return domain.Activity{}, domain.StageState{}, err
	}
	state, err := e.Repo.GetStageState(ctx, id)
	if err != nil {
		return domain.Activity{}, domain.StageState{}, err
	}
	return a, state, nil
}

// Evaluate re-runs automatic transition evaluation for one activity. It is
// the entry point for deadline sweeps and for callers that changed inputs
// outside the engine.
func (e Engine) Evaluate(ctx context.Context, activityID, actorID string) (domain.StageState, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageState{}, err
	}
	defer tx.Rollback()
	state, err := e.evaluateTx(ctx, tx, activityID, actorID)
	if err != nil {
		return domain.StageState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StageState{}, err
	}
	return state, nil
}

func (e Engine) evaluateTx(ctx context.Context, tx *sql.Tx, activityID, actorID string) (domain.StageState, error) {
	a, err := e.Repo.GetActivityTx(ctx, tx, activityID)
	if err != nil {
		return domain.StageState{}, err
	}
	g, err := e.graphFor(ctx, a.TemplateID)
	if err != nil {
		return domain.StageState{}, err
	}
	state, err := e.Repo.GetStageStateTx(ctx, tx, activityID)
	if err != nil {
		return domain.StageState{}, err
	}
	return e.advanceTx(ctx, tx, g, a, state, actorID)
}

// advanceTx follows satisfied automatic transitions until none fires. The
// template graph is acyclic, so the walk is bounded by the stage count.
func (e Engine) advanceTx(ctx context.Context, tx *sql.Tx, g *template.Graph, a domain.Activity, state domain.StageState, actorID string) (domain.StageState, error) {
	if a.Status != domain.ActivityActive {
		return state, nil
	}
	for range g.Template.Stages {
		fired := false
		for _, tr := range g.Outgoing(state.StageKey) {
			if !tr.Automatic {
				continue
			}
			ok, err := e.evalExpr(ctx, &evalEnv{tx: tx, graph: g, activity: &a, state: state}, tr.Condition)
			if err != nil {
				return state, err
			}
			if !ok {
				continue
			}
			next, err := e.applyTransitionTx(ctx, tx, g, &a, state, tr.ToKey, actorID, "auto")
			if err != nil {
				return state, err
			}
			state = next
			fired = true
			break
		}
		if !fired || a.Status != domain.ActivityActive {
			break
		}
	}
	return state, nil
}

// applyTransitionTx moves the activity to a new stage: it replaces the stage
// state, appends to the state log and runs the entry hooks of the target
// stage (award distribution, terminal completion).
func (e Engine) applyTransitionTx(ctx context.Context, tx *sql.Tx, g *template.Graph, a *domain.Activity, from domain.StageState, toKey, actorID, reason string) (domain.StageState, error) {
	to, ok := g.Stage(toKey)
	if !ok {
		return from, domain.Validationf("template %s has no stage %q", g.Template.ID, toKey)
	}
	next := domain.StageState{
		ActivityID: a.ID,
		StageKey:   to.Key,
		EnteredAt:  e.ts(),
		Deadline:   e.stageDeadline(to),
	}
	if err := e.Repo.UpsertStageStateTx(ctx, tx, next); err != nil {
		return from, err
	}
	if err := e.Repo.AppendStateLogTx(ctx, tx, domain.StateLogEntry{
		ActivityID: a.ID,
		FromStage:  from.StageKey,
		ToStage:    to.Key,
		ActorID:    actorID,
		Reason:     reason,
		TS:         e.ts(),
	}); err != nil {
		return from, err
	}
	if err := e.Events.Append(ctx, tx, "activity.stage_changed", a.ID, "activity", a.ID, actorID, events.EventPayload{
		"from":   from.StageKey,
		"to":     to.Key,
		"reason": reason,
	}); err != nil {
		return from, err
	}

	if to.Type == domain.StageAward && !a.PayoutDone {
		if err := e.distributeAwardsTx(ctx, tx, g, a, actorID); err != nil {
			return from, err
		}
	}
	if to.IsTerminal {
		completedAt := e.ts()
		if err := e.Repo.SetActivityCompletedTx(ctx, tx, a.ID, completedAt); err != nil {
			return from, err
		}
		a.Status = domain.ActivityCompleted
		a.CompletedAt = &completedAt
		if err := e.Events.Append(ctx, tx, "activity.completed", a.ID, "activity", a.ID, actorID, events.EventPayload{
			"stage": to.Key,
		}); err != nil {
			return from, err
		}
	}
	return next, nil
}

// TriggerTransition fires a manually gated edge out of the current stage.
// The edge's condition is evaluated with the manual predicate satisfied, so
// any additional predicates on the edge still hold.
func (e Engine) TriggerTransition(ctx context.Context, activityID, toKey, actorID string) (domain.StageState, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageState{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetActivityTx(ctx, tx, activityID)
	if err != nil {
		return domain.StageState{}, err
	}
	if a.Status != domain.ActivityActive {
		return domain.StageState{}, domain.Validationf("activity %s is %s", a.ID, a.Status)
	}
	g, err := e.graphFor(ctx, a.TemplateID)
	if err != nil {
		return domain.StageState{}, err
	}
	state, err := e.Repo.GetStageStateTx(ctx, tx, activityID)
	if err != nil {
		return domain.StageState{}, err
	}
	tr, ok := g.Edge(state.StageKey, toKey)
	if !ok {
		return domain.StageState{}, domain.Validationf("no transition from %q to %q", state.StageKey, toKey)
	}
	satisfied, err := e.evalExpr(ctx, &evalEnv{tx: tx, graph: g, activity: &a, state: state, manual: true}, tr.Condition)
	if err != nil {
		return domain.StageState{}, err
	}
	if !satisfied {
		return domain.StageState{}, domain.Validationf("transition %s->%s condition not satisfied", state.StageKey, toKey)
	}
	next, err := e.applyTransitionTx(ctx, tx, g, &a, state, toKey, actorID, "manual")
	if err != nil {
		return domain.StageState{}, err
	}
	if next, err = e.advanceTx(ctx, tx, g, a, next, actorID); err != nil {
		return domain.StageState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StageState{}, err
	}
	return next, nil
}

// ForceTransition fires an existing edge out of the current stage without
// evaluating its condition. Only the condition is bypassed: the target must be
// reachable by a declared transition, so an operator cannot jump past stages
// (and their entry hooks) the template never connected. The jump is recorded
// in the state log with the given reason.
func (e Engine) ForceTransition(ctx context.Context, activityID, toKey, actorID, reason string) (domain.StageState, error) {
	if reason == "" {
		reason = "forced"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageState{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetActivityTx(ctx, tx, activityID)
	if err != nil {
		return domain.StageState{}, err
	}
	g, err := e.graphFor(ctx, a.TemplateID)
	if err != nil {
		return domain.StageState{}, err
	}
	if _, ok := g.Stage(toKey); !ok {
		return domain.StageState{}, domain.Validationf("template %s has no stage %q", a.TemplateID, toKey)
	}
	state, err := e.Repo.GetStageStateTx(ctx, tx, activityID)
	if err != nil {
		return domain.StageState{}, err
	}
	if _, ok := g.Edge(state.StageKey, toKey); !ok {
		return domain.StageState{}, domain.Validationf("no transition from %q to %q", state.StageKey, toKey)
	}
	next, err := e.applyTransitionTx(ctx, tx, g, &a, state, toKey, actorID, reason)
	if err != nil {
		return domain.StageState{}, err
	}
	if next, err = e.advanceTx(ctx, tx, g, a, next, actorID); err != nil {
		return domain.StageState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StageState{}, err
	}
	return next, nil
}

// SweepDeadlines evaluates every active activity whose stage deadline has
// passed. Returns the ids of activities that changed stage.
func (e Engine) SweepDeadlines(ctx context.Context, actorID string) ([]string, error) {
	due, err := e.Repo.ListActivitiesPastDeadline(ctx, e.ts())
	if err != nil {
		return nil, err
	}
	var moved []string
	for _, a := range due {
		before, err := e.Repo.GetStageState(ctx, a.ID)
		if err != nil {
			return moved, err
		}
		after, err := e.Evaluate(ctx, a.ID, actorID)
		if err != nil {
			if domain.IsConflict(err) {
				continue
			}
			return moved, fmt.Errorf("sweep %s: %w", a.ID, err)
		}
		if after.StageKey != before.StageKey {
			moved = append(moved, a.ID)
		}
	}
	return moved, nil
}
