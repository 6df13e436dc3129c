package engine_test

import (
	"context"
	"testing"
	"time"

	"peerflow/internal/config"
	"peerflow/internal/db"
	"peerflow/internal/domain"
	"peerflow/internal/engine"
	"peerflow/internal/migrate"
	"peerflow/internal/template"
)

type testEnv struct {
	Engine engine.Engine
	Store  template.Store
	Ctx    context.Context
	clock  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	env := &testEnv{
		Ctx:   context.Background(),
		clock: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	env.Engine = engine.New(conn, cfg)
	env.Engine.Now = func() time.Time { return env.clock }
	env.Engine.Ledger.Now = env.Engine.Now
	env.Store = template.NewStore(conn)
	env.Store.Now = env.Engine.Now
	if _, err := env.Engine.Ledger.OpenAccount(env.Ctx, cfg.Platform.AccountID, domain.AccountPlatform); err != nil {
		t.Fatalf("open platform account: %v", err)
	}
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.clock = env.clock.Add(d)
}

func (env *testEnv) fundWallet(t *testing.T, id string, amount int64) {
	t.Helper()
	if _, err := env.Engine.Ledger.OpenAccount(env.Ctx, id, domain.AccountUser); err != nil {
		t.Fatalf("open wallet %s: %v", id, err)
	}
	if _, err := env.Engine.Ledger.Credit(env.Ctx, id, amount, "seed", "tester"); err != nil {
		t.Fatalf("credit wallet %s: %v", id, err)
	}
}

func (env *testEnv) register(t *testing.T, def template.Definition) {
	t.Helper()
	if _, err := env.Store.Register(env.Ctx, def, "tester"); err != nil {
		t.Fatalf("register template %s: %v", def.ID, err)
	}
}

func (env *testEnv) balance(t *testing.T, id string) int64 {
	t.Helper()
	a, err := env.Engine.Repo.GetAccount(env.Ctx, id)
	if err != nil {
		t.Fatalf("get account %s: %v", id, err)
	}
	return a.Balance
}

func (env *testEnv) stage(t *testing.T, activityID string) string {
	t.Helper()
	state, err := env.Engine.Repo.GetStageState(env.Ctx, activityID)
	if err != nil {
		t.Fatalf("get stage state: %v", err)
	}
	return state.StageKey
}

func intPtr(v int) *int { return &v }

// reviewDefinition is a three-reviewer flow: enrollment until everyone locks
// in, three reviews to leave the review stage, then payout and completion.
func reviewDefinition() template.Definition {
	return template.Definition{
		ID:            "tmpl-review",
		Name:          "Standard review",
		ReviewerCount: 3,
		TokenPool:     10,
		RankRewards:   []int64{4, 3, 2},
		Stages: []template.StageDefinition{
			{Key: "enroll", Type: "enrollment", Initial: true},
			{Key: "review", Type: "review"},
			{Key: "award", Type: "award"},
			{Key: "done", Terminal: true},
		},
		Transitions: []template.TransitionDefinition{
			{From: "enroll", To: "review", Condition: domain.Expr{When: &domain.PredicateSpec{Kind: domain.PredReviewersLockedIn}}},
			{From: "review", To: "award", Condition: domain.Expr{When: &domain.PredicateSpec{Kind: domain.PredReviewsSubmitted, Count: 3}}},
			{From: "award", To: "done", Condition: domain.Expr{When: &domain.PredicateSpec{Kind: domain.PredPayoutComplete}}},
		},
	}
}

func manualDefinition() template.Definition {
	return template.Definition{
		ID:            "tmpl-manual",
		ReviewerCount: 1,
		Stages: []template.StageDefinition{
			{Key: "start", Initial: true},
			{Key: "done", Terminal: true},
		},
		Transitions: []template.TransitionDefinition{
			{From: "start", To: "done", Manual: true},
		},
	}
}

func (env *testEnv) reviewActivity(t *testing.T) domain.Activity {
	t.Helper()
	env.register(t, reviewDefinition())
	env.fundWallet(t, "alice", 20)
	a, err := env.Engine.CreateActivity(env.Ctx, engine.ActivityCreateOptions{
		TemplateID:    "tmpl-review",
		PaperRef:      "doi:10.1000/demo",
		CreatorID:     "alice",
		FundingAmount: 10,
		ActorID:       "alice",
	})
	if err != nil {
		t.Fatalf("create activity: %v", err)
	}
	return a
}

func TestCreateActivityFundsEscrow(t *testing.T) {
	env := newTestEnv(t)
	a := env.reviewActivity(t)

	if got := env.balance(t, "alice"); got != 10 {
		t.Fatalf("funder balance: got %d, want 10", got)
	}
	if got := env.balance(t, a.ID); got != 10 {
		t.Fatalf("escrow balance: got %d, want 10", got)
	}
	if key := env.stage(t, a.ID); key != "enroll" {
		t.Fatalf("expected initial stage enroll, got %s", key)
	}

	// underfunded creation must fail atomically
	_, err := env.Engine.CreateActivity(env.Ctx, engine.ActivityCreateOptions{
		TemplateID:    "tmpl-review",
		CreatorID:     "alice",
		FundingAmount: 5,
		ActorID:       "alice",
	})
	if err == nil {
		t.Fatalf("expected funding below token pool to fail")
	}
	if got := env.balance(t, "alice"); got != 10 {
		t.Fatalf("failed creation must not move tokens, balance %d", got)
	}
}

func TestReviewGateFiresOnThirdReview(t *testing.T) {
	env := newTestEnv(t)
	a := env.reviewActivity(t)

	for _, r := range []string{"r1", "r2", "r3"} {
		if _, err := env.Engine.JoinReviewer(env.Ctx, a.ID, r, r); err != nil {
			t.Fatalf("join %s: %v", r, err)
		}
	}
	if _, err := env.Engine.JoinReviewer(env.Ctx, a.ID, "r4", "r4"); err == nil {
		t.Fatalf("expected full team to reject a fourth reviewer")
	}
	for _, r := range []string{"r1", "r2"} {
		if _, err := env.Engine.LockInReviewer(env.Ctx, a.ID, r, r); err != nil {
			t.Fatalf("lock in %s: %v", r, err)
		}
	}
	if key := env.stage(t, a.ID); key != "enroll" {
		t.Fatalf("two lock-ins must not advance, stage %s", key)
	}
	if _, err := env.Engine.LockInReviewer(env.Ctx, a.ID, "r3", "r3"); err != nil {
		t.Fatalf("lock in r3: %v", err)
	}
	if key := env.stage(t, a.ID); key != "review" {
		t.Fatalf("expected review stage after third lock-in, got %s", key)
	}

	for _, r := range []string{"r1", "r2"} {
		if _, err := env.Engine.RecordAction(env.Ctx, engine.ActionOptions{
			ActivityID: a.ID, UserID: r, Kind: domain.ActionReview, ActorID: r,
		}); err != nil {
			t.Fatalf("review %s: %v", r, err)
		}
	}
	if key := env.stage(t, a.ID); key != "review" {
		t.Fatalf("two reviews must not advance, stage %s", key)
	}
	// a second review from the same reviewer does not count twice
	if _, err := env.Engine.RecordAction(env.Ctx, engine.ActionOptions{
		ActivityID: a.ID, UserID: "r1", Kind: domain.ActionReview, ActorID: "r1",
	}); err != nil {
		t.Fatalf("repeat review: %v", err)
	}
	if key := env.stage(t, a.ID); key != "review" {
		t.Fatalf("repeat review must not advance, stage %s", key)
	}
	if _, err := env.Engine.RecordAction(env.Ctx, engine.ActionOptions{
		ActivityID: a.ID, UserID: "r3", Kind: domain.ActionReview, ActorID: "r3",
	}); err != nil {
		t.Fatalf("review r3: %v", err)
	}
	if key := env.stage(t, a.ID); key == "review" || key == "enroll" {
		t.Fatalf("expected third distinct review to advance, stage %s", key)
	}
}

func TestPayoutDistributionAndLeftoverSweep(t *testing.T) {
	env := newTestEnv(t)
	a := env.reviewActivity(t)

	for _, r := range []string{"r1", "r2", "r3"} {
		if _, err := env.Engine.JoinReviewer(env.Ctx, a.ID, r, r); err != nil {
			t.Fatalf("join %s: %v", r, err)
		}
		if _, err := env.Engine.LockInReviewer(env.Ctx, a.ID, r, r); err != nil {
			t.Fatalf("lock in %s: %v", r, err)
		}
	}
	if _, err := env.Engine.GrantAward(env.Ctx, a.ID, "r2", "r1", "", 5, "r2"); err != nil {
		t.Fatalf("grant r2->r1: %v", err)
	}
	if _, err := env.Engine.GrantAward(env.Ctx, a.ID, "r1", "r2", "", 3, "r1"); err != nil {
		t.Fatalf("grant r1->r2: %v", err)
	}
	for _, r := range []string{"r1", "r2", "r3"} {
		if _, err := env.Engine.RecordAction(env.Ctx, engine.ActionOptions{
			ActivityID: a.ID, UserID: r, Kind: domain.ActionReview, ActorID: r,
		}); err != nil {
			t.Fatalf("review %s: %v", r, err)
		}
	}

	// the third review carries the activity through award into done
	if key := env.stage(t, a.ID); key != "done" {
		t.Fatalf("expected terminal stage done, got %s", key)
	}
	got, _, err := env.Engine.GetActivity(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get activity: %v", err)
	}
	if got.Status != domain.ActivityCompleted || !got.PayoutDone || got.EscrowBalance != 0 {
		t.Fatalf("unexpected activity after payout: %+v", got)
	}

	wants := map[string]int64{
		"r1":               4,
		"r2":               3,
		"r3":               2,
		a.ID:               0,
		"platform-reserve": 1,
	}
	for id, want := range wants {
		if bal := env.balance(t, id); bal != want {
			t.Fatalf("account %s: got %d, want %d", id, bal, want)
		}
		if err := env.Engine.Ledger.Verify(env.Ctx, id); err != nil {
			t.Fatalf("verify %s: %v", id, err)
		}
	}

	ranked, err := env.Engine.Ranking(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("ranking: %v", err)
	}
	if len(ranked) != 3 {
		t.Fatalf("expected 3 ranked reviewers, got %d", len(ranked))
	}
	for i, want := range []struct {
		user string
		rank int
		paid bool
	}{{"r1", 1, true}, {"r2", 2, true}, {"r3", 3, true}} {
		r := ranked[i]
		if r.UserID != want.user || r.Rank != want.rank || r.Paid != want.paid {
			t.Fatalf("rank row %d: got %+v, want %+v", i, r, want)
		}
	}
}

func TestCommitmentSweepFreesCapacity(t *testing.T) {
	env := newTestEnv(t)
	a := env.reviewActivity(t)

	for _, r := range []string{"r1", "r2", "r3"} {
		if _, err := env.Engine.JoinReviewer(env.Ctx, a.ID, r, r); err != nil {
			t.Fatalf("join %s: %v", r, err)
		}
	}
	// r3 commits; r1 and r2 let the window lapse
	if _, err := env.Engine.LockInReviewer(env.Ctx, a.ID, "r3", "r3"); err != nil {
		t.Fatalf("lock in r3: %v", err)
	}
	env.advance(73 * time.Hour)

	touched, err := env.Engine.SweepCommitments(env.Ctx, "system:sweep")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(touched) != 2 {
		t.Fatalf("expected 2 expired memberships, got %v", touched)
	}
	m, err := env.Engine.Repo.GetMembership(env.Ctx, a.ID, "r1")
	if err != nil {
		t.Fatalf("get membership: %v", err)
	}
	if m.Status != domain.MemberRemoved || m.RemovedReason == nil || *m.RemovedReason != "commitment_expired" {
		t.Fatalf("unexpected membership after sweep: %+v", m)
	}
	locked, err := env.Engine.Repo.GetMembership(env.Ctx, a.ID, "r3")
	if err != nil {
		t.Fatalf("get membership r3: %v", err)
	}
	if locked.Status != domain.MemberLockedIn {
		t.Fatalf("locked-in member must survive the sweep: %+v", locked)
	}

	// the freed slots take new reviewers, and a swept member may rejoin
	if _, err := env.Engine.JoinReviewer(env.Ctx, a.ID, "r4", "r4"); err != nil {
		t.Fatalf("join r4 after sweep: %v", err)
	}
	rejoined, err := env.Engine.JoinReviewer(env.Ctx, a.ID, "r1", "r1")
	if err != nil {
		t.Fatalf("rejoin r1: %v", err)
	}
	if rejoined.Status != domain.MemberJoined || rejoined.CommitmentDeadline == nil {
		t.Fatalf("rejoin must restart the commitment window: %+v", rejoined)
	}
	if _, err := env.Engine.JoinReviewer(env.Ctx, a.ID, "r5", "r5"); err == nil {
		t.Fatalf("expected team full again")
	}
}

func TestJoinRules(t *testing.T) {
	env := newTestEnv(t)
	a := env.reviewActivity(t)

	if _, err := env.Engine.JoinReviewer(env.Ctx, a.ID, "alice", "alice"); err == nil {
		t.Fatalf("the creator must not join the reviewer team")
	}
	if _, err := env.Engine.JoinReviewer(env.Ctx, a.ID, "r1", "r1"); err != nil {
		t.Fatalf("join r1: %v", err)
	}
	if _, err := env.Engine.JoinReviewer(env.Ctx, a.ID, "r1", "r1"); err == nil {
		t.Fatalf("expected duplicate join rejection")
	}
	if _, err := env.Engine.RecordAction(env.Ctx, engine.ActionOptions{
		ActivityID: a.ID, UserID: "r1", Kind: domain.ActionReview, ActorID: "r1",
	}); err == nil {
		t.Fatalf("a joined but not locked-in reviewer must not review")
	}
}

func TestAssessmentResetsFinalization(t *testing.T) {
	env := newTestEnv(t)
	a := env.reviewActivity(t)

	for _, r := range []string{"r1", "r2", "r3"} {
		if _, err := env.Engine.JoinReviewer(env.Ctx, a.ID, r, r); err != nil {
			t.Fatalf("join %s: %v", r, err)
		}
		if _, err := env.Engine.LockInReviewer(env.Ctx, a.ID, r, r); err != nil {
			t.Fatalf("lock in %s: %v", r, err)
		}
	}
	if _, err := env.Engine.RecordAction(env.Ctx, engine.ActionOptions{
		ActivityID: a.ID, UserID: "r1", Kind: domain.ActionFinalize, ActorID: "r1",
	}); err != nil {
		t.Fatalf("finalize r1: %v", err)
	}
	m, err := env.Engine.Repo.GetMembership(env.Ctx, a.ID, "r1")
	if err != nil || !m.Finalized {
		t.Fatalf("expected r1 finalized, got %+v err %v", m, err)
	}

	if _, err := env.Engine.RecordAction(env.Ctx, engine.ActionOptions{
		ActivityID: a.ID, UserID: "r2", Kind: domain.ActionAssessment, ActorID: "r2",
	}); err != nil {
		t.Fatalf("assessment r2: %v", err)
	}
	m, err = env.Engine.Repo.GetMembership(env.Ctx, a.ID, "r1")
	if err != nil || m.Finalized {
		t.Fatalf("an assessment edit must clear finalizations, got %+v err %v", m, err)
	}
}

func TestManualTransition(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, manualDefinition())
	a, err := env.Engine.CreateActivity(env.Ctx, engine.ActivityCreateOptions{
		TemplateID: "tmpl-manual",
		CreatorID:  "alice",
		ActorID:    "alice",
	})
	if err != nil {
		t.Fatalf("create activity: %v", err)
	}

	// automatic evaluation never fires a manual edge
	state, err := env.Engine.Evaluate(env.Ctx, a.ID, "tester")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if state.StageKey != "start" {
		t.Fatalf("manual edge fired automatically, stage %s", state.StageKey)
	}

	if _, err := env.Engine.TriggerTransition(env.Ctx, a.ID, "missing", "alice"); err == nil {
		t.Fatalf("expected unknown edge rejection")
	}
	state, err = env.Engine.TriggerTransition(env.Ctx, a.ID, "done", "alice")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if state.StageKey != "done" {
		t.Fatalf("expected done, got %s", state.StageKey)
	}
	got, _, err := env.Engine.GetActivity(env.Ctx, a.ID)
	if err != nil || got.Status != domain.ActivityCompleted {
		t.Fatalf("expected completed activity, got %+v err %v", got, err)
	}
}

func TestForceTransitionRecordsReason(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, manualDefinition())
	a, err := env.Engine.CreateActivity(env.Ctx, engine.ActivityCreateOptions{
		TemplateID: "tmpl-manual",
		CreatorID:  "alice",
		ActorID:    "alice",
	})
	if err != nil {
		t.Fatalf("create activity: %v", err)
	}

	if _, err := env.Engine.ForceTransition(env.Ctx, a.ID, "missing", "ops", "typo"); err == nil {
		t.Fatalf("expected unknown stage rejection")
	}
	state, err := env.Engine.ForceTransition(env.Ctx, a.ID, "done", "ops", "operator override")
	if err != nil {
		t.Fatalf("force: %v", err)
	}
	if state.StageKey != "done" {
		t.Fatalf("expected done, got %s", state.StageKey)
	}
	log, err := env.Engine.Repo.ListStateLog(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("state log: %v", err)
	}
	last := log[len(log)-1]
	if last.Reason != "operator override" || last.ActorID != "ops" {
		t.Fatalf("unexpected log entry: %+v", last)
	}
}

func TestForceTransitionRequiresEdge(t *testing.T) {
	env := newTestEnv(t)
	a := env.reviewActivity(t)

	// done is a real stage but no edge connects enroll to it; forcing there
	// would skip the award stage and strand the pool in escrow.
	if _, err := env.Engine.ForceTransition(env.Ctx, a.ID, "done", "ops", "shortcut"); err == nil {
		t.Fatalf("expected force without an edge to be rejected")
	}
	got, _, err := env.Engine.GetActivity(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get activity: %v", err)
	}
	if got.Status != domain.ActivityActive || got.PayoutDone {
		t.Fatalf("rejected force must not touch the activity: %+v", got)
	}
	if key := env.stage(t, a.ID); key != "enroll" {
		t.Fatalf("expected enroll, got %s", key)
	}
	if bal := env.balance(t, a.ID); bal != 10 {
		t.Fatalf("escrow balance: got %d, want 10", bal)
	}

	// an existing edge fires with its condition bypassed
	state, err := env.Engine.ForceTransition(env.Ctx, a.ID, "review", "ops", "skip enrollment")
	if err != nil {
		t.Fatalf("force along edge: %v", err)
	}
	if state.StageKey != "review" {
		t.Fatalf("expected review, got %s", state.StageKey)
	}
}

func TestDeadlineSweep(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, template.Definition{
		ID:            "tmpl-deadline",
		ReviewerCount: 1,
		Stages: []template.StageDefinition{
			{Key: "start", Initial: true, DeadlineDays: intPtr(1)},
			{Key: "done", Terminal: true},
		},
		Transitions: []template.TransitionDefinition{
			{From: "start", To: "done", Condition: domain.Expr{When: &domain.PredicateSpec{Kind: domain.PredDeadlineReached}}},
		},
	})
	a, err := env.Engine.CreateActivity(env.Ctx, engine.ActivityCreateOptions{
		TemplateID: "tmpl-deadline",
		CreatorID:  "alice",
		ActorID:    "alice",
	})
	if err != nil {
		t.Fatalf("create activity: %v", err)
	}

	moved, err := env.Engine.SweepDeadlines(env.Ctx, "system:sweep")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(moved) != 0 {
		t.Fatalf("nothing is due yet, moved %v", moved)
	}
	env.advance(25 * time.Hour)
	moved, err = env.Engine.SweepDeadlines(env.Ctx, "system:sweep")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(moved) != 1 || moved[0] != a.ID {
		t.Fatalf("expected %s moved, got %v", a.ID, moved)
	}
	got, _, err := env.Engine.GetActivity(env.Ctx, a.ID)
	if err != nil || got.Status != domain.ActivityCompleted {
		t.Fatalf("expected completed after deadline sweep, got %+v err %v", got, err)
	}
}
