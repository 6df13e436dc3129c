package template_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"peerflow/internal/db"
	"peerflow/internal/domain"
	"peerflow/internal/migrate"
	"peerflow/internal/template"
)

func intPtr(v int) *int { return &v }

func reviewDefinition() template.Definition {
	return template.Definition{
		ID:            "tmpl-review",
		Name:          "Standard review",
		ReviewerCount: 3,
		TokenPool:     10,
		RankRewards:   []int64{4, 3, 2},
		Stages: []template.StageDefinition{
			{Key: "enroll", Type: "enrollment", Initial: true, DeadlineDays: intPtr(7)},
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

func buildNow() time.Time {
	return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
}

func TestBuildDefaults(t *testing.T) {
	def := reviewDefinition()
	def.Transitions = append(def.Transitions, template.TransitionDefinition{
		From: "enroll", To: "done", Manual: true,
	})
	built := template.Build(def, buildNow())

	if built.Version != 1 {
		t.Fatalf("expected default version 1, got %d", built.Version)
	}
	for _, s := range built.Stages {
		if s.ActivityKind != domain.DefaultActivityKind {
			t.Fatalf("stage %s: expected default activity kind, got %q", s.Key, s.ActivityKind)
		}
	}
	if built.Stages[3].Type != domain.StageGeneric {
		t.Fatalf("expected generic stage type default, got %q", built.Stages[3].Type)
	}
	manual := built.Transitions[len(built.Transitions)-1]
	if manual.Automatic {
		t.Fatalf("manual transition built as automatic")
	}
	if manual.Condition.When == nil || manual.Condition.When.Kind != domain.PredManual {
		t.Fatalf("expected manual predicate injected on condition-less manual edge")
	}
	for _, tr := range built.Transitions[:3] {
		if !tr.Automatic {
			t.Fatalf("transition %s->%s should be automatic", tr.FromKey, tr.ToKey)
		}
	}
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	built := template.Build(reviewDefinition(), buildNow())
	if err := template.Validate(built); err != nil {
		t.Fatalf("expected valid template: %v", err)
	}
}

func validateProblems(t *testing.T, def template.Definition) []string {
	t.Helper()
	err := template.Validate(template.Build(def, buildNow()))
	if err == nil {
		t.Fatalf("expected validation failure")
	}
	var se *domain.StructuralError
	if !errors.As(err, &se) {
		t.Fatalf("expected StructuralError, got %T: %v", err, err)
	}
	return se.Problems
}

func requireProblem(t *testing.T, problems []string, substr string) {
	t.Helper()
	for _, p := range problems {
		if strings.Contains(p, substr) {
			return
		}
	}
	t.Fatalf("expected a problem containing %q, got %v", substr, problems)
}

func TestValidateGraphProblems(t *testing.T) {
	t.Run("no initial stage", func(t *testing.T) {
		def := reviewDefinition()
		def.Stages[0].Initial = false
		requireProblem(t, validateProblems(t, def), "exactly one initial stage")
	})

	t.Run("two initial stages", func(t *testing.T) {
		def := reviewDefinition()
		def.Stages[1].Initial = true
		requireProblem(t, validateProblems(t, def), "exactly one initial stage")
	})

	t.Run("cycle", func(t *testing.T) {
		def := reviewDefinition()
		def.Transitions = append(def.Transitions, template.TransitionDefinition{
			From: "award", To: "enroll",
			Condition: domain.Expr{When: &domain.PredicateSpec{Kind: domain.PredDeadlineReached}},
		})
		requireProblem(t, validateProblems(t, def), "contains a cycle")
	})

	t.Run("unreachable stage", func(t *testing.T) {
		def := reviewDefinition()
		def.Stages = append(def.Stages, template.StageDefinition{Key: "orphan", Terminal: true})
		requireProblem(t, validateProblems(t, def), "unreachable")
	})

	t.Run("terminal stage with exit", func(t *testing.T) {
		def := reviewDefinition()
		def.Transitions = append(def.Transitions, template.TransitionDefinition{
			From: "done", To: "award",
			Condition: domain.Expr{When: &domain.PredicateSpec{Kind: domain.PredDeadlineReached}},
		})
		requireProblem(t, validateProblems(t, def), "terminal stage")
	})

	t.Run("non-terminal without exit", func(t *testing.T) {
		def := reviewDefinition()
		def.Transitions = def.Transitions[:2]
		requireProblem(t, validateProblems(t, def), "no outgoing transition")
	})

	t.Run("cross-kind edge", func(t *testing.T) {
		def := reviewDefinition()
		def.Stages[3].ActivityKind = "short"
		def.Stages = append(def.Stages, template.StageDefinition{Key: "short-start", ActivityKind: "short", Initial: true})
		def.Transitions = append(def.Transitions, template.TransitionDefinition{
			From: "short-start", To: "done",
			Condition: domain.Expr{When: &domain.PredicateSpec{Kind: domain.PredDeadlineReached}},
		})
		requireProblem(t, validateProblems(t, def), "crosses activity kinds")
	})

	t.Run("duplicate stage key", func(t *testing.T) {
		def := reviewDefinition()
		def.Stages = append(def.Stages, template.StageDefinition{Key: "review"})
		requireProblem(t, validateProblems(t, def), "duplicate stage key")
	})
}

func TestValidateEconomicsProblems(t *testing.T) {
	t.Run("rewards exceed pool", func(t *testing.T) {
		def := reviewDefinition()
		def.RankRewards = []int64{8, 5}
		requireProblem(t, validateProblems(t, def), "exceeds token pool")
	})

	t.Run("insurance reserve violated", func(t *testing.T) {
		def := reviewDefinition()
		def.InsuranceFraction = 0.5
		requireProblem(t, validateProblems(t, def), "insurance reserve")
	})

	t.Run("reviewer count required", func(t *testing.T) {
		def := reviewDefinition()
		def.ReviewerCount = 0
		requireProblem(t, validateProblems(t, def), "reviewer_count")
	})

	t.Run("negative deadline", func(t *testing.T) {
		def := reviewDefinition()
		def.Stages[0].DeadlineDays = intPtr(-1)
		requireProblem(t, validateProblems(t, def), "deadline_days")
	})
}

func TestValidateConditionProblems(t *testing.T) {
	t.Run("unknown predicate kind", func(t *testing.T) {
		def := reviewDefinition()
		def.Transitions[0].Condition = domain.Expr{When: &domain.PredicateSpec{Kind: "weather_is_nice"}}
		requireProblem(t, validateProblems(t, def), "unknown predicate kind")
	})

	t.Run("node with multiple arms", func(t *testing.T) {
		def := reviewDefinition()
		def.Transitions[0].Condition = domain.Expr{
			Any:  []domain.Expr{{When: &domain.PredicateSpec{Kind: domain.PredDeadlineReached}}},
			When: &domain.PredicateSpec{Kind: domain.PredReviewersJoined},
		}
		requireProblem(t, validateProblems(t, def), "exactly one of all/any/not/when")
	})

	t.Run("manual predicate on automatic edge", func(t *testing.T) {
		def := reviewDefinition()
		def.Transitions[0].Condition = domain.Expr{All: []domain.Expr{
			{When: &domain.PredicateSpec{Kind: domain.PredManual}},
			{When: &domain.PredicateSpec{Kind: domain.PredReviewersLockedIn}},
		}}
		requireProblem(t, validateProblems(t, def), "manual predicate")
	})
}

func TestParseYAML(t *testing.T) {
	const doc = `
id: tmpl-yaml
reviewer_count: 2
token_pool: 6
rank_rewards: [4, 2]
stages:
  - key: enroll
    type: enrollment
    initial: true
  - key: done
    terminal: true
transitions:
  - from: enroll
    to: done
    condition:
      all:
        - when: {kind: reviewers_locked_in}
        - not:
            when: {kind: deadline_reached}
`
	def, err := template.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.ID != "tmpl-yaml" || len(def.Stages) != 2 || len(def.Transitions) != 1 {
		t.Fatalf("unexpected definition: %+v", def)
	}
	cond := def.Transitions[0].Condition
	if len(cond.All) != 2 || cond.All[1].Not == nil {
		t.Fatalf("condition tree not parsed: %+v", cond)
	}
	if err := template.Validate(template.Build(def, buildNow())); err != nil {
		t.Fatalf("expected parsed template to validate: %v", err)
	}
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := template.NewStore(conn)
	ctx := context.Background()

	if _, err := store.Register(ctx, reviewDefinition(), "tester"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err = store.Register(ctx, reviewDefinition(), "tester")
	if err == nil {
		t.Fatalf("expected duplicate id rejection")
	}
	if !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGraphOrderingAndLookup(t *testing.T) {
	def := reviewDefinition()
	def.Transitions = append(def.Transitions, template.TransitionDefinition{
		From: "enroll", To: "done", Manual: true, Order: -1,
	})
	g := template.NewGraph(template.Build(def, buildNow()))

	initial, ok := g.InitialStage("")
	if !ok || initial.Key != "enroll" {
		t.Fatalf("expected enroll as initial stage, got %+v", initial)
	}
	out := g.Outgoing("enroll")
	if len(out) != 2 || out[0].ToKey != "done" {
		t.Fatalf("expected edges sorted by order, got %+v", out)
	}
	if _, ok := g.Edge("enroll", "review"); !ok {
		t.Fatalf("expected enroll->review edge")
	}
	if _, ok := g.Edge("review", "enroll"); ok {
		t.Fatalf("did not expect reverse edge")
	}
}
