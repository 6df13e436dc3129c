package template

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"peerflow/internal/domain"
	"peerflow/internal/events"
	"peerflow/internal/repo"
)

// Definition is the YAML shape of a workflow template.
type Definition struct {
	ID                string                 `yaml:"id" json:"id"`
	Name              string                 `yaml:"name" json:"name,omitempty"`
	Version           int                    `yaml:"version" json:"version,omitempty"`
	ReviewerCount     int                    `yaml:"reviewer_count" json:"reviewer_count"`
	TokenPool         int64                  `yaml:"token_pool" json:"token_pool"`
	InsuranceFraction float64                `yaml:"insurance_fraction" json:"insurance_fraction,omitempty"`
	RankRewards       []int64                `yaml:"rank_rewards" json:"rank_rewards,omitempty"`
	Stages            []StageDefinition      `yaml:"stages" json:"stages"`
	Transitions       []TransitionDefinition `yaml:"transitions" json:"transitions"`
}

type StageDefinition struct {
	Key          string `yaml:"key" json:"key"`
	ActivityKind string `yaml:"activity_kind" json:"activity_kind,omitempty"`
	Type         string `yaml:"type" json:"type,omitempty"`
	DeadlineDays *int   `yaml:"deadline_days" json:"deadline_days,omitempty"`
	Initial      bool   `yaml:"initial" json:"initial,omitempty"`
	Terminal     bool   `yaml:"terminal" json:"terminal,omitempty"`
}

type TransitionDefinition struct {
	From      string      `yaml:"from" json:"from"`
	To        string      `yaml:"to" json:"to"`
	Manual    bool        `yaml:"manual" json:"manual,omitempty"`
	Order     int         `yaml:"order" json:"order,omitempty"`
	Condition domain.Expr `yaml:"condition" json:"condition,omitempty"`
}

// Parse reads a definition from YAML.
func Parse(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return def, fmt.Errorf("invalid template yaml: %w", err)
	}
	return def, nil
}

// ParseFile reads a definition from a YAML file.
func ParseFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, err
	}
	return Parse(data)
}

// Build converts a definition into the domain model, filling defaults.
func Build(def Definition, now time.Time) domain.Template {
	t := domain.Template{
		ID:                def.ID,
		Name:              def.Name,
		Version:           def.Version,
		ReviewerCount:     def.ReviewerCount,
		TokenPool:         def.TokenPool,
		InsuranceFraction: def.InsuranceFraction,
		RankRewards:       def.RankRewards,
		CreatedAt:         now.UTC().Format(time.RFC3339),
	}
	if t.Version == 0 {
		t.Version = 1
	}
	if t.RankRewards == nil {
		t.RankRewards = []int64{}
	}
	for _, s := range def.Stages {
		kind := s.ActivityKind
		if kind == "" {
			kind = domain.DefaultActivityKind
		}
		stageType := domain.StageType(s.Type)
		if stageType == "" {
			stageType = domain.StageGeneric
		}
		t.Stages = append(t.Stages, domain.Stage{
			TemplateID:   t.ID,
			Key:          s.Key,
			ActivityKind: kind,
			Type:         stageType,
			DeadlineDays: s.DeadlineDays,
			IsInitial:    s.Initial,
			IsTerminal:   s.Terminal,
		})
	}
	for i, tr := range def.Transitions {
		cond := tr.Condition
		if isEmptyExpr(cond) {
			if tr.Manual {
				cond = domain.ManualExpr()
			}
		}
		t.Transitions = append(t.Transitions, domain.Transition{
			ID:         fmt.Sprintf("%s:%s->%s#%d", t.ID, tr.From, tr.To, i),
			TemplateID: t.ID,
			FromKey:    tr.From,
			ToKey:      tr.To,
			Automatic:  !tr.Manual,
			Order:      tr.Order,
			Condition:  cond,
		})
	}
	return t
}

func isEmptyExpr(e domain.Expr) bool {
	return len(e.All) == 0 && len(e.Any) == 0 && e.Not == nil && e.When == nil
}

// Validate runs every structural check and accumulates problems. A template
// failing validation must never be attached to a new activity.
func Validate(t domain.Template) error {
	var problems []string

	if t.ID == "" {
		problems = append(problems, "template id is required")
	}
	if t.ReviewerCount < 1 {
		problems = append(problems, "reviewer_count must be at least 1")
	}
	if t.TokenPool < 0 {
		problems = append(problems, "token_pool must not be negative")
	}
	if t.InsuranceFraction < 0 || t.InsuranceFraction > 1 {
		problems = append(problems, "insurance_fraction must be within [0,1]")
	}
	var rewardSum int64
	for i, r := range t.RankRewards {
		if r < 0 {
			problems = append(problems, fmt.Sprintf("rank_rewards[%d] must not be negative", i))
		}
		rewardSum += r
	}
	if rewardSum > t.TokenPool {
		problems = append(problems, fmt.Sprintf("rank rewards total %d exceeds token pool %d", rewardSum, t.TokenPool))
	}
	if reserved := int64(float64(t.TokenPool) * t.InsuranceFraction); t.TokenPool-rewardSum < reserved {
		problems = append(problems, fmt.Sprintf("rank rewards leave %d tokens, below the insurance reserve of %d", t.TokenPool-rewardSum, reserved))
	}

	stages := map[string]domain.Stage{}
	for _, s := range t.Stages {
		if s.Key == "" {
			problems = append(problems, "stage with empty key")
			continue
		}
		if _, dup := stages[s.Key]; dup {
			problems = append(problems, fmt.Sprintf("duplicate stage key %q", s.Key))
			continue
		}
		if s.DeadlineDays != nil && *s.DeadlineDays <= 0 {
			problems = append(problems, fmt.Sprintf("stage %q: deadline_days must be positive when set", s.Key))
		}
		stages[s.Key] = s
	}
	if len(stages) == 0 {
		problems = append(problems, "template has no stages")
		return &domain.StructuralError{Subject: subject(t), Problems: problems}
	}

	outgoing := map[string][]domain.Transition{}
	for _, tr := range t.Transitions {
		from, fromOK := stages[tr.FromKey]
		to, toOK := stages[tr.ToKey]
		if !fromOK {
			problems = append(problems, fmt.Sprintf("transition references unknown from-stage %q", tr.FromKey))
		}
		if !toOK {
			problems = append(problems, fmt.Sprintf("transition references unknown to-stage %q", tr.ToKey))
		}
		if fromOK && toOK && from.ActivityKind != to.ActivityKind {
			problems = append(problems, fmt.Sprintf("transition %s->%s crosses activity kinds", tr.FromKey, tr.ToKey))
		}
		if fromOK && from.IsTerminal {
			problems = append(problems, fmt.Sprintf("terminal stage %q has an outgoing transition", tr.FromKey))
		}
		problems = append(problems, tr.Condition.Check(fmt.Sprintf("transition %s->%s condition", tr.FromKey, tr.ToKey))...)
		if tr.Automatic && tr.Condition.ContainsManual() {
			problems = append(problems, fmt.Sprintf("automatic transition %s->%s uses the manual predicate", tr.FromKey, tr.ToKey))
		}
		if fromOK {
			outgoing[tr.FromKey] = append(outgoing[tr.FromKey], tr)
		}
	}

	for _, kind := range activityKinds(t.Stages) {
		problems = append(problems, validateKindGraph(t, kind, stages, outgoing)...)
	}

	if len(problems) > 0 {
		return &domain.StructuralError{Subject: subject(t), Problems: problems}
	}
	return nil
}

func subject(t domain.Template) string {
	if t.ID != "" {
		return "template " + t.ID
	}
	return "template"
}

func activityKinds(stages []domain.Stage) []string {
	seen := map[string]bool{}
	var kinds []string
	for _, s := range stages {
		if !seen[s.ActivityKind] {
			seen[s.ActivityKind] = true
			kinds = append(kinds, s.ActivityKind)
		}
	}
	sort.Strings(kinds)
	return kinds
}

// validateKindGraph checks the subgraph for one activity kind: exactly one
// initial stage, all stages reachable from it, no cycles, and every
// non-terminal stage with at least one outgoing edge.
func validateKindGraph(t domain.Template, kind string, stages map[string]domain.Stage, outgoing map[string][]domain.Transition) []string {
	var problems []string
	var initial string
	initialCount := 0
	for _, s := range t.Stages {
		if s.ActivityKind != kind {
			continue
		}
		if s.IsInitial {
			initialCount++
			initial = s.Key
		}
		if !s.IsTerminal && len(outgoing[s.Key]) == 0 {
			problems = append(problems, fmt.Sprintf("non-terminal stage %q (kind %s) has no outgoing transition", s.Key, kind))
		}
	}
	if initialCount != 1 {
		problems = append(problems, fmt.Sprintf("kind %s must have exactly one initial stage, found %d", kind, initialCount))
		return problems
	}

	// reachability from the initial stage
	reached := map[string]bool{initial: true}
	queue := []string{initial}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, tr := range outgoing[cur] {
			if !reached[tr.ToKey] {
				reached[tr.ToKey] = true
				queue = append(queue, tr.ToKey)
			}
		}
	}
	for _, s := range t.Stages {
		if s.ActivityKind == kind && !reached[s.Key] {
			problems = append(problems, fmt.Sprintf("stage %q (kind %s) is unreachable from initial stage %q", s.Key, kind, initial))
		}
	}

	// cycle detection, DFS with colors
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(key string) bool
	visit = func(key string) bool {
		color[key] = gray
		for _, tr := range outgoing[key] {
			switch color[tr.ToKey] {
			case gray:
				return true
			case white:
				if visit(tr.ToKey) {
					return true
				}
			}
		}
		color[key] = black
		return false
	}
	for _, s := range t.Stages {
		if s.ActivityKind == kind && color[s.Key] == white {
			if visit(s.Key) {
				problems = append(problems, fmt.Sprintf("stage graph for kind %s contains a cycle", kind))
				break
			}
		}
	}
	return problems
}

// Store registers validated templates. Registered rows are immutable; a
// changed definition must use a new template id.
type Store struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func NewStore(db *sql.DB) Store {
	return Store{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Register validates and persists a template definition.
func (s Store) Register(ctx context.Context, def Definition, actorID string) (domain.Template, error) {
	t := Build(def, s.now())
	if err := Validate(t); err != nil {
		return domain.Template{}, err
	}
	if _, err := s.Repo.GetTemplate(ctx, t.ID); err == nil {
		return domain.Template{}, domain.Validationf("template %s already registered; register a new id for a changed definition", t.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Template{}, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertTemplateTx(ctx, tx, t); err != nil {
		return domain.Template{}, fmt.Errorf("insert template: %w", err)
	}
	if err := s.Events.Append(ctx, tx, "template.registered", "", "template", t.ID, actorID, events.EventPayload{
		"name":           t.Name,
		"version":        t.Version,
		"reviewer_count": t.ReviewerCount,
		"token_pool":     t.TokenPool,
	}); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return t, nil
}

// Graph is an in-memory view of a template used by the state machine.
type Graph struct {
	Template domain.Template
	stages   map[string]domain.Stage
	outgoing map[string][]domain.Transition
}

func NewGraph(t domain.Template) *Graph {
	g := &Graph{
		Template: t,
		stages:   make(map[string]domain.Stage, len(t.Stages)),
		outgoing: make(map[string][]domain.Transition),
	}
	for _, s := range t.Stages {
		g.stages[s.Key] = s
	}
	for _, tr := range t.Transitions {
		g.outgoing[tr.FromKey] = append(g.outgoing[tr.FromKey], tr)
	}
	for key := range g.outgoing {
		edges := g.outgoing[key]
		sort.SliceStable(edges, func(i, j int) bool { return edges[i].Order < edges[j].Order })
		g.outgoing[key] = edges
	}
	return g
}

func (g *Graph) Stage(key string) (domain.Stage, bool) {
	s, ok := g.stages[key]
	return s, ok
}

// InitialStage returns the flagged initial stage for an activity kind.
func (g *Graph) InitialStage(kind string) (domain.Stage, bool) {
	if kind == "" {
		kind = domain.DefaultActivityKind
	}
	for _, s := range g.stages {
		if s.ActivityKind == kind && s.IsInitial {
			return s, true
		}
	}
	return domain.Stage{}, false
}

// Outgoing returns edges from a stage ordered by transition_order.
func (g *Graph) Outgoing(key string) []domain.Transition {
	return g.outgoing[key]
}

// Edge returns the transition from one stage to another, if it exists.
func (g *Graph) Edge(from, to string) (domain.Transition, bool) {
	for _, tr := range g.outgoing[from] {
		if tr.ToKey == to {
			return tr, true
		}
	}
	return domain.Transition{}, false
}
