package domain

import "fmt"

// PredicateKind enumerates the typed condition predicates. Unknown kinds are
// rejected when a template is registered, not discovered at evaluation time.
type PredicateKind string

const (
	PredManual            PredicateKind = "manual"
	PredDeadlineReached   PredicateKind = "deadline_reached"
	PredReviewsSubmitted  PredicateKind = "reviews_submitted"
	PredReviewersJoined   PredicateKind = "reviewers_joined"
	PredReviewersLockedIn PredicateKind = "reviewers_locked_in"
	PredAuthorResponded   PredicateKind = "author_responded"
	PredAllFinalized      PredicateKind = "all_finalized"
	PredPayoutComplete    PredicateKind = "payout_complete"
)

func (k PredicateKind) Valid() bool {
	switch k {
	case PredManual, PredDeadlineReached, PredReviewsSubmitted, PredReviewersJoined,
		PredReviewersLockedIn, PredAuthorResponded, PredAllFinalized, PredPayoutComplete:
		return true
	}
	return false
}

// PredicateSpec is a condition leaf: a typed predicate kind plus its
// configuration. Count is the only knob the shipped predicates need; zero
// means "use the template's reviewer count" where a count applies.
type PredicateSpec struct {
	Kind  PredicateKind `json:"kind" yaml:"kind"`
	Count int           `json:"count,omitempty" yaml:"count,omitempty"`
}

// Expr is a boolean condition tree. Exactly one of All (AND), Any (OR),
// Not, or When (leaf) must be set on each node.
type Expr struct {
	All  []Expr         `json:"all,omitempty" yaml:"all,omitempty"`
	Any  []Expr         `json:"any,omitempty" yaml:"any,omitempty"`
	Not  *Expr          `json:"not,omitempty" yaml:"not,omitempty"`
	When *PredicateSpec `json:"when,omitempty" yaml:"when,omitempty"`
}

// Check validates the tree shape and predicate kinds, returning one problem
// string per defect. Path identifies the node in error messages.
func (e Expr) Check(path string) []string {
	var problems []string
	arms := 0
	if len(e.All) > 0 {
		arms++
	}
	if len(e.Any) > 0 {
		arms++
	}
	if e.Not != nil {
		arms++
	}
	if e.When != nil {
		arms++
	}
	if arms != 1 {
		problems = append(problems, fmt.Sprintf("%s: expression node must set exactly one of all/any/not/when", path))
		return problems
	}
	for i, child := range e.All {
		problems = append(problems, child.Check(fmt.Sprintf("%s.all[%d]", path, i))...)
	}
	for i, child := range e.Any {
		problems = append(problems, child.Check(fmt.Sprintf("%s.any[%d]", path, i))...)
	}
	if e.Not != nil {
		problems = append(problems, e.Not.Check(path+".not")...)
	}
	if e.When != nil {
		if !e.When.Kind.Valid() {
			problems = append(problems, fmt.Sprintf("%s: unknown predicate kind %q", path, e.When.Kind))
		}
		if e.When.Count < 0 {
			problems = append(problems, fmt.Sprintf("%s: negative count", path))
		}
	}
	return problems
}

// ContainsManual reports whether any leaf is the manual predicate. Manual
// leaves gate presence-of-trigger and make an edge unreachable automatically.
func (e Expr) ContainsManual() bool {
	if e.When != nil {
		return e.When.Kind == PredManual
	}
	for _, child := range e.All {
		if child.ContainsManual() {
			return true
		}
	}
	for _, child := range e.Any {
		if child.ContainsManual() {
			return true
		}
	}
	if e.Not != nil {
		return e.Not.ContainsManual()
	}
	return false
}

// ManualExpr is the trivial condition for manually triggered edges.
func ManualExpr() Expr {
	return Expr{When: &PredicateSpec{Kind: PredManual}}
}
