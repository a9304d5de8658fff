// Package graph validates the step structure of a definition and resolves
// successor steps.
package graph

import (
	"errors"
	"fmt"
	"slices"

	"github.com/dukex/lexflow/pkg/models"
)

// ErrorKind classifies a structural problem of a definition.
type ErrorKind string

const (
	KindNoSteps           ErrorKind = "NoSteps"
	KindDuplicateOrder    ErrorKind = "DuplicateOrder"
	KindDuplicateID       ErrorKind = "DuplicateID"
	KindDanglingReference ErrorKind = "DanglingReference"
	KindInvalidOrder      ErrorKind = "InvalidOrder"
	KindInvalidAction     ErrorKind = "InvalidAction"
	KindInvalidCondition  ErrorKind = "InvalidCondition"
)

// ErrStructural matches every StructuralError through errors.Is.
var ErrStructural = errors.New("structural error")

// StructuralError describes why a definition cannot be executed.
type StructuralError struct {
	Kind   ErrorKind
	Order  int
	Target int
	StepID string
	Err    error
}

func (e *StructuralError) Error() string {
	switch e.Kind {
	case KindNoSteps:
		return "definition has no steps"
	case KindDuplicateOrder:
		return fmt.Sprintf("order %d is used by more than one step not marked parallel", e.Order)
	case KindDuplicateID:
		return fmt.Sprintf("step id %q of step %d is already used by another step", e.StepID, e.Order)
	case KindDanglingReference:
		return fmt.Sprintf("step %d references missing step %d", e.Order, e.Target)
	case KindInvalidOrder:
		return fmt.Sprintf("step order %d must be a positive integer", e.Order)
	default:
		return fmt.Sprintf("step %d: %s: %v", e.Order, e.Kind, e.Err)
	}
}

func (e *StructuralError) Unwrap() error {
	return e.Err
}

func (e *StructuralError) Is(target error) bool {
	return target == ErrStructural
}

// IsStructural reports whether err carries a StructuralError.
func IsStructural(err error) bool {
	return errors.Is(err, ErrStructural)
}

// Validate checks the steps of a definition. All problems are reported,
// joined in step order.
func Validate(steps []*models.Step) error {
	if len(steps) == 0 {
		return &StructuralError{Kind: KindNoSteps}
	}

	var errs []error

	byOrder := map[int][]*models.Step{}
	ids := map[string]bool{}

	for _, step := range steps {
		if step.ID != "" {
			if ids[step.ID] {
				errs = append(errs, &StructuralError{Kind: KindDuplicateID, Order: step.Order, StepID: step.ID})
			}

			ids[step.ID] = true
		}

		if step.Order < 1 {
			errs = append(errs, &StructuralError{Kind: KindInvalidOrder, Order: step.Order})

			continue
		}

		byOrder[step.Order] = append(byOrder[step.Order], step)
	}

	orders := sortedOrders(byOrder)

	for _, order := range orders {
		group := byOrder[order]
		// siblings may only share an order when all of them are parallel
		if len(group) > 1 && slices.ContainsFunc(group, func(s *models.Step) bool { return !s.Parallel }) {
			errs = append(errs, &StructuralError{Kind: KindDuplicateOrder, Order: order})
		}

		for _, step := range group {
			for _, ref := range []*int{step.OnSuccess, step.OnFailure} {
				if ref != nil {
					if _, ok := byOrder[*ref]; !ok {
						errs = append(errs, &StructuralError{Kind: KindDanglingReference, Order: order, Target: *ref})
					}
				}
			}

			for i := range step.Actions {
				if err := step.Actions[i].Validate(); err != nil {
					errs = append(errs, &StructuralError{Kind: KindInvalidAction, Order: order, Err: fmt.Errorf("action %d: %w", i, err)})
				}
			}

			for _, c := range step.Conditions {
				if err := c.Validate(); err != nil {
					errs = append(errs, &StructuralError{Kind: KindInvalidCondition, Order: order, Err: err})
				}
			}
		}
	}

	return errors.Join(errs...)
}

// Outcome is the joint result of a step group.
type Outcome int

const (
	Success Outcome = iota
	Failure
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}

	return "failure"
}

// Resolution is where an execution goes after a group finishes.
type Resolution struct {
	// Order of the next group, meaningful when Terminal is false
	Order int
	// Terminal means there is no successor on the taken branch
	Terminal bool
	// Outcome the execution terminates with when Terminal is set. A failure of
	// an optional step without failure successor resolves as Success.
	Outcome Outcome
}

// Graph is an immutable, validated view of a definition's steps.
type Graph struct {
	orders []int
	groups map[int][]*models.Step
}

// New validates steps and builds the graph.
func New(steps []*models.Step) (*Graph, error) {
	if err := Validate(steps); err != nil {
		return nil, err
	}

	groups := map[int][]*models.Step{}
	for _, step := range steps {
		groups[step.Order] = append(groups[step.Order], step)
	}

	return &Graph{orders: sortedOrders(groups), groups: groups}, nil
}

// First returns the lowest step order.
func (g *Graph) First() int {
	return g.orders[0]
}

// Group returns the steps sharing order, in definition order.
func (g *Graph) Group(order int) []*models.Step {
	return g.groups[order]
}

// Has reports whether a group exists at order.
func (g *Graph) Has(order int) bool {
	_, ok := g.groups[order]

	return ok
}

// Next resolves the successor of the group at order. Siblings of a parallel
// group share successors: the first sibling declaring one wins. A group is
// mandatory when any sibling is.
func (g *Graph) Next(order int, outcome Outcome) Resolution {
	group := g.groups[order]

	if outcome == Failure {
		if target := firstRef(group, func(s *models.Step) *int { return s.OnFailure }); target != nil {
			return Resolution{Order: *target}
		}

		if slices.ContainsFunc(group, func(s *models.Step) bool { return s.Mandatory }) {
			return Resolution{Terminal: true, Outcome: Failure}
		}
	}

	if target := firstRef(group, func(s *models.Step) *int { return s.OnSuccess }); target != nil {
		return Resolution{Order: *target}
	}

	if next, ok := g.after(order); ok {
		return Resolution{Order: next}
	}

	return Resolution{Terminal: true, Outcome: Success}
}

func (g *Graph) after(order int) (int, bool) {
	for _, o := range g.orders {
		if o > order {
			return o, true
		}
	}

	return 0, false
}

func firstRef(group []*models.Step, ref func(*models.Step) *int) *int {
	for _, step := range group {
		if r := ref(step); r != nil {
			return r
		}
	}

	return nil
}

func sortedOrders(groups map[int][]*models.Step) []int {
	orders := make([]int, 0, len(groups))
	for order := range groups {
		orders = append(orders, order)
	}

	slices.Sort(orders)

	return orders
}
