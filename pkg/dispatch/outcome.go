// Package dispatch performs the side effect of a step action and reports
// whether it is pending, completed or failed.
package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/dukex/lexflow/pkg/condition"
	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/notification"
)

// Kind is the state an action is left in by a dispatch.
type Kind int

const (
	KindPending Kind = iota
	KindCompleted
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindPending:
		return "pending"
	case KindCompleted:
		return "completed"
	default:
		return "failed"
	}
}

// Outcome is the result of dispatching one action.
type Outcome struct {
	Kind Kind
	// CorrelationID identifies the awaited callback of a pending action
	CorrelationID string
	// Deadline is when a pending action must be re-examined
	Deadline *time.Time
	Data     map[string]any
	Err      error
	// Notices are messages the caller sends once the outcome is persisted
	Notices []notification.Message
}

func Pending(correlationID string, deadline *time.Time) Outcome {
	return Outcome{Kind: KindPending, CorrelationID: correlationID, Deadline: deadline}
}

func Completed(data map[string]any) Outcome {
	return Outcome{Kind: KindCompleted, Data: data}
}

func Failed(err error) Outcome {
	return Outcome{Kind: KindFailed, Err: err}
}

var (
	// ErrActionDispatch marks transport and integration failures. They are
	// retried by the engine according to the definition retry policy.
	ErrActionDispatch = errors.New("action dispatch failed")

	ErrApprovalRejected        = errors.New("approval rejected")
	ErrApprovalTimeout         = errors.New("approval timed out")
	ErrConditionNotMet         = errors.New("branch condition not met")
	ErrCollaboratorUnavailable = errors.New("no collaborator configured for action")
)

// DispatchError describes a failed call to an external collaborator.
type DispatchError struct {
	Action     models.ActionType
	StatusCode int
	Body       string
	Err        error
}

func (e *DispatchError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: unexpected status %d", e.Action, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Action, e.Err)
	default:
		return fmt.Sprintf("%s: dispatch failed", e.Action)
	}
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

func (e *DispatchError) Is(target error) bool {
	return target == ErrActionDispatch
}

// IsRetryable reports whether err is a transport or integration failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrActionDispatch)
}

// RejectionError names the approver who rejected.
type RejectionError struct {
	ApproverID string
	Comments   string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("approval rejected by %s", e.ApproverID)
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrApprovalRejected
}

// ConditionError carries the diagnostics of a failed inline branch.
type ConditionError struct {
	Diagnostics []condition.Diagnostic
}

func (e *ConditionError) Error() string {
	if len(e.Diagnostics) == 0 {
		return ErrConditionNotMet.Error()
	}

	return fmt.Sprintf("%s: %s", ErrConditionNotMet, e.Diagnostics[0])
}

func (e *ConditionError) Is(target error) bool {
	return target == ErrConditionNotMet
}

// Apply records an outcome into the action state.
func Apply(state *models.ActionState, outcome Outcome) {
	switch outcome.Kind {
	case KindPending:
		state.Status = models.ActionStatusPending
		state.CorrelationID = outcome.CorrelationID
		state.Deadline = outcome.Deadline
	case KindCompleted:
		state.Status = models.ActionStatusCompleted
		state.Output = outcome.Data
		state.Deadline = nil
		state.Error = ""
	case KindFailed:
		state.Status = models.ActionStatusFailed
		state.Deadline = nil

		if outcome.Err != nil {
			state.Error = outcome.Err.Error()
		}
	}
}

// FromState rebuilds the outcome of an already finished action.
func FromState(state *models.ActionState) Outcome {
	switch state.Status {
	case models.ActionStatusCompleted:
		return Completed(state.Output)
	case models.ActionStatusFailed:
		return Failed(errors.New(state.Error))
	default:
		return Pending(state.CorrelationID, state.Deadline)
	}
}
