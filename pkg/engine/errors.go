package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/lexflow/pkg/dispatch"
	"github.com/dukex/lexflow/pkg/models"
)

var (
	ErrDefinitionNotActive = errors.New("definition is not active")
	ErrInvalidTransition   = errors.New("invalid execution state transition")
	ErrNotInProgress       = errors.New("execution is not in progress")
	ErrStepNotCurrent      = errors.New("step is not the current step")
	ErrInvalidDecision     = errors.New("decision must be APROBADO or RECHAZADO")
	ErrApprovalNotPending  = errors.New("no pending approval for this approver")
	ErrContextKeyOwned     = errors.New("context key is owned by another step")

	// Recorded into step history, never returned by entry points.
	ErrStepTimeout        = errors.New("step timed out")
	ErrExecutionTimeout   = errors.New("execution exceeded its global timeout")
	ErrBackwardTransition = errors.New("successor does not come after the current step")
	ErrStepUndefined      = errors.New("step is no longer part of the definition")
)

// Kinds of the errors recorded on executions.
const (
	ErrorKindStepTimeout      = "StepTimeout"
	ErrorKindExecutionTimeout = "ExecutionTimeout"
	ErrorKindActionDispatch   = "ActionDispatchError"
	ErrorKindRejected         = "ApprovalRejected"
	ErrorKindCondition        = "ConditionNotMet"
	ErrorKindAction           = "ActionFailed"
	ErrorKindTransition       = "InvalidTransition"
	ErrorKindStart            = "StartFailed"
)

// TransitionError is returned when an execution cannot move to the requested
// status.
type TransitionError struct {
	ExecutionID string
	From        models.ExecutionStatus
	To          models.ExecutionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("execution %s cannot move from %s to %s", e.ExecutionID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// DefinitionStateError is returned when starting a definition that is not
// active.
type DefinitionStateError struct {
	DefinitionID string
	Status       models.DefinitionStatus
}

func (e *DefinitionStateError) Error() string {
	return fmt.Sprintf("definition %s is %s, not activo", e.DefinitionID, e.Status)
}

func (e *DefinitionStateError) Is(target error) bool {
	return target == ErrDefinitionNotActive
}

// OwnershipError lists context keys a context update may not overwrite.
type OwnershipError struct {
	Keys []string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("context keys owned by other steps: %s", strings.Join(e.Keys, ", "))
}

func (e *OwnershipError) Is(target error) bool {
	return target == ErrContextKeyOwned
}

func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

func IsNotInProgress(err error) bool {
	return errors.Is(err, ErrNotInProgress)
}

func IsDefinitionNotActive(err error) bool {
	return errors.Is(err, ErrDefinitionNotActive)
}

// errorKind classifies a step failure for the execution error list.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrStepTimeout), errors.Is(err, dispatch.ErrApprovalTimeout):
		return ErrorKindStepTimeout
	case errors.Is(err, ErrExecutionTimeout):
		return ErrorKindExecutionTimeout
	case dispatch.IsRetryable(err):
		return ErrorKindActionDispatch
	case errors.Is(err, dispatch.ErrApprovalRejected):
		return ErrorKindRejected
	case errors.Is(err, dispatch.ErrConditionNotMet):
		return ErrorKindCondition
	case errors.Is(err, ErrBackwardTransition):
		return ErrorKindTransition
	default:
		return ErrorKindAction
	}
}
