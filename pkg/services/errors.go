// Package services implements the definition, execution and ingress use cases
// on top of the engine and the repositories.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/lexflow/pkg/engine"
	"github.com/dukex/lexflow/pkg/graph"
	"github.com/dukex/lexflow/pkg/models"
	"github.com/dukex/lexflow/pkg/persistence"
	"github.com/dukex/lexflow/pkg/trigger"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidSortField = errors.New("invalid sort field")
	ErrInvalidStatus    = errors.New("invalid definition status")
	ErrInvalidEvent     = errors.New("event is not a domain event of the catalog")
	ErrInvalidImport    = errors.New("invalid import document")

	// Not Found (404).
	ErrDefinitionNotFound = persistence.ErrDefinitionNotFound
	ErrExecutionNotFound  = persistence.ErrExecutionNotFound

	// Business Logic Conflicts (409 Conflict).
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotEditable       = errors.New("definition cannot be modified in its current state")
	ErrActiveExecutions  = errors.New("definition has active executions")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// TransitionError names the refused state change of a definition.
type TransitionError struct {
	DefinitionID string
	From         models.DefinitionStatus
	To           models.DefinitionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("definition %s cannot move from %q to %q", e.DefinitionID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidSortField) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrInvalidImport) ||
		errors.Is(err, persistence.ErrInvalidSortField) ||
		errors.Is(err, engine.ErrInvalidDecision) ||
		graph.IsStructural(err)
}

// IsNotFound checks if an error should return HTTP 404.
func IsNotFound(err error) bool {
	return persistence.IsDefinitionNotFound(err) || persistence.IsExecutionNotFound(err)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotEditable) ||
		errors.Is(err, ErrActiveExecutions) ||
		errors.Is(err, engine.ErrInvalidTransition) ||
		errors.Is(err, engine.ErrNotInProgress) ||
		errors.Is(err, engine.ErrDefinitionNotActive) ||
		errors.Is(err, engine.ErrStepNotCurrent) ||
		errors.Is(err, engine.ErrApprovalNotPending) ||
		errors.Is(err, engine.ErrContextKeyOwned) ||
		persistence.IsConcurrencyConflict(err)
}

// IsForbidden checks if an error should return HTTP 403.
func IsForbidden(err error) bool {
	return errors.Is(err, trigger.ErrManualNotAuthorized) || errors.Is(err, trigger.ErrWebhookSecret)
}
