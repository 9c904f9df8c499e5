package workflow

import (
	"errors"
	"fmt"

	"moldflow/backend/pkg/models"
)

// Validation error codes.
const (
	CodeIllegalTransition = "illegal_transition"
	CodeUnknownAction     = "unknown_action"
	CodeUnknownType       = "unknown_type"
	CodeInvalidStatus     = "invalid_status"
	CodeMissingField      = "missing_field"
	CodeInvalidField      = "invalid_field"
	CodeGateNotApproved   = "gate_not_approved"
	CodeGateNotPending    = "gate_not_pending"
	CodeTypeMismatch      = "type_mismatch"
	CodeNotEditable       = "not_editable"
)

// ValidationError reports a request that is illegal for the record's data.
// It is raised before any state mutation.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s (%s): %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Code, e.Message)
}

// AuthorizationError reports a role that may not act on the record's stage.
type AuthorizationError struct {
	Role     models.Role
	Workflow models.WorkflowType
	Stage    models.Status
	Action   models.Action
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("role %q may not %s %s records in stage %q", e.Role, e.Action, e.Workflow, e.Stage)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsAuthorization reports whether err is an AuthorizationError.
func IsAuthorization(err error) bool {
	var a *AuthorizationError
	return errors.As(err, &a)
}

func invalid(code, field, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}
