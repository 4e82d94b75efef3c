package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an infrastructure error.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: a locked database file, an unreachable SSH host.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid component definitions, unreadable manifests.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the component or package that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		fmt.Fprintf(&sb, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		fmt.Fprintf(&sb, " (resource=%s)", e.Resource)
	case e.Operation != "":
		fmt.Fprintf(&sb, " (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeStorage    = "STORAGE_ERROR"
	ErrCodeManifest   = "MANIFEST_ERROR"
	ErrCodeInternal   = "INTERNAL_ERROR"
)

// ErrorType classifies the diagnostics collected during a run.
type ErrorType string

const (
	// ErrorTypeExecutionErrorOnBefore is a before-start action fault.
	ErrorTypeExecutionErrorOnBefore ErrorType = "execution_error_on_before"

	// ErrorTypeExecutionErrorOnAfter is an after-start action fault.
	ErrorTypeExecutionErrorOnAfter ErrorType = "execution_error_on_after"

	// ErrorTypeDuplicatedInstaller reports more than one installer for a component.
	ErrorTypeDuplicatedInstaller ErrorType = "duplicated_installer"

	// ErrorTypeMissingVersion reports an upgrade patch with no installed
	// version it could start from.
	ErrorTypeMissingVersion ErrorType = "missing_version"

	// ErrorTypeUnsupportedPatch reports a patch the engine cannot evaluate.
	ErrorTypeUnsupportedPatch ErrorType = "unsupported_patch"

	// ErrorTypeCannotExecuteOnBefore reports a patch stuck in the before phase.
	ErrorTypeCannotExecuteOnBefore ErrorType = "cannot_execute_on_before"

	// ErrorTypeCannotExecuteOnAfter reports a patch stuck in the after phase.
	ErrorTypeCannotExecuteOnAfter ErrorType = "cannot_execute_on_after"
)

// PatchExecutionError is a classified diagnostic about one or more patches.
type PatchExecutionError struct {
	// Type is the error classification.
	Type ErrorType `json:"type"`

	// Patches are the patches the error is about.
	Patches []*Patch `json:"-"`

	// Message is the human-readable explanation.
	Message string `json:"message"`
}

// NewPatchExecutionError creates a diagnostic for the given patches.
func NewPatchExecutionError(typ ErrorType, message string, patches ...*Patch) *PatchExecutionError {
	return &PatchExecutionError{Type: typ, Patches: patches, Message: message}
}

// Error implements the error interface.
func (e *PatchExecutionError) Error() string {
	if len(e.Patches) == 0 {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	names := make([]string, len(e.Patches))
	for i, p := range e.Patches {
		names[i] = p.String()
	}
	return fmt.Sprintf("%s: %s [%s]", e.Type, e.Message, strings.Join(names, "; "))
}
