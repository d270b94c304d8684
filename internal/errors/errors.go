// Package errors provides structured error handling for gapscan operations.
// It defines the error codes of the scan pipeline, the error types carrying
// them, and helpers for mapping errors onto process exit codes.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIG_ERROR"
	CodeCanceled      ErrorCode = "CANCELED"
	CodePermission    ErrorCode = "PERMISSION"

	// Probe outcomes. These are absorbed into result data and only appear
	// as errors inside probe backends.
	CodeProbeTimeout ErrorCode = "PROBE_TIMEOUT"
	CodeProbeRefused ErrorCode = "PROBE_REFUSED"

	// Pipeline errors.
	CodeProbeEngineUnavailable ErrorCode = "PROBE_ENGINE_UNAVAILABLE"
	CodeTargetUnreachable      ErrorCode = "TARGET_UNREACHABLE"
	CodeTargetInvalid          ErrorCode = "TARGET_INVALID"
	CodeReconciliationAnomaly  ErrorCode = "RECONCILIATION_ANOMALY"
	CodeInspectionFailed       ErrorCode = "INSPECTION_FAILED"

	// Output errors.
	CodeDirectoryCreate ErrorCode = "DIRECTORY_CREATE"
	CodeReportFailed    ErrorCode = "REPORT_FAILED"
)

// Exit statuses of a scan invocation.
const (
	ExitCompleted   = 0
	ExitNoOpenPorts = 1
	ExitUnreachable = 2
	ExitCanceled    = 3
)

// ScanError represents an error that occurred during scanning operations.
type ScanError struct {
	Code      ErrorCode
	Message   string
	Target    string
	Operation string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Target != "" {
		msg = fmt.Sprintf("%s (target: %s)", msg, e.Target)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithOperation records the operation that failed.
func (e *ScanError) WithOperation(op string) *ScanError {
	e.Operation = op
	return e
}

// New creates a new scan error with the specified code and message.
func New(code ErrorCode, message string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewWithTarget creates a scan error for a specific target.
func NewWithTarget(code ErrorCode, message, target string) *ScanError {
	e := New(code, message)
	e.Target = target
	return e
}

// Wrap wraps an existing error as a scan error.
func Wrap(code ErrorCode, message string, err error) *ScanError {
	e := New(code, message)
	e.Cause = err
	return e
}

// WrapWithTarget wraps an error with target information.
func WrapWithTarget(code ErrorCode, message, target string, err error) *ScanError {
	e := Wrap(code, message, err)
	e.Target = target
	return e
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// IsCode checks if an error, or any error it wraps, has a specific code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// GetCode extracts the error code from the first coded error in the chain.
func GetCode(err error) ErrorCode {
	for err != nil {
		switch e := err.(type) {
		case *ScanError:
			return e.Code
		case *ConfigError:
			return e.Code
		}
		err = stderrors.Unwrap(err)
	}
	return CodeUnknown
}

// IsRetryable determines if an error indicates a retryable condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeProbeTimeout, CodeInspectionFailed:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error should stop the scan session.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeProbeEngineUnavailable, CodeTargetUnreachable, CodeTargetInvalid,
		CodeConfiguration, CodeValidation, CodePermission:
		return true
	default:
		return false
	}
}

// ExitCode maps a terminal session error onto the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitCompleted
	}
	switch GetCode(err) {
	case CodeCanceled:
		return ExitCanceled
	default:
		return ExitUnreachable
	}
}

// ErrInvalidTarget creates an error for invalid scan targets.
func ErrInvalidTarget(target string) *ScanError {
	return NewWithTarget(CodeTargetInvalid, "invalid target specification", target)
}

// ErrTargetUnreachable creates an error for targets that cannot be reached.
func ErrTargetUnreachable(target string, cause error) *ScanError {
	return WrapWithTarget(CodeTargetUnreachable, "target is unreachable", target, cause)
}

// ErrProbeEngineUnavailable creates an error for a probe capability that cannot run.
func ErrProbeEngineUnavailable(cause error) *ScanError {
	return Wrap(CodeProbeEngineUnavailable, "probe engine unavailable", cause)
}

// ErrCanceled creates an error for an operator-cancelled session.
func ErrCanceled(target string, cause error) *ScanError {
	return WrapWithTarget(CodeCanceled, "scan cancelled", target, cause)
}

// ErrReconciliationAnomaly creates the non-fatal reconciliation warning.
func ErrReconciliationAnomaly(target, message string) *ScanError {
	return NewWithTarget(CodeReconciliationAnomaly, message, target)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "invalid configuration value", field, value)
}
