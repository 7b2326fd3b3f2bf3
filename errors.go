package keel

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents the category of a save failure.
type ErrorType string

const (
	ErrorTypeValidation                ErrorType = "validation"
	ErrorTypeRelationshipConfiguration ErrorType = "relationship_configuration"
	ErrorTypeKeyGeneration             ErrorType = "key_generation"
	ErrorTypePersistenceConstraint     ErrorType = "persistence_constraint"
	ErrorTypeInfrastructure            ErrorType = "infrastructure"
)

// Error codes
const (
	ErrCodeValidationFailed       = "VALIDATION_FAILED"
	ErrCodeRequired               = "REQUIRED"
	ErrCodeMaxLength              = "MAX_LENGTH"
	ErrCodeMissingForeignKey      = "MISSING_FOREIGN_KEY_MAPPING"
	ErrCodeUnknownEntityType      = "UNKNOWN_ENTITY_TYPE"
	ErrCodeCyclicDependency       = "CYCLIC_DEPENDENCY"
	ErrCodeCounterContention      = "COUNTER_CONTENTION"
	ErrCodeCounterUnavailable     = "COUNTER_UNAVAILABLE"
	ErrCodeKeyTypeUnsupported     = "KEY_TYPE_UNSUPPORTED"
	ErrCodeKeyOverflow            = "KEY_OVERFLOW"
	ErrCodeConcurrencyViolation   = "CONCURRENCY_VIOLATION"
	ErrCodeConstraintViolation    = "CONSTRAINT_VIOLATION"
	ErrCodeTransactionFailed      = "TRANSACTION_FAILED"
	ErrCodeValidatorMisconfigured = "VALIDATOR_MISCONFIGURED"
)

// SaveError is a fatal save failure.
type SaveError struct {
	Type    ErrorType      `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Entity  string         `json:"entity,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *SaveError) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
	if e.Entity != "" {
		msg = fmt.Sprintf("[%s:%s] entity %s: %s", e.Type, e.Code, e.Entity, e.Message)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SaveError) Unwrap() error {
	return e.Cause
}

// WithCause adds a cause to a SaveError
func (e *SaveError) WithCause(cause error) *SaveError {
	e.Cause = cause
	return e
}

// WithEntity adds the entity type name to a SaveError
func (e *SaveError) WithEntity(entityType string) *SaveError {
	e.Entity = entityType
	return e
}

// WithDetail adds a single detail to a SaveError
func (e *SaveError) WithDetail(key string, value any) *SaveError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewSaveError creates a new SaveError
func NewSaveError(errorType ErrorType, code, message string) *SaveError {
	return &SaveError{
		Type:    errorType,
		Code:    code,
		Message: message,
	}
}

// NewRelationshipConfigurationError reports a broken relationship map entry.
func NewRelationshipConfigurationError(code, message string) *SaveError {
	return NewSaveError(ErrorTypeRelationshipConfiguration, code, message)
}

// NewKeyGenerationError reports a key allocation failure.
func NewKeyGenerationError(code, message string) *SaveError {
	return NewSaveError(ErrorTypeKeyGeneration, code, message)
}

// NewInfrastructureError wraps an unexpected backend failure.
func NewInfrastructureError(message string, cause error) *SaveError {
	return NewSaveError(ErrorTypeInfrastructure, ErrCodeTransactionFailed, message).WithCause(cause)
}

// EntityErrorsError aggregates entity errors into one failure. It is raised
// when validation fails and the caller asked to throw on invalid input.
type EntityErrorsError struct {
	Errors []EntityError `json:"errors"`
}

func (e *EntityErrorsError) Error() string {
	if len(e.Errors) == 0 {
		return "no entity errors"
	}
	if len(e.Errors) == 1 {
		return "entity error: " + formatEntityError(e.Errors[0])
	}
	parts := make([]string, 0, len(e.Errors))
	for _, ee := range e.Errors {
		parts = append(parts, formatEntityError(ee))
	}
	return fmt.Sprintf("%d entity errors: %s", len(e.Errors), strings.Join(parts, "; "))
}

func formatEntityError(ee EntityError) string {
	if ee.PropertyName != "" {
		return fmt.Sprintf("%s.%s %s: %s", ee.EntityTypeName, ee.PropertyName, ee.ErrorName, ee.Message)
	}
	return fmt.Sprintf("%s %s: %s", ee.EntityTypeName, ee.ErrorName, ee.Message)
}

// ConstraintError is returned by backends for recognized entity-level
// failures: constraint violations and optimistic concurrency mismatches.
type ConstraintError struct {
	EntityTypeName string
	ErrorName      string
	Message        string
	PropertyName   string
	KeyValues      []any
	Cause          error
}

func (e *ConstraintError) Error() string {
	if e.PropertyName != "" {
		return fmt.Sprintf("constraint error [%s] on %s.%s: %s", e.ErrorName, e.EntityTypeName, e.PropertyName, e.Message)
	}
	return fmt.Sprintf("constraint error [%s] on %s: %s", e.ErrorName, e.EntityTypeName, e.Message)
}

func (e *ConstraintError) Unwrap() error {
	return e.Cause
}

// EntityError converts the failure into the reported shape.
func (e *ConstraintError) EntityError() EntityError {
	return EntityError{
		EntityTypeName: e.EntityTypeName,
		ErrorName:      e.ErrorName,
		Message:        e.Message,
		KeyValues:      e.KeyValues,
		PropertyName:   e.PropertyName,
	}
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}

// IsSaveErrorType checks if err wraps a SaveError of the given type.
func IsSaveErrorType(err error, errorType ErrorType) bool {
	var se *SaveError
	if errors.As(err, &se) {
		return se.Type == errorType
	}
	return false
}

// IsKeyGenerationError checks if an error is a key generation error
func IsKeyGenerationError(err error) bool {
	return IsSaveErrorType(err, ErrorTypeKeyGeneration)
}

// IsRelationshipConfigurationError checks if an error is a relationship configuration error
func IsRelationshipConfigurationError(err error) bool {
	return IsSaveErrorType(err, ErrorTypeRelationshipConfiguration)
}

// IsInfrastructureError checks if an error is an infrastructure error
func IsInfrastructureError(err error) bool {
	return IsSaveErrorType(err, ErrorTypeInfrastructure)
}

// AsEntityErrors extracts aggregated entity errors from err.
func AsEntityErrors(err error) ([]EntityError, bool) {
	var ee *EntityErrorsError
	if errors.As(err, &ee) {
		return ee.Errors, true
	}
	return nil, false
}

// AsConstraintError extracts a backend constraint error from err.
func AsConstraintError(err error) (*ConstraintError, bool) {
	var ce *ConstraintError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
