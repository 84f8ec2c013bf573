package domain

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

var (
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrAlreadyExists  = errors.New("resource already exists")
	ErrNotFound       = errors.New("resource not found")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrTimeout        = errors.New("operation timeout")
	ErrConnection     = errors.New("connection error")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNoRoutes       = errors.New("no routes registered")
	ErrClosed         = errors.New("closed")
)

type ErrorCategory string

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryPlugin        ErrorCategory = "plugin"
	CategoryCoordination  ErrorCategory = "coordination"
	CategoryStorage       ErrorCategory = "storage"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryResource      ErrorCategory = "resource"
	CategoryNotFound      ErrorCategory = "not_found"
)

type ErrorSeverity string

const (
	SeverityWarning  ErrorSeverity = "warning"
	SeverityError    ErrorSeverity = "error"
	SeverityCritical ErrorSeverity = "critical"
)

type ErrorContext struct {
	Component string
	Operation string
	WorkerID  string
	Details   map[string]interface{}

	File     string
	Line     int
	Function string
}

type DomainError struct {
	Category   ErrorCategory
	Severity   ErrorSeverity
	Code       string
	Message    string
	Cause      error
	Context    ErrorContext
	Retryable  bool
	UserFacing bool
	Timestamp  time.Time
}

type ErrorOption func(*DomainError)

func WithComponent(component string) ErrorOption {
	return func(e *DomainError) {
		e.Context.Component = component
	}
}

func WithOperation(operation string) ErrorOption {
	return func(e *DomainError) {
		e.Context.Operation = operation
	}
}

func WithWorkerID(workerID string) ErrorOption {
	return func(e *DomainError) {
		e.Context.WorkerID = workerID
	}
}

func WithContextDetail(key string, value interface{}) ErrorOption {
	return func(e *DomainError) {
		if e.Context.Details == nil {
			e.Context.Details = make(map[string]interface{})
		}
		e.Context.Details[key] = value
	}
}

func WithSeverity(severity ErrorSeverity) ErrorOption {
	return func(e *DomainError) {
		e.Severity = severity
	}
}

func (e *DomainError) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Category))
	if e.Context.Component != "" {
		b.WriteString(":")
		b.WriteString(e.Context.Component)
	}
	b.WriteString("] ")
	b.WriteString(e.Code)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches another DomainError of the same category.
func (e *DomainError) Is(target error) bool {
	var other *DomainError
	if !errors.As(target, &other) {
		return false
	}
	return e.Category == other.Category
}

func (e *DomainError) WithOperation(operation string) *DomainError {
	e.Context.Operation = operation
	return e
}

func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	WithContextDetail(key, value)(e)
	return e
}

func newDomainError(category ErrorCategory, message string, cause error, retryable, userFacing bool, opts ...ErrorOption) *DomainError {
	err := &DomainError{
		Category:   category,
		Severity:   SeverityError,
		Code:       inferErrorCode(category, message),
		Message:    message,
		Cause:      cause,
		Retryable:  retryable,
		UserFacing: userFacing,
		Timestamp:  time.Now(),
	}
	captureCallSite(err, 3)
	for _, opt := range opts {
		opt(err)
	}
	return err
}

func captureCallSite(err *DomainError, skip int) {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return
	}
	err.Context.File = file
	err.Context.Line = line
	if fn := runtime.FuncForPC(pc); fn != nil {
		err.Context.Function = fn.Name()
	}
}

func inferErrorCode(category ErrorCategory, message string) string {
	prefix := strings.ToUpper(string(category))
	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "already exists"), strings.Contains(lower, "duplicate"):
		return prefix + "_DUPLICATE"
	case strings.Contains(lower, "not found"), strings.Contains(lower, "unknown"):
		return prefix + "_NOT_FOUND"
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline"):
		return prefix + "_TIMEOUT"
	case strings.Contains(lower, "required"), strings.Contains(lower, "missing"):
		return prefix + "_REQUIRED"
	case strings.Contains(lower, "unavailable"), strings.Contains(lower, "connection"):
		return prefix + "_UNAVAILABLE"
	}
	return prefix + "_INVALID"
}

func NewValidationError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryValidation, message, cause, false, true, opts...)
}

func NewConfigurationError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryConfiguration, message, cause, false, true, opts...)
}

func NewPluginError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryPlugin, message, cause, false, false, opts...)
}

func NewCoordinationError(message string, cause error, opts ...ErrorOption) *DomainError {
	if cause == nil {
		cause = ErrConnection
	} else if !errors.Is(cause, ErrConnection) {
		cause = fmt.Errorf("%w: %w", ErrConnection, cause)
	}
	return newDomainError(CategoryCoordination, message, cause, true, false, opts...)
}

func NewStorageError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryStorage, message, cause, false, false, opts...)
}

func NewTimeoutError(message string, cause error, opts ...ErrorOption) *DomainError {
	if cause == nil {
		cause = ErrTimeout
	}
	return newDomainError(CategoryTimeout, message, cause, true, false, opts...)
}

func NewResourceError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryResource, message, cause, true, false, opts...)
}

func NewNotFoundError(resource, id string, opts ...ErrorOption) *DomainError {
	opts = append([]ErrorOption{WithContextDetail("resource", resource), WithContextDetail("id", id)}, opts...)
	return newDomainError(CategoryNotFound, fmt.Sprintf("%s %s not found", resource, id), ErrNotFound, false, true, opts...)
}

func NewAlreadyExistsError(resource, id string, opts ...ErrorOption) *DomainError {
	opts = append([]ErrorOption{WithContextDetail("resource", resource), WithContextDetail("id", id)}, opts...)
	return newDomainError(CategoryValidation, fmt.Sprintf("%s %s already exists", resource, id), ErrAlreadyExists, false, true, opts...)
}

type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in field %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{Field: field, Err: err}
}

func IsDomainError(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr)
}

func GetErrorCategory(err error) ErrorCategory {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Category
	}
	return ""
}

func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnection)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}
