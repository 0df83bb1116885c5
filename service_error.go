package corekit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity classifies how serious a ServiceError is. Severity drives which
// degraded state a fault isolator presents and how aggressively recovery
// is attempted.
type Severity int

const (
	// SeverityLow marks errors such as validation failures that are shown
	// inline and never retried.
	SeverityLow Severity = iota

	// SeverityMedium marks typical transient service faults, retried with
	// backoff before degrading.
	SeverityMedium

	// SeverityHigh marks payment or critical-flow faults that are isolated
	// but require explicit user action rather than automatic retry.
	SeverityHigh

	// SeverityCritical marks configuration or initialization failures with
	// no automatic path back to normal operation.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RecoveryStrategy is the recommended way to recover from a ServiceError.
type RecoveryStrategy string

const (
	// RecoveryNone indicates no automatic recovery is recommended.
	RecoveryNone RecoveryStrategy = ""

	// RecoveryRetry recommends retrying the failed operation with backoff.
	RecoveryRetry RecoveryStrategy = "retry"

	// RecoveryFallback recommends switching to a degraded alternative.
	RecoveryFallback RecoveryStrategy = "fallback"

	// RecoveryCircuitBreak recommends suspending calls to the failing
	// collaborator until it recovers.
	RecoveryCircuitBreak RecoveryStrategy = "circuit-break"

	// RecoveryEscalate recommends surfacing the failure to an operator.
	RecoveryEscalate RecoveryStrategy = "escalate"
)

// DefaultMaxRetries is the retry ceiling applied when callers of
// ShouldRetry do not supply their own.
const DefaultMaxRetries = 3

// ServiceError is the typed, classified error value used throughout the
// framework. It is immutable once constructed except for context
// accumulation via WithContext and retry counting via IncrementRetry.
//
// ServiceError implements the error interface and supports errors.Unwrap,
// so it composes with the standard errors package.
type ServiceError struct {
	// Message is the internal description of the failure. It is logged,
	// never shown to end users; user display goes through UserMessage.
	Message string

	// Code is the taxonomy key, e.g. "AUTH_FAILED" or "NETWORK_ERROR".
	Code string

	// Severity classifies how serious the failure is.
	Severity Severity

	// Recoverable reports whether automatic recovery may be attempted.
	// When false the framework never auto-retries this error.
	Recoverable bool

	// ModuleID names the component the error originated in.
	ModuleID string

	// Timestamp records when the error was constructed.
	Timestamp time.Time

	// ErrorID uniquely identifies this construction for log correlation.
	ErrorID string

	// RetryCount is the number of recovery attempts made so far. It only
	// ever increases.
	RetryCount int

	// Recovery is the recommended recovery strategy, RecoveryNone if absent.
	Recovery RecoveryStrategy

	// Context holds call-site metadata accumulated via WithContext.
	Context map[string]any

	// Cause is the wrapped underlying error, if any.
	Cause error
}

// NewServiceError constructs a classified error. It always succeeds.
func NewServiceError(message, code string, severity Severity, recoverable bool, moduleID string, cause error, recovery RecoveryStrategy) *ServiceError {
	now := time.Now()
	return &ServiceError{
		Message:     message,
		Code:        code,
		Severity:    severity,
		Recoverable: recoverable,
		ModuleID:    moduleID,
		Timestamp:   now,
		ErrorID:     newErrorID(moduleID, now),
		Recovery:    recovery,
		Context:     make(map[string]any),
		Cause:       cause,
	}
}

// newErrorID derives a correlation identifier from the owning module, the
// construction time, and a random component.
func newErrorID(moduleID string, ts time.Time) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	// The tail of the UUID is its random component; the head of a v7 is
	// timestamp bits shared by IDs minted close together.
	s := id.String()
	return fmt.Sprintf("%s-%d-%s", moduleID, ts.UnixMilli(), s[len(s)-8:])
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause so errors.Is and errors.As see through
// the classification layer.
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key-value pair to the error and returns the same
// instance for chaining:
//
//	err.WithContext("userID", id).WithContext("attempt", n)
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// IncrementRetry records one more recovery attempt and returns the same
// instance for chaining.
func (e *ServiceError) IncrementRetry() *ServiceError {
	e.RetryCount++
	return e
}

// ShouldRetry reports whether the framework may attempt another automatic
// recovery: the error must be recoverable, recommend the retry strategy,
// and still be under the ceiling.
func (e *ServiceError) ShouldRetry(maxRetries int) bool {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return e.Recoverable && e.Recovery == RecoveryRetry && e.RetryCount < maxRetries
}

// LogEntry is the structured form of a ServiceError for observability
// sinks. It carries every field including the wrapped cause's message and
// must never be used for user display.
type LogEntry struct {
	ErrorID     string         `json:"errorId"`
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Severity    string         `json:"severity"`
	Recoverable bool           `json:"recoverable"`
	ModuleID    string         `json:"moduleId"`
	Timestamp   time.Time      `json:"timestamp"`
	RetryCount  int            `json:"retryCount"`
	Recovery    string         `json:"recovery,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Cause       string         `json:"cause,omitempty"`
}

// LogEntry renders the error for structured logging.
func (e *ServiceError) LogEntry() LogEntry {
	entry := LogEntry{
		ErrorID:     e.ErrorID,
		Code:        e.Code,
		Message:     e.Message,
		Severity:    e.Severity.String(),
		Recoverable: e.Recoverable,
		ModuleID:    e.ModuleID,
		Timestamp:   e.Timestamp,
		RetryCount:  e.RetryCount,
		Recovery:    string(e.Recovery),
	}
	if len(e.Context) > 0 {
		entry.Context = e.Context
	}
	if e.Cause != nil {
		entry.Cause = e.Cause.Error()
	}
	return entry
}

// userMessages maps taxonomy codes to text safe to show end users.
// Internal codes, messages, and stack information must never reach this
// surface; unknown codes fall back to a generic message.
var userMessages = map[string]string{
	CodeAuthFailed:       "Sign-in failed. Please check your credentials and try again.",
	CodeSessionExpired:   "Your session has expired. Please sign in again.",
	CodeNetworkError:     "We're having trouble reaching the server. Please try again in a moment.",
	CodeTimeout:          "The request took too long. Please try again.",
	CodeValidationFailed: "Some of the information entered is invalid. Please review and try again.",
	CodeExternalAPIError: "An external service is temporarily unavailable. Please try again later.",
	CodeConfigError:      "The application is misconfigured. Please contact support.",
	CodeInitFailed:       "Part of the application failed to start. Please contact support.",
	CodePaymentFailed:    "The payment could not be processed. No charge was made.",
	CodeStorageError:     "We couldn't save your changes. Please try again.",
	CodeRateLimited:      "Too many requests. Please wait a moment and try again.",
	CodePermissionDenied: "You don't have permission to perform this action.",
	CodeNotFound:         "The requested item could not be found.",
	CodeServiceUnhealthy: "A required service is currently unavailable. Please try again later.",
	CodeFeatureUnavail:   "This feature is currently unavailable.",
}

// genericUserMessage is shown for any code without a taxonomy entry.
const genericUserMessage = "Something went wrong. Please try again."

// UserMessage returns end-user-safe text for the error's code. Unknown
// codes fall back to a generic message so internals never leak.
func (e *ServiceError) UserMessage() string {
	if msg, ok := userMessages[e.Code]; ok {
		return msg
	}
	return genericUserMessage
}

// Taxonomy codes used by the factory constructors. Services may introduce
// their own codes; unmapped codes render the generic user message.
const (
	CodeAuthFailed       = "AUTH_FAILED"
	CodeSessionExpired   = "SESSION_EXPIRED"
	CodeNetworkError     = "NETWORK_ERROR"
	CodeTimeout          = "TIMEOUT"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeExternalAPIError = "EXTERNAL_API_ERROR"
	CodeConfigError      = "CONFIG_ERROR"
	CodeInitFailed       = "INIT_FAILED"
	CodePaymentFailed    = "PAYMENT_FAILED"
	CodeStorageError     = "STORAGE_ERROR"
	CodeRateLimited      = "RATE_LIMITED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeNotFound         = "NOT_FOUND"
	CodeServiceUnhealthy = "SERVICE_UNHEALTHY"
	CodeFeatureUnavail   = "FEATURE_UNAVAILABLE"
)

// NewAuthError classifies an authentication failure: high severity,
// recoverable by retrying the sign-in flow.
func NewAuthError(message, moduleID string, cause error) *ServiceError {
	return NewServiceError(message, CodeAuthFailed, SeverityHigh, true, moduleID, cause, RecoveryRetry)
}

// NewNetworkError classifies a transient transport failure: medium
// severity, retried with backoff.
func NewNetworkError(message, moduleID string, cause error) *ServiceError {
	return NewServiceError(message, CodeNetworkError, SeverityMedium, true, moduleID, cause, RecoveryRetry)
}

// NewValidationError classifies invalid input: low severity, shown inline,
// never retried.
func NewValidationError(message, moduleID string) *ServiceError {
	return NewServiceError(message, CodeValidationFailed, SeverityLow, false, moduleID, nil, RecoveryNone)
}

// NewCriticalError classifies an unrecoverable configuration or
// initialization failure that must be escalated.
func NewCriticalError(message, moduleID string, cause error) *ServiceError {
	return NewServiceError(message, CodeInitFailed, SeverityCritical, false, moduleID, cause, RecoveryEscalate)
}

// NewExternalAPIError classifies a failure of an external collaborator:
// recoverable, but via circuit-breaking rather than immediate retry.
func NewExternalAPIError(message, moduleID string, cause error) *ServiceError {
	return NewServiceError(message, CodeExternalAPIError, SeverityMedium, true, moduleID, cause, RecoveryCircuitBreak)
}

// NewPaymentError classifies a payment-flow failure: high severity,
// isolated with a fallback but never auto-retried.
func NewPaymentError(message, moduleID string, cause error) *ServiceError {
	return NewServiceError(message, CodePaymentFailed, SeverityHigh, true, moduleID, cause, RecoveryFallback)
}

// AsServiceError converts an arbitrary error into a ServiceError owned by
// moduleID. ServiceErrors pass through unchanged; anything else is wrapped
// as a recoverable medium-severity fault.
func AsServiceError(err error, moduleID string) *ServiceError {
	if err == nil {
		return nil
	}
	if se, ok := err.(*ServiceError); ok {
		return se
	}
	return NewServiceError(err.Error(), CodeServiceUnhealthy, SeverityMedium, true, moduleID, err, RecoveryRetry)
}
