package monitor

import (
	"errors"
	"fmt"
)

// Kind groups error codes by how a caller should react to them.
type Kind int

const (
	KindUnknown Kind = iota
	KindLifecycle
	KindAuthorization
	KindValidation
	KindNotFound
	KindConflict
	KindProcessing
)

func (k Kind) String() string {
	switch k {
	case KindLifecycle:
		return "lifecycle"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// Error is a monitor error with a stable numeric code. errors.Is matches
// on Code, so a wrapped sentinel still compares equal to the sentinel.
type Error struct {
	Code    uint32
	Kind    Kind
	Name    string // snake_case identifier used in API responses
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code uint32, kind Kind, name, msg string) *Error {
	return &Error{Code: code, Kind: kind, Name: name, Message: msg}
}

var (
	ErrAlreadyInitialized = newError(1, KindLifecycle, "already_initialized", "monitor already initialized")
	ErrNotInitialized     = newError(2, KindLifecycle, "not_initialized", "monitor not initialized")

	ErrUnauthorized     = newError(3, KindAuthorization, "unauthorized", "caller is not authorized")
	ErrPermissionDenied = newError(4, KindAuthorization, "permission_denied", "permission denied")

	ErrInvalidConfiguration = newError(5, KindValidation, "invalid_configuration", "invalid configuration")
	ErrInvalidThreshold     = newError(6, KindValidation, "invalid_threshold", "threshold must be greater than zero")
	ErrInvalidTimeWindow    = newError(7, KindValidation, "invalid_time_window", "time window must be greater than zero")

	ErrThreatNotFound      = newError(10, KindNotFound, "threat_not_found", "threat not found")
	ErrInvalidThreatData   = newError(11, KindValidation, "invalid_threat_data", "invalid threat data")
	ErrThreatAlreadyExists = newError(12, KindConflict, "threat_already_exists", "threat already exists")

	ErrCircuitBreakerOpen     = newError(20, KindConflict, "circuit_breaker_open", "circuit breaker is open")
	ErrCircuitBreakerNotFound = newError(21, KindNotFound, "circuit_breaker_not_found", "circuit breaker not found")
	ErrInvalidBreakerState    = newError(22, KindConflict, "invalid_breaker_state", "invalid circuit breaker state")

	ErrRateLimitExceeded      = newError(30, KindConflict, "rate_limit_exceeded", "rate limit exceeded")
	ErrInvalidRateLimitConfig = newError(31, KindValidation, "invalid_rate_limit_config", "rate limit is not configured")

	ErrEventReplayFailed    = newError(40, KindProcessing, "event_replay_failed", "could not read the event log")
	ErrEventFilteringFailed = newError(41, KindProcessing, "event_filtering_failed", "event log returned inconsistent data")
	ErrInsufficientEvents   = newError(42, KindProcessing, "insufficient_events", "not enough events in window")

	ErrMetricsNotFound          = newError(50, KindNotFound, "metrics_not_found", "metrics not found")
	ErrInvalidMetricsData       = newError(51, KindValidation, "invalid_metrics_data", "invalid metrics data")
	ErrMetricsCalculationFailed = newError(52, KindProcessing, "metrics_calculation_failed", "metrics calculation failed")

	ErrRecommendationNotFound = newError(60, KindNotFound, "recommendation_not_found", "recommendation not found")
	ErrInvalidRecommendation  = newError(61, KindProcessing, "invalid_recommendation", "invalid recommendation")

	ErrStorage      = newError(70, KindProcessing, "storage_error", "storage error")
	ErrDataNotFound = newError(71, KindNotFound, "data_not_found", "data not found")

	ErrInvalidInput    = newError(80, KindValidation, "invalid_input", "invalid input")
	ErrOperationFailed = newError(81, KindProcessing, "operation_failed", "operation failed")

	ErrReentrantCall     = newError(90, KindConflict, "reentrant_call", "reentrant call rejected")
	ErrRequestNotPending = newError(91, KindConflict, "request_not_pending", "oracle request is not pending")
	ErrThreatNotOpen     = newError(92, KindConflict, "threat_not_open", "threat is not open")
)

// AsError returns the monitor error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the taxonomy kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the numeric code of err, or 0.
func CodeOf(err error) uint32 {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return 0
}

func errorf(base *Error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", base, fmt.Sprintf(format, args...))
}
