package notifications

import (
	"errors"
	"fmt"

	"github.com/bissquit/workout-notify/internal/domain"
)

// Store errors.
var (
	ErrSubscriptionNotFound = errors.New("push subscription not found")
)

// Dispatch errors.
var (
	ErrChannelNotConfigured = errors.New("notification channel not configured")
	ErrUnknownChannel       = errors.New("unknown notification channel")
	errEmptyRequest         = errors.New("request is empty")
)

// Registration errors.
var (
	ErrPermissionDenied     = errors.New("notification permission denied")
	ErrTokenUnavailable     = errors.New("device token unavailable")
	ErrTransitionInProgress = errors.New("subscription change already in progress")
)

// ValidationError reports a malformed request. Nothing is dispatched.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid notification request: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports missing channel credentials. It is fatal to the
// channel that returned it and to nothing else.
type ConfigurationError struct {
	Channel domain.ChannelKind
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s channel misconfigured: %s", e.Channel, e.Reason)
}

// Is makes every ConfigurationError match ErrChannelNotConfigured.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrChannelNotConfigured
}

// DeliveryError reports a failed call to a downstream delivery API.
type DeliveryError struct {
	Channel    domain.ChannelKind
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *DeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s delivery error %d: %s", e.Channel, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s delivery error: %s", e.Channel, e.Message)
}

// IsRetryable returns whether repeating the call may succeed.
func (e *DeliveryError) IsRetryable() bool {
	return e.Retryable
}

// NewPermanentError creates a non-retryable delivery error.
func NewPermanentError(channel domain.ChannelKind, code int, message string) *DeliveryError {
	return &DeliveryError{Channel: channel, StatusCode: code, Message: message}
}

// NewRetryableError creates a retryable delivery error.
func NewRetryableError(channel domain.ChannelKind, code int, message string) *DeliveryError {
	return &DeliveryError{Channel: channel, StatusCode: code, Message: message, Retryable: true}
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	// Default: retry unknown errors
	return true
}
