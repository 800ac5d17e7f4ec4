// Package errors defines the error taxonomy shared by every layer.
// Specific errors wrap one of the four categories so callers can branch
// with errors.Is on the category alone.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Categories.
var (
	ErrValidation = fmt.Errorf("validation error")
	ErrNotFound   = fmt.Errorf("not found")
	ErrTransient  = fmt.Errorf("transient error")
	ErrConflict   = fmt.Errorf("conflict")
)

var (
	ErrEmptyText            = fmt.Errorf("%w: message text is empty", ErrValidation)
	ErrTextTooLong          = fmt.Errorf("%w: message text is too long", ErrValidation)
	ErrNotParticipant       = fmt.Errorf("%w: user is not a participant of the conversation", ErrValidation)
	ErrSelfConversation     = fmt.Errorf("%w: a conversation needs two distinct users", ErrValidation)
	ErrInvalidCursor        = fmt.Errorf("%w: invalid cursor", ErrValidation)
	ErrConversationNotFound = fmt.Errorf("%w: conversation", ErrNotFound)
	ErrMessageNotFound      = fmt.Errorf("%w: message", ErrNotFound)
	ErrUserNotFound         = fmt.Errorf("%w: user", ErrNotFound)
	ErrTimeout              = fmt.Errorf("%w: operation timed out", ErrTransient)
	ErrStorageConflict      = fmt.Errorf("%w: storage transaction conflict", ErrTransient)
	ErrEngineStopped        = fmt.Errorf("%w: engine is stopped", ErrTransient)
	ErrBackendUnavailable   = fmt.Errorf("%w: backend unavailable", ErrTransient)
	ErrSlowConsumer         = fmt.Errorf("subscriber is too slow, resync required")
	ErrWorkerPanic          = fmt.Errorf("worker panic")
	ErrEmptyWords           = fmt.Errorf("no words have been found")
	ErrInvalidToken         = fmt.Errorf("invalid or expired token")
	ErrMissingToken         = fmt.Errorf("authorization token is missing")
)

// Validation wraps a free-form validation message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Transient marks err as retryable while keeping it inspectable.
func Transient(err error) error {
	if err == nil || stderrors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsRetryable reports whether the operation that produced err may be
// attempted again.
func IsRetryable(err error) bool {
	return stderrors.Is(err, ErrTransient)
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target any) bool {
	return stderrors.As(err, target)
}

func Join(errs ...error) error {
	return stderrors.Join(errs...)
}
