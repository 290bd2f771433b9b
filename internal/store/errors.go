package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/todo-1m/taskchat/internal/entity"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrUniqueViolation  = errors.New("unique violation")
	ErrForbidden        = errors.New("forbidden")
	ErrAlreadyCompleted = errors.New("task already completed")
)

// TransientError wraps a store failure caused by availability rather than by the request.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: transient store error: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RecurrenceIntegrityError reports that a repeating task may be completed without its
// successor. Calling ResumeRecurrence for TaskID repairs it idempotently.
type RecurrenceIntegrityError struct {
	TaskID string
	Err    error
}

func (e *RecurrenceIntegrityError) Error() string {
	return fmt.Sprintf("recurrence successor for task %s not confirmed: %v", e.TaskID, e.Err)
}

func (e *RecurrenceIntegrityError) Unwrap() error { return e.Err }

// Retryable reports whether a failed mutation left state untouched and may be offered
// to the user again.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var rie *RecurrenceIntegrityError
	switch {
	case errors.As(err, &rie):
		return true
	case IsTransient(err):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, entity.ErrInvalidEntity), errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden):
		return false
	default:
		return false
	}
}
