package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/todo-1m/taskchat/internal/entity"
	"github.com/todo-1m/taskchat/internal/store"
)

// Constraint names mapped to entity invariants.
var constraintInvariants = map[string]string{
	"tasks_title_check":              entity.InvTaskTitleRequired,
	"tasks_priority_check":           entity.InvTaskPriorityKnown,
	"tasks_repeat_check":             entity.InvTaskRepeatKnown,
	"tasks_status_check":             entity.InvTaskStatusKnown,
	"tasks_repeat_requires_due_date": entity.InvTaskRepeatNeedsDueDate,
	"groups_name_check":              entity.InvGroupNameRequired,
	"messages_content_check":         entity.InvMessageContentRequired,
	"chatrooms_direct_has_key":       entity.InvDirectOneTarget,
}

// mapError translates driver errors into the store error taxonomy. Errors that already
// belong to it pass through unchanged.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrUniqueViolation),
		errors.Is(err, store.ErrAlreadyCompleted),
		errors.Is(err, store.ErrForbidden),
		errors.Is(err, entity.ErrInvalidEntity),
		store.IsTransient(err):
		return err
	case errors.Is(err, pgx.ErrNoRows):
		return store.ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w: %s", op, store.ErrUniqueViolation, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%s: %w: %s", op, store.ErrNotFound, pgErr.ConstraintName)
		case "23514", "23502":
			inv := constraintInvariants[pgErr.ConstraintName]
			if inv == "" {
				inv = pgErr.ConstraintName
			}
			return &entity.InvalidEntityError{Entity: pgErr.TableName, Invariant: inv, Detail: pgErr.Message}
		case "40001", "40P01", "55P03", "57P01", "57P02", "57P03", "53300":
			return store.Transient(op, err)
		}
		if strings.HasPrefix(pgErr.Code, "08") {
			return store.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return store.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
