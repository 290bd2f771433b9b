package pgstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/todo-1m/taskchat/internal/entity"
	"github.com/todo-1m/taskchat/internal/store"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"nil", nil, func(err error) bool { return err == nil }},
		{"no rows", pgx.ErrNoRows, func(err error) bool { return errors.Is(err, store.ErrNotFound) }},
		{"wrapped no rows", fmt.Errorf("scan: %w", pgx.ErrNoRows), func(err error) bool { return errors.Is(err, store.ErrNotFound) }},
		{
			"unique direct key",
			&pgconn.PgError{Code: "23505", ConstraintName: "chatrooms_direct_key_key"},
			func(err error) bool { return errors.Is(err, store.ErrUniqueViolation) },
		},
		{
			"unique parent",
			&pgconn.PgError{Code: "23505", ConstraintName: "tasks_parent_task_id_key"},
			func(err error) bool { return errors.Is(err, store.ErrUniqueViolation) },
		},
		{
			"foreign key",
			&pgconn.PgError{Code: "23503", ConstraintName: "tasks_assigned_to_fkey"},
			func(err error) bool { return errors.Is(err, store.ErrNotFound) },
		},
		{
			"check constraint",
			&pgconn.PgError{Code: "23514", TableName: "tasks", ConstraintName: "tasks_repeat_requires_due_date"},
			func(err error) bool { return entity.InvariantOf(err) == entity.InvTaskRepeatNeedsDueDate },
		},
		{
			"unknown check constraint",
			&pgconn.PgError{Code: "23514", TableName: "tasks", ConstraintName: "tasks_other_check"},
			func(err error) bool { return entity.InvariantOf(err) == "tasks_other_check" },
		},
		{"serialization", &pgconn.PgError{Code: "40001"}, store.IsTransient},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, store.IsTransient},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, store.IsTransient},
		{"connection exception", &pgconn.PgError{Code: "08006"}, store.IsTransient},
		{
			"syntax error is not transient",
			&pgconn.PgError{Code: "42601"},
			func(err error) bool { return err != nil && !store.IsTransient(err) && !errors.Is(err, store.ErrNotFound) },
		},
		{"already classified", store.ErrAlreadyCompleted, func(err error) bool { return err == store.ErrAlreadyCompleted }},
		{"cancelled", context.Canceled, func(err error) bool { return errors.Is(err, context.Canceled) && !store.IsTransient(err) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapError("Op", tc.err)
			if !tc.check(got) {
				t.Fatalf("mapError(%v) = %v", tc.err, got)
			}
		})
	}
}

func TestMapError_KeepsDriverErrorInChain(t *testing.T) {
	src := &pgconn.PgError{Code: "40P01"}
	got := mapError("CompleteTask", src)
	var pgErr *pgconn.PgError
	if !errors.As(got, &pgErr) || pgErr != src {
		t.Fatalf("driver error lost: %v", got)
	}
	if !store.Retryable(got) {
		t.Fatalf("deadlock should be retryable")
	}
}
