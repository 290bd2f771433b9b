package pgstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/todo-1m/taskchat/internal/contracts"
	"github.com/todo-1m/taskchat/internal/entity"
	"github.com/todo-1m/taskchat/internal/recurrence"
	"github.com/todo-1m/taskchat/internal/store"
)

const taskColumns = `id, title, assigned_to, created_by, group_id, due_date, priority, repeat,
       status, parent_task_id, created_at, completed_at`

const insertTaskSQL = `
INSERT INTO tasks (
  id, title, assigned_to, created_by, group_id, due_date, priority, repeat,
  status, parent_task_id, created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

func scanTask(row pgx.Row) (entity.Task, error) {
	var (
		t                 entity.Task
		groupID, parentID *string
		priority, repeat  string
		status            string
	)
	if err := row.Scan(
		&t.ID,
		&t.Title,
		&t.AssignedTo,
		&t.CreatedBy,
		&groupID,
		&t.DueDate,
		&priority,
		&repeat,
		&status,
		&parentID,
		&t.CreatedAt,
		&t.CompletedAt,
	); err != nil {
		return entity.Task{}, err
	}
	t.GroupID = deref(groupID)
	t.ParentID = deref(parentID)
	t.Priority = entity.Priority(priority)
	t.Repeat = entity.Repeat(repeat)
	t.Status = entity.Status(status)
	t.CreatedAt = utc(t.CreatedAt)
	t.DueDate = utcPtr(t.DueDate)
	t.CompletedAt = utcPtr(t.CompletedAt)
	return t, nil
}

func (s *Store) insertTask(ctx context.Context, tx pgx.Tx, task entity.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, insertTaskSQL,
		task.ID,
		task.Title,
		task.AssignedTo,
		task.CreatedBy,
		nullable(task.GroupID),
		task.DueDate,
		string(task.Priority),
		string(task.Repeat),
		string(task.Status),
		nullable(task.ParentID),
		task.CreatedAt,
	); err != nil {
		return err
	}
	_, err := s.appendChange(ctx, tx, store.TaskChange(contracts.OpInsert, task, nil))
	return err
}

func (s *Store) InsertTask(ctx context.Context, task entity.Task) (entity.Task, error) {
	err := s.inTx(ctx, "InsertTask", func(tx pgx.Tx) error {
		return s.insertTask(ctx, tx, task)
	})
	if err != nil {
		return entity.Task{}, err
	}
	return task, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (entity.Task, error) {
	t, err := scanTask(s.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return entity.Task{}, mapError("GetTask", err)
	}
	return t, nil
}

// ListTasks orders like store.TaskLess.
func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]entity.Task, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.AssignedTo != "" {
		where = append(where, "assigned_to = "+arg(filter.AssignedTo))
	}
	if filter.NotAssignedTo != "" {
		where = append(where, "assigned_to <> "+arg(filter.NotAssignedTo))
	}
	if filter.CreatedBy != "" {
		where = append(where, "created_by = "+arg(filter.CreatedBy))
	}
	if len(filter.GroupIDs) > 0 {
		where = append(where, "group_id = ANY("+arg(filter.GroupIDs)+")")
	}
	if filter.OnlyGroupTasks {
		where = append(where, "group_id IS NOT NULL")
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(string(filter.Status)))
	}

	sql := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY due_date ASC NULLS LAST, created_at ASC, id ASC`
	if filter.Limit > 0 {
		sql += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError("ListTasks", err)
	}
	defer rows.Close()

	result := []entity.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, mapError("ListTasks", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("ListTasks", err)
	}
	return result, nil
}

const updateTaskSQL = `
UPDATE tasks
SET title = $2,
    assigned_to = $3,
    group_id = $4,
    due_date = $5,
    priority = $6,
    repeat = $7
WHERE id = $1
`

// UpdateTask writes the editable fields of task. Creator, parent, status and timestamps
// keep their stored values.
func (s *Store) UpdateTask(ctx context.Context, task entity.Task) (entity.Task, error) {
	if err := task.Validate(); err != nil {
		return entity.Task{}, err
	}
	var updated entity.Task
	err := s.inTx(ctx, "UpdateTask", func(tx pgx.Tx) error {
		prev, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, task.ID))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, updateTaskSQL,
			task.ID,
			task.Title,
			task.AssignedTo,
			nullable(task.GroupID),
			task.DueDate,
			string(task.Priority),
			string(task.Repeat),
		); err != nil {
			return err
		}
		updated, err = scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, task.ID))
		if err != nil {
			return err
		}
		_, err = s.appendChange(ctx, tx, store.TaskChange(contracts.OpUpdate, updated, &prev))
		return err
	})
	if err != nil {
		return entity.Task{}, err
	}
	return updated, nil
}

func (s *Store) CompleteTask(ctx context.Context, id, successorID string, now time.Time) (store.Completion, error) {
	var result store.Completion
	err := s.inTx(ctx, "CompleteTask", func(tx pgx.Tx) error {
		prev, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if prev.Status == entity.StatusCompleted {
			return store.ErrAlreadyCompleted
		}
		done, err := scanTask(tx.QueryRow(ctx,
			`UPDATE tasks SET status = 'completed', completed_at = now() WHERE id = $1 RETURNING `+taskColumns, id,
		))
		if err != nil {
			return err
		}
		if _, err := s.appendChange(ctx, tx, store.TaskChange(contracts.OpUpdate, done, nil)); err != nil {
			return err
		}
		result.Task = done
		if successorID != "" && prev.IsRecurring() {
			next, err := recurrence.Successor(prev, successorID, now)
			if err != nil {
				return err
			}
			if err := s.insertTask(ctx, tx, next); err != nil {
				return err
			}
			result.Successor = &next
		}
		return nil
	})
	if err != nil {
		return store.Completion{}, err
	}
	return result, nil
}

func (s *Store) InsertSuccessor(ctx context.Context, successor entity.Task) (entity.Task, error) {
	if successor.ParentID == "" {
		return entity.Task{}, store.ErrNotFound
	}
	return s.InsertTask(ctx, successor)
}

func (s *Store) FindSuccessor(ctx context.Context, parentID string) (entity.Task, error) {
	t, err := scanTask(s.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE parent_task_id = $1`, parentID))
	if err != nil {
		return entity.Task{}, mapError("FindSuccessor", err)
	}
	return t, nil
}
