package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/todo-1m/taskchat/internal/contracts"
	"github.com/todo-1m/taskchat/internal/entity"
	"github.com/todo-1m/taskchat/internal/recurrence"
	"github.com/todo-1m/taskchat/internal/store"
)

func (s *Store) InsertTask(ctx context.Context, task entity.Task) (entity.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "InsertTask"); err != nil {
		return entity.Task{}, err
	}
	if err := s.insertTaskLocked(task); err != nil {
		return entity.Task{}, err
	}
	return cloneTask(task), s.afterLocked("InsertTask")
}

func (s *Store) insertTaskLocked(task entity.Task) error {
	if err := s.checkInsertLocked(task); err != nil {
		return err
	}
	s.applyInsertLocked(task)
	return nil
}

func (s *Store) checkInsertLocked(task entity.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if _, exists := s.tasks[task.ID]; exists {
		return store.ErrUniqueViolation
	}
	if task.ParentID != "" {
		if _, ok := s.tasks[task.ParentID]; !ok {
			return store.ErrNotFound
		}
		if _, exists := s.successors[task.ParentID]; exists {
			return store.ErrUniqueViolation
		}
	}
	if err := s.requireProfilesLocked(task.AssignedTo, task.CreatedBy); err != nil {
		return err
	}
	if task.GroupID != "" {
		if _, ok := s.groups[task.GroupID]; !ok {
			return store.ErrNotFound
		}
	}
	return nil
}

func (s *Store) applyInsertLocked(task entity.Task) {
	s.tasks[task.ID] = cloneTask(task)
	if task.ParentID != "" {
		s.successors[task.ParentID] = task.ID
	}
	s.appendLocked(store.TaskChange(contracts.OpInsert, task, nil))
}

func (s *Store) GetTask(ctx context.Context, id string) (entity.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "GetTask"); err != nil {
		return entity.Task{}, err
	}
	task, ok := s.tasks[id]
	if !ok {
		return entity.Task{}, store.ErrNotFound
	}
	return cloneTask(task), nil
}

func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]entity.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "ListTasks"); err != nil {
		return nil, err
	}
	groups := map[string]struct{}{}
	for _, id := range filter.GroupIDs {
		groups[id] = struct{}{}
	}
	out := []entity.Task{}
	for _, task := range s.tasks {
		if filter.AssignedTo != "" && task.AssignedTo != filter.AssignedTo {
			continue
		}
		if filter.NotAssignedTo != "" && task.AssignedTo == filter.NotAssignedTo {
			continue
		}
		if filter.CreatedBy != "" && task.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.OnlyGroupTasks && task.GroupID == "" {
			continue
		}
		if filter.GroupIDs != nil {
			if _, ok := groups[task.GroupID]; !ok {
				continue
			}
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		out = append(out, cloneTask(task))
	}
	sort.Slice(out, func(i, j int) bool { return store.TaskLess(out[i], out[j]) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateTask(ctx context.Context, task entity.Task) (entity.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "UpdateTask"); err != nil {
		return entity.Task{}, err
	}
	prev, ok := s.tasks[task.ID]
	if !ok {
		return entity.Task{}, store.ErrNotFound
	}
	if err := task.Validate(); err != nil {
		return entity.Task{}, err
	}
	if err := s.requireProfilesLocked(task.AssignedTo); err != nil {
		return entity.Task{}, err
	}
	if task.GroupID != "" {
		if _, ok := s.groups[task.GroupID]; !ok {
			return entity.Task{}, store.ErrNotFound
		}
	}
	// Identity, lineage and status are not editable through UpdateTask.
	task.CreatedBy = prev.CreatedBy
	task.CreatedAt = prev.CreatedAt
	task.ParentID = prev.ParentID
	task.Status = prev.Status
	task.CompletedAt = prev.CompletedAt
	s.tasks[task.ID] = cloneTask(task)
	s.appendLocked(store.TaskChange(contracts.OpUpdate, task, &prev))
	return cloneTask(task), s.afterLocked("UpdateTask")
}

func (s *Store) CompleteTask(ctx context.Context, id, successorID string, now time.Time) (store.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "CompleteTask"); err != nil {
		return store.Completion{}, err
	}
	prev, ok := s.tasks[id]
	if !ok {
		return store.Completion{}, store.ErrNotFound
	}
	if prev.Status == entity.StatusCompleted {
		return store.Completion{}, store.ErrAlreadyCompleted
	}
	var successor *entity.Task
	if successorID != "" && prev.IsRecurring() {
		next, err := recurrence.Successor(prev, successorID, now)
		if err != nil {
			return store.Completion{}, err
		}
		if err := s.checkInsertLocked(next); err != nil {
			return store.Completion{}, err
		}
		successor = &next
	}

	done := cloneTask(prev)
	done.Status = entity.StatusCompleted
	at := s.Now()
	done.CompletedAt = &at
	s.tasks[id] = done
	s.appendLocked(store.TaskChange(contracts.OpUpdate, done, nil))

	result := store.Completion{Task: cloneTask(done)}
	if successor != nil {
		s.applyInsertLocked(*successor)
		next := cloneTask(*successor)
		result.Successor = &next
	}
	return result, s.afterLocked("CompleteTask")
}

func (s *Store) InsertSuccessor(ctx context.Context, successor entity.Task) (entity.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "InsertSuccessor"); err != nil {
		return entity.Task{}, err
	}
	if successor.ParentID == "" {
		return entity.Task{}, store.ErrNotFound
	}
	if err := s.insertTaskLocked(successor); err != nil {
		return entity.Task{}, err
	}
	return cloneTask(successor), s.afterLocked("InsertSuccessor")
}

func (s *Store) FindSuccessor(ctx context.Context, parentID string) (entity.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "FindSuccessor"); err != nil {
		return entity.Task{}, err
	}
	id, ok := s.successors[parentID]
	if !ok {
		return entity.Task{}, store.ErrNotFound
	}
	return cloneTask(s.tasks[id]), nil
}

func cloneTask(t entity.Task) entity.Task {
	if t.DueDate != nil {
		due := *t.DueDate
		t.DueDate = &due
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		t.CompletedAt = &at
	}
	return t
}
