package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/todo-1m/taskchat/internal/entity"
	"github.com/todo-1m/taskchat/internal/recurrence"
	"github.com/todo-1m/taskchat/internal/store"
	"go.uber.org/zap"
)

// TaskView is a task joined with the names shown next to it.
type TaskView struct {
	entity.Task
	AssigneeName string `json:"assignee_name,omitempty"`
	CreatorName  string `json:"creator_name,omitempty"`
	GroupName    string `json:"group_name,omitempty"`
}

// GetMyTasks lists pending tasks assigned to userID, soonest due first.
func (s *Service) GetMyTasks(ctx context.Context, userID string, limit int) ([]TaskView, error) {
	userID, err := requireActor(userID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.Store.ListTasks(ctx, store.TaskFilter{
		AssignedTo: userID,
		Status:     entity.StatusPending,
		Limit:      clampLimit(limit),
	})
	if err != nil {
		return nil, err
	}
	return s.taskViews(ctx, tasks)
}

// GetGroupTasks lists pending tasks in userID's groups that are assigned to someone else.
func (s *Service) GetGroupTasks(ctx context.Context, userID string, limit int) ([]TaskView, error) {
	userID, err := requireActor(userID)
	if err != nil {
		return nil, err
	}
	groupIDs, err := s.Store.ListGroupIDsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(groupIDs) == 0 {
		return []TaskView{}, nil
	}
	tasks, err := s.Store.ListTasks(ctx, store.TaskFilter{
		GroupIDs:       groupIDs,
		OnlyGroupTasks: true,
		NotAssignedTo:  userID,
		Status:         entity.StatusPending,
		Limit:          clampLimit(limit),
	})
	if err != nil {
		return nil, err
	}
	return s.taskViews(ctx, tasks)
}

// GetCreatedTasks lists pending tasks userID created for other people.
func (s *Service) GetCreatedTasks(ctx context.Context, userID string, limit int) ([]TaskView, error) {
	userID, err := requireActor(userID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.Store.ListTasks(ctx, store.TaskFilter{
		CreatedBy:     userID,
		NotAssignedTo: userID,
		Status:        entity.StatusPending,
		Limit:         clampLimit(limit),
	})
	if err != nil {
		return nil, err
	}
	return s.taskViews(ctx, tasks)
}

func (s *Service) GetTask(ctx context.Context, taskID string) (TaskView, error) {
	task, err := s.Store.GetTask(ctx, taskID)
	if err != nil {
		return TaskView{}, err
	}
	views, err := s.taskViews(ctx, []entity.Task{task})
	if err != nil {
		return TaskView{}, err
	}
	return views[0], nil
}

func (s *Service) taskViews(ctx context.Context, tasks []entity.Task) ([]TaskView, error) {
	var profileIDs, groupIDs []string
	for _, t := range tasks {
		profileIDs = append(profileIDs, t.AssignedTo, t.CreatedBy)
		if t.GroupID != "" {
			groupIDs = append(groupIDs, t.GroupID)
		}
	}
	names, err := s.names(ctx, profileIDs)
	if err != nil {
		return nil, err
	}
	groupNames := map[string]string{}
	if len(groupIDs) > 0 {
		groups, err := s.Store.GetGroups(ctx, groupIDs)
		if err != nil {
			return nil, err
		}
		for _, g := range groups {
			groupNames[g.ID] = g.Name
		}
	}
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskView{
			Task:         t,
			AssigneeName: names[t.AssignedTo],
			CreatorName:  names[t.CreatedBy],
			GroupName:    groupNames[t.GroupID],
		})
	}
	return out, nil
}

// CreateTask validates and stores a new task created by actor. In a group task both the
// creator and the assignee must belong to the group.
func (s *Service) CreateTask(ctx context.Context, actor string, in entity.TaskInput) (entity.Task, error) {
	actor, err := requireActor(actor)
	if err != nil {
		return entity.Task{}, err
	}
	in.CreatedBy = actor
	task, err := entity.NewTask(s.NewID(), in, s.Now())
	if err != nil {
		return entity.Task{}, err
	}
	if !task.IsPersonal() {
		if err := s.requireGroupMembers(ctx, task.GroupID, task.CreatedBy, task.AssignedTo); err != nil {
			return entity.Task{}, err
		}
	}

	created, err := store.RetryValue(ctx, s.Retry, "InsertTask", func(ctx context.Context) (entity.Task, error) {
		return s.Store.InsertTask(ctx, task)
	})
	if errors.Is(err, store.ErrUniqueViolation) {
		// An earlier attempt committed before its acknowledgement was lost.
		existing, getErr := s.Store.GetTask(ctx, task.ID)
		if getErr == nil && existing.CreatedBy == task.CreatedBy {
			return existing, nil
		}
	}
	if err != nil {
		return entity.Task{}, err
	}
	s.Log.Info("task created",
		zap.String("task_id", created.ID),
		zap.String("assigned_to", created.AssignedTo),
		zap.String("group_id", created.GroupID),
	)
	return created, nil
}

// UpdateTask applies patch. Any authenticated user may edit; reassigning a group task
// requires the new assignee to be a group member.
func (s *Service) UpdateTask(ctx context.Context, actor, taskID string, patch entity.TaskPatch) (entity.Task, error) {
	if _, err := requireActor(actor); err != nil {
		return entity.Task{}, err
	}
	current, err := store.RetryValue(ctx, s.Retry, "GetTask", func(ctx context.Context) (entity.Task, error) {
		return s.Store.GetTask(ctx, taskID)
	})
	if err != nil {
		return entity.Task{}, err
	}
	next, err := patch.Apply(current)
	if err != nil {
		return entity.Task{}, err
	}
	if !next.IsPersonal() && next.AssignedTo != current.AssignedTo {
		if err := s.requireGroupMembers(ctx, next.GroupID, next.AssignedTo); err != nil {
			return entity.Task{}, err
		}
	}
	return store.RetryValue(ctx, s.Retry, "UpdateTask", func(ctx context.Context) (entity.Task, error) {
		return s.Store.UpdateTask(ctx, next)
	})
}

// CompleteTask marks the task completed on behalf of its assignee or creator. A repeating
// task gets its successor in the same transaction. Completing a completed task is a no-op
// that also repairs a missing successor.
func (s *Service) CompleteTask(ctx context.Context, actor, taskID string) (store.Completion, error) {
	task, err := s.authorizeStatusChange(ctx, actor, taskID)
	if err != nil {
		return store.Completion{}, err
	}
	if task.Status == entity.StatusCompleted {
		return s.resume(ctx, task)
	}
	return s.complete(ctx, task)
}

// ResumeRecurrence makes sure a completed repeating task has its successor. It is safe
// to call any number of times.
func (s *Service) ResumeRecurrence(ctx context.Context, actor, taskID string) (store.Completion, error) {
	task, err := s.authorizeStatusChange(ctx, actor, taskID)
	if err != nil {
		return store.Completion{}, err
	}
	if !task.IsRecurring() {
		return store.Completion{}, recurrence.ErrNotRecurring
	}
	return s.resume(ctx, task)
}

func (s *Service) authorizeStatusChange(ctx context.Context, actor, taskID string) (entity.Task, error) {
	actor, err := requireActor(actor)
	if err != nil {
		return entity.Task{}, err
	}
	task, err := store.RetryValue(ctx, s.Retry, "GetTask", func(ctx context.Context) (entity.Task, error) {
		return s.Store.GetTask(ctx, taskID)
	})
	if err != nil {
		return entity.Task{}, err
	}
	if !task.CanChangeStatus(actor) {
		return entity.Task{}, store.ErrForbidden
	}
	return task, nil
}

func (s *Service) complete(ctx context.Context, task entity.Task) (store.Completion, error) {
	// The store derives the successor from the row it locks, so an edit that lands
	// after task was read still decides the next due date.
	successorID := s.NewID()
	res, err := store.RetryValue(ctx, s.Retry, "CompleteTask", func(ctx context.Context) (store.Completion, error) {
		return s.Store.CompleteTask(ctx, task.ID, successorID, s.Now())
	})
	switch {
	case err == nil:
		fields := []zap.Field{zap.String("task_id", task.ID)}
		if res.Successor != nil {
			fields = append(fields, zap.String("successor_id", res.Successor.ID))
		}
		s.Log.Info("task completed", fields...)
		return res, nil
	case errors.Is(err, store.ErrAlreadyCompleted):
		// Lost a race, or an earlier attempt committed without acknowledging.
		latest, getErr := s.Store.GetTask(ctx, task.ID)
		if getErr != nil {
			if !task.IsRecurring() {
				return store.Completion{}, getErr
			}
			return store.Completion{}, s.integrity(task, getErr)
		}
		return s.resume(ctx, latest)
	case task.IsRecurring() && (store.IsTransient(err) || ctx.Err() != nil):
		return store.Completion{}, s.integrity(task, err)
	default:
		return store.Completion{}, err
	}
}

// resume returns task's completion, creating the successor when a repeating task lacks
// one. The unique parent key makes concurrent resumes converge on one successor.
func (s *Service) resume(ctx context.Context, task entity.Task) (store.Completion, error) {
	if task.Status == entity.StatusPending {
		return s.complete(ctx, task)
	}
	if !task.IsRecurring() {
		return store.Completion{Task: task}, nil
	}

	existing, err := s.Store.FindSuccessor(ctx, task.ID)
	if err == nil {
		return store.Completion{Task: task, Successor: &existing}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Completion{}, s.integrity(task, err)
	}

	next, err := recurrence.Successor(task, s.NewID(), s.Now())
	if err != nil {
		return store.Completion{}, s.integrity(task, err)
	}
	inserted, err := store.RetryValue(ctx, s.Retry, "InsertSuccessor", func(ctx context.Context) (entity.Task, error) {
		return s.Store.InsertSuccessor(ctx, next)
	})
	if errors.Is(err, store.ErrUniqueViolation) {
		inserted, err = s.Store.FindSuccessor(ctx, task.ID)
	}
	if err != nil {
		return store.Completion{}, s.integrity(task, err)
	}
	s.Log.Info("recurrence resumed", zap.String("task_id", task.ID), zap.String("successor_id", inserted.ID))
	return store.Completion{Task: task, Successor: &inserted}, nil
}

func (s *Service) integrity(task entity.Task, err error) error {
	s.Log.Error("recurrence successor not confirmed", zap.String("task_id", task.ID), zap.Error(err))
	return &store.RecurrenceIntegrityError{TaskID: task.ID, Err: err}
}

func (s *Service) requireGroupMembers(ctx context.Context, groupID string, userIDs ...string) error {
	for _, id := range userIDs {
		ok, err := s.Store.IsGroupMember(ctx, groupID, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s is not a member of group %s", store.ErrForbidden, id, groupID)
		}
	}
	return nil
}
