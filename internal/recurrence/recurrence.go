// Package recurrence derives the successor of a repeating task when it is completed.
//
// Advancing is calendar-aware: a daily step keeps the wall-clock time across DST
// changes, and a monthly step keeps the day of month, clamped to the last day of a
// shorter target month.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/todo-1m/taskchat/internal/entity"
)

var (
	ErrNotRecurring   = errors.New("recurrence: task does not repeat")
	ErrMissingDueDate = errors.New("recurrence: repeating task has no due date")
	ErrUnknownRepeat  = errors.New("recurrence: unknown repeat rule")
)

// Advance returns the next occurrence of due under the given repeat rule.
func Advance(due time.Time, repeat entity.Repeat) (time.Time, error) {
	switch repeat {
	case entity.RepeatDaily:
		return due.AddDate(0, 0, 1), nil
	case entity.RepeatWeekly:
		return due.AddDate(0, 0, 7), nil
	case entity.RepeatMonthly:
		return addMonthClamped(due), nil
	case entity.RepeatNone, "":
		return time.Time{}, ErrNotRecurring
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownRepeat, repeat)
	}
}

// addMonthClamped keeps the day of month where the next month has it and uses the
// month's last day otherwise. time.AddDate would normalise Jan 31 to Mar 3.
func addMonthClamped(t time.Time) time.Time {
	y, m, d := t.Date()
	firstOfNext := time.Date(y, m, 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
	ny, nm, _ := firstOfNext.Date()
	if last := daysInMonth(ny, nm, t.Location()); d > last {
		d = last
	}
	return time.Date(ny, nm, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// Successor builds the next pending occurrence of parent. The result shares assignee,
// creator, group, priority and repeat with parent and records parent as its ParentID.
func Successor(parent entity.Task, id string, now time.Time) (entity.Task, error) {
	if !parent.IsRecurring() {
		return entity.Task{}, ErrNotRecurring
	}
	if parent.DueDate == nil || parent.DueDate.IsZero() {
		return entity.Task{}, ErrMissingDueDate
	}
	next, err := Advance(*parent.DueDate, parent.Repeat)
	if err != nil {
		return entity.Task{}, err
	}
	successor := entity.Task{
		ID:         id,
		Title:      parent.Title,
		AssignedTo: parent.AssignedTo,
		CreatedBy:  parent.CreatedBy,
		GroupID:    parent.GroupID,
		DueDate:    &next,
		Priority:   parent.Priority,
		Repeat:     parent.Repeat,
		Status:     entity.StatusPending,
		ParentID:   parent.ID,
		CreatedAt:  now,
	}
	if err := successor.Validate(); err != nil {
		return entity.Task{}, err
	}
	return successor, nil
}

// Preview lists the next count due dates the successor chain of due would carry.
func Preview(due time.Time, repeat entity.Repeat, count int) ([]time.Time, error) {
	if count <= 0 {
		return []time.Time{}, nil
	}
	out := make([]time.Time, 0, count)
	cursor := due
	for i := 0; i < count; i++ {
		next, err := Advance(cursor, repeat)
		if err != nil {
			return nil, err
		}
		out = append(out, next)
		cursor = next
	}
	return out, nil
}
