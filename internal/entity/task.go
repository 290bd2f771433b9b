package entity

import (
	"strings"
	"time"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type Repeat string

const (
	RepeatNone    Repeat = "none"
	RepeatDaily   Repeat = "daily"
	RepeatWeekly  Repeat = "weekly"
	RepeatMonthly Repeat = "monthly"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

func (p Priority) Valid() bool { return p == PriorityNormal || p == PriorityHigh }

func (r Repeat) Valid() bool {
	switch r {
	case RepeatNone, RepeatDaily, RepeatWeekly, RepeatMonthly:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool { return s == StatusPending || s == StatusCompleted }

// Task is a unit of work assigned to a profile. GroupID is empty for personal tasks.
// ParentID is set on recurrence successors and names the completed predecessor.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	AssignedTo  string     `json:"assigned_to"`
	CreatedBy   string     `json:"created_by"`
	GroupID     string     `json:"group_id,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Priority    Priority   `json:"priority"`
	Repeat      Repeat     `json:"repeat"`
	Status      Status     `json:"status"`
	ParentID    string     `json:"parent_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (t Task) IsPersonal() bool { return t.GroupID == "" }

func (t Task) IsRecurring() bool { return t.Repeat != RepeatNone && t.Repeat != "" }

// CanChangeStatus reports whether actor may complete the task.
func (t Task) CanChangeStatus(actorID string) bool {
	return actorID != "" && (actorID == t.AssignedTo || actorID == t.CreatedBy)
}

// Validate checks the invariants every persisted task satisfies.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return invalid("task", InvTaskTitleRequired, "")
	}
	if strings.TrimSpace(t.AssignedTo) == "" {
		return invalid("task", InvTaskAssigneeRequired, "")
	}
	if strings.TrimSpace(t.CreatedBy) == "" {
		return invalid("task", InvTaskCreatorRequired, "")
	}
	if !t.Priority.Valid() {
		return invalid("task", InvTaskPriorityKnown, string(t.Priority))
	}
	if !t.Repeat.Valid() {
		return invalid("task", InvTaskRepeatKnown, string(t.Repeat))
	}
	if !t.Status.Valid() {
		return invalid("task", InvTaskStatusKnown, string(t.Status))
	}
	if t.Repeat != RepeatNone && (t.DueDate == nil || t.DueDate.IsZero()) {
		return invalid("task", InvTaskRepeatNeedsDueDate, string(t.Repeat))
	}
	return nil
}

// TaskInput is the caller-supplied shape of a new task. Empty Priority and Repeat
// default to normal and none; an empty AssignedTo assigns the task to its creator.
type TaskInput struct {
	Title      string     `json:"title"`
	AssignedTo string     `json:"assigned_to"`
	CreatedBy  string     `json:"created_by"`
	GroupID    string     `json:"group_id"`
	DueDate    *time.Time `json:"due_date"`
	Priority   string     `json:"priority"`
	Repeat     string     `json:"repeat"`
}

func NewTask(id string, in TaskInput, now time.Time) (Task, error) {
	t := Task{
		ID:         id,
		Title:      strings.TrimSpace(in.Title),
		AssignedTo: strings.TrimSpace(in.AssignedTo),
		CreatedBy:  strings.TrimSpace(in.CreatedBy),
		GroupID:    strings.TrimSpace(in.GroupID),
		Priority:   Priority(normalizeEnum(in.Priority, string(PriorityNormal))),
		Repeat:     Repeat(normalizeEnum(in.Repeat, string(RepeatNone))),
		Status:     StatusPending,
		CreatedAt:  now,
	}
	if t.AssignedTo == "" {
		t.AssignedTo = t.CreatedBy
	}
	if in.DueDate != nil && !in.DueDate.IsZero() {
		due := *in.DueDate
		t.DueDate = &due
	}
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}

// TaskPatch carries edits to title, assignment, due date and priority. Nil fields are
// left unchanged; ClearDueDate removes the due date.
type TaskPatch struct {
	Title        *string    `json:"title,omitempty"`
	AssignedTo   *string    `json:"assigned_to,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	ClearDueDate bool       `json:"clear_due_date,omitempty"`
	Priority     *string    `json:"priority,omitempty"`
	Repeat       *string    `json:"repeat,omitempty"`
}

// Apply returns t with the patch applied and revalidated.
func (p TaskPatch) Apply(t Task) (Task, error) {
	if p.Title != nil {
		t.Title = strings.TrimSpace(*p.Title)
	}
	if p.AssignedTo != nil {
		t.AssignedTo = strings.TrimSpace(*p.AssignedTo)
	}
	if p.ClearDueDate {
		t.DueDate = nil
	} else if p.DueDate != nil {
		due := *p.DueDate
		t.DueDate = &due
	}
	if p.Priority != nil {
		t.Priority = Priority(normalizeEnum(*p.Priority, string(t.Priority)))
	}
	if p.Repeat != nil {
		t.Repeat = Repeat(normalizeEnum(*p.Repeat, string(t.Repeat)))
	}
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}

func normalizeEnum(raw, fallback string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return fallback
	}
	return raw
}
