package entity

import (
	"errors"
	"fmt"
)

// ErrInvalidEntity matches every *InvalidEntityError via errors.Is.
var ErrInvalidEntity = errors.New("validation failed")

// Invariant names reported by InvalidEntityError.
const (
	InvTaskTitleRequired       = "task.title_required"
	InvTaskAssigneeRequired    = "task.assignee_required"
	InvTaskCreatorRequired     = "task.creator_required"
	InvTaskPriorityKnown       = "task.priority_known"
	InvTaskRepeatKnown         = "task.repeat_known"
	InvTaskStatusKnown         = "task.status_known"
	InvTaskRepeatNeedsDueDate  = "task.repeat_requires_due_date"
	InvDirectOneTarget         = "chat.direct_requires_one_target"
	InvDirectDistinctMembers   = "chat.direct_distinct_members"
	InvGroupChatNameRequired   = "chat.group_requires_name"
	InvGroupChatMemberRequired = "chat.group_requires_member"
	InvMessageChatroomRequired = "message.chatroom_required"
	InvMessageSenderRequired   = "message.sender_required"
	InvMessageContentRequired  = "message.content_required"
	InvMessageContentTooLong   = "message.content_too_long"
	InvGroupNameRequired       = "group.name_required"
	InvGroupCreatorRequired    = "group.creator_required"
)

// InvalidEntityError reports the invariant a write request violated. It is raised
// before any store call.
type InvalidEntityError struct {
	Entity    string
	Invariant string
	Detail    string
}

func (e *InvalidEntityError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invalid %s: %s", e.Entity, e.Invariant)
	}
	return fmt.Sprintf("invalid %s: %s: %s", e.Entity, e.Invariant, e.Detail)
}

func (e *InvalidEntityError) Is(target error) bool {
	return target == ErrInvalidEntity
}

func invalid(entity, invariant, detail string) *InvalidEntityError {
	return &InvalidEntityError{Entity: entity, Invariant: invariant, Detail: detail}
}

// InvariantOf returns the violated invariant name, or "" when err is not a validation error.
func InvariantOf(err error) string {
	var ie *InvalidEntityError
	if errors.As(err, &ie) {
		return ie.Invariant
	}
	return ""
}
