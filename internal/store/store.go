// Package store defines the data store boundary the synchronization core is written
// against. The store is the only writer of authoritative state; every committed write
// appends a ChangeEvent to the change log in the same transaction.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/todo-1m/taskchat/internal/contracts"
	"github.com/todo-1m/taskchat/internal/entity"
)

// Profiles are owned by the identity system. UpsertProfile mirrors an identity the
// API has authenticated so tasks and chatrooms can reference it.
type Profiles interface {
	UpsertProfile(ctx context.Context, profile entity.Profile) error
	GetProfile(ctx context.Context, id string) (entity.Profile, error)
	GetProfiles(ctx context.Context, ids []string) ([]entity.Profile, error)
}

type Groups interface {
	CreateGroup(ctx context.Context, group entity.Group, members []string) error
	AddGroupMember(ctx context.Context, groupID, userID string) error
	GetGroups(ctx context.Context, ids []string) ([]entity.Group, error)
	ListGroupMembers(ctx context.Context, groupID string) ([]string, error)
	ListGroupIDsForUser(ctx context.Context, userID string) ([]string, error)
	IsGroupMember(ctx context.Context, groupID, userID string) (bool, error)
}

// TaskFilter selects tasks. Empty fields do not filter.
type TaskFilter struct {
	AssignedTo     string
	NotAssignedTo  string
	CreatedBy      string
	GroupIDs       []string
	OnlyGroupTasks bool
	Status         entity.Status
	Limit          int
}

// TaskLess orders tasks by due date ascending with undated tasks last, then by
// creation time and id.
func TaskLess(a, b entity.Task) bool {
	switch {
	case a.DueDate != nil && b.DueDate == nil:
		return true
	case a.DueDate == nil && b.DueDate != nil:
		return false
	case a.DueDate != nil && !a.DueDate.Equal(*b.DueDate):
		return a.DueDate.Before(*b.DueDate)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return strings.Compare(a.ID, b.ID) < 0
}

// Completion is the outcome of completing a task: the completed parent and, for
// repeating tasks, its pending successor.
type Completion struct {
	Task      entity.Task  `json:"task"`
	Successor *entity.Task `json:"successor,omitempty"`
}

type Tasks interface {
	InsertTask(ctx context.Context, task entity.Task) (entity.Task, error)
	GetTask(ctx context.Context, id string) (entity.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]entity.Task, error)
	UpdateTask(ctx context.Context, task entity.Task) (entity.Task, error)
	// CompleteTask marks the task completed in one transaction. When the locked row
	// repeats and successorID is set, its successor is derived from that row and
	// inserted in the same transaction. Completing an already completed task returns
	// ErrAlreadyCompleted.
	CompleteTask(ctx context.Context, id, successorID string, now time.Time) (Completion, error)
	// InsertSuccessor fails with ErrUniqueViolation when the parent already has one.
	InsertSuccessor(ctx context.Context, successor entity.Task) (entity.Task, error)
	FindSuccessor(ctx context.Context, parentID string) (entity.Task, error)
}

// MessagePage bounds a message listing, always returned oldest first. AfterSeq excludes
// messages at or before it and Limit then keeps the first Limit after it. Without
// AfterSeq, Limit keeps the newest Limit messages. Zero Limit returns them all.
type MessagePage struct {
	AfterSeq uint64
	Limit    int
}

type Chats interface {
	// CreateChatroom inserts the room and all its members atomically. A direct room
	// whose DirectKey already exists fails with ErrUniqueViolation.
	CreateChatroom(ctx context.Context, room entity.Chatroom) (entity.Chatroom, error)
	FindDirectChatroom(ctx context.Context, directKey string) (entity.Chatroom, error)
	GetChatroom(ctx context.Context, id string) (entity.Chatroom, error)
	ListChatroomsForUser(ctx context.Context, userID string) ([]entity.Chatroom, error)
	IsChatroomMember(ctx context.Context, chatroomID, userID string) (bool, error)
	InsertMessage(ctx context.Context, msg entity.Message) (entity.Message, error)
	GetMessage(ctx context.Context, id string) (entity.Message, error)
	ListMessages(ctx context.Context, chatroomID string, page MessagePage) ([]entity.Message, error)
}

// ChangeFeed exposes the change log in seq order.
type ChangeFeed interface {
	ChangesSince(ctx context.Context, afterSeq uint64, limit int) ([]contracts.ChangeEvent, error)
	// Listen returns a channel that receives a value after new changes are committed.
	// The channel is closed when the feed connection is lost; callers must then resync.
	Listen(ctx context.Context) (<-chan struct{}, error)
	RelayOffset(ctx context.Context, name string) (uint64, error)
	SaveRelayOffset(ctx context.Context, name string, seq uint64) error
}

type Store interface {
	Profiles
	Groups
	Tasks
	Chats
	ChangeFeed
}
