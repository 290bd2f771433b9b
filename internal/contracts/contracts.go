package contracts

import (
	"strings"
	"time"
)

// Op is the kind of write a ChangeEvent reports.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Table names the store table a ChangeEvent was observed on.
type Table string

const (
	TableProfiles        Table = "profiles"
	TableGroups          Table = "groups"
	TableGroupMembers    Table = "group_members"
	TableTasks           Table = "tasks"
	TableChatrooms       Table = "chatrooms"
	TableChatroomMembers Table = "chatroom_members"
	TableMessages        Table = "messages"
)

// Topic kinds. The ID of a topic is the chatroom, user or group the kind is scoped to.
const (
	KindMessages      = "messages"
	KindAssignedTasks = "assigned-tasks"
	KindCreatedTasks  = "created-tasks"
	KindGroupTasks    = "group-tasks"
	KindChatrooms     = "chatrooms"
	KindMemberships   = "memberships"
)

// Topic is the coarse subscription key used for fan-out.
type Topic struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (t Topic) String() string {
	return t.Kind + "/" + t.ID
}

func (t Topic) Valid() bool {
	if strings.TrimSpace(t.ID) == "" {
		return false
	}
	switch t.Kind {
	case KindMessages, KindAssignedTasks, KindCreatedTasks, KindGroupTasks, KindChatrooms, KindMemberships:
		return true
	default:
		return false
	}
}

// ParseTopic accepts the "kind/id" form produced by Topic.String.
func ParseTopic(raw string) (Topic, bool) {
	kind, id, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok {
		return Topic{}, false
	}
	t := Topic{Kind: kind, ID: id}
	return t, t.Valid()
}

func ChatroomMessages(chatroomID string) Topic { return Topic{Kind: KindMessages, ID: chatroomID} }
func AssignedTasks(userID string) Topic       { return Topic{Kind: KindAssignedTasks, ID: userID} }
func CreatedTasks(userID string) Topic        { return Topic{Kind: KindCreatedTasks, ID: userID} }
func GroupTasks(groupID string) Topic         { return Topic{Kind: KindGroupTasks, ID: groupID} }
func UserChatrooms(userID string) Topic       { return Topic{Kind: KindChatrooms, ID: userID} }
func UserMemberships(userID string) Topic     { return Topic{Kind: KindMemberships, ID: userID} }

// ChangeEvent is emitted once per committed write. It carries the affected key only;
// subscribers refetch instead of trusting row payloads.
type ChangeEvent struct {
	EventID    string    `json:"event_id"`
	Seq        uint64    `json:"seq"`
	Op         Op        `json:"op"`
	Table      Table     `json:"table"`
	Key        string    `json:"key"`
	Topics     []Topic   `json:"topics"`
	OccurredAt time.Time `json:"occurred_at"`
}
