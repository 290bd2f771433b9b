package store

import (
	"github.com/todo-1m/taskchat/internal/contracts"
	"github.com/todo-1m/taskchat/internal/entity"
)

// The builders below derive the topics a write affects. Stores stamp EventID, Seq and
// OccurredAt when the change is appended to the log.

// TaskChange covers the assignee, creator and group scopes of task. When previous is
// given the scopes the task left are included so their views drop it.
func TaskChange(op contracts.Op, task entity.Task, previous *entity.Task) contracts.ChangeEvent {
	topics := newTopicSet()
	addTaskTopics(topics, task)
	if previous != nil {
		addTaskTopics(topics, *previous)
	}
	return contracts.ChangeEvent{Op: op, Table: contracts.TableTasks, Key: task.ID, Topics: topics.list()}
}

func addTaskTopics(set *topicSet, task entity.Task) {
	set.add(contracts.AssignedTasks(task.AssignedTo))
	set.add(contracts.CreatedTasks(task.CreatedBy))
	if task.GroupID != "" {
		set.add(contracts.GroupTasks(task.GroupID))
	}
}

func MessageChange(msg entity.Message) contracts.ChangeEvent {
	return contracts.ChangeEvent{
		Op:     contracts.OpInsert,
		Table:  contracts.TableMessages,
		Key:    msg.ID,
		Topics: []contracts.Topic{contracts.ChatroomMessages(msg.ChatroomID)},
	}
}

// ChatroomChange notifies the chatroom list of every member.
func ChatroomChange(op contracts.Op, room entity.Chatroom) contracts.ChangeEvent {
	topics := newTopicSet()
	for _, member := range room.Members {
		topics.add(contracts.UserChatrooms(member))
	}
	return contracts.ChangeEvent{Op: op, Table: contracts.TableChatrooms, Key: room.ID, Topics: topics.list()}
}

// GroupChange notifies the membership scope of every member.
func GroupChange(op contracts.Op, groupID string, members []string) contracts.ChangeEvent {
	topics := newTopicSet()
	for _, member := range members {
		topics.add(contracts.UserMemberships(member))
	}
	return contracts.ChangeEvent{Op: op, Table: contracts.TableGroupMembers, Key: groupID, Topics: topics.list()}
}

type topicSet struct {
	seen  map[contracts.Topic]struct{}
	order []contracts.Topic
}

func newTopicSet() *topicSet {
	return &topicSet{seen: map[contracts.Topic]struct{}{}}
}

func (s *topicSet) add(t contracts.Topic) {
	if !t.Valid() {
		return
	}
	if _, ok := s.seen[t]; ok {
		return
	}
	s.seen[t] = struct{}{}
	s.order = append(s.order, t)
}

func (s *topicSet) list() []contracts.Topic {
	return s.order
}
