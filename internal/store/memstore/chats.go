package memstore

import (
	"context"
	"sort"

	"github.com/todo-1m/taskchat/internal/contracts"
	"github.com/todo-1m/taskchat/internal/entity"
	"github.com/todo-1m/taskchat/internal/store"
)

func (s *Store) CreateChatroom(ctx context.Context, room entity.Chatroom) (entity.Chatroom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "CreateChatroom"); err != nil {
		return entity.Chatroom{}, err
	}
	if _, exists := s.chatrooms[room.ID]; exists {
		return entity.Chatroom{}, store.ErrUniqueViolation
	}
	if room.IsDirect {
		if room.DirectKey == "" || len(room.Members) != 2 {
			return entity.Chatroom{}, &entity.InvalidEntityError{Entity: "chatroom", Invariant: entity.InvDirectOneTarget}
		}
		if _, exists := s.directKeys[room.DirectKey]; exists {
			return entity.Chatroom{}, store.ErrUniqueViolation
		}
	}
	if err := s.requireProfilesLocked(append([]string{room.CreatedBy}, room.Members...)...); err != nil {
		return entity.Chatroom{}, err
	}

	members := map[string]struct{}{}
	for _, m := range room.Members {
		members[m] = struct{}{}
	}
	room.Members = sortedKeys(members)
	s.chatrooms[room.ID] = room
	s.roomMembers[room.ID] = members
	if room.IsDirect {
		s.directKeys[room.DirectKey] = room.ID
	}
	s.appendLocked(store.ChatroomChange(contracts.OpInsert, room))
	return cloneRoom(room), s.afterLocked("CreateChatroom")
}

func (s *Store) FindDirectChatroom(ctx context.Context, directKey string) (entity.Chatroom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "FindDirectChatroom"); err != nil {
		return entity.Chatroom{}, err
	}
	id, ok := s.directKeys[directKey]
	if !ok {
		return entity.Chatroom{}, store.ErrNotFound
	}
	return cloneRoom(s.chatrooms[id]), nil
}

func (s *Store) GetChatroom(ctx context.Context, id string) (entity.Chatroom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "GetChatroom"); err != nil {
		return entity.Chatroom{}, err
	}
	room, ok := s.chatrooms[id]
	if !ok {
		return entity.Chatroom{}, store.ErrNotFound
	}
	return cloneRoom(room), nil
}

func (s *Store) ListChatroomsForUser(ctx context.Context, userID string) ([]entity.Chatroom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "ListChatroomsForUser"); err != nil {
		return nil, err
	}
	out := []entity.Chatroom{}
	for id, members := range s.roomMembers {
		if _, ok := members[userID]; ok {
			out = append(out, cloneRoom(s.chatrooms[id]))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) IsChatroomMember(ctx context.Context, chatroomID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "IsChatroomMember"); err != nil {
		return false, err
	}
	_, ok := s.roomMembers[chatroomID][userID]
	return ok, nil
}

// InsertMessage stamps CreatedAt and Seq.
func (s *Store) InsertMessage(ctx context.Context, msg entity.Message) (entity.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "InsertMessage"); err != nil {
		return entity.Message{}, err
	}
	if _, exists := s.messages[msg.ID]; exists {
		return entity.Message{}, store.ErrUniqueViolation
	}
	if _, ok := s.chatrooms[msg.ChatroomID]; !ok {
		return entity.Message{}, store.ErrNotFound
	}
	if err := s.requireProfilesLocked(msg.SenderID); err != nil {
		return entity.Message{}, err
	}
	msg.CreatedAt = s.Now()
	ev := s.appendLocked(store.MessageChange(msg))
	msg.Seq = ev.Seq
	s.messages[msg.ID] = msg
	return msg, s.afterLocked("InsertMessage")
}

func (s *Store) GetMessage(ctx context.Context, id string) (entity.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "GetMessage"); err != nil {
		return entity.Message{}, err
	}
	msg, ok := s.messages[id]
	if !ok {
		return entity.Message{}, store.ErrNotFound
	}
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, chatroomID string, page store.MessagePage) ([]entity.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beforeLocked(ctx, "ListMessages"); err != nil {
		return nil, err
	}
	out := []entity.Message{}
	for _, msg := range s.messages {
		if msg.ChatroomID == chatroomID && msg.Seq > page.AfterSeq {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	if page.Limit > 0 && len(out) > page.Limit {
		if page.AfterSeq > 0 {
			out = out[:page.Limit]
		} else {
			out = out[len(out)-page.Limit:]
		}
	}
	return out, nil
}

func cloneRoom(room entity.Chatroom) entity.Chatroom {
	room.Members = append([]string(nil), room.Members...)
	return room
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
