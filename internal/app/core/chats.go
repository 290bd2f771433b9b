package core

import (
	"context"
	"errors"

	"github.com/todo-1m/taskchat/internal/entity"
	"github.com/todo-1m/taskchat/internal/store"
	"go.uber.org/zap"
)

// ChatroomView is a chatroom as one viewer sees it. Title is the other member's name
// for direct rooms.
type ChatroomView struct {
	entity.Chatroom
	Title    string           `json:"title"`
	Profiles []entity.Profile `json:"profiles,omitempty"`
}

type MessageView struct {
	entity.Message
	SenderName string `json:"sender_name,omitempty"`
}

// GetChatrooms lists the rooms userID belongs to, newest first.
func (s *Service) GetChatrooms(ctx context.Context, userID string) ([]ChatroomView, error) {
	userID, err := requireActor(userID)
	if err != nil {
		return nil, err
	}
	rooms, err := s.Store.ListChatroomsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, r := range rooms {
		ids = append(ids, r.Members...)
	}
	names, err := s.names(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]ChatroomView, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, ChatroomView{Chatroom: r, Title: r.DisplayName(userID, names)})
	}
	return out, nil
}

// GetChatroom returns one room with its members' profiles. Only members may read it.
func (s *Service) GetChatroom(ctx context.Context, userID, chatroomID string) (ChatroomView, error) {
	if err := s.requireRoomMember(ctx, chatroomID, userID); err != nil {
		return ChatroomView{}, err
	}
	room, err := s.Store.GetChatroom(ctx, chatroomID)
	if err != nil {
		return ChatroomView{}, err
	}
	profiles, err := s.Store.GetProfiles(ctx, room.Members)
	if err != nil {
		return ChatroomView{}, err
	}
	names := make(map[string]string, len(profiles))
	for _, p := range profiles {
		names[p.ID] = p.Name()
	}
	return ChatroomView{Chatroom: room, Title: room.DisplayName(userID, names), Profiles: profiles}, nil
}

// GetMessages lists a room's messages oldest first for one of its members. Without a
// limit every message is returned; see store.MessagePage for paging.
func (s *Service) GetMessages(ctx context.Context, userID, chatroomID string, page store.MessagePage) ([]MessageView, error) {
	if err := s.requireRoomMember(ctx, chatroomID, userID); err != nil {
		return nil, err
	}
	return s.RoomMessages(ctx, chatroomID, page)
}

// RoomMessages is GetMessages without the membership check, for callers that already
// authorized the room and share the result between members.
func (s *Service) RoomMessages(ctx context.Context, chatroomID string, page store.MessagePage) ([]MessageView, error) {
	if page.Limit > DefaultListLimit {
		page.Limit = DefaultListLimit
	}
	msgs, err := s.Store.ListMessages(ctx, chatroomID, page)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.SenderID)
	}
	names, err := s.names(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageView{Message: m, SenderName: names[m.SenderID]})
	}
	return out, nil
}

// SendMessage stores content from senderID. Blank content is rejected before the store
// is touched.
func (s *Service) SendMessage(ctx context.Context, chatroomID, senderID, content string) (entity.Message, error) {
	msg, err := entity.NewMessage(s.NewID(), chatroomID, senderID, content)
	if err != nil {
		return entity.Message{}, err
	}
	if err := s.requireRoomMember(ctx, msg.ChatroomID, msg.SenderID); err != nil {
		return entity.Message{}, err
	}
	stored, err := store.RetryValue(ctx, s.Retry, "InsertMessage", func(ctx context.Context) (entity.Message, error) {
		return s.Store.InsertMessage(ctx, msg)
	})
	if errors.Is(err, store.ErrUniqueViolation) {
		existing, getErr := s.Store.GetMessage(ctx, msg.ID)
		if getErr == nil && existing.SenderID == msg.SenderID {
			return existing, nil
		}
	}
	if err != nil {
		return entity.Message{}, err
	}
	return stored, nil
}

// StartDirectChat returns the 1:1 room between userID and targetID, creating it once.
func (s *Service) StartDirectChat(ctx context.Context, userID, targetID string) (entity.Chatroom, error) {
	req, err := entity.NewDirectChatRequest(userID, []string{targetID})
	if err != nil {
		return entity.Chatroom{}, err
	}
	return store.RetryValue(ctx, s.Retry, "StartDirect", func(ctx context.Context) (entity.Chatroom, error) {
		return s.Resolver.StartDirect(ctx, req)
	})
}

// CreateGroupChat creates a named room with creator and members. Each call makes a new room.
func (s *Service) CreateGroupChat(ctx context.Context, creator, name string, members []string) (entity.Chatroom, error) {
	req, err := entity.NewGroupChatRequest(creator, name, members)
	if err != nil {
		return entity.Chatroom{}, err
	}
	room := req.Chatroom(s.NewID(), s.Now())
	created, err := store.RetryValue(ctx, s.Retry, "CreateChatroom", func(ctx context.Context) (entity.Chatroom, error) {
		return s.Store.CreateChatroom(ctx, room)
	})
	if errors.Is(err, store.ErrUniqueViolation) {
		existing, getErr := s.Store.GetChatroom(ctx, room.ID)
		if getErr == nil && existing.CreatedBy == room.CreatedBy {
			return existing, nil
		}
	}
	if err != nil {
		return entity.Chatroom{}, err
	}
	s.Log.Info("group chat created", zap.String("chatroom_id", created.ID), zap.Int("members", len(created.Members)))
	return created, nil
}

func (s *Service) requireRoomMember(ctx context.Context, chatroomID, userID string) error {
	userID, err := requireActor(userID)
	if err != nil {
		return err
	}
	ok, err := s.Store.IsChatroomMember(ctx, chatroomID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrForbidden
	}
	return nil
}
