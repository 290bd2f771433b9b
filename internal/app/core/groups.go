package core

import (
	"context"
	"errors"

	"github.com/todo-1m/taskchat/internal/contracts"
	"github.com/todo-1m/taskchat/internal/entity"
	"github.com/todo-1m/taskchat/internal/store"
	"go.uber.org/zap"
)

type GroupView struct {
	entity.Group
	Members []entity.Profile `json:"members"`
}

// GetUserGroups lists userID's groups with their members.
func (s *Service) GetUserGroups(ctx context.Context, userID string) ([]GroupView, error) {
	userID, err := requireActor(userID)
	if err != nil {
		return nil, err
	}
	ids, err := s.Store.ListGroupIDsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []GroupView{}, nil
	}
	groups, err := s.Store.GetGroups(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]GroupView, 0, len(groups))
	for _, g := range groups {
		memberIDs, err := s.Store.ListGroupMembers(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		profiles, err := s.Store.GetProfiles(ctx, memberIDs)
		if err != nil {
			return nil, err
		}
		out = append(out, GroupView{Group: g, Members: profiles})
	}
	return out, nil
}

// CreateGroup creates a group whose members are creator plus members.
func (s *Service) CreateGroup(ctx context.Context, creator, name string, members []string) (entity.Group, error) {
	creator, err := requireActor(creator)
	if err != nil {
		return entity.Group{}, err
	}
	group, all, err := entity.NewGroup(s.NewID(), creator, name, members, s.Now())
	if err != nil {
		return entity.Group{}, err
	}
	err = store.Retry(ctx, s.Retry, "CreateGroup", func(ctx context.Context) error {
		return s.Store.CreateGroup(ctx, group, all)
	})
	if errors.Is(err, store.ErrUniqueViolation) {
		if existing, getErr := s.Store.GetGroups(ctx, []string{group.ID}); getErr == nil && len(existing) == 1 && existing[0].CreatedBy == creator {
			return existing[0], nil
		}
	}
	if err != nil {
		return entity.Group{}, err
	}
	s.Log.Info("group created", zap.String("group_id", group.ID), zap.Int("members", len(all)))
	return group, nil
}

// AddGroupMember adds userID to a group actor already belongs to. Adding an existing
// member succeeds.
func (s *Service) AddGroupMember(ctx context.Context, actor, groupID, userID string) error {
	if err := s.requireGroupMembers(ctx, groupID, actor); err != nil {
		return err
	}
	err := store.Retry(ctx, s.Retry, "AddGroupMember", func(ctx context.Context) error {
		return s.Store.AddGroupMember(ctx, groupID, userID)
	})
	if errors.Is(err, store.ErrUniqueViolation) {
		return nil
	}
	return err
}

// AuthorizeTopic reports whether userID may follow topic. Per-user topics belong to
// their user; room and group topics require membership.
func (s *Service) AuthorizeTopic(ctx context.Context, userID string, topic contracts.Topic) error {
	userID, err := requireActor(userID)
	if err != nil {
		return err
	}
	if !topic.Valid() {
		return store.ErrForbidden
	}
	switch topic.Kind {
	case contracts.KindAssignedTasks, contracts.KindCreatedTasks, contracts.KindChatrooms, contracts.KindMemberships:
		if topic.ID != userID {
			return store.ErrForbidden
		}
		return nil
	case contracts.KindMessages:
		return s.requireRoomMember(ctx, topic.ID, userID)
	case contracts.KindGroupTasks:
		return s.requireGroupMembers(ctx, topic.ID, userID)
	default:
		return store.ErrForbidden
	}
}
