// Package channel resolves chatroom identity. A direct chatroom exists at most once per
// unordered pair of users; the store's unique direct key serializes concurrent starts.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/todo-1m/taskchat/internal/entity"
	"github.com/todo-1m/taskchat/internal/store"
	"go.uber.org/zap"
)

// ErrUnresolved is returned when a direct chatroom could neither be created nor found
// within the attempt budget.
var ErrUnresolved = errors.New("direct chatroom could not be resolved")

const defaultAttempts = 3

type Store interface {
	CreateChatroom(ctx context.Context, room entity.Chatroom) (entity.Chatroom, error)
	FindDirectChatroom(ctx context.Context, directKey string) (entity.Chatroom, error)
}

type Resolver struct {
	Store    Store
	Log      *zap.Logger
	Now      func() time.Time
	NewID    func() string
	Attempts int
}

func NewResolver(s Store, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		Store:    s,
		Log:      log,
		Now:      func() time.Time { return time.Now().UTC() },
		NewID:    uuid.NewString,
		Attempts: defaultAttempts,
	}
}

// DedupKey is the canonical identity of the pair a and b.
func DedupKey(a, b string) string { return entity.DirectKey(a, b) }

// StartDirect returns the direct chatroom of the request's pair, creating it if needed.
// A unique violation means another request won the race and is resolved by lookup.
func (r *Resolver) StartDirect(ctx context.Context, req entity.DirectChatRequest) (entity.Chatroom, error) {
	key := req.Key()
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		room, err := r.Store.FindDirectChatroom(ctx, key)
		if err == nil {
			return room, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return entity.Chatroom{}, err
		}

		room, err = r.Store.CreateChatroom(ctx, req.Chatroom(r.NewID(), r.Now()))
		if err == nil {
			r.Log.Info("direct chatroom created", zap.String("chatroom_id", room.ID), zap.String("direct_key", key))
			return room, nil
		}
		if !errors.Is(err, store.ErrUniqueViolation) {
			return entity.Chatroom{}, err
		}
		r.Log.Debug("direct chatroom race lost, looking up winner", zap.String("direct_key", key), zap.Int("attempt", attempt))
	}
	return entity.Chatroom{}, fmt.Errorf("%w: %s", ErrUnresolved, key)
}

// CreateGroup always creates a new chatroom; group chats are not deduplicated.
func (r *Resolver) CreateGroup(ctx context.Context, req entity.GroupChatRequest) (entity.Chatroom, error) {
	return r.Store.CreateChatroom(ctx, req.Chatroom(r.NewID(), r.Now()))
}
