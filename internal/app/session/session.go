// Package session binds one client's open views to the change router and the shared
// view cache. Each open view holds a router subscription on its dependency topics;
// events invalidate the cached entry and resync signals force a refetch.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nuid"
	"github.com/todo-1m/taskchat/internal/app/core"
	"github.com/todo-1m/taskchat/internal/contracts"
	"github.com/todo-1m/taskchat/internal/notify"
	"github.com/todo-1m/taskchat/internal/store"
	"github.com/todo-1m/taskchat/internal/viewcache"
	"go.uber.org/zap"
)

var ErrUnknownView = errors.New("unknown view")
var ErrChatroomRequired = errors.New("chatroom_id is required")
var ErrSessionClosed = errors.New("session closed")
var ErrHandleNotFound = errors.New("view handle not found")

// View names accepted by Open.
const (
	ViewMyTasks      = "my-tasks"
	ViewGroupTasks   = "group-tasks"
	ViewCreatedTasks = "created-tasks"
	ViewChatrooms    = "chatrooms"
	ViewMessages     = "messages"
	ViewGroups       = "groups"
)

type Query struct {
	View       string `json:"view"`
	ChatroomID string `json:"chatroom_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// Deps are shared by every session of a process.
type Deps struct {
	Service *core.Service
	Router  *notify.Router
	Views   *viewcache.Coordinator
	Log     *zap.Logger
}

type Session struct {
	userID string
	deps   Deps
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

func New(parent context.Context, userID string, deps Deps) *Session {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		userID:  userID,
		deps:    deps,
		log:     log.With(zap.String("user_id", userID)),
		ctx:     ctx,
		cancel:  cancel,
		handles: map[string]*Handle{},
	}
}

func (s *Session) UserID() string { return s.userID }

// Handle is one open view of a session.
type Handle struct {
	ID    string
	Query Query

	session *Session
	view    *viewcache.View
	done    chan struct{}
	stop    context.CancelFunc

	mu  sync.Mutex
	sub *notify.Subscription
}

func (h *Handle) Key() viewcache.Key { return h.view.Key() }

// Get waits for a clean snapshot of the view.
func (h *Handle) Get(ctx context.Context) (viewcache.Snapshot, error) { return h.view.Get(ctx) }

// Updates yields a snapshot after every refetch. It is closed when the handle closes.
func (h *Handle) Updates() <-chan viewcache.Snapshot { return h.view.Updates() }

func (h *Handle) Topics() []contracts.Topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sub.Topics()
}

// Close stops the handle's subscription and releases its view.
func (h *Handle) Close() {
	s := h.session
	s.mu.Lock()
	_, open := s.handles[h.ID]
	delete(s.handles, h.ID)
	s.mu.Unlock()
	if !open {
		return
	}
	h.shutdown()
}

func (h *Handle) shutdown() {
	h.stop()
	<-h.done
	h.mu.Lock()
	h.sub.Close()
	h.mu.Unlock()
	h.view.Close()
}

// binding is what a query resolves to: its cache key, dependency topics and fetch.
type binding struct {
	key   viewcache.Key
	deps  []contracts.Topic
	fetch viewcache.FetchFunc
	// redeps recomputes deps when the user's memberships change.
	redeps func(ctx context.Context) ([]contracts.Topic, error)
}

// Open resolves q, opens its cached view and starts following its topics.
func (s *Session) Open(ctx context.Context, q Query) (*Handle, error) {
	b, err := s.bind(ctx, q)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	// Subscribe before the first fetch starts so no committed change is missed.
	sub := s.deps.Router.Subscribe(b.deps...)
	view := s.deps.Views.Open(b.key, b.deps, b.fetch)
	pumpCtx, stop := context.WithCancel(s.ctx)
	h := &Handle{
		ID:      nuid.Next(),
		Query:   q,
		session: s,
		view:    view,
		sub:     sub,
		done:    make(chan struct{}),
		stop:    stop,
	}
	s.handles[h.ID] = h
	s.mu.Unlock()

	go h.pump(pumpCtx, b)
	s.log.Debug("view opened", zap.String("handle", h.ID), zap.String("key", b.key.String()))
	return h, nil
}

// CloseHandle closes the handle with id.
func (s *Session) CloseHandle(id string) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return ErrHandleNotFound
	}
	h.Close()
	return nil
}

// Close releases every open handle. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = map[string]*Handle{}
	s.mu.Unlock()

	s.cancel()
	for _, h := range handles {
		h.shutdown()
	}
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (h *Handle) pump(ctx context.Context, b binding) {
	defer close(h.done)
	views := h.session.deps.Views
	for {
		h.mu.Lock()
		sub := h.sub
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Events():
			membershipChanged := false
			for _, t := range ev.Topics {
				views.Invalidate(t, ev.Seq)
				if t.Kind == contracts.KindMemberships {
					membershipChanged = true
				}
			}
			if membershipChanged && b.redeps != nil {
				h.rebind(ctx, b)
			}
		case <-sub.Resync():
			views.InvalidateKey(b.key)
			if b.redeps != nil {
				h.rebind(ctx, b)
			}
		}
	}
}

// rebind moves the handle to freshly resolved dependency topics. The new subscription
// is in place before SetDeps triggers the refetch.
func (h *Handle) rebind(ctx context.Context, b binding) {
	deps, err := b.redeps(ctx)
	if err != nil {
		h.session.log.Warn("resolving view dependencies failed", zap.String("key", b.key.String()), zap.Error(err))
		h.session.deps.Views.InvalidateKey(b.key)
		return
	}
	next := h.session.deps.Router.Subscribe(deps...)
	h.mu.Lock()
	prev := h.sub
	h.sub = next
	h.mu.Unlock()
	h.view.SetDeps(deps)
	prev.Close()
}

func (s *Session) bind(ctx context.Context, q Query) (binding, error) {
	svc := s.deps.Service
	user := s.userID
	limit := q.Limit
	params := fmt.Sprintf("user=%s&limit=%d", user, limit)

	switch strings.TrimSpace(q.View) {
	case ViewMyTasks:
		return binding{
			key:  viewcache.Key{Entity: ViewMyTasks, Params: params},
			deps: []contracts.Topic{contracts.AssignedTasks(user)},
			fetch: func(ctx context.Context) (any, error) {
				return svc.GetMyTasks(ctx, user, limit)
			},
		}, nil
	case ViewCreatedTasks:
		return binding{
			key:  viewcache.Key{Entity: ViewCreatedTasks, Params: params},
			deps: []contracts.Topic{contracts.CreatedTasks(user)},
			fetch: func(ctx context.Context) (any, error) {
				return svc.GetCreatedTasks(ctx, user, limit)
			},
		}, nil
	case ViewGroupTasks:
		redeps := func(ctx context.Context) ([]contracts.Topic, error) {
			ids, err := svc.Store.ListGroupIDsForUser(ctx, user)
			if err != nil {
				return nil, err
			}
			deps := []contracts.Topic{contracts.UserMemberships(user)}
			for _, id := range ids {
				deps = append(deps, contracts.GroupTasks(id))
			}
			return deps, nil
		}
		deps, err := redeps(ctx)
		if err != nil {
			return binding{}, err
		}
		return binding{
			key:  viewcache.Key{Entity: ViewGroupTasks, Params: params},
			deps: deps,
			fetch: func(ctx context.Context) (any, error) {
				return svc.GetGroupTasks(ctx, user, limit)
			},
			redeps: redeps,
		}, nil
	case ViewChatrooms:
		return binding{
			key:  viewcache.Key{Entity: ViewChatrooms, Params: "user=" + user},
			deps: []contracts.Topic{contracts.UserChatrooms(user)},
			fetch: func(ctx context.Context) (any, error) {
				return svc.GetChatrooms(ctx, user)
			},
		}, nil
	case ViewGroups:
		return binding{
			key:  viewcache.Key{Entity: ViewGroups, Params: "user=" + user},
			deps: []contracts.Topic{contracts.UserMemberships(user)},
			fetch: func(ctx context.Context) (any, error) {
				return svc.GetUserGroups(ctx, user)
			},
		}, nil
	case ViewMessages:
		room := strings.TrimSpace(q.ChatroomID)
		if room == "" {
			return binding{}, ErrChatroomRequired
		}
		topic := contracts.ChatroomMessages(room)
		if err := svc.AuthorizeTopic(ctx, user, topic); err != nil {
			return binding{}, err
		}
		// Messages are shared by every member, so neither the key nor the fetch depends
		// on the user. Membership was checked above for this session.
		return binding{
			key:  viewcache.Key{Entity: ViewMessages, Params: fmt.Sprintf("chatroom=%s&limit=%d", room, limit)},
			deps: []contracts.Topic{topic},
			fetch: func(ctx context.Context) (any, error) {
				return svc.RoomMessages(ctx, room, store.MessagePage{Limit: limit})
			},
		}, nil
	default:
		return binding{}, fmt.Errorf("%w: %q", ErrUnknownView, q.View)
	}
}
