package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/todo-1m/taskchat/internal/app/core"
	"github.com/todo-1m/taskchat/internal/entity"
	"github.com/todo-1m/taskchat/internal/notify"
	"github.com/todo-1m/taskchat/internal/store"
	"github.com/todo-1m/taskchat/internal/store/memstore"
	"github.com/todo-1m/taskchat/internal/viewcache"
	"go.uber.org/zap"
)

type harness struct {
	mem     *memstore.Store
	svc     *core.Service
	router  *notify.Router
	views   *viewcache.Coordinator
	lastSeq uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := memstore.New()
	svc := core.NewService(mem, zap.NewNop())
	views := viewcache.NewCoordinator(zap.NewNop(), time.Second)
	t.Cleanup(views.Stop)
	ctx := context.Background()
	for _, id := range []string{"alice", "bob", "carol"} {
		if err := svc.EnsureProfile(ctx, entity.Profile{ID: id, Email: id + "@example.com"}); err != nil {
			t.Fatalf("EnsureProfile: %v", err)
		}
	}
	return &harness{mem: mem, svc: svc, router: notify.NewRouter(zap.NewNop(), 16), views: views}
}

func (h *harness) deps() Deps {
	return Deps{Service: h.svc, Router: h.router, Views: h.views, Log: zap.NewNop()}
}

// relay publishes every change committed since the last call, as the change feed does.
func (h *harness) relay(t *testing.T) {
	t.Helper()
	events, err := h.mem.ChangesSince(context.Background(), h.lastSeq, 0)
	if err != nil {
		t.Fatalf("ChangesSince: %v", err)
	}
	for _, ev := range events {
		h.router.Publish(ev)
		h.lastSeq = ev.Seq
	}
}

func waitTasks(t *testing.T, hd *Handle, want int) []core.TaskView {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-hd.Updates():
			if !ok {
				t.Fatal("updates closed")
			}
			tasks, _ := snap.Value.([]core.TaskView)
			if len(tasks) == want {
				return tasks
			}
		case <-deadline:
			t.Fatalf("view never reached %d tasks", want)
			return nil
		}
	}
}

func TestOpen_MyTasksFollowsChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := New(ctx, "alice", h.deps())
	defer s.Close()

	hd, err := s.Open(ctx, Query{View: ViewMyTasks})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	snap, err := hd.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tasks := snap.Value.([]core.TaskView); len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %+v", tasks)
	}

	if _, err := h.svc.CreateTask(ctx, "alice", entity.TaskInput{Title: "laundry"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	h.relay(t)
	tasks := waitTasks(t, hd, 1)
	if tasks[0].Title != "laundry" {
		t.Fatalf("unexpected task %+v", tasks[0])
	}
}

func TestOpen_GroupTasksFollowNewMembership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := New(ctx, "alice", h.deps())
	defer s.Close()

	hd, err := s.Open(ctx, Query{View: ViewGroupTasks})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := hd.Get(ctx); err != nil {
		t.Fatalf("Get: %v", err)
	}

	g, err := h.svc.CreateGroup(ctx, "bob", "Flat", []string{"alice"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	h.relay(t)
	deadline := time.Now().Add(2 * time.Second)
	for len(hd.Topics()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("handle never subscribed to the new group, topics %v", hd.Topics())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := h.svc.CreateTask(ctx, "bob", entity.TaskInput{Title: "bins", GroupID: g.ID}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	h.relay(t)
	tasks := waitTasks(t, hd, 1)
	if tasks[0].GroupID != g.ID || tasks[0].GroupName != "Flat" {
		t.Fatalf("unexpected task %+v", tasks[0])
	}
}

func TestOpen_ResyncRefetchesWithoutEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := New(ctx, "alice", h.deps())
	defer s.Close()

	hd, err := s.Open(ctx, Query{View: ViewMyTasks})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitTasks(t, hd, 0)

	// Committed but never relayed, as if the feed connection dropped.
	if _, err := h.svc.CreateTask(ctx, "alice", entity.TaskInput{Title: "missed"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	h.router.Resync(notify.ReasonReconnect)
	waitTasks(t, hd, 1)
}

func TestOpen_MessagesRequireMembership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	room, err := h.svc.StartDirectChat(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("StartDirectChat: %v", err)
	}

	carol := New(ctx, "carol", h.deps())
	defer carol.Close()
	if _, err := carol.Open(ctx, Query{View: ViewMessages, ChatroomID: room.ID}); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := carol.Open(ctx, Query{View: ViewMessages}); !errors.Is(err, ErrChatroomRequired) {
		t.Fatalf("expected ErrChatroomRequired, got %v", err)
	}
	if _, err := carol.Open(ctx, Query{View: "inbox"}); !errors.Is(err, ErrUnknownView) {
		t.Fatalf("expected ErrUnknownView, got %v", err)
	}

	alice := New(ctx, "alice", h.deps())
	bob := New(ctx, "bob", h.deps())
	defer alice.Close()
	defer bob.Close()
	a, err := alice.Open(ctx, Query{View: ViewMessages, ChatroomID: room.ID})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := bob.Open(ctx, Query{View: ViewMessages, ChatroomID: room.ID}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if h.views.Len() != 1 {
		t.Fatalf("members should share one cached entry, got %d", h.views.Len())
	}

	if _, err := h.svc.SendMessage(ctx, room.ID, "bob", "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	h.relay(t)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-a.Updates():
			if msgs := snap.Value.([]core.MessageView); len(msgs) == 1 {
				return
			}
		case <-deadline:
			t.Fatal("message never reached alice's view")
		}
	}
}

func TestClose_ReleasesSubscriptionsAndViews(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := New(ctx, "alice", h.deps())

	a, err := s.Open(ctx, Query{View: ViewMyTasks})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Open(ctx, Query{View: ViewChatrooms}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.CloseHandle(a.ID); err != nil {
		t.Fatalf("CloseHandle: %v", err)
	}
	if err := s.CloseHandle(a.ID); !errors.Is(err, ErrHandleNotFound) {
		t.Fatalf("expected ErrHandleNotFound, got %v", err)
	}
	if s.Len() != 1 || h.router.Len() != 1 {
		t.Fatalf("expected one open handle, got %d handles %d subscriptions", s.Len(), h.router.Len())
	}

	s.Close()
	s.Close()
	if h.router.Len() != 0 || h.views.Len() != 0 {
		t.Fatalf("session close leaked %d subscriptions, %d entries", h.router.Len(), h.views.Len())
	}
	if _, err := s.Open(ctx, Query{View: ViewMyTasks}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestOpen_SharedMessagesOutliveFirstOpener(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	room, err := h.svc.StartDirectChat(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("StartDirectChat: %v", err)
	}

	alice := New(ctx, "alice", h.deps())
	if _, err := alice.Open(ctx, Query{View: ViewMessages, ChatroomID: room.ID}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	bob := New(ctx, "bob", h.deps())
	defer bob.Close()
	b, err := bob.Open(ctx, Query{View: ViewMessages, ChatroomID: room.ID})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if h.views.Len() != 1 {
		t.Fatalf("members should share one cached entry, got %d", h.views.Len())
	}
	alice.Close()

	if _, err := h.svc.SendMessage(ctx, room.ID, "alice", "still there?"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	// Refetches of the shared entry must not re-check any one member's access.
	h.mem.FailNext("IsChatroomMember", errors.New("membership checked during refetch"))
	h.relay(t)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-b.Updates():
			if msgs := snap.Value.([]core.MessageView); len(msgs) == 1 {
				if msgs[0].Content != "still there?" {
					t.Fatalf("unexpected message %+v", msgs[0])
				}
				return
			}
		case <-deadline:
			t.Fatal("message never reached bob's shared view")
		}
	}
}
