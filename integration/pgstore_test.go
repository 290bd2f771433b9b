//go:build integration

package integration_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nuid"
	"github.com/todo-1m/taskchat/internal/app/changefeed"
	"github.com/todo-1m/taskchat/internal/app/core"
	"github.com/todo-1m/taskchat/internal/app/relay"
	"github.com/todo-1m/taskchat/internal/contracts"
	"github.com/todo-1m/taskchat/internal/entity"
	"github.com/todo-1m/taskchat/internal/notify"
	"github.com/todo-1m/taskchat/internal/platform/natsutil"
	"github.com/todo-1m/taskchat/internal/store"
	"github.com/todo-1m/taskchat/internal/store/pgstore"
	"go.uber.org/zap"
)

// newPool connects to DATABASE_URL with a private schema so runs do not interfere.
func newPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	schema := "it_" + nuid.Next()

	admin, err := pgx.Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+pgx.Identifier{schema}.Sanitize()+" CASCADE")
		_ = admin.Close(context.Background())
	})

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := pgstore.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func newService(t *testing.T, pool *pgxpool.Pool) (*pgstore.Store, *core.Service) {
	t.Helper()
	st := pgstore.New(pool)
	svc := core.NewService(st, zap.NewNop())
	for _, id := range []string{"alice", "bob", "carol"} {
		name := id
		if err := svc.EnsureProfile(context.Background(), entity.Profile{ID: id, DisplayName: &name, Email: id + "@example.com"}); err != nil {
			t.Fatalf("EnsureProfile: %v", err)
		}
	}
	return st, svc
}

func TestPostgres_MigrateIsIdempotent(t *testing.T) {
	pool := newPool(t)
	if err := pgstore.Migrate(context.Background(), pool); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestPostgres_RecurringCompletionIsAtomic(t *testing.T) {
	pool := newPool(t)
	st, svc := newService(t, pool)
	ctx := context.Background()

	due := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)
	task, err := svc.CreateTask(ctx, "alice", entity.TaskInput{Title: "Pay rent", DueDate: &due, Repeat: "monthly"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	done, err := svc.CompleteTask(ctx, "alice", task.ID)
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if done.Successor == nil || !done.Successor.DueDate.Equal(time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected successor %+v", done.Successor)
	}

	again, err := svc.CompleteTask(ctx, "alice", task.ID)
	if err != nil || again.Successor == nil || again.Successor.ID != done.Successor.ID {
		t.Fatalf("repeat completion must return the existing successor: %+v %v", again, err)
	}

	dup := *done.Successor
	dup.ID = "another"
	if _, err := st.InsertSuccessor(ctx, dup); !errors.Is(err, store.ErrUniqueViolation) {
		t.Fatalf("second successor must violate uniqueness, got %v", err)
	}
}

func TestPostgres_CompletionReadsLockedSchedule(t *testing.T) {
	pool := newPool(t)
	st, svc := newService(t, pool)
	ctx := context.Background()

	due := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	task, err := svc.CreateTask(ctx, "alice", entity.TaskInput{Title: "Standup notes", DueDate: &due, Repeat: "weekly"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	moved := due.AddDate(0, 0, 2)
	if _, err := svc.UpdateTask(ctx, "alice", task.ID, entity.TaskPatch{DueDate: &moved}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	// task still carries the old due date; the store must use the stored row.
	done, err := st.CompleteTask(ctx, task.ID, "next-"+task.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if done.Successor == nil || !done.Successor.DueDate.Equal(moved.AddDate(0, 0, 7)) {
		t.Fatalf("successor must follow the committed due date, got %+v", done.Successor)
	}
}

func TestPostgres_MessagePagesKeepNewest(t *testing.T) {
	pool := newPool(t)
	st, svc := newService(t, pool)
	ctx := context.Background()

	room, err := svc.CreateGroupChat(ctx, "alice", "History", []string{"bob"})
	if err != nil {
		t.Fatalf("CreateGroupChat: %v", err)
	}
	for i := 0; i < 12; i++ {
		if _, err := svc.SendMessage(ctx, room.ID, "alice", fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
	}

	latest, err := st.ListMessages(ctx, room.ID, store.MessagePage{Limit: 5})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(latest) != 5 || latest[0].Content != "msg 7" || latest[4].Content != "msg 11" {
		t.Fatalf("expected the newest five oldest first, got %+v", latest)
	}

	all, err := st.ListMessages(ctx, room.ID, store.MessagePage{})
	if err != nil || len(all) != 12 {
		t.Fatalf("zero limit must return every message: %d %v", len(all), err)
	}

	after, err := st.ListMessages(ctx, room.ID, store.MessagePage{AfterSeq: all[4].Seq, Limit: 2})
	if err != nil {
		t.Fatalf("ListMessages after: %v", err)
	}
	if len(after) != 2 || after[0].Content != "msg 5" || after[1].Content != "msg 6" {
		t.Fatalf("expected the two messages following the cursor, got %+v", after)
	}
}

func TestPostgres_ConstraintsMapToInvariants(t *testing.T) {
	pool := newPool(t)
	st, _ := newService(t, pool)
	ctx := context.Background()

	_, err := pool.Exec(ctx,
		`INSERT INTO tasks (id, title, assigned_to, created_by, priority, repeat, status, created_at)
		 VALUES ('t1', 'x', 'alice', 'alice', 'normal', 'daily', 'pending', now())`)
	if err == nil {
		t.Fatalf("repeat without due date must be rejected")
	}

	task := entity.Task{ID: "t2", Title: "x", AssignedTo: "nobody", CreatedBy: "alice",
		Priority: entity.PriorityNormal, Repeat: entity.RepeatNone, Status: entity.StatusPending, CreatedAt: time.Now().UTC()}
	if _, err := st.InsertTask(ctx, task); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown assignee must map to ErrNotFound, got %v", err)
	}
}

func TestPostgres_ConcurrentDirectChatResolvesToOneRoom(t *testing.T) {
	pool := newPool(t)
	_, svc := newService(t, pool)
	ctx := context.Background()

	const callers = 8
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := "alice", "bob"
			if i%2 == 1 {
				from, to = to, from
			}
			room, err := svc.StartDirectChat(ctx, from, to)
			ids[i], errs[i] = room.ID, err
		}(i)
	}
	wg.Wait()
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("callers got different rooms: %v", ids)
		}
	}
}

func TestPostgres_ChangeLogOrderAndListen(t *testing.T) {
	pool := newPool(t)
	st, svc := newService(t, pool)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wake, err := st.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	room, err := svc.CreateGroupChat(ctx, "alice", "Ops", []string{"bob"})
	if err != nil {
		t.Fatalf("CreateGroupChat: %v", err)
	}
	select {
	case <-wake:
	case <-ctx.Done():
		t.Fatalf("no notification after commit")
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.SendMessage(ctx, room.ID, "alice", fmt.Sprintf("msg %d", i)); err != nil {
				t.Errorf("SendMessage: %v", err)
			}
		}(i)
	}
	wg.Wait()

	events, err := st.ChangesSince(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ChangesSince: %v", err)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("change log out of order at %d", i)
		}
	}

	msgs, err := svc.GetMessages(ctx, "bob", room.ID, store.MessagePage{})
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 10 {
		t.Fatalf("expected 10 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		prev, cur := msgs[i-1], msgs[i]
		if cur.CreatedAt.Before(prev.CreatedAt) || cur.Seq <= prev.Seq {
			t.Fatalf("messages not ordered by (created_at, seq) at %d", i)
		}
	}

	if err := st.SaveRelayOffset(ctx, "it", 5); err != nil {
		t.Fatalf("SaveRelayOffset: %v", err)
	}
	if err := st.SaveRelayOffset(ctx, "it", 3); err != nil {
		t.Fatalf("SaveRelayOffset: %v", err)
	}
	if got, _ := st.RelayOffset(ctx, "it"); got != 5 {
		t.Fatalf("relay offset must never move backwards, got %d", got)
	}
}

// TestPostgres_RelayThroughJetStream needs NATS_URL as well.
func TestPostgres_RelayThroughJetStream(t *testing.T) {
	pool := newPool(t)
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		t.Skip("NATS_URL not set")
	}
	st, svc := newService(t, pool)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	router := notify.NewRouter(zap.NewNop(), 16)
	bridge := changefeed.NewBridge(router, zap.NewNop())
	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, 10*time.Second, zap.NewNop(), bridge.ReconnectOption())
	if err != nil {
		t.Fatalf("nats: %v", err)
	}
	defer client.Close()
	sub, err := bridge.Subscribe(client.JS)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	assigned := router.Subscribe(contracts.AssignedTasks("bob"))
	defer assigned.Close()

	publisher := natsutil.JetStreamPublisher{JS: client.JS}
	rel := relay.NewService(st, publisher.Publish, zap.NewNop())
	rel.Name = "it-" + nuid.Next()
	go func() { _ = rel.Run(ctx) }()

	task, err := svc.CreateTask(ctx, "alice", entity.TaskInput{Title: "Review", AssignedTo: "bob"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	for {
		select {
		case ev := <-assigned.Events():
			if ev.Key == task.ID {
				return
			}
		case <-ctx.Done():
			t.Fatalf("task change never arrived through JetStream")
		}
	}
}
