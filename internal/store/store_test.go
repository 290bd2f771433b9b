package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/todo-1m/taskchat/internal/contracts"
	"github.com/todo-1m/taskchat/internal/entity"
)

var fastPolicy = RetryPolicy{Attempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}

func TestRetry_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	var observed []int
	policy := fastPolicy
	policy.OnRetry = func(_ string, attempt int, _ error) { observed = append(observed, attempt) }

	err := Retry(context.Background(), policy, "insert", func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient("insert", errors.New("connection reset"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if calls != 3 || len(observed) != 2 {
		t.Fatalf("expected 3 calls and 2 retries, got calls=%d retries=%v", calls, observed)
	}
}

func TestRetry_GivesUpAfterAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy, "insert", func(context.Context) error {
		calls++
		return Transient("insert", errors.New("down"))
	})
	if !IsTransient(err) {
		t.Fatalf("expected transient error after exhausting attempts, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetry_DoesNotRetryTerminalErrors(t *testing.T) {
	for _, terminal := range []error{ErrNotFound, ErrUniqueViolation, &entity.InvalidEntityError{Entity: "task", Invariant: entity.InvTaskTitleRequired}} {
		calls := 0
		err := Retry(context.Background(), fastPolicy, "op", func(context.Context) error {
			calls++
			return terminal
		})
		if !errors.Is(err, terminal) || calls != 1 {
			t.Fatalf("expected single call returning %v, got calls=%d err=%v", terminal, calls, err)
		}
	}
}

func TestRetryValue(t *testing.T) {
	calls := 0
	v, err := RetryValue(context.Background(), fastPolicy, "get", func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", Transient("get", errors.New("timeout"))
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("unexpected result v=%q err=%v", v, err)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", &entity.InvalidEntityError{Entity: "message", Invariant: entity.InvMessageContentRequired}, false},
		{"not found", fmt.Errorf("load task: %w", ErrNotFound), false},
		{"forbidden", ErrForbidden, false},
		{"transient", Transient("insert", errors.New("reset")), true},
		{"recurrence", &RecurrenceIntegrityError{TaskID: "t1", Err: errors.New("commit unknown")}, true},
		{"deadline", context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Fatalf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestTaskChange_IncludesPreviousScopes(t *testing.T) {
	prev := entity.Task{ID: "t1", AssignedTo: "a", CreatedBy: "c", GroupID: "g1"}
	next := entity.Task{ID: "t1", AssignedTo: "b", CreatedBy: "c"}

	ev := TaskChange(contracts.OpUpdate, next, &prev)
	want := []contracts.Topic{
		contracts.AssignedTasks("b"),
		contracts.CreatedTasks("c"),
		contracts.AssignedTasks("a"),
		contracts.GroupTasks("g1"),
	}
	if ev.Key != "t1" || ev.Table != contracts.TableTasks || ev.Op != contracts.OpUpdate {
		t.Fatalf("unexpected event header: %+v", ev)
	}
	if len(ev.Topics) != len(want) {
		t.Fatalf("topics = %v, want %v", ev.Topics, want)
	}
	for i := range want {
		if ev.Topics[i] != want[i] {
			t.Fatalf("topics = %v, want %v", ev.Topics, want)
		}
	}
}

func TestChatroomAndGroupChange(t *testing.T) {
	room := entity.Chatroom{ID: "r1", Members: []string{"a", "b", "a"}}
	ev := ChatroomChange(contracts.OpInsert, room)
	if len(ev.Topics) != 2 || ev.Topics[0] != contracts.UserChatrooms("a") || ev.Topics[1] != contracts.UserChatrooms("b") {
		t.Fatalf("unexpected chatroom topics: %v", ev.Topics)
	}

	ev = GroupChange(contracts.OpInsert, "g1", []string{"a", "", "c"})
	if len(ev.Topics) != 2 || ev.Key != "g1" || ev.Topics[1] != contracts.UserMemberships("c") {
		t.Fatalf("unexpected group topics: %+v", ev)
	}

	ev = MessageChange(entity.Message{ID: "m1", ChatroomID: "r1"})
	if len(ev.Topics) != 1 || ev.Topics[0] != contracts.ChatroomMessages("r1") {
		t.Fatalf("unexpected message topics: %v", ev.Topics)
	}
}
