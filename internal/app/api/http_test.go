package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/todo-1m/taskchat/internal/app/core"
	"github.com/todo-1m/taskchat/internal/app/session"
	"github.com/todo-1m/taskchat/internal/entity"
	"github.com/todo-1m/taskchat/internal/notify"
	platformauth "github.com/todo-1m/taskchat/internal/platform/auth"
	"github.com/todo-1m/taskchat/internal/recurrence"
	"github.com/todo-1m/taskchat/internal/store"
	"github.com/todo-1m/taskchat/internal/store/memstore"
	"github.com/todo-1m/taskchat/internal/viewcache"
	"go.uber.org/zap"
)

type testServer struct {
	mem     *memstore.Store
	svc     *core.Service
	handler *Handler
	router  http.Handler
	tokens  platformauth.Manager
	changes *notify.Router
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := memstore.New()
	svc := core.NewService(mem, zap.NewNop())
	svc.Retry = store.RetryPolicy{Attempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}
	views := viewcache.NewCoordinator(zap.NewNop(), time.Second)
	t.Cleanup(views.Stop)
	tokens := platformauth.NewManager("test-secret", time.Hour)
	deps := session.Deps{Service: svc, Router: notify.NewRouter(zap.NewNop(), 16), Views: views, Log: zap.NewNop()}
	h := NewHandler(svc, tokens, deps, zap.NewNop())
	return &testServer{mem: mem, svc: svc, handler: h, router: h.Router(), tokens: tokens, changes: deps.Router}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := s.tokens.Sign(userID, userID+"@example.com", strings.ToUpper(userID[:1])+userID[1:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return tok
}

func (s *testServer) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(t, userID))
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealthReadyMetrics(t *testing.T) {
	s := newTestServer(t)

	if rr := s.do(t, http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}
	if rr := s.do(t, http.MethodGet, "/readyz", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rr.Code)
	}
	s.handler.Ready = func(context.Context) error { return errors.New("postgres down") }
	if rr := s.do(t, http.MethodGet, "/readyz", "", nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz when not ready: %d", rr.Code)
	}

	rr := s.do(t, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "taskchat_router_subscriptions") {
		t.Fatalf("metrics: %d %q", rr.Code, rr.Body.String())
	}
}

func TestAuth_RejectsMissingAndInvalidTokens(t *testing.T) {
	s := newTestServer(t)

	if rr := s.do(t, http.MethodGet, "/api/v1/tasks/mine", "", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/mine", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", rr.Code)
	}
}

func TestAuth_MirrorsProfile(t *testing.T) {
	s := newTestServer(t)
	if rr := s.do(t, http.MethodGet, "/api/v1/groups", "alice", nil); rr.Code != http.StatusOK {
		t.Fatalf("groups: %d %s", rr.Code, rr.Body.String())
	}
	p, err := s.mem.GetProfile(context.Background(), "alice")
	if err != nil {
		t.Fatalf("profile not mirrored: %v", err)
	}
	if p.Name() != "Alice" || p.Email != "alice@example.com" {
		t.Fatalf("unexpected profile %+v", p)
	}
}

func TestProfiles_MeAndLookup(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	if err := s.mem.UpsertProfile(ctx, entity.Profile{ID: "alice", Email: "old@example.com", Points: 40}); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}

	rr := s.do(t, http.MethodGet, "/api/v1/me", "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("me: %d %s", rr.Code, rr.Body.String())
	}
	me := decode[entity.Profile](t, rr)
	if me.ID != "alice" || me.Points != 40 || me.Email != "alice@example.com" || me.Name() != "Alice" {
		t.Fatalf("me should carry refreshed identity and stored points, got %+v", me)
	}

	s.do(t, http.MethodGet, "/api/v1/me", "bob", nil)
	rr = s.do(t, http.MethodGet, "/api/v1/profiles?ids=bob,,alice,bob,ghost", "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("profiles: %d %s", rr.Code, rr.Body.String())
	}
	got := decode[struct {
		Profiles []entity.Profile `json:"profiles"`
	}](t, rr)
	if len(got.Profiles) != 2 {
		t.Fatalf("expected bob and alice once each, got %+v", got.Profiles)
	}

	rr = s.do(t, http.MethodGet, "/api/v1/profiles", "alice", nil)
	if empty := decode[struct {
		Profiles []entity.Profile `json:"profiles"`
	}](t, rr); rr.Code != http.StatusOK || len(empty.Profiles) != 0 {
		t.Fatalf("no ids: %d %s", rr.Code, rr.Body.String())
	}
	if rr := s.do(t, http.MethodGet, "/api/v1/me", "", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("me without token: %d", rr.Code)
	}
}

func TestTasks_CreateListComplete(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/api/v1/groups", "bob", nil)

	due := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	rr := s.do(t, http.MethodPost, "/api/v1/tasks", "alice", map[string]any{
		"title":    "Water plants",
		"due_date": due,
		"repeat":   "daily",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}
	task := decode[entity.Task](t, rr)
	if task.AssignedTo != "alice" || task.Status != entity.StatusPending {
		t.Fatalf("unexpected task %+v", task)
	}

	rr = s.do(t, http.MethodGet, "/api/v1/tasks/mine", "alice", nil)
	mine := decode[struct {
		Tasks []core.TaskView `json:"tasks"`
	}](t, rr)
	if len(mine.Tasks) != 1 || mine.Tasks[0].ID != task.ID || mine.Tasks[0].CreatorName != "Alice" {
		t.Fatalf("unexpected my tasks %+v", mine.Tasks)
	}

	if rr := s.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/complete", "bob", nil); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unrelated user, got %d", rr.Code)
	}

	rr = s.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/complete", "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rr.Code, rr.Body.String())
	}
	done := decode[store.Completion](t, rr)
	if done.Task.Status != entity.StatusCompleted || done.Successor == nil {
		t.Fatalf("unexpected completion %+v", done)
	}
	if want := due.AddDate(0, 0, 1); !done.Successor.DueDate.Equal(want) {
		t.Fatalf("successor due %v, want %v", done.Successor.DueDate, want)
	}

	rr = s.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/complete", "alice", nil)
	again := decode[store.Completion](t, rr)
	if rr.Code != http.StatusOK || again.Successor == nil || again.Successor.ID != done.Successor.ID {
		t.Fatalf("second complete must return the same successor: %d %+v", rr.Code, again)
	}
}

func TestTasks_UpdateAndResume(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodPost, "/api/v1/tasks", "alice", map[string]any{"title": "Draft"})
	task := decode[entity.Task](t, rr)

	rr = s.do(t, http.MethodPatch, "/api/v1/tasks/"+task.ID, "alice", map[string]any{"title": "Final", "priority": "high"})
	if rr.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rr.Code, rr.Body.String())
	}
	updated := decode[entity.Task](t, rr)
	if updated.Title != "Final" || updated.Priority != entity.PriorityHigh {
		t.Fatalf("unexpected update %+v", updated)
	}

	rr = s.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/resume", "alice", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("resume of a non-repeating task: expected 409, got %d", rr.Code)
	}

	if rr := s.do(t, http.MethodGet, "/api/v1/tasks/missing", "alice", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestTasks_ValidationErrors(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/api/v1/tasks", "alice", map[string]any{"title": "   "})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	body := decode[errorResponse](t, rr)
	if body.Invariant != entity.InvTaskTitleRequired || body.Retryable {
		t.Fatalf("unexpected error body %+v", body)
	}

	rr = s.do(t, http.MethodPost, "/api/v1/tasks", "alice", "{broken")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", rr.Code)
	}
}

func TestChats_DirectRoomAndMessages(t *testing.T) {
	s := newTestServer(t)
	for _, u := range []string{"bob", "carol"} {
		s.do(t, http.MethodGet, "/api/v1/groups", u, nil)
	}

	rr := s.do(t, http.MethodPost, "/api/v1/chatrooms/direct", "alice", map[string]string{"target_id": "bob"})
	if rr.Code != http.StatusOK {
		t.Fatalf("direct: %d %s", rr.Code, rr.Body.String())
	}
	room := decode[entity.Chatroom](t, rr)
	rr = s.do(t, http.MethodPost, "/api/v1/chatrooms/direct", "bob", map[string]string{"target_id": "alice"})
	if again := decode[entity.Chatroom](t, rr); again.ID != room.ID {
		t.Fatalf("expected the same direct room, got %s and %s", room.ID, again.ID)
	}

	path := "/api/v1/chatrooms/" + room.ID + "/messages"
	if rr := s.do(t, http.MethodPost, path, "alice", map[string]string{"content": "<b>hi</b> bob"}); rr.Code != http.StatusCreated {
		t.Fatalf("send: %d %s", rr.Code, rr.Body.String())
	}
	if rr := s.do(t, http.MethodPost, path, "carol", map[string]string{"content": "let me in"}); rr.Code != http.StatusForbidden {
		t.Fatalf("non-member send: expected 403, got %d", rr.Code)
	}
	if rr := s.do(t, http.MethodPost, path, "alice", map[string]string{"content": "  "}); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("blank message: expected 422, got %d", rr.Code)
	}

	rr = s.do(t, http.MethodGet, path, "bob", nil)
	msgs := decode[struct {
		Messages []core.MessageView `json:"messages"`
	}](t, rr)
	if len(msgs.Messages) != 1 || msgs.Messages[0].Content != "hi bob" || msgs.Messages[0].SenderName != "Alice" {
		t.Fatalf("unexpected messages %+v", msgs.Messages)
	}

	rr = s.do(t, http.MethodGet, "/api/v1/chatrooms", "bob", nil)
	rooms := decode[struct {
		Chatrooms []core.ChatroomView `json:"chatrooms"`
	}](t, rr)
	if len(rooms.Chatrooms) != 1 || rooms.Chatrooms[0].Title != "Alice" {
		t.Fatalf("unexpected chatrooms %+v", rooms.Chatrooms)
	}
}

func TestGroups_CreateAndAddMember(t *testing.T) {
	s := newTestServer(t)
	for _, u := range []string{"bob", "carol"} {
		s.do(t, http.MethodGet, "/api/v1/groups", u, nil)
	}

	rr := s.do(t, http.MethodPost, "/api/v1/groups", "alice", map[string]any{"name": "Home", "members": []string{"bob"}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create group: %d %s", rr.Code, rr.Body.String())
	}
	group := decode[entity.Group](t, rr)

	path := fmt.Sprintf("/api/v1/groups/%s/members", group.ID)
	if rr := s.do(t, http.MethodPost, path, "carol", map[string]string{"user_id": "carol"}); rr.Code != http.StatusForbidden {
		t.Fatalf("outsider add: expected 403, got %d", rr.Code)
	}
	if rr := s.do(t, http.MethodPost, path, "bob", map[string]string{"user_id": "carol"}); rr.Code != http.StatusNoContent {
		t.Fatalf("add member: %d %s", rr.Code, rr.Body.String())
	}

	rr = s.do(t, http.MethodGet, "/api/v1/groups", "carol", nil)
	groups := decode[struct {
		Groups []core.GroupView `json:"groups"`
	}](t, rr)
	if len(groups.Groups) != 1 || len(groups.Groups[0].Members) != 3 {
		t.Fatalf("unexpected groups %+v", groups.Groups)
	}
}

func TestDescribeError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		status    int
		retryable bool
	}{
		{"transient", store.Transient("InsertTask", errors.New("conn reset")), http.StatusServiceUnavailable, true},
		{"integrity", &store.RecurrenceIntegrityError{TaskID: "t1", Err: errors.New("lost")}, http.StatusServiceUnavailable, true},
		{"not found", store.ErrNotFound, http.StatusNotFound, false},
		{"forbidden", fmt.Errorf("send: %w", store.ErrForbidden), http.StatusForbidden, false},
		{"unique", store.ErrUniqueViolation, http.StatusConflict, false},
		{"not recurring", recurrence.ErrNotRecurring, http.StatusConflict, false},
		{"unknown view", session.ErrUnknownView, http.StatusBadRequest, false},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, resp := describeError(tc.err)
			if status != tc.status || resp.Retryable != tc.retryable {
				t.Fatalf("got %d retryable=%v, want %d retryable=%v", status, resp.Retryable, tc.status, tc.retryable)
			}
		})
	}

	_, resp := describeError(&store.RecurrenceIntegrityError{TaskID: "t1", Err: errors.New("lost")})
	if resp.TaskID != "t1" {
		t.Fatalf("integrity error must name the task, got %+v", resp)
	}
	_, resp = describeError(errors.New("pq: secret detail"))
	if resp.Error != "internal error" {
		t.Fatalf("internal errors must not leak, got %q", resp.Error)
	}
}

func TestOptions_HasCORSHeaders(t *testing.T) {
	s := newTestServer(t)
	s.handler.AllowedOrigin = "http://localhost:5173"
	router := s.handler.Router()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/tasks", nil)
	req.Header.Set("Origin", "http://127.0.0.1:5173")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://127.0.0.1:5173" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
}
