// Package api is the HTTP front door: REST routes for the core operations and a
// websocket stream of live views.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/todo-1m/taskchat/internal/app/core"
	"github.com/todo-1m/taskchat/internal/app/session"
	"github.com/todo-1m/taskchat/internal/channel"
	"github.com/todo-1m/taskchat/internal/entity"
	platformauth "github.com/todo-1m/taskchat/internal/platform/auth"
	"github.com/todo-1m/taskchat/internal/platform/metrics"
	"github.com/todo-1m/taskchat/internal/recurrence"
	"github.com/todo-1m/taskchat/internal/store"
	"go.uber.org/zap"
)

var ErrInvalidPayload = errors.New("invalid JSON payload")

type ReadyFunc func(ctx context.Context) error

type Handler struct {
	Service       *core.Service
	Tokens        platformauth.Manager
	Sessions      session.Deps
	Log           *zap.Logger
	AllowedOrigin string
	Ready         ReadyFunc
}

func NewHandler(service *core.Service, tokens platformauth.Manager, sessions session.Deps, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Service:  service,
		Tokens:   tokens,
		Sessions: sessions,
		Log:      log,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", h.handleReady)
	r.Handle("/metrics", metrics.DefaultHandler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(authR chi.Router) {
			authR.Use(h.authMiddleware)

			authR.Get("/me", h.handleMe)
			authR.Get("/profiles", h.handleProfiles)

			authR.Get("/tasks/mine", h.handleMyTasks)
			authR.Get("/tasks/group", h.handleGroupTasks)
			authR.Get("/tasks/created", h.handleCreatedTasks)
			authR.Post("/tasks", h.handleCreateTask)
			authR.Get("/tasks/{taskID}", h.handleGetTask)
			authR.Patch("/tasks/{taskID}", h.handleUpdateTask)
			authR.Post("/tasks/{taskID}/complete", h.handleCompleteTask)
			authR.Post("/tasks/{taskID}/resume", h.handleResumeRecurrence)

			authR.Get("/chatrooms", h.handleChatrooms)
			authR.Post("/chatrooms", h.handleCreateGroupChat)
			authR.Post("/chatrooms/direct", h.handleStartDirectChat)
			authR.Get("/chatrooms/{chatroomID}", h.handleGetChatroom)
			authR.Get("/chatrooms/{chatroomID}/messages", h.handleMessages)
			authR.Post("/chatrooms/{chatroomID}/messages", h.handleSendMessage)

			authR.Get("/groups", h.handleGroups)
			authR.Post("/groups", h.handleCreateGroup)
			authR.Post("/groups/{groupID}/members", h.handleAddGroupMember)
		})
		api.Group(func(streamR chi.Router) {
			streamR.Use(h.streamAuthMiddleware)
			streamR.Get("/stream", h.handleStream)
		})
	})
	return r
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		if err := h.Ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return "*"
	}
	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed || isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	if a.Port() != b.Port() {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return h.authenticate(next, false)
}

// streamAuthMiddleware also accepts ?token=, since browsers cannot set headers on a
// websocket handshake.
func (h *Handler) streamAuthMiddleware(next http.Handler) http.Handler {
	return h.authenticate(next, true)
}

func (h *Handler) authenticate(next http.Handler, allowQuery bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" && allowQuery {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			h.writeMessage(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Tokens.Parse(token)
		if err != nil {
			h.writeMessage(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if err := h.Service.EnsureProfile(r.Context(), profileFromClaims(claims)); err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithClaims(r.Context(), claims)))
	})
}

func profileFromClaims(claims platformauth.Claims) entity.Profile {
	p := entity.Profile{ID: claims.Subject, Email: claims.Email}
	if name := strings.TrimSpace(claims.Name); name != "" {
		p.DisplayName = &name
	}
	return p
}

func contextWithClaims(ctx context.Context, claims platformauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}

func actorFrom(r *http.Request) string {
	return claimsFromContext(r.Context()).Subject
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeMessage(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

type errorResponse struct {
	Error     string `json:"error"`
	Invariant string `json:"invariant,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Retryable bool   `json:"retryable"`
}

// describeError maps an operation error to an HTTP status and response body.
func describeError(err error) (int, errorResponse) {
	resp := errorResponse{Error: err.Error(), Retryable: store.Retryable(err)}
	var rie *store.RecurrenceIntegrityError
	switch {
	case errors.As(err, &rie):
		resp.TaskID = rie.TaskID
		return http.StatusServiceUnavailable, resp
	case errors.Is(err, entity.ErrInvalidEntity):
		resp.Invariant = entity.InvariantOf(err)
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ErrUnknownOp),
		errors.Is(err, core.ErrActorRequired),
		errors.Is(err, session.ErrUnknownView),
		errors.Is(err, session.ErrChatroomRequired):
		return http.StatusBadRequest, resp
	case errors.Is(err, store.ErrNotFound), errors.Is(err, session.ErrHandleNotFound):
		return http.StatusNotFound, resp
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden, resp
	case errors.Is(err, store.ErrUniqueViolation),
		errors.Is(err, store.ErrAlreadyCompleted),
		errors.Is(err, recurrence.ErrNotRecurring):
		return http.StatusConflict, resp
	case store.IsTransient(err), errors.Is(err, channel.ErrUnresolved), errors.Is(err, context.DeadlineExceeded):
		resp.Retryable = true
		return http.StatusServiceUnavailable, resp
	default:
		resp.Error = "internal error"
		return http.StatusInternalServerError, resp
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := describeError(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	h.writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return ErrInvalidPayload
	}
	return nil
}

func intQuery(r *http.Request, key string) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}
