package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/todo-1m/taskchat/internal/entity"
	"github.com/todo-1m/taskchat/internal/store"
)

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	profile, err := h.Service.GetProfile(r.Context(), actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, profile)
}

// handleProfiles reads ?ids=a,b,c.
func (h *Handler) handleProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.Service.GetProfiles(r.Context(), actorFrom(r), strings.Split(r.URL.Query().Get("ids"), ","))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

func (h *Handler) handleMyTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Service.GetMyTasks(r.Context(), actorFrom(r), intQuery(r, "limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (h *Handler) handleGroupTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Service.GetGroupTasks(r.Context(), actorFrom(r), intQuery(r, "limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (h *Handler) handleCreatedTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Service.GetCreatedTasks(r.Context(), actorFrom(r), intQuery(r, "limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in entity.TaskInput
	if err := decodeJSON(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	task, err := h.Service.CreateTask(r.Context(), actorFrom(r), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, task)
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Service.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var patch entity.TaskPatch
	if err := decodeJSON(r, &patch); err != nil {
		h.writeError(w, r, err)
		return
	}
	task, err := h.Service.UpdateTask(r.Context(), actorFrom(r), chi.URLParam(r, "taskID"), patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	done, err := h.Service.CompleteTask(r.Context(), actorFrom(r), chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, done)
}

func (h *Handler) handleResumeRecurrence(w http.ResponseWriter, r *http.Request) {
	done, err := h.Service.ResumeRecurrence(r.Context(), actorFrom(r), chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, done)
}

func (h *Handler) handleChatrooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.Service.GetChatrooms(r.Context(), actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"chatrooms": rooms})
}

func (h *Handler) handleGetChatroom(w http.ResponseWriter, r *http.Request) {
	room, err := h.Service.GetChatroom(r.Context(), actorFrom(r), chi.URLParam(r, "chatroomID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, room)
}

type createGroupChatRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

func (h *Handler) handleCreateGroupChat(w http.ResponseWriter, r *http.Request) {
	var req createGroupChatRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	room, err := h.Service.CreateGroupChat(r.Context(), actorFrom(r), req.Name, req.Members)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, room)
}

type startDirectChatRequest struct {
	TargetID string `json:"target_id"`
}

func (h *Handler) handleStartDirectChat(w http.ResponseWriter, r *http.Request) {
	var req startDirectChatRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	room, err := h.Service.StartDirectChat(r.Context(), actorFrom(r), req.TargetID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, room)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	page := store.MessagePage{Limit: intQuery(r, "limit")}
	if raw := strings.TrimSpace(r.URL.Query().Get("after_seq")); raw != "" {
		if parsed, err := strconv.ParseUint(raw, 10, 64); err == nil {
			page.AfterSeq = parsed
		}
	}
	msgs, err := h.Service.GetMessages(r.Context(), actorFrom(r), chi.URLParam(r, "chatroomID"), page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	msg, err := h.Service.SendMessage(r.Context(), chi.URLParam(r, "chatroomID"), actorFrom(r), req.Content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.Service.GetUserGroups(r.Context(), actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

type createGroupRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	group, err := h.Service.CreateGroup(r.Context(), actorFrom(r), req.Name, req.Members)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, group)
}

type addGroupMemberRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) handleAddGroupMember(w http.ResponseWriter, r *http.Request) {
	var req addGroupMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Service.AddGroupMember(r.Context(), actorFrom(r), chi.URLParam(r, "groupID"), req.UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
