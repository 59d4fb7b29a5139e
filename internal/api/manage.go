package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/taskowner/internal/orchestrator"
	"github.com/kalambet/taskowner/internal/storage"
	"github.com/kalambet/taskowner/internal/tenant"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

var taskStatuses = []storage.TaskStatus{
	storage.StatusPendingOwner,
	storage.StatusOwned,
	storage.StatusCompleted,
	storage.StatusEscalated,
}

func handleListTasks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		status := storage.TaskStatus(q.Get("status"))
		if status != "" && !validStatus(status) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
			return
		}
		tasks, err := deps.Store.ListTasks(storage.TaskFilter{
			TenantID:    q.Get("tenant"),
			Status:      status,
			OwnerChatID: q.Get("owner"),
			Limit:       parseIntParam(r, "limit", defaultListLimit, maxListLimit),
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list tasks: %v", err)
			return
		}

		views := make([]TaskView, 0, len(tasks))
		for _, t := range tasks {
			v := newTaskView(t)
			v.Context = nil
			views = append(views, v)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func validStatus(s storage.TaskStatus) bool {
	for _, v := range taskStatuses {
		if s == v {
			return true
		}
	}
	return false
}

func handleGetTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		task, err := deps.Store.GetTask(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get task: %v", err)
			return
		}
		followUps, err := deps.Store.ListFollowUps(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list follow-ups: %v", err)
			return
		}

		v := newTaskView(task)
		for _, f := range followUps {
			v.FollowUps = append(v.FollowUps, newFollowUpView(f))
		}
		writeJSON(w, http.StatusOK, v)
	}
}

type escalateRequest struct {
	Reason string `json:"reason"`
}

func handleEscalateTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req escalateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		id := chi.URLParam(r, "id")
		task, err := deps.Store.GetTask(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get task: %v", err)
			return
		}

		out := deps.Orchestrator.Escalate(r.Context(), id, task.TenantID, orchestrator.ReasonManual(req.Reason))
		writeJSON(w, outcomeStatus(out), newOutcomeView(out))
	}
}

func outcomeStatus(o orchestrator.Outcome) int {
	switch o.Kind {
	case orchestrator.OutcomeOK:
		return http.StatusOK
	case orchestrator.OutcomeNotFound:
		return http.StatusNotFound
	case orchestrator.OutcomeFailed:
		return http.StatusBadGateway
	default:
		return http.StatusConflict
	}
}

func handleReloadTenant(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Tenants.Reload(id)
		if errors.Is(err, tenant.ErrUnknownTenant) {
			httpError(w, http.StatusNotFound, "not_found", "tenant not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reload tenant: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
	}
}

// handleResetWebhookSecret clears the stored tracker secret so a recreated
// webhook can complete its handshake.
func handleResetWebhookSecret(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Tenants.Get(id); err != nil {
			httpError(w, http.StatusNotFound, "not_found", "tenant not found")
			return
		}
		if err := deps.Tenants.SetWebhookSecret(id, ""); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reset webhook secret: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	}
}

func handleGetConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Conversations.Lookup(chi.URLParam(r, "tenantID"), chi.URLParam(r, "userID"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get conversation: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, newConversationView(c))
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := collectStatus(deps)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to collect status: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func collectStatus(deps Deps) (StatusView, error) {
	v := StatusView{
		Tenants: len(deps.Tenants.All()),
		Tasks:   make(map[string]int, len(taskStatuses)),
		Jobs:    make(map[string]int, len(storage.JobStatuses)),
	}
	for _, s := range taskStatuses {
		tasks, err := deps.Store.ListTasks(storage.TaskFilter{Status: s})
		if err != nil {
			return StatusView{}, err
		}
		v.Tasks[string(s)] = len(tasks)
	}
	for _, s := range storage.JobStatuses {
		n, err := deps.Store.CountJobs(s)
		if err != nil {
			return StatusView{}, err
		}
		v.Jobs[s] = n
	}
	return v, nil
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
