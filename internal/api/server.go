// Package api is the HTTP surface of the service: health and metrics, the
// tracker webhook, chat events and interactions, and the bearer-guarded
// management API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/taskowner/internal/conversation"
	"github.com/kalambet/taskowner/internal/metrics"
	"github.com/kalambet/taskowner/internal/orchestrator"
	"github.com/kalambet/taskowner/internal/pipeline"
	"github.com/kalambet/taskowner/internal/storage"
	"github.com/kalambet/taskowner/internal/tenant"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Store is the read side of storage the API serves.
type Store interface {
	GetTask(id string) (storage.Task, error)
	ListTasks(f storage.TaskFilter) ([]storage.Task, error)
	ListFollowUps(taskID string) ([]storage.FollowUp, error)
	CountJobs(status string) (int, error)
}

type Tenants interface {
	Get(id string) (*tenant.Entry, error)
	ByChatWorkspace(workspaceID string) (*tenant.Entry, error)
	All() []*tenant.Entry
	Reload(id string) error
	SetWebhookSecret(id, secret string) error
}

type Orchestrator interface {
	EnqueueSeekOwnership(tenantID, externalID string) error
	EnqueueTaskCompleted(tenantID, externalID string) error
	ClaimTask(ctx context.Context, taskID, chatUserID, tenantID string) orchestrator.Outcome
	DeclineTask(ctx context.Context, taskID, chatUserID, tenantID, reason string) orchestrator.Outcome
	Escalate(ctx context.Context, taskID, tenantID string, reason orchestrator.Reason) orchestrator.Outcome
}

type Responder interface {
	HandleMessage(ctx context.Context, m pipeline.Message) error
}

type Conversations interface {
	Lookup(tenantID, userID string) (*conversation.Context, error)
	ResolveProposition(tenantID, userID, taskID string, accepted bool) error
}

type Deps struct {
	Store         Store
	Tenants       Tenants
	Orchestrator  Orchestrator
	Responder     Responder
	Conversations Conversations
	// Token guards the management API; empty disables it.
	Token string
	// Background runs work that outlives the request. Defaults to an
	// unbounded Background; serve passes one it drains on shutdown.
	Background func(fn func(ctx context.Context))
	Now        func() time.Time
	Logger     *slog.Logger
}

func (d *Deps) setDefaults() {
	if d.Background == nil {
		d.Background = NewBackground(context.Background()).Go
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

// NewRouter builds the full HTTP handler.
func NewRouter(deps Deps) http.Handler {
	deps.setDefaults()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(recordRequests)

	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/webhooks/tracker/{tenantID}", handleTrackerWebhook(deps))
	r.Post("/events/chat", handleChatEvent(deps))
	r.Post("/interactions/chat", handleChatInteraction(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/tasks", handleListTasks(deps))
		r.Get("/tasks/{id}", handleGetTask(deps))
		r.Post("/tasks/{id}/escalate", handleEscalateTask(deps))
		r.Post("/tenants/{id}/reload", handleReloadTenant(deps))
		r.Delete("/tenants/{id}/webhook-secret", handleResetWebhookSecret(deps))
		r.Get("/conversations/{tenantID}/{userID}", handleGetConversation(deps))
		r.Get("/status", handleStatus(deps))
	})

	return r
}

// recordRequests counts requests by route pattern rather than raw path so
// task ids do not explode label cardinality.
func recordRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(status))
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
