package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/taskowner/internal/tenant"
	"github.com/kalambet/taskowner/internal/tracker"
)

const (
	headerHookSecret    = "X-Hook-Secret"
	headerHookSignature = "X-Hook-Signature"
)

// trackerEvents is the webhook delivery envelope.
type trackerEvents struct {
	Events []trackerEvent `json:"events"`
}

type trackerEvent struct {
	Action   string           `json:"action"`
	Resource trackerResource  `json:"resource"`
	Parent   *trackerResource `json:"parent"`
	Change   *trackerChange   `json:"change"`
}

type trackerResource struct {
	GID          string `json:"gid"`
	ResourceType string `json:"resource_type"`
}

type trackerChange struct {
	Field    string           `json:"field"`
	Action   string           `json:"action"`
	NewValue *trackerResource `json:"new_value"`
}

// trackerSignal is what a tracker event means to the orchestrator.
type trackerSignal int

const (
	signalNone trackerSignal = iota
	signalAssigned
	signalCompleted
)

// classify maps a delivery event to a signal. An item is assigned to the bot
// either through an assignee change or by landing in the bot's own task list.
func (ev trackerEvent) classify(botUserID string) trackerSignal {
	if ev.Resource.ResourceType != "task" || ev.Resource.GID == "" {
		return signalNone
	}
	switch ev.Action {
	case "changed":
		if ev.Change == nil {
			return signalNone
		}
		switch ev.Change.Field {
		case "assignee":
			if botUserID != "" && ev.Change.NewValue != nil && ev.Change.NewValue.GID == botUserID {
				return signalAssigned
			}
		case "completed":
			return signalCompleted
		}
	case "added":
		if botUserID != "" && ev.Parent != nil && ev.Parent.ResourceType == "user" && ev.Parent.GID == botUserID {
			return signalAssigned
		}
	}
	return signalNone
}

func handleTrackerWebhook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := chi.URLParam(r, "tenantID")
		e, err := deps.Tenants.Get(tenantID)
		if errors.Is(err, tenant.ErrUnknownTenant) {
			httpError(w, http.StatusNotFound, "not_found", "unknown tenant %s", tenantID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading tenant: %v", err)
			return
		}

		if secret := r.Header.Get(headerHookSecret); secret != "" {
			handleHandshake(deps, w, e, secret)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}
		if !tracker.VerifySignature(e.Tenant.WebhookSecret, body, r.Header.Get(headerHookSignature)) {
			httpError(w, http.StatusUnauthorized, "authentication_error", "invalid webhook signature")
			return
		}

		var payload trackerEvents
		if err := json.Unmarshal(body, &payload); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid event payload: %v", err)
			return
		}

		queued := 0
		for _, ev := range payload.Events {
			var err error
			switch ev.classify(e.Tenant.TrackerBotUserID) {
			case signalAssigned:
				err = deps.Orchestrator.EnqueueSeekOwnership(tenantID, ev.Resource.GID)
			case signalCompleted:
				err = deps.Orchestrator.EnqueueTaskCompleted(tenantID, ev.Resource.GID)
			default:
				continue
			}
			if err != nil {
				// The tracker redelivers on a non-2xx answer.
				deps.Logger.Error("queueing tracker event", "tenant_id", tenantID, "external_id", ev.Resource.GID, "error", err)
				httpError(w, http.StatusInternalServerError, "api_error", "queueing event: %v", err)
				return
			}
			queued++
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queued": queued})
	}
}

// handleHandshake captures the secret sent when the webhook is created. Once
// a secret is stored, a new one is only accepted after an operator resets it.
func handleHandshake(deps Deps, w http.ResponseWriter, e *tenant.Entry, secret string) {
	if e.Tenant.WebhookSecret != "" && e.Tenant.WebhookSecret != secret {
		httpError(w, http.StatusConflict, "conflict", "webhook secret already established for tenant %s", e.Tenant.ID)
		return
	}
	if err := deps.Tenants.SetWebhookSecret(e.Tenant.ID, secret); err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "storing webhook secret: %v", err)
		return
	}
	deps.Logger.Info("tracker webhook handshake", "tenant_id", e.Tenant.ID)
	w.Header().Set(headerHookSecret, secret)
	w.WriteHeader(http.StatusOK)
}
