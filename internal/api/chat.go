package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/kalambet/taskowner/internal/chat"
	"github.com/kalambet/taskowner/internal/composer"
	"github.com/kalambet/taskowner/internal/orchestrator"
	"github.com/kalambet/taskowner/internal/pipeline"
	"github.com/kalambet/taskowner/internal/tenant"
)

const (
	headerChatSignature = "X-Slack-Signature"
	headerChatTimestamp = "X-Slack-Request-Timestamp"
	headerChatRetryNum  = "X-Slack-Retry-Num"
)

type chatEnvelope struct {
	Type      string           `json:"type"`
	Challenge string           `json:"challenge"`
	TeamID    string           `json:"team_id"`
	EventID   string           `json:"event_id"`
	Event     chatMessageEvent `json:"event"`
}

type chatMessageEvent struct {
	Type        string `json:"type"`
	ChannelType string `json:"channel_type"`
	Channel     string `json:"channel"`
	User        string `json:"user"`
	Text        string `json:"text"`
	TS          string `json:"ts"`
	BotID       string `json:"bot_id"`
	Subtype     string `json:"subtype"`
}

// isDirectMessage reports whether ev is a person writing to the bot.
// Bot posts and edits, joins and other subtypes are ignored.
func (ev chatMessageEvent) isDirectMessage() bool {
	return ev.Type == "message" && ev.ChannelType == "im" && ev.BotID == "" && ev.Subtype == "" &&
		ev.User != "" && ev.Text != ""
}

type chatRef struct {
	ID string `json:"id"`
}

type chatAction struct {
	ActionID string `json:"action_id"`
	Value    string `json:"value"`
}

type chatInteraction struct {
	Type    string       `json:"type"`
	Team    chatRef      `json:"team"`
	User    chatRef      `json:"user"`
	Channel chatRef      `json:"channel"`
	Actions []chatAction `json:"actions"`
}

// verifyChatSignature checks body against the tenant's signing secret. It
// writes the error response itself and reports false on failure.
func verifyChatSignature(deps Deps, w http.ResponseWriter, r *http.Request, e *tenant.Entry, body []byte) bool {
	if !chat.VerifySignature(e.ChatSigningSecret, r.Header.Get(headerChatTimestamp), body, r.Header.Get(headerChatSignature), deps.Now()) {
		httpError(w, http.StatusUnauthorized, "authentication_error", "invalid request signature")
		return false
	}
	return true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
		return nil, false
	}
	return body, true
}

func lookupWorkspace(deps Deps, w http.ResponseWriter, workspaceID string) (*tenant.Entry, bool) {
	e, err := deps.Tenants.ByChatWorkspace(workspaceID)
	if errors.Is(err, tenant.ErrUnknownTenant) {
		httpError(w, http.StatusNotFound, "not_found", "unknown chat workspace %q", workspaceID)
		return nil, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "loading tenant: %v", err)
		return nil, false
	}
	return e, true
}

func handleChatEvent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		var env chatEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid event payload: %v", err)
			return
		}

		if env.Type == "url_verification" {
			writeJSON(w, http.StatusOK, map[string]string{"challenge": env.Challenge})
			return
		}

		e, ok := lookupWorkspace(deps, w, env.TeamID)
		if !ok || !verifyChatSignature(deps, w, r, e, body) {
			return
		}

		// Redeliveries follow a slow first answer that was still processed.
		if r.Header.Get(headerChatRetryNum) != "" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if env.Type == "event_callback" && env.Event.isDirectMessage() {
			msg := pipeline.Message{
				TenantID:  e.Tenant.ID,
				UserID:    env.Event.User,
				ChannelID: env.Event.Channel,
				Text:      env.Event.Text,
				MessageID: env.Event.TS,
			}
			deps.Background(func(ctx context.Context) {
				if err := deps.Responder.HandleMessage(ctx, msg); err != nil {
					deps.Logger.Error("handling chat message", "tenant_id", msg.TenantID, "user", msg.UserID, "event_id", env.EventID, "error", err)
				}
			})
		}
		w.WriteHeader(http.StatusOK)
	}
}

func handleChatInteraction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		form, err := url.ParseQuery(string(body))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid form body: %v", err)
			return
		}
		var in chatInteraction
		if err := json.Unmarshal([]byte(form.Get("payload")), &in); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid interaction payload: %v", err)
			return
		}

		e, ok := lookupWorkspace(deps, w, in.Team.ID)
		if !ok || !verifyChatSignature(deps, w, r, e, body) {
			return
		}

		for _, a := range in.Actions {
			if a.ActionID != composer.ActionClaim && a.ActionID != composer.ActionDecline {
				continue
			}
			deps.Background(func(ctx context.Context) {
				handleButton(ctx, deps, e, in.User.ID, a)
			})
		}
		w.WriteHeader(http.StatusOK)
	}
}

// handleButton runs a Claim or Decline click, settles the pending offer in
// the user's conversation and answers in a direct message.
func handleButton(ctx context.Context, deps Deps, e *tenant.Entry, userID string, a chatAction) {
	tenantID := e.Tenant.ID
	accept := a.ActionID == composer.ActionClaim
	var out orchestrator.Outcome
	if accept {
		out = deps.Orchestrator.ClaimTask(ctx, a.Value, userID, tenantID)
	} else {
		out = deps.Orchestrator.DeclineTask(ctx, a.Value, userID, tenantID, "declined from the offer message")
	}

	if err := deps.Conversations.ResolveProposition(tenantID, userID, a.Value, accept && out.OK()); err != nil {
		deps.Logger.Warn("resolving proposition after button", "tenant_id", tenantID, "user", userID, "task_id", a.Value, "error", err)
	}
	if _, err := e.Chat.SendDM(ctx, userID, chat.Message{Text: buttonReply(accept, out)}); err != nil {
		deps.Logger.Error("replying to button", "tenant_id", tenantID, "user", userID, "task_id", a.Value, "error", err)
	}
}

func buttonReply(accept bool, out orchestrator.Outcome) string {
	name := out.TaskName
	if name == "" {
		name = "that task"
	}
	switch out.Kind {
	case orchestrator.OutcomeOK:
		if accept {
			return fmt.Sprintf("Great, *%s* is yours. I'll check in as the due date gets closer.", name)
		}
		return fmt.Sprintf("Thanks for letting me know. I've asked the administrator to find another owner for *%s*.", name)
	case orchestrator.OutcomeAlreadyOwned:
		return fmt.Sprintf("*%s* has already been claimed by <@%s>.", name, out.OwnerChatID)
	case orchestrator.OutcomeIdentityUnmatched:
		return "I couldn't match your chat account to a tracker account. The administrator has been notified."
	case orchestrator.OutcomeNotFound, orchestrator.OutcomeInvalidState:
		return fmt.Sprintf("Sorry, *%s* is no longer open for claiming.", name)
	default:
		return composer.Apology
	}
}
