package api

import (
	"time"

	"github.com/kalambet/taskowner/internal/conversation"
	"github.com/kalambet/taskowner/internal/orchestrator"
	"github.com/kalambet/taskowner/internal/storage"
)

// TaskView is the management API representation of a task.
type TaskView struct {
	ID                string               `json:"id"`
	TenantID          string               `json:"tenant_id"`
	ExternalID        string               `json:"external_id"`
	ExternalURL       string               `json:"external_url,omitempty"`
	Name              string               `json:"name"`
	Status            string               `json:"status"`
	OwnerChatID       string               `json:"owner_chat_id,omitempty"`
	OwnerTrackerID    string               `json:"owner_tracker_id,omitempty"`
	DueDate           *time.Time           `json:"due_date,omitempty"`
	ClaimedAt         *time.Time           `json:"claimed_at,omitempty"`
	PropositionSentAt *time.Time           `json:"proposition_sent_at,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
	Context           *storage.TaskContext `json:"context,omitempty"`
	FollowUps         []FollowUpView       `json:"follow_ups,omitempty"`
}

type FollowUpView struct {
	ID               string     `json:"id"`
	Type             string     `json:"type"`
	ScheduledAt      time.Time  `json:"scheduled_at"`
	SentAt           *time.Time `json:"sent_at,omitempty"`
	ResponseReceived bool       `json:"response_received"`
	ResponseText     string     `json:"response_text,omitempty"`
	ResponseIntent   string     `json:"response_intent,omitempty"`
	RespondedAt      *time.Time `json:"responded_at,omitempty"`
}

type ConversationView struct {
	ID                       string        `json:"id"`
	TenantID                 string        `json:"tenant_id"`
	UserID                   string        `json:"user_id"`
	ChannelID                string        `json:"channel_id"`
	State                    string        `json:"state"`
	ActiveTaskID             string        `json:"active_task_id,omitempty"`
	PendingPropositionTaskID string        `json:"pending_proposition_task_id,omitempty"`
	PendingFollowUpID        string        `json:"pending_follow_up_id,omitempty"`
	LastInteractionAt        time.Time     `json:"last_interaction_at"`
	History                  []MessageView `json:"history"`
}

type MessageView struct {
	Role       string    `json:"role"`
	Text       string    `json:"text"`
	Intent     string    `json:"intent,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// OutcomeView reports the result of an operator action on a task.
type OutcomeView struct {
	Kind    string `json:"kind"`
	TaskID  string `json:"task_id"`
	Message string `json:"message,omitempty"`
}

// StatusView summarizes the service for `taskowner status`.
type StatusView struct {
	Tenants int            `json:"tenants"`
	Tasks   map[string]int `json:"tasks"`
	Jobs    map[string]int `json:"jobs"`
}

func newTaskView(t storage.Task) TaskView {
	return TaskView{
		ID:                t.ID,
		TenantID:          t.TenantID,
		ExternalID:        t.ExternalID,
		ExternalURL:       t.ExternalURL,
		Name:              t.Name,
		Status:            string(t.Status),
		OwnerChatID:       t.OwnerChatID,
		OwnerTrackerID:    t.OwnerTrackerID,
		DueDate:           t.DueDate,
		ClaimedAt:         t.ClaimedAt,
		PropositionSentAt: t.PropositionSentAt,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
		Context:           t.Context,
	}
}

func newFollowUpView(f storage.FollowUp) FollowUpView {
	return FollowUpView{
		ID:               f.ID,
		Type:             string(f.Type),
		ScheduledAt:      f.ScheduledAt,
		SentAt:           f.SentAt,
		ResponseReceived: f.ResponseReceived,
		ResponseText:     f.ResponseText,
		ResponseIntent:   f.ResponseIntent,
		RespondedAt:      f.RespondedAt,
	}
}

func newConversationView(c *conversation.Context) ConversationView {
	conv := c.Conversation
	v := ConversationView{
		ID:                       conv.ID,
		TenantID:                 conv.TenantID,
		UserID:                   conv.UserID,
		ChannelID:                conv.ChannelID,
		State:                    string(conv.State),
		ActiveTaskID:             conv.ActiveTaskID,
		PendingPropositionTaskID: conv.PendingPropositionTaskID,
		PendingFollowUpID:        conv.PendingFollowUpID,
		LastInteractionAt:        conv.LastInteractionAt,
		History:                  make([]MessageView, 0, len(c.History)),
	}
	for _, m := range c.History {
		v.History = append(v.History, MessageView{
			Role:       m.Role,
			Text:       m.Text,
			Intent:     m.Intent,
			Confidence: m.Confidence,
			CreatedAt:  m.CreatedAt,
		})
	}
	return v
}

func newOutcomeView(o orchestrator.Outcome) OutcomeView {
	return OutcomeView{Kind: string(o.Kind), TaskID: o.TaskID, Message: o.Message}
}
