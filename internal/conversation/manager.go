// Package conversation owns the per-user conversation state machine and its
// message history. Transitions are always driven by callers; nothing here
// changes state on its own except the staleness sweep.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/taskowner/internal/storage"
)

// DefaultHistoryLimit is the size of the recent-message window.
const DefaultHistoryLimit = 10

// Store is the persistence the manager needs.
type Store interface {
	CreateConversation(c storage.Conversation) error
	GetConversation(tenantID, userID string) (storage.Conversation, error)
	GetConversationByID(id string) (storage.Conversation, error)
	UpdateConversation(c storage.Conversation) error
	ListStaleConversations(tenantID string, before time.Time) ([]storage.Conversation, error)
	AddConversationMessage(m storage.ConversationMessage) error
	RecentConversationMessages(conversationID string, limit int) ([]storage.ConversationMessage, error)
	DeleteConversationMessages(ids []string) error
	ListTasks(f storage.TaskFilter) ([]storage.Task, error)
}

// Context is a conversation plus its recent history, oldest first.
type Context struct {
	Conversation storage.Conversation
	History      []storage.ConversationMessage
}

// Patch is a partial conversation update. Nil fields are left untouched; a
// pointer to "" clears a reference.
type Patch struct {
	State                    *storage.ConversationState
	ActiveTaskID             *string
	PendingPropositionTaskID *string
	PendingFollowUpID        *string
	ChannelID                *string
}

// StatePtr builds a Patch state field.
func StatePtr(s storage.ConversationState) *storage.ConversationState { return &s }

// StringPtr builds a Patch reference field.
func StringPtr(s string) *string { return &s }

type Manager struct {
	store        Store
	historyLimit int
	now          func() time.Time
	logger       *slog.Logger
}

func NewManager(store Store) *Manager {
	return &Manager{
		store:        store,
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
		logger:       slog.Default(),
	}
}

// SetClock replaces the time source (for tests).
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// GetOrCreateContext fetches the conversation of (tenant, user), creating it
// in IDLE on first contact, together with the recent-message window.
func (m *Manager) GetOrCreateContext(tenantID, userID, channelID string) (*Context, error) {
	conv, err := m.store.GetConversation(tenantID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		err = m.store.CreateConversation(storage.Conversation{
			ID:                uuid.New().String(),
			TenantID:          tenantID,
			UserID:            userID,
			ChannelID:         channelID,
			State:             storage.StateIdle,
			LastInteractionAt: m.now(),
			CreatedAt:         m.now(),
		})
		if err != nil {
			return nil, fmt.Errorf("creating conversation: %w", err)
		}
		conv, err = m.store.GetConversation(tenantID, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	if channelID != "" && conv.ChannelID != channelID {
		conv.ChannelID = channelID
		if err := m.store.UpdateConversation(conv); err != nil {
			return nil, fmt.Errorf("updating conversation channel: %w", err)
		}
	}

	history, err := m.store.RecentConversationMessages(conv.ID, m.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	return &Context{Conversation: conv, History: history}, nil
}

// Lookup returns an existing conversation without creating one.
func (m *Manager) Lookup(tenantID, userID string) (*Context, error) {
	conv, err := m.store.GetConversation(tenantID, userID)
	if err != nil {
		return nil, err
	}
	history, err := m.store.RecentConversationMessages(conv.ID, m.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	return &Context{Conversation: conv, History: history}, nil
}

// AddMessage appends msg to the conversation log and bumps the
// last-interaction time. The stored message is returned with its id.
func (m *Manager) AddMessage(conversationID string, msg storage.ConversationMessage) (storage.ConversationMessage, error) {
	now := m.now()
	msg.ID = uuid.New().String()
	msg.ConversationID = conversationID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if err := m.store.AddConversationMessage(msg); err != nil {
		return storage.ConversationMessage{}, fmt.Errorf("appending message: %w", err)
	}

	conv, err := m.store.GetConversationByID(conversationID)
	if err != nil {
		return storage.ConversationMessage{}, fmt.Errorf("loading conversation: %w", err)
	}
	conv.LastInteractionAt = now
	if err := m.store.UpdateConversation(conv); err != nil {
		return storage.ConversationMessage{}, fmt.Errorf("bumping last interaction: %w", err)
	}
	return msg, nil
}

// UpdateContext applies a partial state patch.
func (m *Manager) UpdateContext(conversationID string, p Patch) (storage.Conversation, error) {
	conv, err := m.store.GetConversationByID(conversationID)
	if err != nil {
		return storage.Conversation{}, fmt.Errorf("loading conversation: %w", err)
	}
	if p.State != nil {
		conv.State = *p.State
	}
	if p.ActiveTaskID != nil {
		conv.ActiveTaskID = *p.ActiveTaskID
	}
	if p.PendingPropositionTaskID != nil {
		conv.PendingPropositionTaskID = *p.PendingPropositionTaskID
	}
	if p.PendingFollowUpID != nil {
		conv.PendingFollowUpID = *p.PendingFollowUpID
	}
	if p.ChannelID != nil {
		conv.ChannelID = *p.ChannelID
	}
	if err := m.store.UpdateConversation(conv); err != nil {
		return storage.Conversation{}, fmt.Errorf("updating conversation: %w", err)
	}
	return conv, nil
}

// CorrelateMessageToTask decides which task an inbound message is about.
// It returns "" when no task applies or the choice is ambiguous.
func (m *Manager) CorrelateMessageToTask(conv storage.Conversation) (string, error) {
	switch {
	case conv.PendingPropositionTaskID != "":
		return conv.PendingPropositionTaskID, nil
	case conv.PendingFollowUpID != "" && conv.ActiveTaskID != "":
		return conv.ActiveTaskID, nil
	case conv.State == storage.StateInConversation && conv.ActiveTaskID != "":
		return conv.ActiveTaskID, nil
	}

	owned, err := m.store.ListTasks(storage.TaskFilter{
		TenantID:    conv.TenantID,
		Status:      storage.StatusOwned,
		OwnerChatID: conv.UserID,
		Limit:       2,
	})
	if err != nil {
		return "", fmt.Errorf("listing owned tasks: %w", err)
	}
	if len(owned) == 1 {
		return owned[0].ID, nil
	}
	return "", nil
}

// SetAwaitingPropositionResponse records that taskID was offered to the user.
func (m *Manager) SetAwaitingPropositionResponse(tenantID, userID, channelID, taskID string) error {
	c, err := m.GetOrCreateContext(tenantID, userID, channelID)
	if err != nil {
		return err
	}
	_, err = m.UpdateContext(c.Conversation.ID, Patch{
		State:                    StatePtr(storage.StateAwaitingProposition),
		PendingPropositionTaskID: StringPtr(taskID),
	})
	return err
}

// SetAwaitingFollowUpResponse records that a check-in for taskID was sent.
func (m *Manager) SetAwaitingFollowUpResponse(tenantID, userID, channelID, followUpID, taskID string) error {
	c, err := m.GetOrCreateContext(tenantID, userID, channelID)
	if err != nil {
		return err
	}
	_, err = m.UpdateContext(c.Conversation.ID, Patch{
		State:             StatePtr(storage.StateAwaitingFollowUp),
		PendingFollowUpID: StringPtr(followUpID),
		ActiveTaskID:      StringPtr(taskID),
	})
	return err
}

// ResolveProposition clears a pending offer of taskID that was answered
// outside the message loop, such as with a button. On accept the task becomes
// the active one. Conversations not waiting on taskID are left alone.
func (m *Manager) ResolveProposition(tenantID, userID, taskID string, accepted bool) error {
	conv, err := m.store.GetConversation(tenantID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	if conv.PendingPropositionTaskID != taskID {
		return nil
	}
	p := Patch{
		State:                    StatePtr(storage.StateIdle),
		PendingPropositionTaskID: StringPtr(""),
	}
	if accepted {
		p.ActiveTaskID = StringPtr(taskID)
	}
	_, err = m.UpdateContext(conv.ID, p)
	return err
}

// ResetToIdle returns a conversation to IDLE and clears every task reference.
func (m *Manager) ResetToIdle(conversationID string) error {
	_, err := m.UpdateContext(conversationID, Patch{
		State:                    StatePtr(storage.StateIdle),
		ActiveTaskID:             StringPtr(""),
		PendingPropositionTaskID: StringPtr(""),
		PendingFollowUpID:        StringPtr(""),
	})
	return err
}

// ExpireStaleContexts resets to IDLE every non-idle conversation of a tenant
// whose last interaction is older than ttl. One failure does not stop the
// sweep; the number of conversations reset is returned.
func (m *Manager) ExpireStaleContexts(tenantID string, ttl time.Duration) (int, error) {
	stale, err := m.store.ListStaleConversations(tenantID, m.now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("listing stale conversations: %w", err)
	}
	reset := 0
	for _, c := range stale {
		if err := m.ResetToIdle(c.ID); err != nil {
			m.logger.Error("expiring stale conversation", "tenant_id", tenantID, "user", c.UserID, "error", err)
			continue
		}
		reset++
	}
	if reset > 0 {
		m.logger.Info("expired stale conversations", "tenant_id", tenantID, "count", reset)
	}
	return reset, nil
}

// RunExpiry sweeps every tenant returned by tenantIDs each interval until
// ctx is cancelled.
func (m *Manager) RunExpiry(ctx context.Context, tenantIDs func() []string, ttl, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, id := range tenantIDs() {
			if ctx.Err() != nil {
				return
			}
			if _, err := m.ExpireStaleContexts(id, ttl); err != nil {
				m.logger.Error("context expiry failed", "tenant_id", id, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Restore puts a conversation back to snapshot and removes the messages
// appended since, undoing a failed turn.
func (m *Manager) Restore(snapshot storage.Conversation, appendedIDs []string) error {
	var errs []error
	if err := m.store.DeleteConversationMessages(appendedIDs); err != nil {
		errs = append(errs, fmt.Errorf("deleting messages: %w", err))
	}
	if err := m.store.UpdateConversation(snapshot); err != nil {
		errs = append(errs, fmt.Errorf("restoring conversation: %w", err))
	}
	return errors.Join(errs...)
}
