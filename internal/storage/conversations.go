package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const conversationColumns = `id, tenant_id, user_id, channel_id, state, active_task_id, pending_proposition_task_id,
	pending_follow_up_id, last_interaction_at, created_at`

// CreateConversation inserts a conversation unless one already exists for
// (tenant, user). Callers re-read with GetConversation afterwards.
func (s *Store) CreateConversation(c Conversation) error {
	if c.State == "" {
		c.State = StateIdle
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.LastInteractionAt.IsZero() {
		c.LastInteractionAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, user_id) DO NOTHING`,
		c.ID, c.TenantID, c.UserID, c.ChannelID, string(c.State),
		nullableString(c.ActiveTaskID), nullableString(c.PendingPropositionTaskID), nullableString(c.PendingFollowUpID),
		formatTime(c.LastInteractionAt), formatTime(c.CreatedAt),
	)
	return err
}

func (s *Store) GetConversation(tenantID, userID string) (Conversation, error) {
	return scanConversation(s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE tenant_id = ? AND user_id = ?`, tenantID, userID))
}

func (s *Store) GetConversationByID(id string) (Conversation, error) {
	return scanConversation(s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
}

// UpdateConversation overwrites the mutable fields of a conversation.
func (s *Store) UpdateConversation(c Conversation) error {
	res, err := s.db.Exec(`
		UPDATE conversations SET channel_id = ?, state = ?, active_task_id = ?, pending_proposition_task_id = ?,
			pending_follow_up_id = ?, last_interaction_at = ?
		WHERE id = ?`,
		c.ChannelID, string(c.State), nullableString(c.ActiveTaskID), nullableString(c.PendingPropositionTaskID),
		nullableString(c.PendingFollowUpID), formatTime(c.LastInteractionAt), c.ID,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// ListStaleConversations returns non-idle conversations of a tenant whose last
// interaction happened before the cutoff.
func (s *Store) ListStaleConversations(tenantID string, before time.Time) ([]Conversation, error) {
	rows, err := s.db.Query(`SELECT `+conversationColumns+` FROM conversations
		WHERE tenant_id = ? AND state != ? AND last_interaction_at < ?
		ORDER BY last_interaction_at ASC`,
		tenantID, string(StateIdle), formatTime(before))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var state, lastInteraction, createdAt string
	var active, pendingProp, pendingFU sql.NullString
	err := row.Scan(&c.ID, &c.TenantID, &c.UserID, &c.ChannelID, &state, &active, &pendingProp, &pendingFU,
		&lastInteraction, &createdAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	c.State = ConversationState(state)
	c.ActiveTaskID = active.String
	c.PendingPropositionTaskID = pendingProp.String
	c.PendingFollowUpID = pendingFU.String
	if c.LastInteractionAt, err = time.Parse(timeLayout, lastInteraction); err != nil {
		return Conversation{}, fmt.Errorf("parsing last_interaction_at: %w", err)
	}
	if c.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return c, nil
}

// --- Conversation messages ---

func (s *Store) AddConversationMessage(m ConversationMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	extracted, err := marshalJSON(m.ExtractedData, len(m.ExtractedData) == 0)
	if err != nil {
		return fmt.Errorf("marshaling extracted data: %w", err)
	}
	var confidence any
	if m.Confidence != nil {
		confidence = *m.Confidence
	}
	_, err = s.db.Exec(`
		INSERT INTO conversation_messages (id, conversation_id, role, text, intent, confidence, extracted_json, chat_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Text, nullableString(m.Intent), confidence, extracted,
		nullableString(m.ChatMessageID), formatTime(m.CreatedAt),
	)
	return err
}

// RecentConversationMessages returns up to limit most recent messages of a
// conversation, oldest first.
func (s *Store) RecentConversationMessages(conversationID string, limit int) ([]ConversationMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, text, intent, confidence, extracted_json, chat_message_id, created_at
		FROM conversation_messages WHERE conversation_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		var intent, extracted, chatMsgID sql.NullString
		var confidence sql.NullFloat64
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Text, &intent, &confidence, &extracted, &chatMsgID, &createdAt); err != nil {
			return nil, err
		}
		m.Intent = intent.String
		m.ChatMessageID = chatMsgID.String
		if confidence.Valid {
			v := confidence.Float64
			m.Confidence = &v
		}
		if m.ExtractedData, err = unmarshalDataMap(extracted); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results, nil
}

// DeleteConversationMessages removes the given messages. Used to roll back a
// failed turn.
func (s *Store) DeleteConversationMessages(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat(",?", len(ids)-1)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.Exec(`DELETE FROM conversation_messages WHERE id IN (?`+placeholders+`)`, args...)
	return err
}

func (s *Store) CountConversationMessages(conversationID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM conversation_messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}
