package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const followUpColumns = `id, task_id, type, scheduled_at, sent_at, response_received, response_text, response_intent,
	response_json, responded_at, created_at`

func (s *Store) CreateFollowUp(f FollowUp) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO follow_ups (id, task_id, type, scheduled_at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.TaskID, string(f.Type), formatTime(f.ScheduledAt), formatTime(f.CreatedAt),
	)
	return err
}

func (s *Store) GetFollowUp(id string) (FollowUp, error) {
	return scanFollowUp(s.db.QueryRow(`SELECT `+followUpColumns+` FROM follow_ups WHERE id = ?`, id))
}

func (s *Store) ListFollowUps(taskID string) ([]FollowUp, error) {
	return s.queryFollowUps(`SELECT `+followUpColumns+` FROM follow_ups WHERE task_id = ? ORDER BY scheduled_at ASC`, taskID)
}

// ListDueFollowUps returns unsent follow-ups scheduled at or before now.
func (s *Store) ListDueFollowUps(now time.Time) ([]FollowUp, error) {
	return s.queryFollowUps(`SELECT `+followUpColumns+` FROM follow_ups
		WHERE sent_at IS NULL AND scheduled_at <= ?
		ORDER BY scheduled_at ASC`, formatTime(now))
}

func (s *Store) MarkFollowUpSent(id string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE follow_ups SET sent_at = ? WHERE id = ? AND sent_at IS NULL`, formatTime(at), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// LatestUnansweredFollowUp returns the most recently sent follow-up of a task
// that has not recorded a response yet.
func (s *Store) LatestUnansweredFollowUp(taskID string) (FollowUp, error) {
	return scanFollowUp(s.db.QueryRow(`SELECT `+followUpColumns+` FROM follow_ups
		WHERE task_id = ? AND sent_at IS NOT NULL AND response_received = 0
		ORDER BY sent_at DESC, scheduled_at DESC LIMIT 1`, taskID))
}

// RecordFollowUpResponse stores a response on an unanswered follow-up. The
// returned bool is false when the follow-up had already been answered.
func (s *Store) RecordFollowUpResponse(id, text, intent string, data map[string]any, at time.Time) (bool, error) {
	dataJSON, err := marshalJSON(data, len(data) == 0)
	if err != nil {
		return false, fmt.Errorf("marshaling response data: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE follow_ups SET response_received = 1, response_text = ?, response_intent = ?, response_json = ?, responded_at = ?
		WHERE id = ? AND response_received = 0`,
		text, nullableString(intent), dataJSON, formatTime(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) queryFollowUps(query string, args ...any) ([]FollowUp, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FollowUp
	for rows.Next() {
		f, err := scanFollowUp(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, f)
	}
	return results, rows.Err()
}

func scanFollowUp(row rowScanner) (FollowUp, error) {
	var f FollowUp
	var typ, scheduledAt, createdAt string
	var sentAt, respText, respIntent, respJSON, respondedAt sql.NullString
	var received int
	err := row.Scan(&f.ID, &f.TaskID, &typ, &scheduledAt, &sentAt, &received, &respText, &respIntent,
		&respJSON, &respondedAt, &createdAt)
	if err == sql.ErrNoRows {
		return FollowUp{}, ErrNotFound
	}
	if err != nil {
		return FollowUp{}, err
	}
	f.Type = FollowUpType(typ)
	f.ResponseReceived = received != 0
	f.ResponseText = respText.String
	f.ResponseIntent = respIntent.String
	if f.ResponseData, err = unmarshalDataMap(respJSON); err != nil {
		return FollowUp{}, err
	}
	if f.ScheduledAt, err = time.Parse(timeLayout, scheduledAt); err != nil {
		return FollowUp{}, fmt.Errorf("parsing scheduled_at: %w", err)
	}
	if f.SentAt, err = parseNullTime(sentAt, "sent_at"); err != nil {
		return FollowUp{}, err
	}
	if f.RespondedAt, err = parseNullTime(respondedAt, "responded_at"); err != nil {
		return FollowUp{}, err
	}
	if f.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return FollowUp{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return f, nil
}
