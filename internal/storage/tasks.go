package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const taskColumns = `id, tenant_id, external_id, external_url, name, status, owner_chat_id, owner_tracker_id,
	due_date, claimed_at, proposition_channel, proposition_ts, proposition_sent_at, context_json,
	created_at, updated_at`

// InsertTask creates a task unless one already exists for (tenant, external id).
// The returned bool reports whether a new row was written.
func (s *Store) InsertTask(t Task) (bool, error) {
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.Status == "" {
		t.Status = StatusPendingOwner
	}
	contextJSON, err := marshalJSON(t.Context, t.Context == nil)
	if err != nil {
		return false, fmt.Errorf("marshaling task context: %w", err)
	}
	res, err := s.db.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, external_id) DO NOTHING`,
		t.ID, t.TenantID, t.ExternalID, t.ExternalURL, t.Name, string(t.Status),
		nullableString(t.OwnerChatID), nullableString(t.OwnerTrackerID),
		nullableTime(t.DueDate), nullableTime(t.ClaimedAt),
		nullableString(t.PropositionChannel), nullableString(t.PropositionTS), nullableTime(t.PropositionSentAt),
		contextJSON, formatTime(t.CreatedAt), formatTime(now),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) GetTask(id string) (Task, error) {
	return scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
}

func (s *Store) GetTaskByExternalID(tenantID, externalID string) (Task, error) {
	return scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE tenant_id = ? AND external_id = ?`, tenantID, externalID))
}

func (s *Store) ListTasks(f TaskFilter) ([]Task, error) {
	var where []string
	var args []any
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.OwnerChatID != "" {
		where = append(where, "owner_chat_id = ?")
		args = append(args, f.OwnerChatID)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// SetTaskStatus unconditionally sets the task status.
func (s *Store) SetTaskStatus(id string, status TaskStatus) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(s.now()), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// TransitionTaskStatus moves a task to status `to` only if it is not already
// in `to`. The returned bool reports whether the row changed.
func (s *Store) TransitionTaskStatus(id string, to TaskStatus) (bool, error) {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status != ?`,
		string(to), formatTime(s.now()), id, string(to))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteTask moves a non-terminal task to COMPLETED. The returned bool is
// false when the task was already COMPLETED or ESCALATED.
func (s *Store) CompleteTask(id string) (bool, error) {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(StatusCompleted), formatTime(s.now()), id, string(StatusPendingOwner), string(StatusOwned))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimTask records ownership if, and only if, the task is still PENDING_OWNER.
// The returned bool is false when another writer got there first.
func (s *Store) ClaimTask(id, ownerChatID, ownerTrackerID string, claimedAt, dueDate time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, owner_chat_id = ?, owner_tracker_id = ?, claimed_at = ?, due_date = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusOwned), ownerChatID, ownerTrackerID, formatTime(claimedAt), formatTime(dueDate),
		formatTime(s.now()), id, string(StatusPendingOwner),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetTaskProposition stores the reference of the proposition message sent for a task.
func (s *Store) SetTaskProposition(id, channel, ts string, sentAt time.Time) error {
	res, err := s.db.Exec(`UPDATE tasks SET proposition_channel = ?, proposition_ts = ?, proposition_sent_at = ?, updated_at = ? WHERE id = ?`,
		channel, ts, formatTime(sentAt), formatTime(s.now()), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// UpdateTaskDetail refreshes the tracker-sourced fields of a task.
func (s *Store) UpdateTaskDetail(id, name, url string, due *time.Time) error {
	res, err := s.db.Exec(`UPDATE tasks SET name = ?, external_url = ?, due_date = COALESCE(?, due_date), updated_at = ? WHERE id = ?`,
		name, url, nullableTime(due), formatTime(s.now()), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *Store) UpdateTaskContext(id string, c TaskContext) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling task context: %w", err)
	}
	res, err := s.db.Exec(`UPDATE tasks SET context_json = ?, updated_at = ? WHERE id = ?`,
		string(b), formatTime(s.now()), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var status, createdAt, updatedAt string
	var ownerChat, ownerTracker, propChannel, propTS, contextJSON sql.NullString
	var due, claimed, propSent sql.NullString
	err := row.Scan(&t.ID, &t.TenantID, &t.ExternalID, &t.ExternalURL, &t.Name, &status, &ownerChat, &ownerTracker,
		&due, &claimed, &propChannel, &propTS, &propSent, &contextJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	t.Status = TaskStatus(status)
	t.OwnerChatID = ownerChat.String
	t.OwnerTrackerID = ownerTracker.String
	t.PropositionChannel = propChannel.String
	t.PropositionTS = propTS.String

	if t.DueDate, err = parseNullTime(due, "due_date"); err != nil {
		return Task{}, err
	}
	if t.ClaimedAt, err = parseNullTime(claimed, "claimed_at"); err != nil {
		return Task{}, err
	}
	if t.PropositionSentAt, err = parseNullTime(propSent, "proposition_sent_at"); err != nil {
		return Task{}, err
	}
	if contextJSON.Valid && contextJSON.String != "" {
		var c TaskContext
		if err := json.Unmarshal([]byte(contextJSON.String), &c); err != nil {
			return Task{}, fmt.Errorf("parsing context_json: %w", err)
		}
		t.Context = &c
	}
	if t.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return Task{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return Task{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return t, nil
}
