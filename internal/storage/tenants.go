package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const tenantColumns = `id, name, chat_workspace_id, tracker_workspace_id, tracker_bot_user_id, admin_chat_user_id,
	sheet_id, sheet_range, chat_token_ref, chat_signing_secret_ref, tracker_token_ref, sheet_token_ref,
	webhook_secret, created_at, updated_at`

// UpsertTenant creates or updates a tenant by ID. It returns ErrConflict when
// another tenant already owns the chat workspace identifier.
func (s *Store) UpsertTenant(t Tenant) error {
	var owner string
	err := s.db.QueryRow(`SELECT id FROM tenants WHERE chat_workspace_id = ?`, t.ChatWorkspaceID).Scan(&owner)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("checking chat workspace: %w", err)
	}
	if err == nil && owner != t.ID {
		return fmt.Errorf("chat workspace %s already belongs to tenant %s: %w", t.ChatWorkspaceID, owner, ErrConflict)
	}

	now := formatTime(s.now())
	_, err = s.db.Exec(`
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			chat_workspace_id = excluded.chat_workspace_id,
			tracker_workspace_id = excluded.tracker_workspace_id,
			tracker_bot_user_id = excluded.tracker_bot_user_id,
			admin_chat_user_id = excluded.admin_chat_user_id,
			sheet_id = excluded.sheet_id,
			sheet_range = excluded.sheet_range,
			chat_token_ref = excluded.chat_token_ref,
			chat_signing_secret_ref = excluded.chat_signing_secret_ref,
			tracker_token_ref = excluded.tracker_token_ref,
			sheet_token_ref = excluded.sheet_token_ref,
			updated_at = excluded.updated_at`,
		t.ID, t.Name, t.ChatWorkspaceID, t.TrackerWorkspaceID, t.TrackerBotUserID, t.AdminChatUserID,
		t.SheetID, t.SheetRange, t.ChatTokenRef, t.ChatSigningSecretRef, t.TrackerTokenRef, t.SheetTokenRef,
		t.WebhookSecret, now, now,
	)
	return err
}

func (s *Store) GetTenant(id string) (Tenant, error) {
	return scanTenant(s.db.QueryRow(`SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id))
}

func (s *Store) GetTenantByChatWorkspace(workspaceID string) (Tenant, error) {
	return scanTenant(s.db.QueryRow(`SELECT `+tenantColumns+` FROM tenants WHERE chat_workspace_id = ?`, workspaceID))
}

func (s *Store) ListTenants() ([]Tenant, error) {
	rows, err := s.db.Query(`SELECT ` + tenantColumns + ` FROM tenants ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// SetTenantWebhookSecret stores the tracker webhook handshake secret.
func (s *Store) SetTenantWebhookSecret(id, secret string) error {
	res, err := s.db.Exec(`UPDATE tenants SET webhook_secret = ?, updated_at = ? WHERE id = ?`,
		secret, formatTime(s.now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (Tenant, error) {
	var t Tenant
	var createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Name, &t.ChatWorkspaceID, &t.TrackerWorkspaceID, &t.TrackerBotUserID, &t.AdminChatUserID,
		&t.SheetID, &t.SheetRange, &t.ChatTokenRef, &t.ChatSigningSecretRef, &t.TrackerTokenRef, &t.SheetTokenRef,
		&t.WebhookSecret, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, err
	}
	if t.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return Tenant{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return Tenant{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return t, nil
}
