// Package identity resolves a chat-platform user to the matching
// project-tracker user of the same organization.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/taskowner/internal/chat"
	"github.com/kalambet/taskowner/internal/tenant"
	"github.com/kalambet/taskowner/internal/tracker"
)

// Tenants is the registry lookup the matcher needs.
type Tenants interface {
	Get(id string) (*tenant.Entry, error)
}

type Matcher struct {
	tenants Tenants
	logger  *slog.Logger
}

func NewMatcher(tenants Tenants) *Matcher {
	return &Matcher{tenants: tenants, logger: slog.Default()}
}

// Match returns the tracker user id for chatUserID, or "" when no workspace
// member matches. The order is: exact name, substring either way, email.
// Match has no side effects; callers decide whether to AlertUnmatched.
func (m *Matcher) Match(ctx context.Context, chatUserID, tenantID, trackerWorkspaceID string) (string, error) {
	e, err := m.tenants.Get(tenantID)
	if err != nil {
		return "", err
	}
	profile, err := e.Chat.GetUser(ctx, chatUserID)
	if err != nil {
		return "", fmt.Errorf("looking up chat user %s: %w", chatUserID, err)
	}
	members, err := e.Tracker.ListWorkspaceUsers(ctx, trackerWorkspaceID)
	if err != nil {
		return "", fmt.Errorf("listing tracker workspace %s: %w", trackerWorkspaceID, err)
	}

	if u, ok := matchMember(profile, members); ok {
		m.logger.Debug("identity matched", "tenant_id", tenantID, "user", chatUserID, "tracker_user", u.ID)
		return u.ID, nil
	}
	return "", nil
}

func matchMember(profile chat.User, members []tracker.User) (tracker.User, bool) {
	name := strings.ToLower(strings.TrimSpace(profile.ProfileName()))

	if name != "" {
		for _, u := range members {
			if strings.ToLower(strings.TrimSpace(u.Name)) == name {
				return u, true
			}
		}
		for _, u := range members {
			other := strings.ToLower(strings.TrimSpace(u.Name))
			if other == "" {
				continue
			}
			if strings.Contains(other, name) || strings.Contains(name, other) {
				return u, true
			}
		}
	}

	if email := strings.TrimSpace(profile.Email); email != "" {
		for _, u := range members {
			if u.Email != "" && strings.EqualFold(strings.TrimSpace(u.Email), email) {
				return u, true
			}
		}
	}
	return tracker.User{}, false
}

// AlertUnmatched tells the tenant administrator that a chat user could not be
// matched to a tracker identity. Failures are logged, never returned.
func (m *Matcher) AlertUnmatched(ctx context.Context, tenantID, displayName, chatUserID string) {
	e, err := m.tenants.Get(tenantID)
	if err != nil {
		m.logger.Error("unmatched identity alert: unknown tenant", "tenant_id", tenantID, "user", chatUserID, "error", err)
		return
	}
	if displayName == "" {
		displayName = chatUserID
	}
	text := fmt.Sprintf(":warning: Could not match chat user *%s* (<@%s>) to a member of tracker workspace %s. "+
		"Please check that their names or email addresses agree in both systems.",
		displayName, chatUserID, e.Tenant.TrackerWorkspaceID)
	if _, err := e.Chat.SendDM(ctx, e.Tenant.AdminChatUserID, chat.Message{Text: text}); err != nil {
		m.logger.Error("unmatched identity alert failed", "tenant_id", tenantID, "user", chatUserID, "error", err)
	}
}
