package tenant

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/taskowner/internal/storage"
)

// File is the onboarding document imported by `taskowner tenants import`.
//
//	tenants:
//	  - id: acme
//	    chat_workspace_id: T0123
//	    tracker_workspace_id: "1200"
//	    tracker_bot_user_id: "1209"
//	    admin_chat_user_id: U0ADMIN
//	    sheet_id: 1AbC...
//	    sheet_range: Owners!A:D
//	    secrets:
//	      chat_token: env:ACME_CHAT_TOKEN
//	      chat_signing_secret: keychain:acme/chat-signing
//	      tracker_token: file:/run/secrets/acme-tracker
//	      sheet_key: env:ACME_SHEET_KEY
type File struct {
	Tenants []Spec `yaml:"tenants"`
}

// Spec is one tenant entry of an import file.
type Spec struct {
	ID                 string  `yaml:"id"`
	Name               string  `yaml:"name"`
	ChatWorkspaceID    string  `yaml:"chat_workspace_id"`
	TrackerWorkspaceID string  `yaml:"tracker_workspace_id"`
	TrackerBotUserID   string  `yaml:"tracker_bot_user_id"`
	AdminChatUserID    string  `yaml:"admin_chat_user_id"`
	SheetID            string  `yaml:"sheet_id"`
	SheetRange         string  `yaml:"sheet_range"`
	Secrets            Secrets `yaml:"secrets"`
}

// Secrets holds credential references, never secret values.
type Secrets struct {
	ChatToken         string `yaml:"chat_token"`
	ChatSigningSecret string `yaml:"chat_signing_secret"`
	TrackerToken      string `yaml:"tracker_token"`
	SheetKey          string `yaml:"sheet_key"`
}

// ParseFile decodes and validates an import document.
func ParseFile(r io.Reader) ([]storage.Tenant, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding tenant file: %w", err)
	}

	var errs []error
	seenID := make(map[string]bool)
	seenWS := make(map[string]string)
	out := make([]storage.Tenant, 0, len(f.Tenants))
	for i, s := range f.Tenants {
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("tenant #%d: %w", i+1, err))
			continue
		}
		if seenID[s.ID] {
			errs = append(errs, fmt.Errorf("tenant %s: duplicate id", s.ID))
			continue
		}
		if other, ok := seenWS[s.ChatWorkspaceID]; ok {
			errs = append(errs, fmt.Errorf("tenant %s: chat workspace %s already used by %s", s.ID, s.ChatWorkspaceID, other))
			continue
		}
		seenID[s.ID] = true
		seenWS[s.ChatWorkspaceID] = s.ID
		out = append(out, s.toTenant())
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

func (s Spec) validate() error {
	var missing []string
	for name, v := range map[string]string{
		"id":                          s.ID,
		"chat_workspace_id":           s.ChatWorkspaceID,
		"tracker_workspace_id":        s.TrackerWorkspaceID,
		"tracker_bot_user_id":         s.TrackerBotUserID,
		"admin_chat_user_id":          s.AdminChatUserID,
		"sheet_id":                    s.SheetID,
		"secrets.chat_token":          s.Secrets.ChatToken,
		"secrets.chat_signing_secret": s.Secrets.ChatSigningSecret,
		"secrets.tracker_token":       s.Secrets.TrackerToken,
		"secrets.sheet_key":           s.Secrets.SheetKey,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing %v", missing)
	}
	return nil
}

func (s Spec) toTenant() storage.Tenant {
	name := s.Name
	if name == "" {
		name = s.ID
	}
	return storage.Tenant{
		ID:                   s.ID,
		Name:                 name,
		ChatWorkspaceID:      s.ChatWorkspaceID,
		TrackerWorkspaceID:   s.TrackerWorkspaceID,
		TrackerBotUserID:     s.TrackerBotUserID,
		AdminChatUserID:      s.AdminChatUserID,
		SheetID:              s.SheetID,
		SheetRange:           s.SheetRange,
		ChatTokenRef:         s.Secrets.ChatToken,
		ChatSigningSecretRef: s.Secrets.ChatSigningSecret,
		TrackerTokenRef:      s.Secrets.TrackerToken,
		SheetTokenRef:        s.Secrets.SheetKey,
	}
}
