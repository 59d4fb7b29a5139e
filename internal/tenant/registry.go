// Package tenant holds the set of customer organizations and the collaborator
// clients built for each of them. The Registry is an explicit value handed to
// every component that needs per-tenant clients; Reload swaps one tenant's
// entry after a credential rotation or configuration change.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kalambet/taskowner/internal/chat"
	"github.com/kalambet/taskowner/internal/sheet"
	"github.com/kalambet/taskowner/internal/storage"
	"github.com/kalambet/taskowner/internal/tracker"
)

// ErrUnknownTenant is returned when a tenant is not registered.
var ErrUnknownTenant = errors.New("unknown tenant")

// Tracker is the project-tracker collaborator.
type Tracker interface {
	GetTask(ctx context.Context, id string) (tracker.Task, error)
	AssignTask(ctx context.Context, taskID, userID string) error
	CompleteTask(ctx context.Context, taskID string) error
	AddComment(ctx context.Context, taskID, text string) error
	IsCompleted(ctx context.Context, taskID string) (bool, error)
	ListWorkspaceUsers(ctx context.Context, workspaceID string) ([]tracker.User, error)
}

// Chat is the chat-platform collaborator.
type Chat interface {
	SendDM(ctx context.Context, userID string, msg chat.Message) (chat.MessageRef, error)
	GetUser(ctx context.Context, userID string) (chat.User, error)
	FindUserByName(ctx context.Context, name string) (chat.User, error)
	ListChannelMembers(ctx context.Context, channelID string) ([]chat.User, error)
}

// Sheet is the owner lookup-sheet collaborator. A nil row means no match.
type Sheet interface {
	Lookup(ctx context.Context, itemName string) (*sheet.Row, error)
}

// Clients is the collaborator set of one tenant.
type Clients struct {
	Tracker Tracker
	Chat    Chat
	Sheet   Sheet
	// ChatSigningSecret verifies inbound chat events.
	ChatSigningSecret string
}

// Entry is one registered tenant.
type Entry struct {
	Tenant storage.Tenant
	Clients
}

// ClientFactory builds the clients of a tenant.
type ClientFactory func(t storage.Tenant) (Clients, error)

// Store is the subset of storage the registry reads.
type Store interface {
	GetTenant(id string) (storage.Tenant, error)
	ListTenants() ([]storage.Tenant, error)
	SetTenantWebhookSecret(id, secret string) error
}

type Registry struct {
	store   Store
	factory ClientFactory
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
	byChat  map[string]string
}

// NewRegistry creates an empty registry. Call Load to populate it.
func NewRegistry(store Store, factory ClientFactory) *Registry {
	return &Registry{
		store:   store,
		factory: factory,
		logger:  slog.Default(),
		entries: make(map[string]*Entry),
		byChat:  make(map[string]string),
	}
}

// Load (re)builds every tenant from the store. A tenant whose clients cannot
// be built is logged and skipped; the others still load.
func (r *Registry) Load() error {
	tenants, err := r.store.ListTenants()
	if err != nil {
		return fmt.Errorf("listing tenants: %w", err)
	}

	entries := make(map[string]*Entry, len(tenants))
	byChat := make(map[string]string, len(tenants))
	for _, t := range tenants {
		e, err := r.build(t)
		if err != nil {
			r.logger.Error("skipping tenant", "tenant_id", t.ID, "error", err)
			continue
		}
		entries[t.ID] = e
		byChat[t.ChatWorkspaceID] = t.ID
	}

	r.mu.Lock()
	r.entries = entries
	r.byChat = byChat
	r.mu.Unlock()

	r.logger.Info("tenant registry loaded", "tenants", len(entries))
	return nil
}

// Reload rebuilds a single tenant from the store.
func (r *Registry) Reload(id string) error {
	t, err := r.store.GetTenant(id)
	if errors.Is(err, storage.ErrNotFound) {
		r.mu.Lock()
		if old, ok := r.entries[id]; ok {
			delete(r.byChat, old.Tenant.ChatWorkspaceID)
			delete(r.entries, id)
		}
		r.mu.Unlock()
		return fmt.Errorf("tenant %s: %w", id, ErrUnknownTenant)
	}
	if err != nil {
		return fmt.Errorf("reading tenant %s: %w", id, err)
	}
	e, err := r.build(t)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if old, ok := r.entries[id]; ok {
		delete(r.byChat, old.Tenant.ChatWorkspaceID)
	}
	r.entries[id] = e
	r.byChat[t.ChatWorkspaceID] = id
	r.mu.Unlock()

	r.logger.Info("tenant reloaded", "tenant_id", id)
	return nil
}

func (r *Registry) build(t storage.Tenant) (*Entry, error) {
	clients, err := r.factory(t)
	if err != nil {
		return nil, fmt.Errorf("building clients for tenant %s: %w", t.ID, err)
	}
	return &Entry{Tenant: t, Clients: clients}, nil
}

// Get returns the registered tenant with the given id.
func (r *Registry) Get(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", id, ErrUnknownTenant)
	}
	return e, nil
}

// ByChatWorkspace returns the tenant owning a chat workspace.
func (r *Registry) ByChatWorkspace(workspaceID string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byChat[workspaceID]
	if !ok {
		return nil, fmt.Errorf("chat workspace %s: %w", workspaceID, ErrUnknownTenant)
	}
	return r.entries[id], nil
}

// All returns every registered tenant ordered by id.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant.ID < out[j].Tenant.ID })
	return out
}

// SetWebhookSecret records the tracker handshake secret for a tenant, both in
// the store and in the live entry.
func (r *Registry) SetWebhookSecret(id, secret string) error {
	if err := r.store.SetTenantWebhookSecret(id, secret); err != nil {
		return fmt.Errorf("storing webhook secret for %s: %w", id, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		updated := *e
		updated.Tenant.WebhookSecret = secret
		r.entries[id] = &updated
	}
	return nil
}
