// Package tenanttest provides in-memory collaborator fakes and a registry
// builder for tests of packages that work through a tenant.Registry.
package tenanttest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/taskowner/internal/chat"
	"github.com/kalambet/taskowner/internal/sheet"
	"github.com/kalambet/taskowner/internal/storage"
	"github.com/kalambet/taskowner/internal/tenant"
	"github.com/kalambet/taskowner/internal/tracker"
)

// Tenant returns a fully populated tenant fixture.
func Tenant() storage.Tenant {
	return storage.Tenant{
		ID:                   "acme",
		Name:                 "Acme",
		ChatWorkspaceID:      "T1",
		TrackerWorkspaceID:   "WS1",
		TrackerBotUserID:     "BOT",
		AdminChatUserID:      "UADMIN",
		SheetID:              "sheet-1",
		ChatTokenRef:         "env:CHAT",
		ChatSigningSecretRef: "env:SIGN",
		TrackerTokenRef:      "env:TRACKER",
		SheetTokenRef:        "env:SHEET",
	}
}

// Registry stores tn and returns a loaded registry serving the given clients.
func Registry(t testing.TB, store *storage.Store, tn storage.Tenant, clients tenant.Clients) *tenant.Registry {
	t.Helper()
	if err := store.UpsertTenant(tn); err != nil {
		t.Fatalf("UpsertTenant: %v", err)
	}
	reg := tenant.NewRegistry(store, func(storage.Tenant) (tenant.Clients, error) { return clients, nil })
	if err := reg.Load(); err != nil {
		t.Fatalf("registry Load: %v", err)
	}
	return reg
}

// SentMessage is one DM recorded by Chat.
type SentMessage struct {
	UserID  string
	Message chat.Message
}

// Chat is a fake chat platform.
type Chat struct {
	mu    sync.Mutex
	Users map[string]chat.User
	Sent  []SentMessage

	SendDMFunc func(ctx context.Context, userID string, msg chat.Message) (chat.MessageRef, error)
	GetUserErr error
}

func (c *Chat) SendDM(ctx context.Context, userID string, msg chat.Message) (chat.MessageRef, error) {
	if c.SendDMFunc != nil {
		ref, err := c.SendDMFunc(ctx, userID, msg)
		if err != nil {
			return ref, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sent = append(c.Sent, SentMessage{UserID: userID, Message: msg})
	return chat.MessageRef{Channel: "D-" + userID, TS: fmt.Sprintf("%d.000100", len(c.Sent))}, nil
}

func (c *Chat) GetUser(_ context.Context, userID string) (chat.User, error) {
	if c.GetUserErr != nil {
		return chat.User{}, c.GetUserErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.Users[userID]
	if !ok {
		return chat.User{}, chat.ErrUserNotFound
	}
	return u, nil
}

func (c *Chat) FindUserByName(_ context.Context, name string) (chat.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range c.Users {
		if strings.EqualFold(u.RealName, name) || strings.EqualFold(u.DisplayName, name) || strings.EqualFold(u.Name, name) {
			return u, nil
		}
	}
	return chat.User{}, chat.ErrUserNotFound
}

func (c *Chat) ListChannelMembers(context.Context, string) ([]chat.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.User, 0, len(c.Users))
	for _, u := range c.Users {
		out = append(out, u)
	}
	return out, nil
}

// SentTo returns the messages sent to userID.
func (c *Chat) SentTo(userID string) []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []chat.Message
	for _, s := range c.Sent {
		if s.UserID == userID {
			out = append(out, s.Message)
		}
	}
	return out
}

// Assignment is one AssignTask call recorded by Tracker.
type Assignment struct {
	TaskID string
	UserID string
}

// Comment is one AddComment call recorded by Tracker.
type Comment struct {
	TaskID string
	Text   string
}

// Tracker is a fake project tracker.
type Tracker struct {
	mu      sync.Mutex
	Tasks   map[string]tracker.Task
	Members []tracker.User

	Assigned  []Assignment
	Comments  []Comment
	Completed []string
	GetCalls  int

	GetTaskErr     error
	AssignErr      error
	IsCompletedErr error
}

func (t *Tracker) GetTask(_ context.Context, id string) (tracker.Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.GetCalls++
	if t.GetTaskErr != nil {
		return tracker.Task{}, t.GetTaskErr
	}
	task, ok := t.Tasks[id]
	if !ok {
		return tracker.Task{}, &tracker.APIError{StatusCode: 404, Body: "not found"}
	}
	return task, nil
}

func (t *Tracker) AssignTask(_ context.Context, taskID, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.AssignErr != nil {
		return t.AssignErr
	}
	t.Assigned = append(t.Assigned, Assignment{TaskID: taskID, UserID: userID})
	return nil
}

func (t *Tracker) CompleteTask(_ context.Context, taskID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Completed = append(t.Completed, taskID)
	if task, ok := t.Tasks[taskID]; ok {
		task.Completed = true
		t.Tasks[taskID] = task
	}
	return nil
}

func (t *Tracker) AddComment(_ context.Context, taskID, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Comments = append(t.Comments, Comment{TaskID: taskID, Text: text})
	return nil
}

func (t *Tracker) IsCompleted(_ context.Context, taskID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.IsCompletedErr != nil {
		return false, t.IsCompletedErr
	}
	return t.Tasks[taskID].Completed, nil
}

func (t *Tracker) ListWorkspaceUsers(context.Context, string) ([]tracker.User, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]tracker.User(nil), t.Members...), nil
}

// SetCompleted flips the completion flag of a fake work item.
func (t *Tracker) SetCompleted(id string, done bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task := t.Tasks[id]
	task.Completed = done
	t.Tasks[id] = task
}

// Sheet is a fake owner lookup sheet keyed by lower-cased item name.
type Sheet struct {
	Rows  map[string]*sheet.Row
	Err   error
	Calls int
}

func (s *Sheet) Lookup(_ context.Context, itemName string) (*sheet.Row, error) {
	s.Calls++
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Rows[strings.ToLower(itemName)], nil
}
