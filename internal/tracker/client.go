// Package tracker is a thin REST client for the project tracker (Asana API
// shape). It only translates between HTTP and the types below; all decisions
// live in the orchestrator.
package tracker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultBaseURL = "https://app.asana.com/api/1.0"
	defaultTimeout = 30 * time.Second

	taskFields = "name,permalink_url,notes,assignee.name,assignee.email,due_on,due_at,completed," +
		"custom_fields.name,custom_fields.display_value,tags.name,created_by.name"
)

// ErrUserNotFound is returned by FindUser when no workspace member matches.
var ErrUserNotFound = errors.New("tracker user not found")

// Task is the detail of a tracked work item.
type Task struct {
	ID           string
	Name         string
	URL          string
	Description  string
	Assignee     *User
	DueDate      *time.Time
	Completed    bool
	CustomFields map[string]string
	Tags         []string
	CreatorID    string
	CreatorName  string
}

// User is a tracker workspace member.
type User struct {
	ID    string `json:"gid"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracker api error (HTTP %d): %s", e.StatusCode, e.Body)
}

// Client talks to the tracker REST API with a personal access token.
type Client struct {
	http *resty.Client
}

// New creates a Client authenticated with token.
func New(token string) *Client {
	return NewWithBaseURL(token, defaultBaseURL)
}

// NewWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewWithBaseURL(token, baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetAuthToken(token).
			SetHeader("Accept", "application/json").
			SetTimeout(defaultTimeout),
	}
}

type envelope[T any] struct {
	Data T `json:"data"`
}

type taskPayload struct {
	GID          string `json:"gid"`
	Name         string `json:"name"`
	PermalinkURL string `json:"permalink_url"`
	Notes        string `json:"notes"`
	Assignee     *User  `json:"assignee"`
	DueOn        string `json:"due_on"`
	DueAt        string `json:"due_at"`
	Completed    bool   `json:"completed"`
	CustomFields []struct {
		Name         string `json:"name"`
		DisplayValue string `json:"display_value"`
	} `json:"custom_fields"`
	Tags []struct {
		Name string `json:"name"`
	} `json:"tags"`
	CreatedBy *User `json:"created_by"`
}

// GetTask fetches the current detail of a work item. It is never cached.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var out envelope[taskPayload]
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetQueryParam("opt_fields", taskFields).
		SetResult(&out).
		Get("/tasks/{id}")
	if err != nil {
		return Task{}, fmt.Errorf("fetching task %s: %w", id, err)
	}
	if resp.IsError() {
		return Task{}, &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return out.Data.toTask()
}

func (p taskPayload) toTask() (Task, error) {
	t := Task{
		ID:          p.GID,
		Name:        p.Name,
		URL:         p.PermalinkURL,
		Description: p.Notes,
		Assignee:    p.Assignee,
		Completed:   p.Completed,
	}
	switch {
	case p.DueAt != "":
		due, err := time.Parse(time.RFC3339, p.DueAt)
		if err != nil {
			return Task{}, fmt.Errorf("parsing due_at %q: %w", p.DueAt, err)
		}
		t.DueDate = &due
	case p.DueOn != "":
		due, err := time.Parse(time.DateOnly, p.DueOn)
		if err != nil {
			return Task{}, fmt.Errorf("parsing due_on %q: %w", p.DueOn, err)
		}
		t.DueDate = &due
	}
	if len(p.CustomFields) > 0 {
		t.CustomFields = make(map[string]string, len(p.CustomFields))
		for _, f := range p.CustomFields {
			t.CustomFields[f.Name] = f.DisplayValue
		}
	}
	for _, tag := range p.Tags {
		t.Tags = append(t.Tags, tag.Name)
	}
	if p.CreatedBy != nil {
		t.CreatorID = p.CreatedBy.ID
		t.CreatorName = p.CreatedBy.Name
	}
	return t, nil
}

// AssignTask reassigns a work item to the given tracker user.
func (c *Client) AssignTask(ctx context.Context, taskID, userID string) error {
	return c.updateTask(ctx, taskID, map[string]any{"assignee": userID})
}

// CompleteTask marks a work item complete.
func (c *Client) CompleteTask(ctx context.Context, taskID string) error {
	return c.updateTask(ctx, taskID, map[string]any{"completed": true})
}

func (c *Client) updateTask(ctx context.Context, taskID string, fields map[string]any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", taskID).
		SetBody(envelope[map[string]any]{Data: fields}).
		Put("/tasks/{id}")
	if err != nil {
		return fmt.Errorf("updating task %s: %w", taskID, err)
	}
	if resp.IsError() {
		return &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// AddComment posts a comment (story) on a work item.
func (c *Client) AddComment(ctx context.Context, taskID, text string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", taskID).
		SetBody(envelope[map[string]string]{Data: map[string]string{"text": text}}).
		Post("/tasks/{id}/stories")
	if err != nil {
		return fmt.Errorf("commenting on task %s: %w", taskID, err)
	}
	if resp.IsError() {
		return &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// IsCompleted reports whether the work item is marked complete.
func (c *Client) IsCompleted(ctx context.Context, taskID string) (bool, error) {
	var out envelope[struct {
		Completed bool `json:"completed"`
	}]
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", taskID).
		SetQueryParam("opt_fields", "completed").
		SetResult(&out).
		Get("/tasks/{id}")
	if err != nil {
		return false, fmt.Errorf("checking completion of task %s: %w", taskID, err)
	}
	if resp.IsError() {
		return false, &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return out.Data.Completed, nil
}

// ListWorkspaceUsers returns all members of a workspace with name and email.
func (c *Client) ListWorkspaceUsers(ctx context.Context, workspaceID string) ([]User, error) {
	var out envelope[[]User]
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("ws", workspaceID).
		SetQueryParam("opt_fields", "name,email").
		SetResult(&out).
		Get("/workspaces/{ws}/users")
	if err != nil {
		return nil, fmt.Errorf("listing users of workspace %s: %w", workspaceID, err)
	}
	if resp.IsError() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return out.Data, nil
}

// FindUser resolves a workspace member by exact (case-insensitive) name or email.
func (c *Client) FindUser(ctx context.Context, workspaceID, nameOrEmail string) (User, error) {
	users, err := c.ListWorkspaceUsers(ctx, workspaceID)
	if err != nil {
		return User{}, err
	}
	for _, u := range users {
		if strings.EqualFold(u.Name, nameOrEmail) || (u.Email != "" && strings.EqualFold(u.Email, nameOrEmail)) {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}

// VerifySignature checks an inbound webhook signature: hex HMAC-SHA256 of the
// raw body keyed with the handshake secret.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}
