// Package chat is a thin REST client for the chat platform (Slack Web API
// shape): direct messages, user lookup and request signature verification.
package chat

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultBaseURL = "https://slack.com/api"
	defaultTimeout = 15 * time.Second

	// MaxSignatureSkew bounds how old a signed request may be.
	MaxSignatureSkew = 5 * time.Minute
)

// ErrUserNotFound is returned when no chat user matches a lookup.
var ErrUserNotFound = errors.New("chat user not found")

// User is a chat-platform identity.
type User struct {
	ID          string
	Name        string
	RealName    string
	DisplayName string
	Email       string
	IsBot       bool
}

// ProfileName is the most human name available for the user.
func (u User) ProfileName() string {
	switch {
	case u.RealName != "":
		return u.RealName
	case u.DisplayName != "":
		return u.DisplayName
	default:
		return u.Name
	}
}

// Block is one rich layout block, passed through verbatim.
type Block map[string]any

// Message is an outbound message: plain text plus optional rich blocks.
type Message struct {
	Text   string
	Blocks []Block
}

// MessageRef identifies a sent message for later correlation.
type MessageRef struct {
	Channel string
	TS      string
}

// APIError is returned when the platform reports ok=false or a non-2xx status.
type APIError struct {
	StatusCode int
	Code       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api error (HTTP %d): %s", e.StatusCode, e.Code)
}

// Client talks to the chat Web API with a bot token.
type Client struct {
	http *resty.Client
}

// New creates a Client authenticated with a bot token.
func New(token string) *Client {
	return NewWithBaseURL(token, defaultBaseURL)
}

// NewWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewWithBaseURL(token, baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetAuthToken(token).
			SetTimeout(defaultTimeout),
	}
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (r apiResponse) check(resp *resty.Response) error {
	if resp.IsError() {
		return &APIError{StatusCode: resp.StatusCode(), Code: resp.String()}
	}
	if !r.OK {
		return &APIError{StatusCode: resp.StatusCode(), Code: r.Error}
	}
	return nil
}

// SendDM opens (or reuses) the direct-message channel with userID and posts msg.
func (c *Client) SendDM(ctx context.Context, userID string, msg Message) (MessageRef, error) {
	var opened struct {
		apiResponse
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"users": userID}).
		SetResult(&opened).
		Post("/conversations.open")
	if err != nil {
		return MessageRef{}, fmt.Errorf("opening DM with %s: %w", userID, err)
	}
	if err := opened.check(resp); err != nil {
		return MessageRef{}, err
	}
	return c.PostMessage(ctx, opened.Channel.ID, msg)
}

// PostMessage posts msg into an existing channel.
func (c *Client) PostMessage(ctx context.Context, channel string, msg Message) (MessageRef, error) {
	body := map[string]any{"channel": channel, "text": msg.Text}
	if len(msg.Blocks) > 0 {
		body["blocks"] = msg.Blocks
	}
	var posted struct {
		apiResponse
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&posted).
		Post("/chat.postMessage")
	if err != nil {
		return MessageRef{}, fmt.Errorf("posting message to %s: %w", channel, err)
	}
	if err := posted.check(resp); err != nil {
		return MessageRef{}, err
	}
	return MessageRef{Channel: posted.Channel, TS: posted.TS}, nil
}

type memberPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RealName string `json:"real_name"`
	Deleted  bool   `json:"deleted"`
	IsBot    bool   `json:"is_bot"`
	Profile  struct {
		RealName    string `json:"real_name"`
		DisplayName string `json:"display_name"`
		Email       string `json:"email"`
	} `json:"profile"`
}

func (m memberPayload) toUser() User {
	u := User{
		ID:          m.ID,
		Name:        m.Name,
		RealName:    m.RealName,
		DisplayName: m.Profile.DisplayName,
		Email:       m.Profile.Email,
		IsBot:       m.IsBot,
	}
	if u.RealName == "" {
		u.RealName = m.Profile.RealName
	}
	return u
}

// GetUser looks up a user by id.
func (c *Client) GetUser(ctx context.Context, userID string) (User, error) {
	var out struct {
		apiResponse
		User memberPayload `json:"user"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("user", userID).
		SetResult(&out).
		Get("/users.info")
	if err != nil {
		return User{}, fmt.Errorf("looking up user %s: %w", userID, err)
	}
	if err := out.check(resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == "user_not_found" {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	return out.User.toUser(), nil
}

// ListUsers pages through all active human users of the workspace.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	cursor := ""
	for {
		var out struct {
			apiResponse
			Members  []memberPayload `json:"members"`
			Metadata struct {
				NextCursor string `json:"next_cursor"`
			} `json:"response_metadata"`
		}
		req := c.http.R().SetContext(ctx).SetQueryParam("limit", "200").SetResult(&out)
		if cursor != "" {
			req.SetQueryParam("cursor", cursor)
		}
		resp, err := req.Get("/users.list")
		if err != nil {
			return nil, fmt.Errorf("listing users: %w", err)
		}
		if err := out.check(resp); err != nil {
			return nil, err
		}
		for _, m := range out.Members {
			if m.Deleted || m.IsBot {
				continue
			}
			users = append(users, m.toUser())
		}
		cursor = out.Metadata.NextCursor
		if cursor == "" {
			return users, nil
		}
	}
}

// FindUserByName resolves a user by case-insensitive real, display or handle name.
func (c *Client) FindUserByName(ctx context.Context, name string) (User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return User{}, ErrUserNotFound
	}
	users, err := c.ListUsers(ctx)
	if err != nil {
		return User{}, err
	}
	for _, u := range users {
		if strings.EqualFold(u.RealName, name) || strings.EqualFold(u.DisplayName, name) || strings.EqualFold(u.Name, name) {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}

// ListChannelMembers returns the members of a channel, resolved to users.
func (c *Client) ListChannelMembers(ctx context.Context, channelID string) ([]User, error) {
	var out struct {
		apiResponse
		Members []string `json:"members"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("channel", channelID).
		SetResult(&out).
		Get("/conversations.members")
	if err != nil {
		return nil, fmt.Errorf("listing members of %s: %w", channelID, err)
	}
	if err := out.check(resp); err != nil {
		return nil, err
	}
	users := make([]User, 0, len(out.Members))
	for _, id := range out.Members {
		u, err := c.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

// VerifySignature validates a signed inbound request: the signature is
// "v0=" + hex HMAC-SHA256 of "v0:<timestamp>:<body>".
func VerifySignature(secret, timestamp string, body []byte, signature string, now time.Time) bool {
	if secret == "" || timestamp == "" || signature == "" {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if math.Abs(float64(now.Unix()-ts)) > MaxSignatureSkew.Seconds() {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:", timestamp)
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
