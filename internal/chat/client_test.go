package chat

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestSendDM(t *testing.T) {
	var posted map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/conversations.open":
			var b map[string]any
			json.NewDecoder(r.Body).Decode(&b)
			if b["users"] != "U1" {
				t.Errorf("users = %v", b["users"])
			}
			w.Write([]byte(`{"ok":true,"channel":{"id":"D1"}}`))
		case "/chat.postMessage":
			json.NewDecoder(r.Body).Decode(&posted)
			w.Write([]byte(`{"ok":true,"channel":"D1","ts":"1700000000.000100"}`))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewWithBaseURL("xoxb", srv.URL)
	ref, err := c.SendDM(context.Background(), "U1", Message{
		Text:   "hello",
		Blocks: []Block{{"type": "section"}},
	})
	if err != nil {
		t.Fatalf("SendDM: %v", err)
	}
	if ref.Channel != "D1" || ref.TS != "1700000000.000100" {
		t.Errorf("ref = %+v", ref)
	}
	if posted["channel"] != "D1" || posted["text"] != "hello" {
		t.Errorf("posted = %v", posted)
	}
	if blocks, _ := posted["blocks"].([]any); len(blocks) != 1 {
		t.Errorf("blocks = %v", posted["blocks"])
	}
}

func TestSendDM_NotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":false,"error":"user_not_found"}`))
	}))
	defer srv.Close()

	_, err := NewWithBaseURL("xoxb", srv.URL).SendDM(context.Background(), "U1", Message{Text: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "user_not_found" {
		t.Errorf("err = %v, want APIError user_not_found", err)
	}
}

func TestGetUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("user") == "U404" {
			w.Write([]byte(`{"ok":false,"error":"user_not_found"}`))
			return
		}
		w.Write([]byte(`{"ok":true,"user":{"id":"U1","name":"bob","profile":{"real_name":"Bob Smith","display_name":"bobby","email":"bob@example.com"}}}`))
	}))
	defer srv.Close()

	c := NewWithBaseURL("xoxb", srv.URL)
	u, err := c.GetUser(context.Background(), "U1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.RealName != "Bob Smith" || u.Email != "bob@example.com" || u.ProfileName() != "Bob Smith" {
		t.Errorf("user = %+v", u)
	}
	if _, err := c.GetUser(context.Background(), "U404"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("err = %v, want ErrUserNotFound", err)
	}
}

func TestProfileNameFallback(t *testing.T) {
	if got := (User{DisplayName: "bobby", Name: "bob"}).ProfileName(); got != "bobby" {
		t.Errorf("ProfileName() = %q, want bobby", got)
	}
	if got := (User{Name: "bob"}).ProfileName(); got != "bob" {
		t.Errorf("ProfileName() = %q, want bob", got)
	}
}

func TestFindUserByName_Paginates(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "" {
			w.Write([]byte(`{"ok":true,"members":[
				{"id":"U0","name":"alice","real_name":"Alice Jones"},
				{"id":"B1","name":"bot","is_bot":true,"real_name":"Bob Smith"}],
				"response_metadata":{"next_cursor":"page2"}}`))
			return
		}
		w.Write([]byte(`{"ok":true,"members":[{"id":"U1","name":"bob","real_name":"Bob Smith"}],"response_metadata":{"next_cursor":""}}`))
	}))
	defer srv.Close()

	c := NewWithBaseURL("xoxb", srv.URL)
	u, err := c.FindUserByName(context.Background(), "bob smith")
	if err != nil {
		t.Fatalf("FindUserByName: %v", err)
	}
	if u.ID != "U1" {
		t.Errorf("ID = %q, want U1 (bots skipped)", u.ID)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if _, err := c.FindUserByName(context.Background(), "  "); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("blank name err = %v", err)
	}
}

func TestListChannelMembers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/conversations.members":
			w.Write([]byte(`{"ok":true,"members":["U1","U2"]}`))
		case "/users.info":
			id := r.URL.Query().Get("user")
			fmt.Fprintf(w, `{"ok":true,"user":{"id":%q,"name":%q}}`, id, "n"+id)
		}
	}))
	defer srv.Close()

	users, err := NewWithBaseURL("xoxb", srv.URL).ListChannelMembers(context.Background(), "C1")
	if err != nil {
		t.Fatalf("ListChannelMembers: %v", err)
	}
	if len(users) != 2 || users[1].ID != "U2" || users[1].Name != "nU2" {
		t.Errorf("users = %+v", users)
	}
}

func sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:", ts)
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"type":"event_callback"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := sign("shh", ts, body)

	if !VerifySignature("shh", ts, body, sig, now) {
		t.Error("valid signature rejected")
	}
	if VerifySignature("shh", ts, body, sig, now.Add(6*time.Minute)) {
		t.Error("stale signature accepted")
	}
	if VerifySignature("other", ts, body, sig, now) {
		t.Error("wrong secret accepted")
	}
	if VerifySignature("shh", "not-a-number", body, sig, now) {
		t.Error("malformed timestamp accepted")
	}
}
