package identity

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/taskowner/internal/chat"
	"github.com/kalambet/taskowner/internal/storage"
	"github.com/kalambet/taskowner/internal/tenant"
	"github.com/kalambet/taskowner/internal/tenant/tenanttest"
	"github.com/kalambet/taskowner/internal/tracker"
)

func setup(t *testing.T, members []tracker.User, users map[string]chat.User) (*Matcher, *tenanttest.Chat) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	ch := &tenanttest.Chat{Users: users}
	tr := &tenanttest.Tracker{Members: members}
	reg := tenanttest.Registry(t, store, tenanttest.Tenant(), tenant.Clients{Chat: ch, Tracker: tr})
	return NewMatcher(reg), ch
}

func TestMatch_Order(t *testing.T) {
	members := []tracker.User{
		{ID: "t-substr", Name: "Robert Smith Jr."},
		{ID: "t-exact", Name: "robert smith"},
		{ID: "t-email", Name: "R. S.", Email: "rs@example.com"},
		{ID: "t-ann", Name: "Ann", Email: "ann@example.com"},
	}
	users := map[string]chat.User{
		"U-exact":  {ID: "U-exact", RealName: "Robert Smith"},
		"U-legal":  {ID: "U-legal", RealName: "Robert Smith Jr. III"},
		"U-email":  {ID: "U-email", RealName: "Zed", Email: "RS@example.com"},
		"U-none":   {ID: "U-none", RealName: "Nobody", Email: "nobody@example.com"},
		"U-handle": {ID: "U-handle", Name: "ann"},
	}
	m, _ := setup(t, members, users)

	cases := []struct {
		user string
		want string
	}{
		{"U-exact", "t-exact"},
		{"U-legal", "t-substr"},
		{"U-email", "t-email"},
		{"U-none", ""},
		{"U-handle", "t-ann"},
	}
	for _, tc := range cases {
		got, err := m.Match(context.Background(), tc.user, "acme", "WS1")
		if err != nil {
			t.Fatalf("Match(%s): %v", tc.user, err)
		}
		if got != tc.want {
			t.Errorf("Match(%s) = %q, want %q", tc.user, got, tc.want)
		}
	}
}

func TestMatch_ExactBeatsSubstring(t *testing.T) {
	members := []tracker.User{
		{ID: "long", Name: "Bob Smithson"},
		{ID: "exact", Name: "Bob Smith"},
	}
	m, _ := setup(t, members, map[string]chat.User{"U1": {ID: "U1", RealName: "bob smith"}})

	got, err := m.Match(context.Background(), "U1", "acme", "WS1")
	if err != nil {
		t.Fatal(err)
	}
	if got != "exact" {
		t.Errorf("Match = %q, want exact", got)
	}
}

func TestMatch_ChatLookupError(t *testing.T) {
	m, _ := setup(t, nil, map[string]chat.User{})
	_, err := m.Match(context.Background(), "U-missing", "acme", "WS1")
	if !errors.Is(err, chat.ErrUserNotFound) {
		t.Errorf("err = %v, want ErrUserNotFound", err)
	}
	if _, err := m.Match(context.Background(), "U1", "ghost", "WS1"); !errors.Is(err, tenant.ErrUnknownTenant) {
		t.Errorf("err = %v, want ErrUnknownTenant", err)
	}
}

func TestAlertUnmatched(t *testing.T) {
	m, ch := setup(t, nil, nil)
	m.AlertUnmatched(context.Background(), "acme", "Bob Smith", "U1")

	sent := ch.SentTo("UADMIN")
	if len(sent) != 1 {
		t.Fatalf("admin got %d messages, want 1", len(sent))
	}
	if !strings.Contains(sent[0].Text, "Bob Smith") || !strings.Contains(sent[0].Text, "U1") {
		t.Errorf("alert text = %q", sent[0].Text)
	}
}

func TestAlertUnmatched_SwallowsFailures(t *testing.T) {
	m, ch := setup(t, nil, nil)
	ch.SendDMFunc = func(context.Context, string, chat.Message) (chat.MessageRef, error) {
		return chat.MessageRef{}, errors.New("chat down")
	}
	m.AlertUnmatched(context.Background(), "acme", "Bob", "U1")
	m.AlertUnmatched(context.Background(), "ghost", "Bob", "U1")
	if len(ch.Sent) != 0 {
		t.Errorf("recorded %d messages, want 0", len(ch.Sent))
	}
}
