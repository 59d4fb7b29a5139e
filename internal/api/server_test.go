package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/taskowner/internal/chat"
	"github.com/kalambet/taskowner/internal/conversation"
	"github.com/kalambet/taskowner/internal/orchestrator"
	"github.com/kalambet/taskowner/internal/pipeline"
	"github.com/kalambet/taskowner/internal/storage"
	"github.com/kalambet/taskowner/internal/tenant"
	"github.com/kalambet/taskowner/internal/tenant/tenanttest"
)

const (
	testToken         = "test-token"
	testSigningSecret = "sign-secret"
)

type enqueued struct {
	Type       string
	TenantID   string
	ExternalID string
}

type fakeOrchestrator struct {
	mu       sync.Mutex
	enqueued []enqueued
	enqueErr error

	claimFn    func(taskID, userID, tenantID string) orchestrator.Outcome
	declineFn  func(taskID, userID, tenantID, reason string) orchestrator.Outcome
	escalateFn func(taskID, tenantID string, reason orchestrator.Reason) orchestrator.Outcome
}

func (f *fakeOrchestrator) EnqueueSeekOwnership(tenantID, externalID string) error {
	return f.enqueue(orchestrator.JobSeekOwnership, tenantID, externalID)
}

func (f *fakeOrchestrator) EnqueueTaskCompleted(tenantID, externalID string) error {
	return f.enqueue(orchestrator.JobTaskCompleted, tenantID, externalID)
}

func (f *fakeOrchestrator) enqueue(typ, tenantID, externalID string) error {
	if f.enqueErr != nil {
		return f.enqueErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, enqueued{Type: typ, TenantID: tenantID, ExternalID: externalID})
	return nil
}

func (f *fakeOrchestrator) ClaimTask(_ context.Context, taskID, chatUserID, tenantID string) orchestrator.Outcome {
	return f.claimFn(taskID, chatUserID, tenantID)
}

func (f *fakeOrchestrator) DeclineTask(_ context.Context, taskID, chatUserID, tenantID, reason string) orchestrator.Outcome {
	return f.declineFn(taskID, chatUserID, tenantID, reason)
}

func (f *fakeOrchestrator) Escalate(_ context.Context, taskID, tenantID string, reason orchestrator.Reason) orchestrator.Outcome {
	return f.escalateFn(taskID, tenantID, reason)
}

type fakeResponder struct {
	mu       sync.Mutex
	messages []pipeline.Message
	ctxErr   error
}

func (f *fakeResponder) HandleMessage(ctx context.Context, m pipeline.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
	f.ctxErr = ctx.Err()
	return nil
}

type fixture struct {
	store     *storage.Store
	reg       *tenant.Registry
	chat      *tenanttest.Chat
	orch      *fakeOrchestrator
	responder *fakeResponder
	convs     *conversation.Manager
	now       time.Time
	handler   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store: store,
		chat: &tenanttest.Chat{Users: map[string]chat.User{
			"U1": {ID: "U1", Name: "bob", RealName: "Bob Smith"},
		}},
		orch:      &fakeOrchestrator{},
		responder: &fakeResponder{},
		now:       time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	store.SetClock(func() time.Time { return f.now })
	f.reg = tenanttest.Registry(t, store, tenanttest.Tenant(), tenant.Clients{Chat: f.chat, ChatSigningSecret: testSigningSecret})
	f.convs = conversation.NewManager(store)

	f.handler = NewRouter(f.deps())
	return f
}

func (f *fixture) deps() Deps {
	return Deps{
		Store:         f.store,
		Tenants:       f.reg,
		Orchestrator:  f.orch,
		Responder:     f.responder,
		Conversations: f.convs,
		Token:         testToken,
		Background:    func(fn func(ctx context.Context)) { fn(context.Background()) },
		Now:           func() time.Time { return f.now },
	}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func authReq(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

// chatSigned builds a request carrying a valid chat signature for body.
func (f *fixture) chatSigned(path, contentType, body string) *http.Request {
	ts := fmt.Sprint(f.now.Unix())
	mac := hmac.New(sha256.New, []byte(testSigningSecret))
	fmt.Fprintf(mac, "v0:%s:%s", ts, body)

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(headerChatTimestamp, ts)
	req.Header.Set(headerChatSignature, "v0="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func (f *fixture) insertTask(t *testing.T, task storage.Task) {
	t.Helper()
	if task.TenantID == "" {
		task.TenantID = "acme"
	}
	if _, err := f.store.InsertTask(task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"status":"ok"}` {
		t.Errorf("body = %s", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	w := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `taskowner_http_requests_total{method="GET",route="/health",status="200"}`) {
		t.Error("request counter for /health not exported")
	}
}

func TestBearerAuth(t *testing.T) {
	f := newFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/tasks", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	if w := f.do(req); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", w.Code)
	}

	if w := f.do(authReq(http.MethodGet, "/tasks", nil)); w.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", w.Code)
	}
}

func TestBearerAuth_EmptyTokenDisablesAPI(t *testing.T) {
	f := newFixture(t)
	deps := f.deps()
	deps.Token = ""
	h := NewRouter(deps)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, authReq(http.MethodGet, "/tasks", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health with API disabled: status = %d", w.Code)
	}
}
