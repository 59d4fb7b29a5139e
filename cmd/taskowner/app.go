package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/taskowner/internal/api"
	"github.com/kalambet/taskowner/internal/composer"
	"github.com/kalambet/taskowner/internal/config"
	"github.com/kalambet/taskowner/internal/conversation"
	"github.com/kalambet/taskowner/internal/events"
	"github.com/kalambet/taskowner/internal/followup"
	"github.com/kalambet/taskowner/internal/identity"
	"github.com/kalambet/taskowner/internal/intent"
	"github.com/kalambet/taskowner/internal/llm"
	"github.com/kalambet/taskowner/internal/orchestrator"
	"github.com/kalambet/taskowner/internal/pipeline"
	"github.com/kalambet/taskowner/internal/storage"
	"github.com/kalambet/taskowner/internal/tenant"
)

// app is the wired object graph shared by serve and mcp.
type app struct {
	cfg       config.Config
	store     *storage.Store
	tenants   *tenant.Registry
	convs     *conversation.Manager
	followUps *followup.Scheduler
	events    events.Publisher
	orch      *orchestrator.Orchestrator
	responder *pipeline.Responder
}

func newApp(cfg config.Config, store *storage.Store) (*app, error) {
	reg := tenant.NewRegistry(store, tenant.NewClientFactory(tenant.DefaultResolver()))
	if err := reg.Load(); err != nil {
		return nil, fmt.Errorf("loading tenants: %w", err)
	}
	if len(reg.All()) == 0 {
		slog.Warn("no tenants configured; import some with `taskowner tenants import`")
	}

	oc := cfg.Orchestration
	convs := conversation.NewManager(store)
	followUps := followup.New(store, reg, convs, oc.Conversational)
	pub := events.New(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	orch := orchestrator.New(store, reg, identity.NewMatcher(reg), convs, followUps, pub, orchestrator.Config{
		ClaimTimeout:   oc.ClaimTimeout,
		DefaultDueDays: oc.DefaultDueDays,
		Conversational: oc.Conversational,
	})

	classifier := intent.NewClassifier(llm.New(cfg.LLM.APIKey, cfg.LLM.BaseURL), cfg.LLM.Model, cfg.LLM.MaxAttempts)
	responder := pipeline.NewResponder(store, reg, convs, classifier, orch, followUps, composer.New(0), oc.ConfidenceThreshold)

	return &app{
		cfg:       cfg,
		store:     store,
		tenants:   reg,
		convs:     convs,
		followUps: followUps,
		events:    pub,
		orch:      orch,
		responder: responder,
	}, nil
}

// apiDeps wires the HTTP and MCP surfaces. bg may be nil, in which case the
// router supplies its own.
func (a *app) apiDeps(bg *api.Background) api.Deps {
	deps := api.Deps{
		Store:         a.store,
		Tenants:       a.tenants,
		Orchestrator:  a.orch,
		Responder:     a.responder,
		Conversations: a.convs,
		Token:         a.cfg.API.Token,
	}
	if bg != nil {
		deps.Background = bg.Go
	}
	return deps
}

func (a *app) tenantIDs() []string {
	entries := a.tenants.All()
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Tenant.ID)
	}
	return ids
}

func (a *app) close() {
	if err := a.events.Close(); err != nil {
		slog.Warn("closing event publisher", "error", err)
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
