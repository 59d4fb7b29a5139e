// Package orchestrator drives a task from "directed at the bot" to an owner:
// it finds the designated person, offers the task, records the claim and
// escalates to the tenant administrator whenever automation runs out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/taskowner/internal/chat"
	"github.com/kalambet/taskowner/internal/composer"
	"github.com/kalambet/taskowner/internal/events"
	"github.com/kalambet/taskowner/internal/jobs"
	"github.com/kalambet/taskowner/internal/metrics"
	"github.com/kalambet/taskowner/internal/sheet"
	"github.com/kalambet/taskowner/internal/storage"
	"github.com/kalambet/taskowner/internal/tenant"
)

const (
	DefaultClaimTimeout   = 24 * time.Hour
	DefaultDueDays        = 14
	defaultCompletionPoll = 5 * time.Minute
)

// Store is the persistence the orchestrator needs.
type Store interface {
	jobs.Enqueuer
	InsertTask(t storage.Task) (bool, error)
	GetTask(id string) (storage.Task, error)
	GetTaskByExternalID(tenantID, externalID string) (storage.Task, error)
	ListTasks(f storage.TaskFilter) ([]storage.Task, error)
	SetTaskStatus(id string, status storage.TaskStatus) error
	ClaimTask(id, ownerChatID, ownerTrackerID string, claimedAt, dueDate time.Time) (bool, error)
	CompleteTask(id string) (bool, error)
	SetTaskProposition(id, channel, ts string, sentAt time.Time) error
	UpdateTaskDetail(id, name, url string, due *time.Time) error
}

// Tenants resolves tenant entries.
type Tenants interface {
	Get(id string) (*tenant.Entry, error)
	All() []*tenant.Entry
}

// Identity maps chat users to tracker users.
type Identity interface {
	Match(ctx context.Context, chatUserID, tenantID, trackerWorkspaceID string) (string, error)
	AlertUnmatched(ctx context.Context, tenantID, displayName, chatUserID string)
}

// Conversations is the conversation state the orchestrator advances.
type Conversations interface {
	SetAwaitingPropositionResponse(tenantID, userID, channelID, taskID string) error
}

// FollowUps arms check-ins for a newly owned task.
type FollowUps interface {
	ScheduleFollowUps(task storage.Task) ([]storage.FollowUp, error)
}

// Config holds the orchestration policy.
type Config struct {
	ClaimTimeout   time.Duration
	DefaultDueDays int
	// Conversational enables conversation state tracking for propositions.
	Conversational bool
}

// Reason explains an escalation. Code is a stable label for metrics; Text is
// shown to the administrator.
type Reason struct {
	Code string
	Text string
}

var (
	ReasonNotInSheet = Reason{Code: "no_sheet_match", Text: "Task not found in Google Sheet"}
	ReasonNoOwner    = Reason{Code: "no_sheet_match", Text: "Google Sheet lists no owner for this task"}
)

func reasonNoChatUser(name string) Reason {
	return Reason{Code: "no_chat_user", Text: fmt.Sprintf("Could not find chat user %q named in Google Sheet", name)}
}

func reasonClaimTimeout(d time.Duration) Reason {
	return Reason{Code: "claim_timeout", Text: "Unclaimed within timeout (" + formatDuration(d) + ")"}
}

// ReasonUndelivered escalates a task whose offer never reached the owner.
var ReasonUndelivered = Reason{Code: "proposition_undelivered", Text: "Ownership request could not be delivered to the owner"}

func reasonDeclined(userID, why string) Reason {
	if why == "" {
		why = "no reason given"
	}
	return Reason{Code: "declined", Text: fmt.Sprintf("Declined by <@%s>: %s", userID, why)}
}

// ReasonHelp is the escalation raised when an owner asks for a human.
func ReasonHelp(userID, need string) Reason {
	if need == "" {
		need = "no details given"
	}
	return Reason{Code: "help_requested", Text: fmt.Sprintf("<@%s> asked for help: %s", userID, need)}
}

// ReasonManual is an operator-triggered escalation.
func ReasonManual(note string) Reason {
	if note == "" {
		note = "Escalated by an operator"
	}
	return Reason{Code: "manual", Text: note}
}

func formatDuration(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	return d.String()
}

type Orchestrator struct {
	store         Store
	tenants       Tenants
	identity      Identity
	conversations Conversations
	followUps     FollowUps
	events        events.Publisher
	cfg           Config
	now           func() time.Time
	logger        *slog.Logger
}

// New creates an Orchestrator. Zero Config durations fall back to the defaults.
func New(store Store, tenants Tenants, identity Identity, conversations Conversations, followUps FollowUps, pub events.Publisher, cfg Config) *Orchestrator {
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = DefaultClaimTimeout
	}
	if cfg.DefaultDueDays <= 0 {
		cfg.DefaultDueDays = DefaultDueDays
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Orchestrator{
		store:         store,
		tenants:       tenants,
		identity:      identity,
		conversations: conversations,
		followUps:     followUps,
		events:        pub,
		cfg:           cfg,
		now:           time.Now,
		logger:        slog.Default(),
	}
}

// SetClock replaces the time source (for tests).
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// SeekOwnership looks up the designated owner of a newly directed work item
// and offers it to them. Repeated signals for the same item are no-ops once a
// proposition has gone out or the task has left PENDING_OWNER.
func (o *Orchestrator) SeekOwnership(ctx context.Context, tenantID, externalID string) error {
	e, err := o.tenants.Get(tenantID)
	if err != nil {
		return err
	}
	item, err := e.Tracker.GetTask(ctx, externalID)
	if err != nil {
		return fmt.Errorf("fetching work item %s: %w", externalID, err)
	}

	task, err := o.store.GetTaskByExternalID(tenantID, externalID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		task = storage.Task{
			ID:          uuid.New().String(),
			TenantID:    tenantID,
			ExternalID:  externalID,
			ExternalURL: item.URL,
			Name:        item.Name,
			Status:      storage.StatusPendingOwner,
			DueDate:     item.DueDate,
		}
		inserted, err := o.store.InsertTask(task)
		if err != nil {
			return fmt.Errorf("creating task: %w", err)
		}
		if !inserted {
			o.logger.Info("duplicate ownership signal", "tenant_id", tenantID, "external_id", externalID)
			return nil
		}
		o.logger.Info("seeking owner", "task_id", task.ID, "tenant_id", tenantID, "external_id", externalID)
	case err != nil:
		return fmt.Errorf("loading task: %w", err)
	default:
		if task.Status != storage.StatusPendingOwner || task.PropositionSentAt != nil {
			o.logger.Info("duplicate ownership signal", "task_id", task.ID, "tenant_id", tenantID, "status", task.Status)
			return nil
		}
		if err := o.store.UpdateTaskDetail(task.ID, item.Name, item.URL, item.DueDate); err != nil {
			return fmt.Errorf("refreshing task detail: %w", err)
		}
		task.Name, task.ExternalURL = item.Name, item.URL
		if item.DueDate != nil {
			task.DueDate = item.DueDate
		}
	}

	row, err := e.Sheet.Lookup(ctx, item.Name)
	if err != nil {
		return fmt.Errorf("looking up owner: %w", err)
	}
	switch {
	case row == nil:
		return o.EscalateToAdmin(ctx, task, e, ReasonNotInSheet)
	case sheet.IsNoMatch(row.Assignee):
		return o.EscalateToAdmin(ctx, task, e, ReasonNoOwner)
	}

	owner, err := e.Chat.FindUserByName(ctx, row.Assignee)
	if errors.Is(err, chat.ErrUserNotFound) {
		return o.EscalateToAdmin(ctx, task, e, reasonNoChatUser(row.Assignee))
	}
	if err != nil {
		return fmt.Errorf("resolving chat user %q: %w", row.Assignee, err)
	}

	// Armed before sending so an undeliverable offer still reaches the
	// administrator. Retries reuse the same job through its key.
	now := o.now()
	_, err = jobs.Enqueue(o.store, JobClaimTimeout, taskPayload{TaskID: task.ID}, now.Add(o.cfg.ClaimTimeout), JobClaimTimeout+":"+task.ID)
	if err != nil {
		return fmt.Errorf("arming claim timeout: %w", err)
	}

	ref, err := e.Chat.SendDM(ctx, owner.ID, composer.Proposition(task.ID, task.Name, task.ExternalURL, task.DueDate, now))
	if err != nil {
		return fmt.Errorf("sending proposition: %w", err)
	}
	if err := o.store.SetTaskProposition(task.ID, ref.Channel, ref.TS, now); err != nil {
		return fmt.Errorf("recording proposition: %w", err)
	}
	o.logger.Info("proposition sent", "task_id", task.ID, "tenant_id", tenantID, "user", owner.ID, "channel", ref.Channel)

	if o.cfg.Conversational {
		if err := o.conversations.SetAwaitingPropositionResponse(tenantID, owner.ID, ref.Channel, task.ID); err != nil {
			o.logger.Error("setting proposition conversation state", "task_id", task.ID, "user", owner.ID, "error", err)
		}
	}
	return nil
}

// EscalateToAdmin is the single escalation path: it sets the task ESCALATED
// and sends the tenant administrator one notice with the item name, reason
// and link. Escalating an escalated task resends the notice.
func (o *Orchestrator) EscalateToAdmin(ctx context.Context, task storage.Task, e *tenant.Entry, reason Reason) error {
	if err := o.store.SetTaskStatus(task.ID, storage.StatusEscalated); err != nil {
		return fmt.Errorf("setting task escalated: %w", err)
	}
	if task.Status != storage.StatusEscalated {
		o.transitioned(ctx, task, storage.StatusEscalated, reason.Text)
	}
	metrics.RecordEscalation(reason.Code)
	o.logger.Warn("task escalated", "task_id", task.ID, "tenant_id", task.TenantID, "reason", reason.Code)

	msg := composer.Escalation(task.Name, task.ExternalURL, reason.Text)
	if _, err := e.Chat.SendDM(ctx, e.Tenant.AdminChatUserID, msg); err != nil {
		return fmt.Errorf("notifying administrator: %w", err)
	}
	return nil
}

// transitioned records a status change that has already been written.
func (o *Orchestrator) transitioned(ctx context.Context, task storage.Task, to storage.TaskStatus, reason string) {
	metrics.RecordTransition(string(to))
	o.events.PublishTransition(ctx, events.TaskTransition{
		TaskID:     task.ID,
		TenantID:   task.TenantID,
		ExternalID: task.ExternalID,
		From:       string(task.Status),
		To:         string(to),
		Reason:     reason,
		At:         o.now().UTC(),
	})
	o.logger.Info("task status changed", "task_id", task.ID, "tenant_id", task.TenantID, "from", task.Status, "to", to)
}
