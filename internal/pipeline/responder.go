// Package pipeline runs the per-message loop of the conversational assistant:
// correlate, classify, act, reply and advance the conversation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/taskowner/internal/chat"
	"github.com/kalambet/taskowner/internal/composer"
	"github.com/kalambet/taskowner/internal/conversation"
	"github.com/kalambet/taskowner/internal/intent"
	"github.com/kalambet/taskowner/internal/metrics"
	"github.com/kalambet/taskowner/internal/orchestrator"
	"github.com/kalambet/taskowner/internal/storage"
	"github.com/kalambet/taskowner/internal/tenant"
)

const DefaultConfidenceThreshold = 0.7

// Classifier classifies messages and writes replies.
type Classifier interface {
	Classify(ctx context.Context, req intent.Request) (intent.Classification, error)
	GenerateResponse(ctx context.Context, req intent.ResponseRequest) (intent.Response, error)
}

// Conversations is the conversation state the loop reads and advances.
type Conversations interface {
	GetOrCreateContext(tenantID, userID, channelID string) (*conversation.Context, error)
	AddMessage(conversationID string, msg storage.ConversationMessage) (storage.ConversationMessage, error)
	UpdateContext(conversationID string, p conversation.Patch) (storage.Conversation, error)
	CorrelateMessageToTask(conv storage.Conversation) (string, error)
	Restore(snapshot storage.Conversation, appendedIDs []string) error
}

// Orchestrator executes the actions a message implies.
type Orchestrator interface {
	ClaimTask(ctx context.Context, taskID, chatUserID, tenantID string) orchestrator.Outcome
	DeclineTask(ctx context.Context, taskID, chatUserID, tenantID, reason string) orchestrator.Outcome
	NotifyAdmin(ctx context.Context, taskID, chatUserID, tenantID, blocker string) orchestrator.Outcome
	CompleteByOwner(ctx context.Context, taskID, chatUserID, tenantID string) orchestrator.Outcome
	Escalate(ctx context.Context, taskID, tenantID string, reason orchestrator.Reason) orchestrator.Outcome
}

// FollowUps stores answers to check-ins.
type FollowUps interface {
	RecordFollowUpResponse(taskID, text, intent string, data map[string]any) (bool, error)
}

// Store is the task persistence the loop needs.
type Store interface {
	GetTask(id string) (storage.Task, error)
	UpdateTaskContext(id string, c storage.TaskContext) error
}

// Tenants resolves tenant entries.
type Tenants interface {
	Get(id string) (*tenant.Entry, error)
}

// Message is one inbound direct message.
type Message struct {
	TenantID  string
	UserID    string
	ChannelID string
	Text      string
	// MessageID is the chat platform's id for the message.
	MessageID string
}

// Responder handles inbound messages end to end.
type Responder struct {
	store         Store
	tenants       Tenants
	conversations Conversations
	classifier    Classifier
	orchestrator  Orchestrator
	followUps     FollowUps
	composer      *composer.Composer
	threshold     float64
	now           func() time.Time
	logger        *slog.Logger
}

// NewResponder creates a Responder. A zero threshold, meaning unset, uses
// DefaultConfidenceThreshold; configuration rejects anything outside (0,1].
func NewResponder(
	store Store,
	tenants Tenants,
	conversations Conversations,
	classifier Classifier,
	orch Orchestrator,
	followUps FollowUps,
	comp *composer.Composer,
	threshold float64,
) *Responder {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	if comp == nil {
		comp = composer.New(0)
	}
	return &Responder{
		store:         store,
		tenants:       tenants,
		conversations: conversations,
		classifier:    classifier,
		orchestrator:  orch,
		followUps:     followUps,
		composer:      comp,
		threshold:     threshold,
		now:           time.Now,
		logger:        slog.Default(),
	}
}

// SetClock replaces the time source (for tests).
func (r *Responder) SetClock(now func() time.Time) { r.now = now }

// turn carries the state of one message through the loop.
type turn struct {
	msg      Message
	tenant   *tenant.Entry
	conv     storage.Conversation
	history  []storage.ConversationMessage
	appended []string

	taskID string
	task   storage.Task
	detail string
}

// HandleMessage runs one inbound message through the loop. Any failure is
// logged, answered with a single apology, and the conversation is restored to
// how it was before the message arrived.
func (r *Responder) HandleMessage(ctx context.Context, m Message) error {
	e, err := r.tenants.Get(m.TenantID)
	if err != nil {
		return err
	}
	c, err := r.conversations.GetOrCreateContext(m.TenantID, m.UserID, m.ChannelID)
	if err != nil {
		r.fail(ctx, e, m, err)
		return err
	}

	t := &turn{msg: m, tenant: e, conv: c.Conversation, history: c.History}
	if err := r.run(ctx, t); err != nil {
		if rerr := r.conversations.Restore(c.Conversation, t.appended); rerr != nil {
			r.logger.Error("restoring conversation", "tenant_id", m.TenantID, "user", m.UserID, "error", rerr)
		}
		r.fail(ctx, e, m, err)
		return err
	}
	return nil
}

func (r *Responder) fail(ctx context.Context, e *tenant.Entry, m Message, err error) {
	r.logger.Error("handling message failed",
		"tenant_id", m.TenantID, "user", m.UserID, "channel", m.ChannelID, "message_id", m.MessageID, "error", err)
	if _, serr := e.Chat.SendDM(ctx, m.UserID, chat.Message{Text: composer.Apology}); serr != nil {
		r.logger.Error("sending apology", "tenant_id", m.TenantID, "user", m.UserID, "error", serr)
	}
}

func (r *Responder) run(ctx context.Context, t *turn) error {
	if _, err := r.record(t, storage.ConversationMessage{Role: "user", Text: t.msg.Text, ChatMessageID: t.msg.MessageID}); err != nil {
		return err
	}
	if err := r.resolveTask(ctx, t); err != nil {
		return err
	}

	cls, err := r.classifier.Classify(ctx, intent.Request{
		Text:       t.msg.Text,
		State:      t.conv.State,
		TaskDetail: t.detail,
		History:    t.history,
	})
	if err != nil {
		return err
	}
	r.logger.Debug("message classified",
		"tenant_id", t.msg.TenantID, "user", t.msg.UserID, "task_id", t.taskID, "intent", cls.Intent, "confidence", cls.Confidence)

	if cls.Confidence < r.threshold {
		metrics.RecordLowConfidence()
		return r.reply(ctx, t, composer.Clarification(t.conv.State), cls)
	}

	outcomes := r.execute(ctx, t, intent.ActionsFor(cls, t.taskID))

	reply, err := r.generate(ctx, t, cls, outcomes)
	if err != nil {
		r.logger.Warn("reply generation failed, using fallback", "tenant_id", t.msg.TenantID, "user", t.msg.UserID, "error", err)
		reply = fallbackReply(outcomes)
	}
	if err := r.reply(ctx, t, reply, cls); err != nil {
		return err
	}
	return r.advance(t, cls, outcomes)
}

// record appends a message and remembers its id for a rollback.
func (r *Responder) record(t *turn, msg storage.ConversationMessage) (storage.ConversationMessage, error) {
	stored, err := r.conversations.AddMessage(t.conv.ID, msg)
	if err != nil {
		return stored, err
	}
	t.appended = append(t.appended, stored.ID)
	return stored, nil
}

// resolveTask correlates the message and pulls live tracker detail for it.
func (r *Responder) resolveTask(ctx context.Context, t *turn) error {
	taskID, err := r.conversations.CorrelateMessageToTask(t.conv)
	if err != nil {
		return err
	}
	if taskID == "" {
		return nil
	}
	task, err := r.store.GetTask(taskID)
	if errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("conversation points at missing task", "tenant_id", t.msg.TenantID, "user", t.msg.UserID, "task_id", taskID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}
	item, err := t.tenant.Tracker.GetTask(ctx, task.ExternalID)
	if err != nil {
		return fmt.Errorf("fetching live task detail: %w", err)
	}
	t.taskID, t.task = taskID, task
	t.detail = r.composer.TaskDetail(item, task.Status, task.Context, r.now())
	return nil
}

// execute runs the actions of a classification. An action aimed at a task
// other than the correlated one is refused.
func (r *Responder) execute(ctx context.Context, t *turn, actions []intent.Action) []orchestrator.Outcome {
	var outcomes []orchestrator.Outcome
	for _, a := range actions {
		if a.TaskID != t.taskID {
			r.logger.Warn("refusing action for uncorrelated task",
				"tenant_id", t.msg.TenantID, "user", t.msg.UserID, "action", a.Type, "task_id", a.TaskID, "correlated_task_id", t.taskID)
			outcomes = append(outcomes, orchestrator.Outcome{Kind: orchestrator.OutcomeInvalidState, TaskID: a.TaskID, Message: "action refused"})
			continue
		}
		var out orchestrator.Outcome
		switch a.Type {
		case intent.ActionClaim:
			out = r.orchestrator.ClaimTask(ctx, a.TaskID, t.msg.UserID, t.msg.TenantID)
		case intent.ActionDecline:
			out = r.orchestrator.DeclineTask(ctx, a.TaskID, t.msg.UserID, t.msg.TenantID, a.Params["reason"])
		case intent.ActionNotifyAdmin:
			out = r.orchestrator.NotifyAdmin(ctx, a.TaskID, t.msg.UserID, t.msg.TenantID, a.Params["blocker"])
		case intent.ActionUpdateStatus:
			out = r.orchestrator.CompleteByOwner(ctx, a.TaskID, t.msg.UserID, t.msg.TenantID)
		case intent.ActionEscalate:
			out = r.orchestrator.Escalate(ctx, a.TaskID, t.msg.TenantID, orchestrator.ReasonHelp(t.msg.UserID, a.Params["reason"]))
		default:
			continue
		}
		r.logger.Info("action executed", "tenant_id", t.msg.TenantID, "user", t.msg.UserID, "action", a.Type, "task_id", a.TaskID, "outcome", out.Kind)
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// generate writes the reply and folds the generator's context update into the
// task. A failed context write is logged only.
func (r *Responder) generate(ctx context.Context, t *turn, cls intent.Classification, outcomes []orchestrator.Outcome) (string, error) {
	resp, err := r.classifier.GenerateResponse(ctx, intent.ResponseRequest{
		Text:       t.msg.Text,
		Intent:     cls.Intent,
		State:      t.conv.State,
		TaskDetail: t.detail,
		Outcome:    describe(outcomes),
		History:    t.history,
	})
	if err != nil {
		return "", err
	}
	if t.taskID != "" {
		merged := intent.Merge(t.task.Context, resp.UpdatedContext, r.now())
		if err := r.store.UpdateTaskContext(t.taskID, merged); err != nil {
			r.logger.Error("saving task context", "task_id", t.taskID, "error", err)
		}
	}
	return resp.Reply, nil
}

// reply sends text and records it with the classification for audit.
func (r *Responder) reply(ctx context.Context, t *turn, text string, cls intent.Classification) error {
	if _, err := t.tenant.Chat.SendDM(ctx, t.msg.UserID, chat.Message{Text: text}); err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	confidence := cls.Confidence
	_, err := r.record(t, storage.ConversationMessage{
		Role:          "assistant",
		Text:          text,
		Intent:        string(cls.Intent),
		Confidence:    &confidence,
		ExtractedData: cls.ExtractedData,
	})
	return err
}

// advance moves the conversation on according to the intent category.
func (r *Responder) advance(t *turn, cls intent.Classification, outcomes []orchestrator.Outcome) error {
	var p conversation.Patch
	switch {
	case cls.Intent.ResolvesProposition():
		p.State = conversation.StatePtr(storage.StateIdle)
		p.PendingPropositionTaskID = conversation.StringPtr("")
		if cls.Intent == intent.AcceptTask && t.taskID != "" && claimed(outcomes) {
			p.ActiveTaskID = conversation.StringPtr(t.taskID)
		}
	case cls.Intent.ResolvesFollowUp():
		if taskID := followUpTask(t); taskID != "" {
			if _, err := r.followUps.RecordFollowUpResponse(taskID, t.msg.Text, string(cls.Intent), cls.ExtractedData); err != nil {
				r.logger.Error("recording follow-up response", "task_id", taskID, "user", t.msg.UserID, "error", err)
			}
		}
		p.PendingFollowUpID = conversation.StringPtr("")
		if cls.Intent == intent.ReportCompletion {
			p.State = conversation.StatePtr(storage.StateIdle)
		} else {
			p.State = conversation.StatePtr(storage.StateInConversation)
		}
	case cls.Intent.IsQuestion():
		p.State = conversation.StatePtr(storage.StateInConversation)
		// An ongoing discussion keeps its task even when a newer offer is pending.
		keep := t.conv.State == storage.StateInConversation && t.conv.ActiveTaskID != ""
		if t.taskID != "" && !keep {
			p.ActiveTaskID = conversation.StringPtr(t.taskID)
		}
	default:
		return nil
	}
	_, err := r.conversations.UpdateContext(t.conv.ID, p)
	return err
}

// followUpTask is the task a follow-up answer belongs to: the task the
// check-in was sent for, else the correlated one.
func followUpTask(t *turn) string {
	if t.conv.PendingFollowUpID != "" && t.conv.ActiveTaskID != "" {
		return t.conv.ActiveTaskID
	}
	return t.taskID
}

func claimed(outcomes []orchestrator.Outcome) bool {
	for _, o := range outcomes {
		if o.OK() {
			return true
		}
	}
	return false
}

func describe(outcomes []orchestrator.Outcome) string {
	if len(outcomes) == 0 {
		return "no action taken"
	}
	parts := make([]string, len(outcomes))
	for i, o := range outcomes {
		parts[i] = o.String()
	}
	return strings.Join(parts, "; ")
}

// fallbackReply answers from the action outcomes alone when the generator
// is unavailable.
func fallbackReply(outcomes []orchestrator.Outcome) string {
	if len(outcomes) == 0 {
		return "Thanks, noted."
	}
	var sb strings.Builder
	for i, o := range outcomes {
		if i > 0 {
			sb.WriteString("\n")
		}
		switch o.Kind {
		case orchestrator.OutcomeOK:
			sb.WriteString("Done: " + o.Message + ".")
		case orchestrator.OutcomeAlreadyOwned:
			fmt.Fprintf(&sb, "Sorry, that task is %s.", o.Message)
		default:
			sb.WriteString("I couldn't do that (" + o.Message + ").")
		}
	}
	return sb.String()
}
