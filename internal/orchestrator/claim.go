package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/taskowner/internal/composer"
	"github.com/kalambet/taskowner/internal/storage"
	"github.com/kalambet/taskowner/internal/tenant"
)

// OutcomeKind tags the result of a claim or decline.
type OutcomeKind string

const (
	OutcomeOK                OutcomeKind = "ok"
	OutcomeAlreadyOwned      OutcomeKind = "already_owned"
	OutcomeNotFound          OutcomeKind = "not_found"
	OutcomeIdentityUnmatched OutcomeKind = "identity_unmatched"
	OutcomeInvalidState      OutcomeKind = "invalid_state"
	OutcomeFailed            OutcomeKind = "failed"
)

// Outcome is the tagged result of a user-driven task operation. Business
// failures are reported here, never as errors.
type Outcome struct {
	Kind     OutcomeKind
	TaskID   string
	TaskName string
	// OwnerChatID is the current holder when Kind is already_owned.
	OwnerChatID string
	Message     string
}

func (o Outcome) OK() bool { return o.Kind == OutcomeOK }

// String renders the outcome for the reply generator.
func (o Outcome) String() string {
	if o.Message == "" {
		return string(o.Kind)
	}
	return string(o.Kind) + ": " + o.Message
}

// ClaimTask makes chatUserID the owner of taskID. Repeating a successful
// claim returns ok without side effects; a claim on a task held by someone
// else reports who holds it. An unmatched identity alerts the administrator
// and leaves the task untouched.
func (o *Orchestrator) ClaimTask(ctx context.Context, taskID, chatUserID, tenantID string) Outcome {
	task, out, ok := o.loadTask(taskID, tenantID)
	if !ok {
		return out
	}
	switch task.Status {
	case storage.StatusOwned:
		return o.ownedOutcome(task, chatUserID)
	case storage.StatusCompleted, storage.StatusEscalated:
		return Outcome{Kind: OutcomeInvalidState, TaskID: task.ID, TaskName: task.Name, Message: "task is " + string(task.Status)}
	}

	e, err := o.tenants.Get(tenantID)
	if err != nil {
		return o.failed(task, "loading tenant", err)
	}
	trackerID, err := o.identity.Match(ctx, chatUserID, tenantID, e.Tenant.TrackerWorkspaceID)
	if err != nil {
		return o.failed(task, "matching identity", err)
	}
	if trackerID == "" {
		name := chatUserID
		if u, err := e.Chat.GetUser(ctx, chatUserID); err == nil {
			name = u.ProfileName()
		}
		o.identity.AlertUnmatched(ctx, tenantID, name, chatUserID)
		o.logger.Warn("claim refused: identity unmatched", "task_id", task.ID, "tenant_id", tenantID, "user", chatUserID)
		return Outcome{Kind: OutcomeIdentityUnmatched, TaskID: task.ID, TaskName: task.Name, Message: "your chat account is not linked to a tracker account; the administrator has been told"}
	}

	now := o.now()
	due := now.AddDate(0, 0, o.cfg.DefaultDueDays)
	if task.DueDate != nil {
		due = *task.DueDate
	}
	claimed, err := o.store.ClaimTask(task.ID, chatUserID, trackerID, now, due)
	if err != nil {
		return o.failed(task, "recording claim", err)
	}
	if !claimed {
		// Lost a race; report whatever won.
		current, err := o.store.GetTask(task.ID)
		if err != nil {
			return o.failed(task, "reloading task", err)
		}
		if current.Status == storage.StatusOwned {
			return o.ownedOutcome(current, chatUserID)
		}
		return Outcome{Kind: OutcomeInvalidState, TaskID: task.ID, TaskName: task.Name, Message: "task is " + string(current.Status)}
	}
	o.transitioned(ctx, task, storage.StatusOwned, "claimed by "+chatUserID)

	if err := e.Tracker.AssignTask(ctx, task.ExternalID, trackerID); err != nil {
		o.logger.Error("reassigning work item", "task_id", task.ID, "tenant_id", tenantID, "user", chatUserID, "error", err)
	}
	comment := fmt.Sprintf("Ownership claimed by %s on %s.", o.displayName(ctx, e, chatUserID), now.UTC().Format("2006-01-02"))
	if err := e.Tracker.AddComment(ctx, task.ExternalID, comment); err != nil {
		o.logger.Error("adding audit comment", "task_id", task.ID, "tenant_id", tenantID, "error", err)
	}

	owned, err := o.store.GetTask(task.ID)
	if err != nil {
		o.logger.Error("reloading claimed task", "task_id", task.ID, "error", err)
	} else if _, err := o.followUps.ScheduleFollowUps(owned); err != nil {
		o.logger.Error("scheduling follow-ups", "task_id", task.ID, "error", err)
	}

	o.logger.Info("task claimed", "task_id", task.ID, "tenant_id", tenantID, "user", chatUserID)
	return Outcome{Kind: OutcomeOK, TaskID: task.ID, TaskName: task.Name, Message: "task is now owned by the user, due " + due.UTC().Format("2006-01-02")}
}

func (o *Orchestrator) ownedOutcome(task storage.Task, chatUserID string) Outcome {
	if task.OwnerChatID == chatUserID {
		return Outcome{Kind: OutcomeOK, TaskID: task.ID, TaskName: task.Name, Message: "the user already owns this task"}
	}
	return Outcome{
		Kind:        OutcomeAlreadyOwned,
		TaskID:      task.ID,
		TaskName:    task.Name,
		OwnerChatID: task.OwnerChatID,
		Message:     fmt.Sprintf("already claimed by <@%s>", task.OwnerChatID),
	}
}

// DeclineTask escalates taskID to the administrator with the user's reason.
// A decline by the owner of an already owned task escalates too.
func (o *Orchestrator) DeclineTask(ctx context.Context, taskID, chatUserID, tenantID, reason string) Outcome {
	task, out, ok := o.loadTask(taskID, tenantID)
	if !ok {
		return out
	}
	switch {
	case task.Status == storage.StatusOwned && task.OwnerChatID != chatUserID:
		return o.ownedOutcome(task, chatUserID)
	case task.Status.Terminal():
		return Outcome{Kind: OutcomeInvalidState, TaskID: task.ID, TaskName: task.Name, Message: "task is " + string(task.Status)}
	}

	e, err := o.tenants.Get(tenantID)
	if err != nil {
		return o.failed(task, "loading tenant", err)
	}
	if err := o.EscalateToAdmin(ctx, task, e, reasonDeclined(chatUserID, reason)); err != nil {
		return o.failed(task, "escalating decline", err)
	}
	return Outcome{Kind: OutcomeOK, TaskID: task.ID, TaskName: task.Name, Message: "declined; the administrator will find another owner"}
}

// NotifyAdmin forwards a blocker reported by the owner without changing the
// task status.
func (o *Orchestrator) NotifyAdmin(ctx context.Context, taskID, chatUserID, tenantID, blocker string) Outcome {
	task, out, ok := o.loadTask(taskID, tenantID)
	if !ok {
		return out
	}
	e, err := o.tenants.Get(tenantID)
	if err != nil {
		return o.failed(task, "loading tenant", err)
	}
	if blocker == "" {
		blocker = "no details given"
	}
	msg := composer.Escalation(task.Name, task.ExternalURL, fmt.Sprintf("<@%s> reported a blocker: %s", chatUserID, blocker))
	if _, err := e.Chat.SendDM(ctx, e.Tenant.AdminChatUserID, msg); err != nil {
		return o.failed(task, "notifying administrator", err)
	}
	return Outcome{Kind: OutcomeOK, TaskID: task.ID, TaskName: task.Name, Message: "the administrator was told about the blocker"}
}

// Escalate runs an escalation requested by a user or an operator.
func (o *Orchestrator) Escalate(ctx context.Context, taskID, tenantID string, reason Reason) Outcome {
	task, out, ok := o.loadTask(taskID, tenantID)
	if !ok {
		return out
	}
	if task.Status == storage.StatusCompleted {
		return Outcome{Kind: OutcomeInvalidState, TaskID: task.ID, TaskName: task.Name, Message: "task is COMPLETED"}
	}
	e, err := o.tenants.Get(tenantID)
	if err != nil {
		return o.failed(task, "loading tenant", err)
	}
	if err := o.EscalateToAdmin(ctx, task, e, reason); err != nil {
		return o.failed(task, "escalating", err)
	}
	return Outcome{Kind: OutcomeOK, TaskID: task.ID, TaskName: task.Name, Message: "escalated to the administrator"}
}

// CompleteByOwner marks a task done on the owner's word: the tracker item is
// completed and the task moves to COMPLETED without a separate
// acknowledgement, since the owner is answered in the conversation.
func (o *Orchestrator) CompleteByOwner(ctx context.Context, taskID, chatUserID, tenantID string) Outcome {
	task, out, ok := o.loadTask(taskID, tenantID)
	if !ok {
		return out
	}
	switch {
	case task.Status == storage.StatusCompleted:
		return Outcome{Kind: OutcomeOK, TaskID: task.ID, TaskName: task.Name, Message: "task was already completed"}
	case task.Status != storage.StatusOwned:
		return Outcome{Kind: OutcomeInvalidState, TaskID: task.ID, TaskName: task.Name, Message: "task is " + string(task.Status)}
	case task.OwnerChatID != chatUserID:
		return o.ownedOutcome(task, chatUserID)
	}

	e, err := o.tenants.Get(tenantID)
	if err != nil {
		return o.failed(task, "loading tenant", err)
	}
	if err := e.Tracker.CompleteTask(ctx, task.ExternalID); err != nil {
		return o.failed(task, "completing work item", err)
	}
	changed, err := o.store.CompleteTask(task.ID)
	if err != nil {
		return o.failed(task, "recording completion", err)
	}
	if changed {
		o.transitioned(ctx, task, storage.StatusCompleted, "reported complete by owner")
	}
	return Outcome{Kind: OutcomeOK, TaskID: task.ID, TaskName: task.Name, Message: "task marked complete in the tracker"}
}

// HandleTaskCompleted records that the tracker reports an item done and
// congratulates the owner. Only the call that flips the status sends the
// acknowledgement; unknown items and terminal tasks are ignored.
func (o *Orchestrator) HandleTaskCompleted(ctx context.Context, tenantID, externalID string) error {
	task, err := o.store.GetTaskByExternalID(tenantID, externalID)
	if errors.Is(err, storage.ErrNotFound) {
		o.logger.Debug("completion for untracked item", "tenant_id", tenantID, "external_id", externalID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}
	e, err := o.tenants.Get(tenantID)
	if err != nil {
		return err
	}
	return o.markCompleted(ctx, task, e)
}

func (o *Orchestrator) markCompleted(ctx context.Context, task storage.Task, e *tenant.Entry) error {
	changed, err := o.store.CompleteTask(task.ID)
	if err != nil {
		return fmt.Errorf("recording completion: %w", err)
	}
	if !changed {
		return nil
	}
	o.transitioned(ctx, task, storage.StatusCompleted, "completed in tracker")
	if task.OwnerChatID == "" {
		return nil
	}
	if _, err := e.Chat.SendDM(ctx, task.OwnerChatID, composer.CompletionAck(task.Name)); err != nil {
		return fmt.Errorf("sending completion acknowledgement: %w", err)
	}
	return nil
}

// HandleClaimTimeout escalates taskID if it is still waiting for an owner.
func (o *Orchestrator) HandleClaimTimeout(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}
	if task.Status != storage.StatusPendingOwner {
		return nil
	}
	e, err := o.tenants.Get(task.TenantID)
	if err != nil {
		return err
	}
	if task.PropositionSentAt == nil {
		return o.EscalateToAdmin(ctx, task, e, ReasonUndelivered)
	}
	return o.EscalateToAdmin(ctx, task, e, reasonClaimTimeout(o.cfg.ClaimTimeout))
}

// CheckCompletions asks the tracker about every owned task of every tenant
// and completes the ones reported done. Failures are logged per task; the
// number of tasks completed is returned.
func (o *Orchestrator) CheckCompletions(ctx context.Context) (int, error) {
	completed := 0
	for _, e := range o.tenants.All() {
		owned, err := o.store.ListTasks(storage.TaskFilter{TenantID: e.Tenant.ID, Status: storage.StatusOwned})
		if err != nil {
			o.logger.Error("listing owned tasks", "tenant_id", e.Tenant.ID, "error", err)
			continue
		}
		for _, task := range owned {
			if ctx.Err() != nil {
				return completed, ctx.Err()
			}
			done, err := e.Tracker.IsCompleted(ctx, task.ExternalID)
			if err != nil {
				o.logger.Error("checking completion", "task_id", task.ID, "tenant_id", e.Tenant.ID, "error", err)
				continue
			}
			if !done {
				continue
			}
			if err := o.markCompleted(ctx, task, e); err != nil {
				o.logger.Error("completing task", "task_id", task.ID, "tenant_id", e.Tenant.ID, "error", err)
				continue
			}
			completed++
		}
	}
	return completed, nil
}

// RunCompletionPoller runs CheckCompletions every interval until ctx is
// cancelled.
func (o *Orchestrator) RunCompletionPoller(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultCompletionPoll
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := o.CheckCompletions(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Error("completion poll failed", "error", err)
		} else if n > 0 {
			o.logger.Info("completion poll", "completed", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// loadTask fetches a task that must belong to tenantID.
func (o *Orchestrator) loadTask(taskID, tenantID string) (storage.Task, Outcome, bool) {
	task, err := o.store.GetTask(taskID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && task.TenantID != tenantID) {
		return storage.Task{}, Outcome{Kind: OutcomeNotFound, TaskID: taskID, Message: "no such task"}, false
	}
	if err != nil {
		return storage.Task{}, o.failed(storage.Task{ID: taskID}, "loading task", err), false
	}
	return task, Outcome{}, true
}

func (o *Orchestrator) failed(task storage.Task, doing string, err error) Outcome {
	o.logger.Error(doing, "task_id", task.ID, "tenant_id", task.TenantID, "error", err)
	return Outcome{Kind: OutcomeFailed, TaskID: task.ID, TaskName: task.Name, Message: doing + " failed"}
}

func (o *Orchestrator) displayName(ctx context.Context, e *tenant.Entry, chatUserID string) string {
	u, err := e.Chat.GetUser(ctx, chatUserID)
	if err != nil {
		return chatUserID
	}
	return u.ProfileName()
}
