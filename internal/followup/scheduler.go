// Package followup schedules and sends the two check-ins of an owned task
// and records the owner's answers to them.
package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/taskowner/internal/composer"
	"github.com/kalambet/taskowner/internal/metrics"
	"github.com/kalambet/taskowner/internal/storage"
	"github.com/kalambet/taskowner/internal/tenant"
)

// NearDeadlineLead is how long before the due date the second check-in goes out.
const NearDeadlineLead = 24 * time.Hour

// Store is the persistence the scheduler needs.
type Store interface {
	GetTask(id string) (storage.Task, error)
	CreateFollowUp(f storage.FollowUp) error
	ListFollowUps(taskID string) ([]storage.FollowUp, error)
	ListDueFollowUps(now time.Time) ([]storage.FollowUp, error)
	MarkFollowUpSent(id string, at time.Time) error
	LatestUnansweredFollowUp(taskID string) (storage.FollowUp, error)
	RecordFollowUpResponse(id, text, intent string, data map[string]any, at time.Time) (bool, error)
}

// Tenants resolves a tenant's collaborator clients.
type Tenants interface {
	Get(id string) (*tenant.Entry, error)
}

// Conversations is the part of the conversation manager the scheduler drives.
type Conversations interface {
	SetAwaitingFollowUpResponse(tenantID, userID, channelID, followUpID, taskID string) error
}

type Scheduler struct {
	store          Store
	tenants        Tenants
	conversations  Conversations
	conversational bool
	now            func() time.Time
	logger         *slog.Logger
}

// New creates a Scheduler. When conversational is false no conversation
// state is touched after a check-in goes out.
func New(store Store, tenants Tenants, conversations Conversations, conversational bool) *Scheduler {
	return &Scheduler{
		store:          store,
		tenants:        tenants,
		conversations:  conversations,
		conversational: conversational,
		now:            time.Now,
		logger:         slog.Default(),
	}
}

// SetClock replaces the time source (for tests).
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// ScheduleFollowUps creates the half-time and near-deadline check-ins of an
// owned task. Check-ins that would fall in the past are dropped, and a task
// that already has check-ins is left alone.
func (s *Scheduler) ScheduleFollowUps(task storage.Task) ([]storage.FollowUp, error) {
	if task.DueDate == nil || task.ClaimedAt == nil {
		s.logger.Debug("not scheduling follow-ups: missing due or claim time", "task_id", task.ID)
		return nil, nil
	}
	due, claimed := *task.DueDate, *task.ClaimedAt
	if !due.After(claimed) {
		s.logger.Warn("not scheduling follow-ups: task is already past due", "task_id", task.ID, "due", due)
		return nil, nil
	}

	existing, err := s.store.ListFollowUps(task.ID)
	if err != nil {
		return nil, fmt.Errorf("listing follow-ups: %w", err)
	}
	if len(existing) > 0 {
		return nil, nil
	}

	now := s.now()
	candidates := []struct {
		typ storage.FollowUpType
		at  time.Time
	}{
		{storage.FollowUpHalfTime, claimed.Add(due.Sub(claimed) / 2)},
		{storage.FollowUpNearDeadline, due.Add(-NearDeadlineLead)},
	}

	var created []storage.FollowUp
	for _, c := range candidates {
		if !c.at.After(now) {
			continue
		}
		f := storage.FollowUp{
			ID:          uuid.New().String(),
			TaskID:      task.ID,
			Type:        c.typ,
			ScheduledAt: c.at,
			CreatedAt:   now,
		}
		if err := s.store.CreateFollowUp(f); err != nil {
			return created, fmt.Errorf("creating %s follow-up: %w", c.typ, err)
		}
		created = append(created, f)
	}
	s.logger.Info("follow-ups scheduled", "task_id", task.ID, "count", len(created))
	return created, nil
}

// ProcessDueFollowUps sends every check-in whose time has come. A failure is
// logged and does not stop the rest; the number sent is returned.
func (s *Scheduler) ProcessDueFollowUps(ctx context.Context) (int, error) {
	due, err := s.store.ListDueFollowUps(s.now())
	if err != nil {
		return 0, fmt.Errorf("listing due follow-ups: %w", err)
	}
	sent := 0
	for _, f := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		ok, err := s.SendFollowUp(ctx, f)
		if err != nil {
			s.logger.Error("sending follow-up", "follow_up_id", f.ID, "task_id", f.TaskID, "error", err)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

// SendFollowUp delivers one check-in to the task owner. The returned bool is
// false when the check-in was retired without a message because the task is
// no longer owned or the tracker already reports it done.
func (s *Scheduler) SendFollowUp(ctx context.Context, f storage.FollowUp) (bool, error) {
	task, err := s.store.GetTask(f.TaskID)
	if err != nil {
		return false, fmt.Errorf("loading task: %w", err)
	}
	if task.Status != storage.StatusOwned || task.OwnerChatID == "" {
		s.logger.Info("retiring follow-up for task no longer owned", "task_id", task.ID, "status", task.Status)
		return false, s.markSent(f)
	}

	e, err := s.tenants.Get(task.TenantID)
	if err != nil {
		return false, err
	}
	done, err := e.Tracker.IsCompleted(ctx, task.ExternalID)
	if err != nil {
		return false, fmt.Errorf("checking completion: %w", err)
	}
	if done {
		s.logger.Info("retiring follow-up for completed task", "task_id", task.ID, "tenant_id", task.TenantID)
		return false, s.markSent(f)
	}

	ref, err := e.Chat.SendDM(ctx, task.OwnerChatID, composer.FollowUp(task, f.Type, s.now()))
	if err != nil {
		return false, fmt.Errorf("sending check-in: %w", err)
	}
	if err := s.markSent(f); err != nil {
		return true, err
	}
	metrics.RecordFollowUpSent(string(f.Type))
	s.logger.Info("follow-up sent", "task_id", task.ID, "tenant_id", task.TenantID, "user", task.OwnerChatID, "type", f.Type)

	if s.conversational {
		if err := s.conversations.SetAwaitingFollowUpResponse(task.TenantID, task.OwnerChatID, ref.Channel, f.ID, task.ID); err != nil {
			s.logger.Error("setting follow-up conversation state", "task_id", task.ID, "user", task.OwnerChatID, "error", err)
		}
	}
	return true, nil
}

func (s *Scheduler) markSent(f storage.FollowUp) error {
	err := s.store.MarkFollowUpSent(f.ID, s.now())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("marking follow-up sent: %w", err)
	}
	return nil
}

// RecordFollowUpResponse stores an owner's answer on the most recent sent
// check-in of the task that has none yet. It reports false when there is no
// such check-in, which makes repeated calls for one cycle no-ops.
func (s *Scheduler) RecordFollowUpResponse(taskID, text, intent string, data map[string]any) (bool, error) {
	f, err := s.store.LatestUnansweredFollowUp(taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("finding unanswered follow-up: %w", err)
	}
	ok, err := s.store.RecordFollowUpResponse(f.ID, text, intent, data, s.now())
	if err != nil {
		return false, fmt.Errorf("recording follow-up response: %w", err)
	}
	return ok, nil
}

// Run processes due follow-ups every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := s.ProcessDueFollowUps(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("follow-up poll failed", "error", err)
		} else if n > 0 {
			s.logger.Info("follow-up poll", "sent", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
