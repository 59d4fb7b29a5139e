package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kalambet/taskowner/internal/jobs"
)

// Durable job types handled by the orchestrator.
const (
	JobClaimTimeout  = "claim_timeout"
	JobSeekOwnership = "seek_ownership"
	JobTaskCompleted = "task_completed"
)

type taskPayload struct {
	TaskID string `json:"task_id"`
}

type itemPayload struct {
	TenantID   string `json:"tenant_id"`
	ExternalID string `json:"external_id"`
}

// JobHandlers returns the worker handlers for the orchestrator's job types.
func (o *Orchestrator) JobHandlers() map[string]jobs.Handler {
	return map[string]jobs.Handler{
		JobClaimTimeout: func(ctx context.Context, payload json.RawMessage) error {
			var p taskPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return fmt.Errorf("parsing payload: %w", err)
			}
			return o.HandleClaimTimeout(ctx, p.TaskID)
		},
		JobSeekOwnership: func(ctx context.Context, payload json.RawMessage) error {
			var p itemPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return fmt.Errorf("parsing payload: %w", err)
			}
			return o.SeekOwnership(ctx, p.TenantID, p.ExternalID)
		},
		JobTaskCompleted: func(ctx context.Context, payload json.RawMessage) error {
			var p itemPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return fmt.Errorf("parsing payload: %w", err)
			}
			return o.confirmCompleted(ctx, p.TenantID, p.ExternalID)
		},
	}
}

// confirmCompleted acts on a completion signal only if the tracker agrees;
// a change to the completed field may also be a reopening.
func (o *Orchestrator) confirmCompleted(ctx context.Context, tenantID, externalID string) error {
	e, err := o.tenants.Get(tenantID)
	if err != nil {
		return err
	}
	done, err := e.Tracker.IsCompleted(ctx, externalID)
	if err != nil {
		return fmt.Errorf("checking completion: %w", err)
	}
	if !done {
		o.logger.Debug("completion signal for open item", "tenant_id", tenantID, "external_id", externalID)
		return nil
	}
	return o.HandleTaskCompleted(ctx, tenantID, externalID)
}

// EnqueueSeekOwnership schedules SeekOwnership for a work item. Duplicate
// signals are absorbed by SeekOwnership itself.
func (o *Orchestrator) EnqueueSeekOwnership(tenantID, externalID string) error {
	_, err := jobs.Enqueue(o.store, JobSeekOwnership, itemPayload{TenantID: tenantID, ExternalID: externalID}, o.now(), "")
	return err
}

// EnqueueTaskCompleted schedules HandleTaskCompleted for a work item.
func (o *Orchestrator) EnqueueTaskCompleted(tenantID, externalID string) error {
	_, err := jobs.Enqueue(o.store, JobTaskCompleted, itemPayload{TenantID: tenantID, ExternalID: externalID}, o.now(), "")
	return err
}
