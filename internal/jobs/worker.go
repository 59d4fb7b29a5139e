// Package jobs runs durable background work from the SQLite job queue.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/taskowner/internal/metrics"
	"github.com/kalambet/taskowner/internal/storage"
)

// Enqueuer adds jobs to the queue.
type Enqueuer interface {
	EnqueueJob(job storage.Job) (bool, error)
}

// Store abstracts the job queue operations.
type Store interface {
	Enqueuer
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Handler processes one job payload. A returned error schedules a retry with
// backoff until the job's attempts are spent.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Worker claims jobs of the registered types and dispatches them to their
// handlers.
type Worker struct {
	store    Store
	handlers map[string]Handler
	types    []string
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker for handlers, keyed by job type.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store Store, handlers map[string]Handler, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	types := make([]string, 0, len(handlers))
	for t := range handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return &Worker{
		store:    store,
		handlers: handlers,
		types:    types,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run drains due jobs, then sleeps for the poll interval, until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) {
	idle := time.NewTimer(0)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
		}
		for ctx.Err() == nil {
			worked, err := w.RunOnce(ctx)
			if err != nil {
				w.logger.Error("job worker iteration failed", "error", err)
			}
			if !worked {
				break
			}
		}
		idle.Reset(w.poll)
	}
}

// RunOnce claims one due job and runs its handler. It reports whether a job
// was claimed, whatever the handler's result.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(w.types)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	return true, w.settle(job, w.invoke(ctx, job))
}

// invoke runs the job's handler, turning a panic into an error so the job
// is retried instead of killing the worker.
func (w *Worker) invoke(ctx context.Context, job *storage.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return w.handlers[job.Type](ctx, json.RawMessage(job.PayloadJSON))
}

// settle records the handler result on the job row.
func (w *Worker) settle(job *storage.Job, handlerErr error) error {
	log := w.logger.With("job_id", job.ID, "type", job.Type)
	if handlerErr == nil {
		metrics.RecordJob(job.Type, storage.JobCompleted)
		if err := w.store.CompleteJob(job.ID); err != nil {
			return fmt.Errorf("completing job %s: %w", job.ID, err)
		}
		return nil
	}

	attempt := job.Attempts + 1
	outcome := "retried"
	if attempt >= job.MaxAttempts {
		outcome = storage.JobFailed
	}
	log.Warn("job failed", "attempt", attempt, "outcome", outcome, "error", handlerErr)
	metrics.RecordJob(job.Type, outcome)
	if err := w.store.FailJob(job.ID, handlerErr.Error()); err != nil {
		log.Error("recording job failure", "error", err)
	}
	return nil
}

// Enqueue marshals payload into a new job of type typ that becomes claimable
// at runAfter (immediately when zero). A non-empty key makes the enqueue
// idempotent; the returned bool is false when a job with that key exists.
func Enqueue(store Enqueuer, typ string, payload any, runAfter time.Time, key string) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshaling %s payload: %w", typ, err)
	}
	ok, err := store.EnqueueJob(storage.Job{
		ID:             uuid.NewString(),
		Type:           typ,
		PayloadJSON:    string(body),
		RunAfter:       runAfter,
		IdempotencyKey: key,
	})
	if err != nil {
		return false, fmt.Errorf("enqueuing %s job: %w", typ, err)
	}
	return ok, nil
}
