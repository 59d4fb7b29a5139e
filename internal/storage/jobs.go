package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job states.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// JobStatuses lists every job state, in lifecycle order.
var JobStatuses = []string{JobPending, JobRunning, JobCompleted, JobFailed}

const (
	defaultMaxAttempts = 3
	firstRetryDelay    = 2 * time.Second
	maxRetryDelay      = 5 * time.Minute
)

const jobColumns = `id, type, payload_json, status, attempts, max_attempts, run_after, idempotency_key, created_at, updated_at, last_error`

// EnqueueJob inserts a pending job and reports whether a row was written.
// A job whose IdempotencyKey is already queued, in any state, is dropped.
func (s *Store) EnqueueJob(job Job) (bool, error) {
	now := s.now()
	runAfter := job.RunAfter
	if runAfter.IsZero() {
		runAfter = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = defaultMaxAttempts
	}

	res, err := s.db.Exec(`INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		job.ID, job.Type, job.PayloadJSON, JobPending, job.MaxAttempts,
		formatTime(runAfter), nullableString(job.IdempotencyKey), formatTime(now), formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("enqueueing %s job: %w", job.Type, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimNextJob moves the oldest due pending job of one of the given types to
// running and returns it. It returns nil when nothing is due.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := formatTime(s.now())
	args := []any{JobRunning, now, JobPending, now}
	for _, t := range types {
		args = append(args, t)
	}
	in := strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")

	row := s.db.QueryRow(`UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND run_after <= ? AND type IN (`+in+`)
			ORDER BY run_after, created_at
			LIMIT 1
		)
		RETURNING `+jobColumns, args...)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return &j, nil
}

// CompleteJob marks a claimed job done.
func (s *Store) CompleteJob(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		JobCompleted, formatTime(s.now()), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job returns to pending after an
// exponential delay, or becomes failed once its attempts are spent.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now()
	var attempts, maxAttempts int
	err = tx.QueryRow(`UPDATE jobs SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ?
		RETURNING attempts, max_attempts`,
		errMsg, formatTime(now), id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("recording failure of job %s: %w", id, err)
	}

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = ? WHERE id = ?`, JobFailed, id)
	} else {
		_, err = tx.Exec(`UPDATE jobs SET status = ?, run_after = ? WHERE id = ?`,
			JobPending, formatTime(now.Add(retryDelay(attempts))), id)
	}
	if err != nil {
		return fmt.Errorf("rescheduling job %s: %w", id, err)
	}
	return tx.Commit()
}

// retryDelay doubles from firstRetryDelay per attempt, up to maxRetryDelay.
func retryDelay(attempts int) time.Duration {
	d := firstRetryDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

// CountJobs returns the number of jobs in the given state.
func (s *Store) CountJobs(status string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = ?`, status).Scan(&n)
	return n, err
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j                            Job
		runAfter, createdAt, updated string
		idempotencyKey, lastError    sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &idempotencyKey, &createdAt, &updated, &lastError); err != nil {
		return Job{}, err
	}
	j.IdempotencyKey = idempotencyKey.String
	j.LastError = lastError.String

	var err error
	if j.RunAfter, err = parseTime(runAfter, "run_after"); err != nil {
		return Job{}, err
	}
	if j.CreatedAt, err = parseTime(createdAt, "created_at"); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = parseTime(updated, "updated_at"); err != nil {
		return Job{}, err
	}
	return j, nil
}
