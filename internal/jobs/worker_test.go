package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/taskowner/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE status = 'pending'`, now); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func jobStatus(t *testing.T, store *storage.Store, typ string) (string, int) {
	t.Helper()
	var status string
	var attempts int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE type = ?`, typ).Scan(&status, &attempts); err != nil {
		t.Fatalf("query job: %v", err)
	}
	return status, attempts
}

type taskPayload struct {
	TaskID string `json:"task_id"`
}

func TestWorker_DispatchesByType(t *testing.T) {
	store := openTestStore(t)
	if _, err := Enqueue(store, "claim_timeout", taskPayload{TaskID: "t1"}, time.Time{}, ""); err != nil {
		t.Fatal(err)
	}

	var got []string
	w := NewWorker(store, map[string]Handler{
		"claim_timeout": func(_ context.Context, payload json.RawMessage) error {
			var p taskPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return err
			}
			got = append(got, p.TaskID)
			return nil
		},
		"other": func(context.Context, json.RawMessage) error {
			t.Error("wrong handler called")
			return nil
		},
	}, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
	if len(got) != 1 || got[0] != "t1" {
		t.Errorf("handled %v, want [t1]", got)
	}
	if status, _ := jobStatus(t, store, "claim_timeout"); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}

	didWork, err = w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("empty queue: didWork=%v err=%v", didWork, err)
	}
}

func TestWorker_IgnoresUnregisteredTypes(t *testing.T) {
	store := openTestStore(t)
	if _, err := Enqueue(store, "legacy", taskPayload{}, time.Time{}, ""); err != nil {
		t.Fatal(err)
	}
	w := NewWorker(store, map[string]Handler{
		"claim_timeout": func(context.Context, json.RawMessage) error { return nil },
	}, 0)
	didWork, err := w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("didWork=%v err=%v, want no work", didWork, err)
	}
}

func TestWorker_RetryThenFail(t *testing.T) {
	store := openTestStore(t)
	if _, err := Enqueue(store, "seek_ownership", taskPayload{}, time.Time{}, ""); err != nil {
		t.Fatal(err)
	}

	calls := 0
	w := NewWorker(store, map[string]Handler{
		"seek_ownership": func(context.Context, json.RawMessage) error {
			calls++
			return fmt.Errorf("tracker unavailable %d", calls)
		},
	}, 0)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		status, attempts := jobStatus(t, store, "seek_ownership")
		if attempts != i {
			t.Errorf("after attempt %d: attempts=%d", i, attempts)
		}
		if i < 3 {
			if status != "pending" {
				t.Errorf("after attempt %d: status=%q, want pending", i, status)
			}
			resetRunAfter(t, store)
		} else if status != "failed" {
			t.Errorf("final status = %q, want failed", status)
		}
	}
	if calls != 3 {
		t.Errorf("handler calls = %d, want 3", calls)
	}
}

func TestWorker_PanicRetriesJob(t *testing.T) {
	store := openTestStore(t)
	if _, err := Enqueue(store, "follow_up", taskPayload{TaskID: "t1"}, time.Time{}, ""); err != nil {
		t.Fatal(err)
	}
	w := NewWorker(store, map[string]Handler{
		"follow_up": func(context.Context, json.RawMessage) error { panic("nil chat client") },
	}, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil || !didWork {
		t.Fatalf("RunOnce = %v, %v", didWork, err)
	}
	status, attempts := jobStatus(t, store, "follow_up")
	if status != storage.JobPending || attempts != 1 {
		t.Errorf("after panic: status=%q attempts=%d, want pending/1", status, attempts)
	}
	var lastError string
	if err := store.DB().QueryRow(`SELECT last_error FROM jobs WHERE type = 'follow_up'`).Scan(&lastError); err != nil {
		t.Fatal(err)
	}
	if lastError != "handler panicked: nil chat client" {
		t.Errorf("last_error = %q", lastError)
	}
}

func TestWorker_DelayedJobNotClaimedEarly(t *testing.T) {
	store := openTestStore(t)
	if _, err := Enqueue(store, "claim_timeout", taskPayload{}, time.Now().Add(time.Hour), ""); err != nil {
		t.Fatal(err)
	}
	w := NewWorker(store, map[string]Handler{
		"claim_timeout": func(context.Context, json.RawMessage) error { return nil },
	}, 0)
	if didWork, _ := w.RunOnce(context.Background()); didWork {
		t.Error("job claimed before run_after")
	}
}

func TestEnqueue_IdempotencyKey(t *testing.T) {
	store := openTestStore(t)
	first, err := Enqueue(store, "claim_timeout", taskPayload{TaskID: "t1"}, time.Time{}, "claim_timeout:t1")
	if err != nil || !first {
		t.Fatalf("first Enqueue = %v, %v", first, err)
	}
	second, err := Enqueue(store, "claim_timeout", taskPayload{TaskID: "t1"}, time.Time{}, "claim_timeout:t1")
	if err != nil || second {
		t.Fatalf("second Enqueue = %v, %v, want false, nil", second, err)
	}
	n, err := store.CountJobs("pending")
	if err != nil || n != 1 {
		t.Errorf("pending jobs = %d, %v, want 1", n, err)
	}
}

func TestEnqueue_MarshalError(t *testing.T) {
	store := openTestStore(t)
	_, err := Enqueue(store, "bad", map[string]any{"ch": make(chan int)}, time.Time{}, "")
	var jsonErr *json.UnsupportedTypeError
	if !errors.As(err, &jsonErr) {
		t.Errorf("err = %v, want UnsupportedTypeError", err)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	const total = 5
	for i := 0; i < total; i++ {
		if _, err := Enqueue(store, "task_completed", taskPayload{TaskID: fmt.Sprint(i)}, time.Time{}, ""); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	seen := map[string]bool{}
	allDone := make(chan struct{})
	w := NewWorker(store, map[string]Handler{
		"task_completed": func(_ context.Context, payload json.RawMessage) error {
			var p taskPayload
			json.Unmarshal(payload, &p)
			mu.Lock()
			defer mu.Unlock()
			seen[p.TaskID] = true
			if len(seen) == total {
				close(allDone)
			}
			return nil
		},
	}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()

	select {
	case <-allDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for jobs")
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
