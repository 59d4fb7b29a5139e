package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestNew_NoBrokersIsNop(t *testing.T) {
	if _, ok := New(nil, "topic").(Nop); !ok {
		t.Error("New without brokers should return Nop")
	}
	if _, ok := New([]string{"localhost:9092"}, "topic").(*KafkaPublisher); !ok {
		t.Error("New with brokers should return *KafkaPublisher")
	}
}

func TestPublishTransition_KeyedByTask(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, logger: slog.Default()}

	ev := TaskTransition{
		TaskID:     "task-1",
		TenantID:   "acme",
		ExternalID: "ext-1",
		From:       "PENDING_OWNER",
		To:         "OWNED",
		At:         time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	p.PublishTransition(context.Background(), ev)

	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages, want 1", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "task-1" {
		t.Errorf("key = %q, want task-1", w.msgs[0].Key)
	}
	var got TaskTransition
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ev, got); diff != "" {
		t.Errorf("payload (-want +got):\n%s", diff)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Errorf("Close: err=%v closed=%v", err, w.closed)
	}
}

func TestPublishTransition_FailureSwallowed(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := &KafkaPublisher{writer: w, logger: slog.Default()}
	p.PublishTransition(context.Background(), TaskTransition{TaskID: "t"})
	if len(w.msgs) != 0 {
		t.Errorf("wrote %d messages, want 0", len(w.msgs))
	}
}
