package api

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestBackground_CancelAndDrain(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	bg := NewBackground(ctx)

	started := make(chan struct{})
	var finished atomic.Bool
	bg.Go(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
	})
	<-started

	cancel()
	bg.Wait()
	if !finished.Load() {
		t.Error("Wait returned before the running reply finished")
	}

	var late atomic.Bool
	bg.Go(func(context.Context) { late.Store(true) })
	bg.Wait()
	if late.Load() {
		t.Error("work submitted after Wait was run")
	}
}

func TestChatEvent_ReplyUsesServerContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	bg := NewBackground(ctx)
	deps := f.deps()
	deps.Background = bg.Go
	f.handler = NewRouter(deps)

	cancel()
	f.do(f.chatSigned("/events/chat", "application/json", dmEvent))
	bg.Wait()

	if len(f.responder.messages) != 1 {
		t.Fatalf("dispatched %d messages, want 1", len(f.responder.messages))
	}
	if f.responder.ctxErr == nil {
		t.Error("reply ran with a live context after the server context was cancelled")
	}
}
