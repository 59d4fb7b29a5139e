package api

import (
	"context"
	"sync"
)

// Background runs work that outlives its request, such as answering a chat
// message after the event has been acknowledged. Every run shares one parent
// context so shutdown can cancel it and wait for it to finish.
type Background struct {
	ctx context.Context

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewBackground(ctx context.Context) *Background {
	return &Background{ctx: ctx}
}

// Go runs fn on its own goroutine. Work submitted after Wait is dropped.
func (b *Background) Go(fn func(ctx context.Context)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(b.ctx)
	}()
}

// Wait stops accepting work and blocks until every running fn has returned.
func (b *Background) Wait() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}
