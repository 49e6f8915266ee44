package subutils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seglab/annowire/pkg/annowire/wire"
)

type recordingHandler struct {
	mu   sync.Mutex
	msgs []wire.Message
}

func (r *recordingHandler) handle(ctx context.Context, msg wire.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingHandler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recordingHandler) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for r.count() < n {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, got %d", n, r.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAsyncHandlerProcessesMessages(t *testing.T) {
	rec := &recordingHandler{}
	async := NewAsyncHandler(rec.handle, 10).Start()
	defer async.Close()

	ctx := context.Background()
	async.Handle(ctx, wire.Message{Type: "object-added"})
	async.Handle(ctx, wire.Message{Type: "object-removed"})

	rec.waitFor(t, 2)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "object-added", rec.msgs[0].Type)
	assert.Equal(t, "object-removed", rec.msgs[1].Type)
}

func TestAsyncHandlerCloseDrains(t *testing.T) {
	rec := &recordingHandler{}
	async := NewAsyncHandler(rec.handle, 10).Start()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, async.Enqueue(ctx, wire.Message{Type: "object-added"}))
	}

	require.NoError(t, async.Close())
	assert.Equal(t, 5, rec.count())
}

func TestAsyncHandlerQueueFull(t *testing.T) {
	block := make(chan struct{})
	slow := func(ctx context.Context, msg wire.Message) { <-block }
	async := NewAsyncHandler(slow, 1).Start()
	defer func() {
		close(block)
		async.Close()
	}()

	ctx := context.Background()
	// First message occupies the processor, second fills the queue.
	async.Handle(ctx, wire.Message{Type: "a"})
	var err error
	for i := 0; i < 50 && err == nil; i++ {
		err = async.Enqueue(ctx, wire.Message{Type: "b"})
	}
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestAsyncHandlerClosedRejects(t *testing.T) {
	rec := &recordingHandler{}
	async := NewAsyncHandler(rec.handle, 10).Start()
	require.NoError(t, async.Close())

	err := async.Enqueue(context.Background(), wire.Message{Type: "late"})
	assert.ErrorIs(t, err, ErrHandlerClosed)
	assert.True(t, async.IsClosed())

	// Handle silently drops after close.
	async.Handle(context.Background(), wire.Message{Type: "late"})
	assert.Equal(t, 0, rec.count())
}

func TestAsyncHandlerTicker(t *testing.T) {
	var mu sync.Mutex
	ticks := 0
	async := NewAsyncHandler(func(ctx context.Context, msg wire.Message) {}, 10).
		WithTicker(10*time.Millisecond, func() {
			mu.Lock()
			ticks++
			mu.Unlock()
		}).
		Start()
	defer async.Close()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := ticks
		mu.Unlock()
		if n >= 2 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("ticker never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAsyncHandlerQueueAccessors(t *testing.T) {
	async := NewAsyncHandler(func(ctx context.Context, msg wire.Message) {}, 32)
	assert.Equal(t, 32, async.QueueCapacity())
	assert.Equal(t, 0, async.QueueSize())

	t.Run("zero queue size gets default", func(t *testing.T) {
		a := NewAsyncHandler(func(ctx context.Context, msg wire.Message) {}, 0)
		assert.Equal(t, 100, a.QueueCapacity())
	})
}
