package subutils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/seglab/annowire/pkg/annowire/conn"
	"github.com/seglab/annowire/pkg/annowire/wire"
)

// Error definitions for AsyncHandler
var (
	ErrQueueFull     = errors.New("handler queue is full")
	ErrHandlerClosed = errors.New("handler is closed")
)

type queuedMessage struct {
	ctx context.Context
	msg wire.Message
}

// AsyncHandler wraps a message handler and processes messages
// asynchronously through a buffered channel queue. This allows the
// dispatch goroutine to return immediately while messages are processed
// in a background goroutine — useful when a handler does slow work
// (disk writes, rendering) that must not stall the connection's read
// loop.
type AsyncHandler struct {
	wrapped   conn.Handler
	onTick    func()
	queue     chan queuedMessage
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	ticker    *time.Ticker
}

// NewAsyncHandler creates a new AsyncHandler that processes messages
// asynchronously through a buffered channel of the specified size.
//
// The handler starts a background goroutine once Start is called. The
// Handle method returns immediately after queuing the message; when the
// queue is full the message is dropped rather than blocking dispatch.
//
// Example:
//
//	async := subutils.NewAsyncHandler(slowHandler, 100).Start()
//	defer async.Close() // Important: call Close() to properly shutdown
//	c.OnAny(async.Handle)
//
// Note: You must call Close() to properly shutdown the background
// goroutine and ensure all queued messages are processed.
func NewAsyncHandler(wrapped conn.Handler, queueSize int) *AsyncHandler {
	if queueSize <= 0 {
		queueSize = 100 // Default queue size
	}

	return &AsyncHandler{
		wrapped: wrapped,
		queue:   make(chan queuedMessage, queueSize),
		done:    make(chan struct{}),
	}
}

// WithTicker enables periodic invocations of fn at the specified
// interval, processed on the same goroutine as queued messages. This is
// useful for periodic flushes or health reporting that must be
// serialized with message handling.
//
// This method must be called before Start() to avoid race conditions.
func (a *AsyncHandler) WithTicker(interval time.Duration, fn func()) *AsyncHandler {
	if interval > 0 && a.ticker == nil {
		a.ticker = time.NewTicker(interval)
		a.onTick = fn
	}
	return a
}

// Start begins processing messages in a background goroutine.
// Returns the same AsyncHandler instance for method chaining.
func (a *AsyncHandler) Start() *AsyncHandler {
	a.wg.Add(1)
	go a.processQueue()
	return a
}

func (a *AsyncHandler) processQueue() {
	defer a.wg.Done()

	var tickerChan <-chan time.Time
	if a.ticker != nil {
		tickerChan = a.ticker.C
	}

	for {
		select {
		case qm := <-a.queue:
			a.wrapped(qm.ctx, qm.msg)
		case <-tickerChan:
			if a.onTick != nil {
				a.onTick()
			}
		case <-a.done:
			a.drainQueue()
			return
		}
	}
}

// drainQueue processes any remaining messages during shutdown
func (a *AsyncHandler) drainQueue() {
	for {
		select {
		case qm := <-a.queue:
			a.wrapped(qm.ctx, qm.msg)
		default:
			return
		}
	}
}

// Handle queues a message and returns immediately. It satisfies
// conn.Handler so it can be passed directly to On/OnAny.
func (a *AsyncHandler) Handle(ctx context.Context, msg wire.Message) {
	if a.IsClosed() {
		return
	}

	select {
	case a.queue <- queuedMessage{ctx: ctx, msg: msg}:
	default:
		// Queue full: drop rather than stall the dispatch path.
	}
}

// Enqueue is like Handle but reports queue-full and closed conditions
// to callers that need to observe drops.
func (a *AsyncHandler) Enqueue(ctx context.Context, msg wire.Message) error {
	if a.IsClosed() {
		return ErrHandlerClosed
	}

	select {
	case a.queue <- queuedMessage{ctx: ctx, msg: msg}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close gracefully shuts down the async handler, ensuring all queued
// messages are processed before returning.
//
// The shutdown process:
// 1. Stop the ticker (if running) to prevent new tick callbacks
// 2. Signal the processor goroutine to stop via the done channel
// 3. Wait for the processor goroutine to complete
// 4. Any remaining messages in the queue are processed during drain
func (a *AsyncHandler) Close() error {
	a.closeOnce.Do(func() {
		if a.ticker != nil {
			a.ticker.Stop()
		}

		close(a.done)
		a.wg.Wait()
	})
	return nil
}

// QueueSize returns the current number of messages in the queue
func (a *AsyncHandler) QueueSize() int {
	return len(a.queue)
}

// QueueCapacity returns the maximum capacity of the queue
func (a *AsyncHandler) QueueCapacity() int {
	return cap(a.queue)
}

// IsClosed returns true if the handler has been closed
func (a *AsyncHandler) IsClosed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}
