// Package conn maintains one logical annotation session connection over
// an unreliable WebSocket transport: reconnection with exponential
// backoff, outbound queueing while offline, request/response
// correlation by message id, and publish/subscribe fan-out of inbound
// messages by type.
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/seglab/annowire/pkg/annowire/o11y"
	"github.com/seglab/annowire/pkg/annowire/wire"
)

// Conn owns one physical duplex connection. Build it with NewConn().
type Conn struct {
	url              string
	logger           *zap.Logger
	connectTimeout   time.Duration
	requestTimeout   time.Duration
	queueing         bool
	writeChannelSize int

	reconnectEnabled bool
	initialDelay     time.Duration
	maxDelay         time.Duration
	backoffFactor    float64
	maxRetries       int

	dispatcher *Dispatcher

	// Metrics are nil unless a provider was configured.
	sentCounter      o11y.Counter
	receivedCounter  o11y.Counter
	droppedCounter   o11y.Counter
	reconnectCounter o11y.Counter
	pendingGauge     o11y.Gauge
	queueGauge       o11y.Gauge

	mu         sync.Mutex
	ws         *websocket.Conn
	writeCh    chan []byte
	writeDone  chan struct{}
	connCtx    context.Context
	connStop   context.CancelFunc
	rootCtx    context.Context
	rootCancel context.CancelFunc
	queue      []queuedMessage

	state   atomic.Int32
	started atomic.Bool
	closing atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	stateMu   sync.Mutex
	stateSeq  int64
	stateSubs map[int64]func(State)
}

type queuedMessage struct {
	msg         wire.Message
	expectReply bool
}

type requestResult struct {
	data json.RawMessage
	err  error
}

// pendingRequest is one in-flight correlated request. At most one entry
// exists per message id; the entry is removed exactly once, by the
// matching response, its own timeout, or the disconnect path.
type pendingRequest struct {
	id    string
	ch    chan requestResult
	timer *time.Timer
}

// State returns the current connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// OnStateChange registers a callback invoked on every state transition
// and returns an unsubscribe function.
func (c *Conn) OnStateChange(fn func(State)) func() {
	c.stateMu.Lock()
	c.stateSeq++
	id := c.stateSeq
	c.stateSubs[id] = fn
	c.stateMu.Unlock()

	return func() {
		c.stateMu.Lock()
		delete(c.stateSubs, id)
		c.stateMu.Unlock()
	}
}

// On registers a handler for inbound messages of the given type or
// MQTT-style pattern. Returns an unsubscribe function.
func (c *Conn) On(pattern string, handler Handler) func() {
	return c.dispatcher.On(pattern, handler)
}

// OnAny registers a handler for every inbound message.
func (c *Conn) OnAny(handler Handler) func() {
	return c.dispatcher.OnAny(handler)
}

// Dispatcher exposes the inbound fan-out for composition with subutils
// wrappers.
func (c *Conn) Dispatcher() *Dispatcher {
	return c.dispatcher
}

// Connect opens the transport. It resolves once the transport reports
// open and fails after the configured connect timeout.
func (c *Conn) Connect(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}
	c.closing.Store(false)

	c.mu.Lock()
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.setState(StateConnecting)

	if err := c.dial(ctx); err != nil {
		c.setState(StateDisconnected)
		c.mu.Lock()
		c.rootCancel()
		c.mu.Unlock()
		c.started.Store(false)
		return err
	}

	c.logger.Info("connected", zap.String("url", c.url))
	c.setState(StateConnected)
	return nil
}

// Disconnect closes the transport and rejects every still-pending
// request with ErrDisconnected: on explicit close, callers must not be
// left hanging. Safe to call repeatedly and before Connect.
func (c *Conn) Disconnect() error {
	if !c.started.Load() {
		return nil
	}
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}

	c.logger.Info("disconnecting", zap.String("url", c.url))

	c.mu.Lock()
	if c.connStop != nil {
		c.connStop()
		c.connStop = nil
	}
	ws := c.ws
	c.ws = nil
	c.queue = nil
	writeDone := c.writeDone
	c.writeDone = nil
	if c.rootCancel != nil {
		c.rootCancel()
	}
	c.mu.Unlock()

	// Let the write loop drain frames buffered just before the close
	// (a finish notification, typically) before the socket goes away.
	if writeDone != nil {
		select {
		case <-writeDone:
		case <-time.After(time.Second):
		}
	}

	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}

	c.failAllPending(ErrDisconnected)
	c.setState(StateDisconnected)
	c.started.Store(false)
	c.closing.Store(false)
	return nil
}

// Send transmits a message without expecting a reply. While
// disconnected it either appends the message to the offline queue (when
// queueing is enabled) or fails with ErrNotConnected. Queued messages
// are flushed in enqueue order on reconnect.
func (c *Conn) Send(ctx context.Context, msg wire.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	if c.State() != StateConnected {
		if !c.queueing || c.closing.Load() {
			return ErrNotConnected
		}
		if c.enqueue(msg, false) {
			return nil
		}
		// Reconnect completed between the state check and the enqueue;
		// the flush already ran, so transmit directly.
	}

	return c.write(ctx, msg)
}

// Request transmits a message and suspends until the correlated reply,
// the per-request timeout, or a disconnect. On a success reply it
// returns the reply payload; on a failure reply it returns the
// server-reported error.
//
// While disconnected with queueing enabled the message is queued and
// Request resolves immediately with (nil, nil): queued messages are
// fire-and-forget from the caller's perspective, and their eventual
// replies are consumed internally after the flush.
func (c *Conn) Request(ctx context.Context, msg wire.Message) (json.RawMessage, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		msg.ID = wire.NewMessageID()
	}

	if c.State() != StateConnected {
		if !c.queueing || c.closing.Load() {
			return nil, ErrNotConnected
		}
		if c.enqueue(msg, true) {
			return nil, nil
		}
		// Reconnect completed between the state check and the enqueue;
		// fall through to the live correlated path.
	}

	pr := c.registerPending(msg.ID)
	if err := c.write(ctx, msg); err != nil {
		c.removePending(msg.ID)
		return nil, err
	}

	select {
	case res := <-pr.ch:
		return res.data, res.err
	case <-ctx.Done():
		c.removePending(msg.ID)
		return nil, ctx.Err()
	}
}

// PendingCount returns the number of in-flight correlated requests.
func (c *Conn) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// QueuedCount returns the number of messages waiting in the offline
// queue.
func (c *Conn) QueuedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Conn) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}

	c.mu.Lock()
	connCtx, stop := context.WithCancel(c.rootCtx)
	c.ws = ws
	c.connCtx = connCtx
	c.connStop = stop
	c.writeCh = make(chan []byte, c.writeChannelSize)
	c.writeDone = make(chan struct{})
	writeCh := c.writeCh
	writeDone := c.writeDone
	c.mu.Unlock()

	go c.readLoop(connCtx, ws)
	go c.writeLoop(connCtx, ws, writeCh, writeDone)
	return nil
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && !c.closing.Load() {
				c.logger.Error("read failed", zap.Error(err))
				c.handleConnectionLoss()
			}
			return
		}
		c.handleInbound(ctx, data)
	}
}

func (c *Conn) writeLoop(ctx context.Context, ws *websocket.Conn, writeCh chan []byte, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			c.drainWrites(ws, writeCh)
			return
		case data := <-writeCh:
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				if ctx.Err() == nil && !c.closing.Load() {
					c.logger.Error("write failed", zap.Error(err))
					c.handleConnectionLoss()
				}
				return
			}
		}
	}
}

// drainWrites transmits frames still buffered at shutdown, so a message
// handed to Send just before Disconnect makes it onto the wire. After an
// abnormal loss the socket is already broken and the first write fails,
// which ends the drain.
func (c *Conn) drainWrites(ws *websocket.Conn, writeCh chan []byte) {
	for {
		select {
		case data := <-writeCh:
			writeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			err := ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		default:
			return
		}
	}
}

// handleConnectionLoss runs once per lost connection (the read and
// write loops race to call it; the connStop guard picks one winner).
// Pending requests cannot be answered on a new socket, so they are all
// rejected here rather than left to time out one by one.
func (c *Conn) handleConnectionLoss() {
	c.mu.Lock()
	if c.connStop == nil {
		c.mu.Unlock()
		return
	}
	c.connStop()
	c.connStop = nil
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		ws.Close(websocket.StatusInternalError, "connection lost")
	}

	c.failAllPending(ErrDisconnected)

	if !c.reconnectEnabled {
		c.setState(StateDisconnected)
		c.started.Store(false)
		return
	}

	c.setState(StateReconnecting)
	go c.reconnectLoop()
}

func (c *Conn) reconnectLoop() {
	c.mu.Lock()
	rootCtx := c.rootCtx
	c.mu.Unlock()

	for attempt := 1; c.maxRetries < 0 || attempt <= c.maxRetries; attempt++ {
		delay := backoffDelay(c.initialDelay, c.maxDelay, c.backoffFactor, attempt)

		select {
		case <-time.After(delay):
		case <-rootCtx.Done():
			return
		}

		if c.reconnectCounter != nil {
			c.reconnectCounter.Add(rootCtx, 1)
		}
		c.logger.Info("reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		if err := c.dial(rootCtx); err != nil {
			c.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		// The offline queue is drained before the state flips back to
		// connected, so everything queued while offline is transmitted
		// ahead of any message issued after reconnection.
		c.flushQueue(rootCtx)

		c.logger.Info("reconnected", zap.String("url", c.url))
		c.setState(StateConnected)

		// A send racing the first flush may have enqueued after its
		// snapshot; with the state now connected no further enqueues
		// are accepted, so this pass empties the queue for good.
		c.flushQueue(rootCtx)
		return
	}

	c.logger.Error("reconnect attempts exhausted", zap.Int("maxRetries", c.maxRetries))
	c.setState(StateErrored)
	c.started.Store(false)
}

// backoffDelay computes min(initial * factor^(attempt-1), max).
func backoffDelay(initial, max time.Duration, factor float64, attempt int) time.Duration {
	delay := time.Duration(float64(initial) * math.Pow(factor, float64(attempt-1)))
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}

// enqueue appends the message to the offline queue and reports whether
// it was queued. The state re-check under the queue lock pairs with the
// post-connect flush in reconnectLoop: an enqueue that misses that
// flush necessarily observes the connected state here and is refused,
// so no message is stranded in the queue until the next cycle.
func (c *Conn) enqueue(msg wire.Message, expectReply bool) bool {
	c.mu.Lock()
	if c.State() == StateConnected {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, queuedMessage{msg: msg, expectReply: expectReply})
	queued := len(c.queue)
	c.mu.Unlock()

	if c.queueGauge != nil {
		c.queueGauge.Set(context.Background(), float64(queued))
	}
	c.logger.Debug("message queued while offline",
		zap.String("type", msg.Type),
		zap.Int("queued", queued))
	return true
}

func (c *Conn) flushQueue(ctx context.Context) {
	c.mu.Lock()
	queued := c.queue
	c.queue = nil
	writeCh := c.writeCh
	connCtx := c.connCtx
	c.mu.Unlock()

	if len(queued) == 0 {
		return
	}

	c.logger.Info("flushing offline queue", zap.Int("messages", len(queued)))

	for _, qm := range queued {
		data, err := json.Marshal(qm.msg)
		if err != nil {
			c.logger.Warn("dropping unmarshalable queued message", zap.Error(err))
			continue
		}

		if qm.expectReply {
			pr := c.registerPending(qm.msg.ID)
			go c.consumeDeferredReply(qm.msg, pr)
		}

		select {
		case writeCh <- data:
		case <-connCtx.Done():
			return
		case <-ctx.Done():
			return
		}
	}

	if c.queueGauge != nil {
		c.queueGauge.Set(ctx, 0)
	}
}

// consumeDeferredReply drains the reply of a request that was queued
// offline. The original caller already resolved, so a rejection can
// only be logged.
func (c *Conn) consumeDeferredReply(msg wire.Message, pr *pendingRequest) {
	res := <-pr.ch
	if res.err != nil {
		c.logger.Warn("queued request failed after flush",
			zap.String("type", msg.Type),
			zap.String("id", msg.ID),
			zap.Error(res.err))
	}
}

func (c *Conn) handleInbound(ctx context.Context, data []byte) {
	var msg wire.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("dropping malformed message", zap.Error(err))
		if c.droppedCounter != nil {
			c.droppedCounter.Add(ctx, 1)
		}
		return
	}
	if err := msg.Validate(); err != nil {
		c.logger.Warn("dropping invalid message", zap.Error(err))
		if c.droppedCounter != nil {
			c.droppedCounter.Add(ctx, 1)
		}
		return
	}

	if c.receivedCounter != nil {
		c.receivedCounter.Add(ctx, 1, o11y.Label{Key: "type", Value: msg.Type})
	}

	if msg.IsReply() && msg.ID != "" {
		c.resolvePending(msg)
	}

	c.dispatcher.Dispatch(ctx, msg)
}

func (c *Conn) write(ctx context.Context, msg wire.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.mu.Lock()
	writeCh := c.writeCh
	connCtx := c.connCtx
	c.mu.Unlock()

	if writeCh == nil || connCtx == nil {
		return ErrNotConnected
	}

	select {
	case writeCh <- data:
		if c.sentCounter != nil {
			c.sentCounter.Add(ctx, 1, o11y.Label{Key: "type", Value: msg.Type})
		}
		return nil
	case <-connCtx.Done():
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) registerPending(id string) *pendingRequest {
	pr := &pendingRequest{
		id: id,
		ch: make(chan requestResult, 1),
	}
	pr.timer = time.AfterFunc(c.requestTimeout, func() {
		c.expirePending(id)
	})

	c.pendingMu.Lock()
	c.pending[id] = pr
	count := len(c.pending)
	c.pendingMu.Unlock()

	if c.pendingGauge != nil {
		c.pendingGauge.Set(context.Background(), float64(count))
	}
	return pr
}

// removePending takes the pending entry out of the table, if present.
// Removal under the lock guarantees a single resolver per request.
func (c *Conn) removePending(id string) (*pendingRequest, bool) {
	c.pendingMu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	count := len(c.pending)
	c.pendingMu.Unlock()

	if ok {
		pr.timer.Stop()
		if c.pendingGauge != nil {
			c.pendingGauge.Set(context.Background(), float64(count))
		}
	}
	return pr, ok
}

func (c *Conn) resolvePending(msg wire.Message) {
	pr, ok := c.removePending(msg.ID)
	if !ok {
		return
	}

	if msg.Success != nil && *msg.Success {
		pr.ch <- requestResult{data: msg.Data}
		return
	}

	reason := msg.Error
	if reason == "" {
		reason = "request rejected"
	}
	pr.ch <- requestResult{err: fmt.Errorf("server error: %s", reason)}
}

func (c *Conn) expirePending(id string) {
	pr, ok := c.removePending(id)
	if !ok {
		return
	}
	c.logger.Warn("request timed out", zap.String("id", id))
	pr.ch <- requestResult{err: ErrRequestTimeout}
}

// failAllPending rejects every in-flight request at once. Used on
// disconnect and connection loss; the reason is distinct from a
// per-request timeout.
func (c *Conn) failAllPending(reason error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.pendingMu.Unlock()

	for _, pr := range pending {
		pr.timer.Stop()
		pr.ch <- requestResult{err: reason}
	}

	if len(pending) > 0 {
		c.logger.Debug("rejected pending requests", zap.Int("count", len(pending)))
		if c.pendingGauge != nil {
			c.pendingGauge.Set(context.Background(), 0)
		}
	}
}

func (c *Conn) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}

	c.logger.Debug("connection state changed",
		zap.String("from", old.String()),
		zap.String("to", s.String()))

	c.stateMu.Lock()
	subs := make([]func(State), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		subs = append(subs, fn)
	}
	c.stateMu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}
