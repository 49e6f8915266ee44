package conn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seglab/annowire/pkg/annowire/wire"
)

func TestConnBuilder(t *testing.T) {
	logger := zap.NewNop()

	t.Run("successful build with all parameters", func(t *testing.T) {
		c, err := NewConn().
			WithURL("ws://localhost:8080/ws").
			WithLogger(logger).
			WithConnectTimeout(5 * time.Second).
			WithRequestTimeout(10 * time.Second).
			WithQueueing(false).
			WithReconnect(false).
			Build()

		require.NoError(t, err)
		assert.NotNil(t, c)
		assert.Equal(t, "ws://localhost:8080/ws", c.url)
		assert.Equal(t, 5*time.Second, c.connectTimeout)
		assert.Equal(t, 10*time.Second, c.requestTimeout)
		assert.False(t, c.queueing)
		assert.False(t, c.reconnectEnabled)
	})

	t.Run("build fails with missing URL", func(t *testing.T) {
		_, err := NewConn().WithLogger(logger).Build()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "URL is required")
	})

	t.Run("default values", func(t *testing.T) {
		b := NewConn()
		assert.Equal(t, 10*time.Second, b.connectTimeout)
		assert.Equal(t, 30*time.Second, b.requestTimeout)
		assert.True(t, b.queueing)
		assert.True(t, b.reconnectEnabled)
		assert.Equal(t, 1*time.Second, b.initialDelay)
		assert.Equal(t, 30*time.Second, b.maxDelay)
		assert.Equal(t, 2.0, b.backoffFactor)
		assert.Equal(t, 8, b.maxRetries)
	})

	t.Run("nil logger is ignored", func(t *testing.T) {
		b := NewConn().WithLogger(nil)
		assert.NotNil(t, b.logger)
	})

	t.Run("fluent interface returns same builder", func(t *testing.T) {
		b := NewConn()
		assert.Same(t, b, b.WithURL("ws://x"))
		assert.Same(t, b, b.WithQueueing(true))
		assert.Same(t, b, b.WithReconnect(true))
		assert.Same(t, b, b.WithMaxRetries(-1))
	})
}

func TestBackoffDelay(t *testing.T) {
	initial := 1 * time.Second
	max := 30 * time.Second

	t.Run("grows geometrically", func(t *testing.T) {
		assert.Equal(t, 1*time.Second, backoffDelay(initial, max, 2.0, 1))
		assert.Equal(t, 2*time.Second, backoffDelay(initial, max, 2.0, 2))
		assert.Equal(t, 4*time.Second, backoffDelay(initial, max, 2.0, 3))
		assert.Equal(t, 16*time.Second, backoffDelay(initial, max, 2.0, 5))
	})

	t.Run("caps at max", func(t *testing.T) {
		assert.Equal(t, max, backoffDelay(initial, max, 2.0, 6))
		assert.Equal(t, max, backoffDelay(initial, max, 2.0, 50))
	})

	t.Run("overflow falls back to max", func(t *testing.T) {
		assert.Equal(t, max, backoffDelay(initial, max, 10.0, 500))
	})
}

func mustBuild(t *testing.T, opts ...func(*ConnBuilder)) *Conn {
	t.Helper()
	b := NewConn().WithURL("ws://localhost:1/ws").WithLogger(zap.NewNop())
	for _, opt := range opts {
		opt(b)
	}
	c, err := b.Build()
	require.NoError(t, err)
	return c
}

func TestPendingRequestLifecycle(t *testing.T) {
	t.Run("resolved by matching success reply", func(t *testing.T) {
		c := mustBuild(t)
		pr := c.registerPending("req-1")
		assert.Equal(t, 1, c.PendingCount())

		ok := true
		c.resolvePending(wire.Message{
			ID:      "req-1",
			Type:    wire.TypeAddObject,
			Success: &ok,
			Data:    json.RawMessage(`{"contour_id": 42}`),
		})

		res := <-pr.ch
		assert.NoError(t, res.err)
		assert.JSONEq(t, `{"contour_id": 42}`, string(res.data))
		assert.Equal(t, 0, c.PendingCount())
	})

	t.Run("failure reply carries server error", func(t *testing.T) {
		c := mustBuild(t)
		pr := c.registerPending("req-2")

		notOK := false
		c.resolvePending(wire.Message{
			ID:      "req-2",
			Type:    wire.TypeAddObject,
			Success: &notOK,
			Error:   "label not allowed",
		})

		res := <-pr.ch
		require.Error(t, res.err)
		assert.Contains(t, res.err.Error(), "label not allowed")
	})

	t.Run("reply for unknown id is ignored", func(t *testing.T) {
		c := mustBuild(t)
		ok := true
		// Must not panic or create an entry.
		c.resolvePending(wire.Message{ID: "never-sent", Type: wire.TypeAddObject, Success: &ok})
		assert.Equal(t, 0, c.PendingCount())
	})

	t.Run("timeout resolves with ErrRequestTimeout", func(t *testing.T) {
		c := mustBuild(t, func(b *ConnBuilder) { b.WithRequestTimeout(20 * time.Millisecond) })
		pr := c.registerPending("req-3")

		select {
		case res := <-pr.ch:
			assert.ErrorIs(t, res.err, ErrRequestTimeout)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for request expiry")
		}
		assert.Equal(t, 0, c.PendingCount())
	})

	t.Run("disconnect rejects all pending with ErrDisconnected", func(t *testing.T) {
		c := mustBuild(t)
		a := c.registerPending("req-a")
		b := c.registerPending("req-b")
		assert.Equal(t, 2, c.PendingCount())

		c.failAllPending(ErrDisconnected)

		resA := <-a.ch
		resB := <-b.ch
		assert.ErrorIs(t, resA.err, ErrDisconnected)
		assert.ErrorIs(t, resB.err, ErrDisconnected)
		assert.NotErrorIs(t, resA.err, ErrRequestTimeout)
		assert.Equal(t, 0, c.PendingCount())
	})
}

func TestOfflineQueueing(t *testing.T) {
	ctx := context.Background()

	t.Run("send queues while disconnected", func(t *testing.T) {
		c := mustBuild(t)
		msg, err := wire.NewMessage(wire.TypeFocusImage, nil)
		require.NoError(t, err)

		require.NoError(t, c.Send(ctx, msg))
		assert.Equal(t, 1, c.QueuedCount())
	})

	t.Run("request while disconnected resolves immediately", func(t *testing.T) {
		c := mustBuild(t)
		msg, err := wire.NewMessage(wire.TypeAddObject, wire.ContourPayload{Label: "cell"})
		require.NoError(t, err)

		data, err := c.Request(ctx, msg)
		assert.NoError(t, err)
		assert.Nil(t, data)
		assert.Equal(t, 1, c.QueuedCount())
		assert.Equal(t, 0, c.PendingCount())
	})

	t.Run("send fails when queueing disabled", func(t *testing.T) {
		c := mustBuild(t, func(b *ConnBuilder) { b.WithQueueing(false) })
		msg, err := wire.NewMessage(wire.TypeFocusImage, nil)
		require.NoError(t, err)

		assert.ErrorIs(t, c.Send(ctx, msg), ErrNotConnected)
		assert.Equal(t, 0, c.QueuedCount())
	})

	t.Run("enqueue refused once connected", func(t *testing.T) {
		c := mustBuild(t)
		msg, err := wire.NewMessage(wire.TypeFocusImage, nil)
		require.NoError(t, err)

		c.state.Store(int32(StateReconnecting))
		assert.True(t, c.enqueue(msg, false))
		assert.Equal(t, 1, c.QueuedCount())

		// Once the state flips the post-connect flush has run, so a
		// late enqueue must not strand the message.
		c.state.Store(int32(StateConnected))
		assert.False(t, c.enqueue(msg, false))
		assert.Equal(t, 1, c.QueuedCount())
	})

	t.Run("flush preserves enqueue order", func(t *testing.T) {
		c := mustBuild(t)
		for _, label := range []string{"first", "second", "third"} {
			msg, err := wire.NewMessage(wire.TypeAddObject, wire.ContourPayload{Label: label})
			require.NoError(t, err)
			require.NoError(t, c.Send(ctx, msg))
		}

		// Stand in for a freshly dialed transport.
		connCtx, stop := context.WithCancel(context.Background())
		defer stop()
		c.mu.Lock()
		c.writeCh = make(chan []byte, 10)
		c.connCtx = connCtx
		writeCh := c.writeCh
		c.mu.Unlock()

		c.flushQueue(ctx)
		assert.Equal(t, 0, c.QueuedCount())

		var labels []string
		for i := 0; i < 3; i++ {
			var msg wire.Message
			require.NoError(t, json.Unmarshal(<-writeCh, &msg))
			var payload wire.ContourPayload
			require.NoError(t, json.Unmarshal(msg.Data, &payload))
			labels = append(labels, payload.Label)
		}
		assert.Equal(t, []string{"first", "second", "third"}, labels)
	})
}

func TestHandleInbound(t *testing.T) {
	ctx := context.Background()

	t.Run("malformed json is dropped", func(t *testing.T) {
		c := mustBuild(t)
		var dispatched int
		c.OnAny(func(ctx context.Context, msg wire.Message) { dispatched++ })

		c.handleInbound(ctx, []byte(`{not json`))
		assert.Equal(t, 0, dispatched)
	})

	t.Run("message without type is dropped", func(t *testing.T) {
		c := mustBuild(t)
		var dispatched int
		c.OnAny(func(ctx context.Context, msg wire.Message) { dispatched++ })

		c.handleInbound(ctx, []byte(`{"id": "x", "data": {}}`))
		assert.Equal(t, 0, dispatched)
	})

	t.Run("replies are also dispatched to subscribers", func(t *testing.T) {
		c := mustBuild(t)
		var seen []string
		c.OnAny(func(ctx context.Context, msg wire.Message) { seen = append(seen, msg.Type) })

		c.handleInbound(ctx, []byte(`{"id": "r1", "type": "add-object", "success": true}`))
		c.handleInbound(ctx, []byte(`{"type": "object-added", "data": {"contour_id": 1}}`))
		assert.Equal(t, []string{"add-object", "object-added"}, seen)
	})
}

// echoBackend is a minimal annotation backend: it replies success to
// every correlated request and can push arbitrary messages.
type echoBackend struct {
	t *testing.T

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []wire.Message
}

func newEchoBackend(t *testing.T) (*echoBackend, string) {
	b := &echoBackend{t: t}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, ws)
		b.mu.Unlock()

		ctx := r.Context()
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			var msg wire.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			b.mu.Lock()
			b.received = append(b.received, msg)
			b.mu.Unlock()
			ok := true
			reply, _ := json.Marshal(wire.Message{
				ID:      msg.ID,
				Type:    msg.Type,
				Success: &ok,
				Data:    json.RawMessage(`{"contour_id": 7}`),
			})
			if err := ws.Write(ctx, websocket.MessageText, reply); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (b *echoBackend) waitForType(t *testing.T, msgType string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		for _, msg := range b.received {
			if msg.Type == msgType {
				b.mu.Unlock()
				return
			}
		}
		b.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msgType)
}

func (b *echoBackend) push(ctx context.Context, msg wire.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ws := range b.conns {
		if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
			return err
		}
	}
	return nil
}

func TestConnAgainstLiveServer(t *testing.T) {
	ctx := context.Background()

	t.Run("connect request disconnect", func(t *testing.T) {
		_, url := newEchoBackend(t)
		c, err := NewConn().
			WithURL(url).
			WithLogger(zap.NewNop()).
			WithReconnect(false).
			Build()
		require.NoError(t, err)

		require.NoError(t, c.Connect(ctx))
		assert.Equal(t, StateConnected, c.State())

		msg, err := wire.NewMessage(wire.TypeAddObject, wire.ContourPayload{Label: "cell"})
		require.NoError(t, err)

		data, err := c.Request(ctx, msg)
		require.NoError(t, err)

		var payload wire.ContourPayload
		require.NoError(t, json.Unmarshal(data, &payload))
		assert.Equal(t, int64(7), payload.Key())

		require.NoError(t, c.Disconnect())
		assert.Equal(t, StateDisconnected, c.State())
	})

	t.Run("send just before disconnect reaches the wire", func(t *testing.T) {
		backend, url := newEchoBackend(t)
		c, err := NewConn().WithURL(url).WithLogger(zap.NewNop()).WithReconnect(false).Build()
		require.NoError(t, err)

		require.NoError(t, c.Connect(ctx))

		msg, err := wire.NewMessage(wire.TypeFinishAnnotation, nil)
		require.NoError(t, err)
		require.NoError(t, c.Send(ctx, msg))
		require.NoError(t, c.Disconnect())

		backend.waitForType(t, wire.TypeFinishAnnotation)
	})

	t.Run("connect twice fails", func(t *testing.T) {
		_, url := newEchoBackend(t)
		c, err := NewConn().WithURL(url).WithLogger(zap.NewNop()).WithReconnect(false).Build()
		require.NoError(t, err)

		require.NoError(t, c.Connect(ctx))
		defer c.Disconnect()
		assert.ErrorIs(t, c.Connect(ctx), ErrAlreadyConnected)
	})

	t.Run("pushes reach subscribers", func(t *testing.T) {
		backend, url := newEchoBackend(t)
		c, err := NewConn().WithURL(url).WithLogger(zap.NewNop()).WithReconnect(false).Build()
		require.NoError(t, err)

		received := make(chan wire.Message, 1)
		c.On(wire.TypeObjectAdded, func(ctx context.Context, msg wire.Message) {
			received <- msg
		})

		require.NoError(t, c.Connect(ctx))
		defer c.Disconnect()

		require.NoError(t, backend.push(ctx, wire.Message{
			Type: wire.TypeObjectAdded,
			Data: json.RawMessage(`{"contour_id": 3, "x": [1], "y": [2]}`),
		}))

		select {
		case msg := <-received:
			assert.Equal(t, wire.TypeObjectAdded, msg.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for push")
		}
	})

	t.Run("state change notifications", func(t *testing.T) {
		_, url := newEchoBackend(t)
		c, err := NewConn().WithURL(url).WithLogger(zap.NewNop()).WithReconnect(false).Build()
		require.NoError(t, err)

		var mu sync.Mutex
		var states []State
		c.OnStateChange(func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		})

		require.NoError(t, c.Connect(ctx))
		require.NoError(t, c.Disconnect())

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, states)
	})

	t.Run("request timeout against silent server", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ws, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			// Read and discard everything, never reply.
			for {
				if _, _, err := ws.Read(r.Context()); err != nil {
					return
				}
			}
		}))
		t.Cleanup(srv.Close)

		c, err := NewConn().
			WithURL("ws" + strings.TrimPrefix(srv.URL, "http")).
			WithLogger(zap.NewNop()).
			WithReconnect(false).
			WithRequestTimeout(100 * time.Millisecond).
			Build()
		require.NoError(t, err)

		require.NoError(t, c.Connect(ctx))
		defer c.Disconnect()

		msg, err := wire.NewMessage(wire.TypeRunCompletion, nil)
		require.NoError(t, err)

		_, err = c.Request(ctx, msg)
		assert.ErrorIs(t, err, ErrRequestTimeout)
		assert.Equal(t, 0, c.PendingCount())
	})
}
