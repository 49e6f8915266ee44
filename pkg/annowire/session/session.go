// Package session runs one annotation session bound to a (user, image)
// pair, layered on the connection manager: the session-establishment
// handshake, backend service availability tracking, typed annotation
// operations, and switching the active image without discarding the
// transport abstraction.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/seglab/annowire/pkg/annowire/conn"
	"github.com/seglab/annowire/pkg/annowire/o11y"
	"github.com/seglab/annowire/pkg/annowire/objects"
	"github.com/seglab/annowire/pkg/annowire/wire"
)

// Session is one active annotation session. Build it with NewSession().
type Session struct {
	endpoint         string
	userID           int64
	logger           *zap.Logger
	handshakeTimeout time.Duration
	store            *objects.Store
	metricsProvider  o11y.MetricsProvider
	tracingProvider  o11y.TracingProvider
	connConfigure    func(*conn.ConnBuilder)

	state atomic.Int32

	mu           sync.Mutex
	conn         *conn.Conn
	imageID      string
	availability ServiceAvailability
	unbindStore  func()
}

// State returns the current session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// IsReady reports whether the session is usable.
func (s *Session) IsReady() bool {
	return s.State() == StateReady
}

// UserID returns the numeric user identity for this session.
func (s *Session) UserID() int64 {
	return s.userID
}

// ImageID returns the currently active image, or "" when uninitialized.
func (s *Session) ImageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imageID
}

// Availability returns the service partition from the last handshake.
func (s *Session) Availability() ServiceAvailability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ServiceAvailability{
		Running: append([]string(nil), s.availability.Running...),
		Failed:  append([]string(nil), s.availability.Failed...),
	}
}

// IsServiceAvailable reports whether the named backend service came up
// during the handshake.
func (s *Session) IsServiceAvailable(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.availability.IsRunning(name)
}

// Conn exposes the underlying connection for push subscriptions. Nil
// until the session has been initialized.
func (s *Session) Conn() *conn.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// sessionAddress derives the per-session connection address encoding
// the user and image identifiers.
func sessionAddress(endpoint string, userID int64, imageID string) string {
	return fmt.Sprintf("%s/annotation_session/ws/user=%d&image=%s",
		strings.TrimRight(endpoint, "/"), userID, imageID)
}

// Initialize opens a connection for the given image and waits for the
// session-initialized push carrying the backend service partition. The
// session becomes ready as soon as at least one service is running:
// partial capability is a valid, non-error outcome. Zero running
// services, a handshake timeout, or a transport failure leave the
// session in the error state.
func (s *Session) Initialize(ctx context.Context, imageID string) (ServiceAvailability, error) {
	if st := s.State(); st == StateInitializing {
		return ServiceAvailability{}, fmt.Errorf("session is already initializing")
	} else if st == StateReady {
		return ServiceAvailability{}, fmt.Errorf("session is already ready; use SwitchImage")
	}

	s.state.Store(int32(StateInitializing))
	s.logger.Info("initializing session",
		zap.String("image", imageID),
		zap.Int64("user", s.userID))

	var span o11y.Span
	if s.tracingProvider != nil {
		ctx, span = s.tracingProvider.StartSpan(ctx, "annowire.session.initialize")
		span.SetAttributes(o11y.Label{Key: "image", Value: imageID})
		defer span.End()
	}

	c, err := s.buildConn(sessionAddress(s.endpoint, s.userID, imageID))
	if err != nil {
		s.state.Store(int32(StateError))
		return ServiceAvailability{}, err
	}

	// The handshake subscription and the store binding are registered
	// before Connect so pushes arriving right after the upgrade are not
	// missed.
	handshakeCh := make(chan wire.SessionInitializedPayload, 1)
	unsubHandshake := c.On(wire.TypeSessionInitialized, func(ctx context.Context, msg wire.Message) {
		var payload wire.SessionInitializedPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			s.logger.Warn("ignoring malformed session-initialized payload", zap.Error(err))
			return
		}
		select {
		case handshakeCh <- payload:
		default:
		}
	})
	defer unsubHandshake()

	var unbindStore func()
	if s.store != nil {
		unbindStore = s.store.Bind(c.Dispatcher())
	}

	fail := func(err error) (ServiceAvailability, error) {
		if unbindStore != nil {
			unbindStore()
		}
		c.Disconnect()
		s.state.Store(int32(StateError))
		if span != nil {
			span.SetStatus(o11y.SpanStatusError, err.Error())
		}
		return ServiceAvailability{}, err
	}

	if err := c.Connect(ctx); err != nil {
		return fail(err)
	}

	select {
	case payload := <-handshakeCh:
		avail := ServiceAvailability{Running: payload.Running, Failed: payload.Failed}
		if len(avail.Running) == 0 {
			s.logger.Error("handshake reported no running services",
				zap.Strings("failed", avail.Failed))
			_, err := fail(ErrNoServices)
			return avail, err
		}

		if s.store != nil && payload.Objects != nil {
			s.store.Seed(ctx, payload.Objects)
		}

		s.mu.Lock()
		s.conn = c
		s.imageID = imageID
		s.availability = avail
		s.unbindStore = unbindStore
		s.mu.Unlock()

		s.state.Store(int32(StateReady))
		if span != nil {
			span.SetStatus(o11y.SpanStatusOK, "")
		}
		s.logger.Info("session ready",
			zap.String("image", imageID),
			zap.Strings("running", avail.Running),
			zap.Strings("failed", avail.Failed))
		return s.Availability(), nil

	case <-time.After(s.handshakeTimeout):
		return fail(ErrHandshakeTimeout)
	case <-ctx.Done():
		return fail(ctx.Err())
	}
}

// SwitchImage re-targets the session at another image on the same user
// identity. Switching to the current image is a no-op returning the
// current availability. Otherwise the current session is closed without
// a finish notification (switching is not finishing) and a new
// handshake runs.
func (s *Session) SwitchImage(ctx context.Context, imageID string) (ServiceAvailability, error) {
	s.mu.Lock()
	current := s.imageID
	s.mu.Unlock()

	if s.IsReady() && current == imageID {
		return s.Availability(), nil
	}

	s.logger.Info("switching image",
		zap.String("from", current),
		zap.String("to", imageID))

	s.teardown(ctx, false)
	if s.store != nil {
		s.store.Clear(ctx)
	}
	return s.Initialize(ctx, imageID)
}

// Close tears the session down. When sendFinish is set, a best-effort
// finish-annotation notification is emitted first; teardown happens
// regardless of whether that send succeeds.
func (s *Session) Close(ctx context.Context, sendFinish bool) error {
	s.teardown(ctx, sendFinish)
	return nil
}

func (s *Session) teardown(ctx context.Context, sendFinish bool) {
	s.mu.Lock()
	c := s.conn
	unbind := s.unbindStore
	s.conn = nil
	s.imageID = ""
	s.availability = ServiceAvailability{}
	s.unbindStore = nil
	s.mu.Unlock()

	s.state.Store(int32(StateUninitialized))

	if c == nil {
		return
	}

	if sendFinish {
		msg, err := wire.NewMessage(wire.TypeFinishAnnotation, nil)
		if err == nil {
			if err := c.Send(ctx, msg); err != nil {
				s.logger.Warn("failed to send finish notification", zap.Error(err))
			}
		}
	}

	if unbind != nil {
		unbind()
	}
	if err := c.Disconnect(); err != nil {
		s.logger.Warn("error during disconnect", zap.Error(err))
	}
}

func (s *Session) buildConn(address string) (*conn.Conn, error) {
	cb := conn.NewConn().
		WithURL(address).
		WithLogger(s.logger)
	if s.metricsProvider != nil {
		cb = cb.WithMetrics(s.metricsProvider)
	}
	if s.connConfigure != nil {
		s.connConfigure(cb)
	}
	return cb.Build()
}

// requireReady returns the live connection or ErrNotReady. Operations
// fail fast here rather than sending a request that cannot succeed.
func (s *Session) requireReady() (*conn.Conn, error) {
	if !s.IsReady() {
		return nil, ErrNotReady
	}
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return nil, ErrNotReady
	}
	return c, nil
}

// requireService additionally checks membership in the running service
// set established by the handshake.
func (s *Session) requireService(name string) (*conn.Conn, error) {
	c, err := s.requireReady()
	if err != nil {
		return nil, err
	}
	if !s.IsServiceAvailable(name) {
		return nil, fmt.Errorf("%w: %s", ErrServiceUnavailable, name)
	}
	return c, nil
}
