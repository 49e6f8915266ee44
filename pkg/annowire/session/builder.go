package session

import (
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/seglab/annowire/pkg/annowire/conn"
	"github.com/seglab/annowire/pkg/annowire/o11y"
	"github.com/seglab/annowire/pkg/annowire/objects"
)

// SessionBuilder provides a fluent interface for building sessions.
type SessionBuilder struct {
	endpoint         string
	userID           int64
	logger           *zap.Logger
	handshakeTimeout time.Duration
	store            *objects.Store
	metricsProvider  o11y.MetricsProvider
	tracingProvider  o11y.TracingProvider
	connConfigure    func(*conn.ConnBuilder)
}

// NewSession creates a new session builder. The default handshake
// timeout is 20 seconds; when no user id is configured, a numeric one
// is generated once and reused for every image this session visits.
func NewSession() *SessionBuilder {
	return &SessionBuilder{
		logger:           zap.NewNop(),
		handshakeTimeout: 20 * time.Second,
	}
}

// WithEndpoint sets the backend base URL, e.g. "wss://annotate.example.com".
func (b *SessionBuilder) WithEndpoint(endpoint string) *SessionBuilder {
	b.endpoint = endpoint
	return b
}

// WithUserID sets the numeric user identity encoded into the session
// address.
func (b *SessionBuilder) WithUserID(userID int64) *SessionBuilder {
	if userID > 0 {
		b.userID = userID
	}
	return b
}

// WithLogger sets the logger for the session.
func (b *SessionBuilder) WithLogger(logger *zap.Logger) *SessionBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithHandshakeTimeout sets how long Initialize waits for the
// session-initialized push. This timer is layered above the individual
// message timeout.
func (b *SessionBuilder) WithHandshakeTimeout(timeout time.Duration) *SessionBuilder {
	if timeout > 0 {
		b.handshakeTimeout = timeout
	}
	return b
}

// WithStore attaches an object store; the session binds its
// reconciliation handlers on initialize and seeds it from the handshake
// hierarchy.
func (b *SessionBuilder) WithStore(store *objects.Store) *SessionBuilder {
	b.store = store
	return b
}

// WithMetrics sets an optional metrics provider, propagated to the
// underlying connection.
func (b *SessionBuilder) WithMetrics(provider o11y.MetricsProvider) *SessionBuilder {
	b.metricsProvider = provider
	return b
}

// WithTracing sets an optional tracing provider; session establishment
// is traced as a span per handshake.
func (b *SessionBuilder) WithTracing(provider o11y.TracingProvider) *SessionBuilder {
	b.tracingProvider = provider
	return b
}

// WithConnOptions registers a hook that customizes the connection
// builder (timeouts, queueing, backoff) before each connection is
// built.
func (b *SessionBuilder) WithConnOptions(configure func(*conn.ConnBuilder)) *SessionBuilder {
	b.connConfigure = configure
	return b
}

// IsValid checks that all required configuration is present.
func (b *SessionBuilder) IsValid() error {
	if b.endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	return nil
}

// Build creates the session. No network traffic happens until
// Initialize.
func (b *SessionBuilder) Build() (*Session, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	userID := b.userID
	if userID == 0 {
		userID = rand.Int64N(1_000_000_000) + 1
	}

	return &Session{
		endpoint:         b.endpoint,
		userID:           userID,
		logger:           b.logger,
		handshakeTimeout: b.handshakeTimeout,
		store:            b.store,
		metricsProvider:  b.metricsProvider,
		tracingProvider:  b.tracingProvider,
		connConfigure:    b.connConfigure,
	}, nil
}
