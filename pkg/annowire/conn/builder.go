package conn

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/seglab/annowire/pkg/annowire/o11y"
)

// ConnBuilder provides a fluent interface for building connections.
type ConnBuilder struct {
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

	metricsProvider o11y.MetricsProvider
}

// NewConn creates a new connection builder with defaults: 10s connect
// timeout, 30s per-request timeout, offline queueing enabled, and
// reconnection with exponential backoff (1s initial, 30s cap, factor
// 2.0, 8 attempts).
func NewConn() *ConnBuilder {
	return &ConnBuilder{
		logger:           zap.NewNop(),
		connectTimeout:   10 * time.Second,
		requestTimeout:   30 * time.Second,
		queueing:         true,
		writeChannelSize: 64,
		reconnectEnabled: true,
		initialDelay:     1 * time.Second,
		maxDelay:         30 * time.Second,
		backoffFactor:    2.0,
		maxRetries:       8,
	}
}

// WithURL sets the WebSocket endpoint to connect to.
func (b *ConnBuilder) WithURL(url string) *ConnBuilder {
	b.url = url
	return b
}

// WithLogger sets the logger for the connection.
func (b *ConnBuilder) WithLogger(logger *zap.Logger) *ConnBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithConnectTimeout sets the timeout for establishing the transport.
func (b *ConnBuilder) WithConnectTimeout(timeout time.Duration) *ConnBuilder {
	if timeout > 0 {
		b.connectTimeout = timeout
	}
	return b
}

// WithRequestTimeout sets the per-request timeout for correlated
// requests.
func (b *ConnBuilder) WithRequestTimeout(timeout time.Duration) *ConnBuilder {
	if timeout > 0 {
		b.requestTimeout = timeout
	}
	return b
}

// WithQueueing enables or disables offline queueing. When disabled,
// sends while disconnected fail immediately with ErrNotConnected.
func (b *ConnBuilder) WithQueueing(enabled bool) *ConnBuilder {
	b.queueing = enabled
	return b
}

// WithWriteChannelSize sets the buffer size for the internal write
// channel.
func (b *ConnBuilder) WithWriteChannelSize(size int) *ConnBuilder {
	if size > 0 {
		b.writeChannelSize = size
	}
	return b
}

// WithReconnect enables or disables automatic reconnection on abnormal
// close.
func (b *ConnBuilder) WithReconnect(enabled bool) *ConnBuilder {
	b.reconnectEnabled = enabled
	return b
}

// WithInitialDelay sets the delay before the first reconnect attempt.
func (b *ConnBuilder) WithInitialDelay(delay time.Duration) *ConnBuilder {
	if delay > 0 {
		b.initialDelay = delay
	}
	return b
}

// WithMaxDelay caps the backoff delay between reconnect attempts.
func (b *ConnBuilder) WithMaxDelay(delay time.Duration) *ConnBuilder {
	if delay > 0 {
		b.maxDelay = delay
	}
	return b
}

// WithBackoffFactor sets the multiplier applied to the delay after each
// failed attempt. Values below 1.0 are ignored.
func (b *ConnBuilder) WithBackoffFactor(factor float64) *ConnBuilder {
	if factor >= 1.0 {
		b.backoffFactor = factor
	}
	return b
}

// WithMaxRetries sets the reconnect attempt cap. Use -1 for unlimited
// retries. Exceeding the cap is terminal: the connection enters the
// error state and stops retrying.
func (b *ConnBuilder) WithMaxRetries(retries int) *ConnBuilder {
	if retries >= -1 {
		b.maxRetries = retries
	}
	return b
}

// WithMetrics sets an optional metrics provider for connection
// instrumentation.
func (b *ConnBuilder) WithMetrics(provider o11y.MetricsProvider) *ConnBuilder {
	b.metricsProvider = provider
	return b
}

// IsValid checks that all required configuration is present.
func (b *ConnBuilder) IsValid() error {
	if b.url == "" {
		return fmt.Errorf("URL is required")
	}
	return nil
}

// Build creates a new connection with the configured options. The
// connection is not opened until Connect is called.
func (b *ConnBuilder) Build() (*Conn, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	c := &Conn{
		url:              b.url,
		logger:           b.logger,
		connectTimeout:   b.connectTimeout,
		requestTimeout:   b.requestTimeout,
		queueing:         b.queueing,
		writeChannelSize: b.writeChannelSize,
		reconnectEnabled: b.reconnectEnabled,
		initialDelay:     b.initialDelay,
		maxDelay:         b.maxDelay,
		backoffFactor:    b.backoffFactor,
		maxRetries:       b.maxRetries,
		dispatcher:       NewDispatcher(),
		pending:          make(map[string]*pendingRequest),
		stateSubs:        make(map[int64]func(State)),
	}

	if b.metricsProvider != nil {
		c.sentCounter = b.metricsProvider.Counter("annowire_messages_sent_total")
		c.receivedCounter = b.metricsProvider.Counter("annowire_messages_received_total")
		c.droppedCounter = b.metricsProvider.Counter("annowire_messages_dropped_total")
		c.reconnectCounter = b.metricsProvider.Counter("annowire_reconnect_attempts_total")
		c.pendingGauge = b.metricsProvider.Gauge("annowire_pending_requests")
		c.queueGauge = b.metricsProvider.Gauge("annowire_queued_messages")
	}

	return c, nil
}
