// Package config loads client configuration from HCL. Expressions have
// access to the process environment as `env` and a small function
// library, so endpoints and credentials can be composed rather than
// hardcoded:
//
//	client {
//	  endpoint = env.ANNOWIRE_ENDPOINT
//	  user_id  = 1042
//
//	  reconnect {
//	    max_delay   = "1m"
//	    max_retries = -1
//	  }
//	}
package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"

	"github.com/seglab/annowire/pkg/annowire/conn"
	"github.com/seglab/annowire/pkg/annowire/session"
)

type ConfigBuilder struct {
	logger  *zap.Logger
	sources []any
}

// ClientConfig is the decoded client block.
type ClientConfig struct {
	Endpoint         string `hcl:"endpoint"`
	UserID           int64  `hcl:"user_id,optional"`
	HandshakeTimeout string `hcl:"handshake_timeout,optional"`
	ConnectTimeout   string `hcl:"connect_timeout,optional"`
	RequestTimeout   string `hcl:"request_timeout,optional"`
	Queueing         *bool  `hcl:"queueing,optional"`
	WriteChannelSize int    `hcl:"write_channel_size,optional"`

	Reconnect *ReconnectConfig `hcl:"reconnect,block"`
}

// ReconnectConfig is the decoded reconnect block.
type ReconnectConfig struct {
	Enabled       *bool   `hcl:"enabled,optional"`
	InitialDelay  string  `hcl:"initial_delay,optional"`
	MaxDelay      string  `hcl:"max_delay,optional"`
	BackoffFactor float64 `hcl:"backoff_factor,optional"`
	MaxRetries    *int    `hcl:"max_retries,optional"`
}

type rootConfig struct {
	Client *ClientConfig `hcl:"client,block"`
}

// Config is the result of parsing and evaluating configuration sources.
type Config struct {
	Logger *zap.Logger
	Client ClientConfig

	handshakeTimeout time.Duration
	connectTimeout   time.Duration
	requestTimeout   time.Duration
	initialDelay     time.Duration
	maxDelay         time.Duration
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{
		sources: make([]any, 0),
	}
}

func (cb *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	cb.logger = logger
	return cb
}

// WithSources appends configuration sources: file paths, directories,
// or raw []byte HCL.
func (cb *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	cb.sources = append(cb.sources, sources...)
	return cb
}

func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	logger := cb.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bodies, diags := ParseConfigFiles(cb.sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	evalCtx := &hcl.EvalContext{
		Functions: GetFunctions(),
		Variables: map[string]cty.Value{
			"env": GetEnvObject(),
		},
	}

	config := &Config{Logger: logger}

	found := false
	for _, body := range bodies {
		var root rootConfig
		diags = diags.Extend(gohcl.DecodeBody(body, evalCtx, &root))
		if root.Client != nil {
			if found {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate client block",
					Detail:   "Only one client block may be defined across all configuration sources",
				})
				continue
			}
			found = true
			config.Client = *root.Client
		}
	}
	if diags.HasErrors() {
		return nil, diags
	}

	if !found {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Missing client block",
			Detail:   "Configuration must define a client block with at least an endpoint",
		})
		return nil, diags
	}

	diags = diags.Extend(config.parseDurations())
	if diags.HasErrors() {
		return nil, diags
	}

	logger.Info("Config built successfully")

	return config, diags
}

// parseDurations resolves the duration-string fields up front so errors
// surface at load time rather than on first use.
func (c *Config) parseDurations() hcl.Diagnostics {
	var diags hcl.Diagnostics

	parse := func(name, value string, into *time.Duration) {
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid duration",
				Detail:   fmt.Sprintf("%s must be a positive duration like \"30s\", got %q", name, value),
			})
			return
		}
		*into = d
	}

	parse("handshake_timeout", c.Client.HandshakeTimeout, &c.handshakeTimeout)
	parse("connect_timeout", c.Client.ConnectTimeout, &c.connectTimeout)
	parse("request_timeout", c.Client.RequestTimeout, &c.requestTimeout)
	if r := c.Client.Reconnect; r != nil {
		parse("initial_delay", r.InitialDelay, &c.initialDelay)
		parse("max_delay", r.MaxDelay, &c.maxDelay)
	}

	return diags
}

// SessionBuilder returns a session builder preconfigured from this
// configuration. Callers may chain further options (store, metrics)
// before Build.
func (c *Config) SessionBuilder() *session.SessionBuilder {
	sb := session.NewSession().
		WithEndpoint(c.Client.Endpoint).
		WithLogger(c.Logger)

	if c.Client.UserID > 0 {
		sb = sb.WithUserID(c.Client.UserID)
	}
	if c.handshakeTimeout > 0 {
		sb = sb.WithHandshakeTimeout(c.handshakeTimeout)
	}

	return sb.WithConnOptions(c.applyConnOptions)
}

func (c *Config) applyConnOptions(b *conn.ConnBuilder) {
	if c.connectTimeout > 0 {
		b.WithConnectTimeout(c.connectTimeout)
	}
	if c.requestTimeout > 0 {
		b.WithRequestTimeout(c.requestTimeout)
	}
	if c.Client.Queueing != nil {
		b.WithQueueing(*c.Client.Queueing)
	}
	if c.Client.WriteChannelSize > 0 {
		b.WithWriteChannelSize(c.Client.WriteChannelSize)
	}

	r := c.Client.Reconnect
	if r == nil {
		return
	}
	if r.Enabled != nil {
		b.WithReconnect(*r.Enabled)
	}
	if c.initialDelay > 0 {
		b.WithInitialDelay(c.initialDelay)
	}
	if c.maxDelay > 0 {
		b.WithMaxDelay(c.maxDelay)
	}
	if r.BackoffFactor > 1 {
		b.WithBackoffFactor(r.BackoffFactor)
	}
	if r.MaxRetries != nil {
		b.WithMaxRetries(*r.MaxRetries)
	}
}
