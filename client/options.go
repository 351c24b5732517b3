package client

import (
	"io"
	"log/slog"
	"time"
)

// DefaultGracePeriod is how long Close waits for a plugin to exit after its
// stdin is closed before killing it.
const DefaultGracePeriod = 2 * time.Second

// Option configures Open and NewClient.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	stderr      io.Writer
	metrics     *Metrics
	grace       time.Duration
	env         []string
	args        []string
	maxLineSize int
}

func newOptions(opts []Option) *options {
	o := &options{grace: DefaultGracePeriod}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// WithLogger sets the logger for session events and plugin diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStderr sends the plugin's stderr to w instead of the logger.
func WithStderr(w io.Writer) Option {
	return func(o *options) { o.stderr = w }
}

// WithMetrics records requests and sessions in m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) { o.grace = d }
}

// WithEnv sets the plugin's environment. Nil inherits the host's.
func WithEnv(env []string) Option {
	return func(o *options) { o.env = env }
}

// WithArgs passes extra arguments after the marker flag.
func WithArgs(args ...string) Option {
	return func(o *options) { o.args = args }
}

// WithMaxLineSize bounds result lines; zero selects transport.DefaultMaxLineSize.
func WithMaxLineSize(n int) Option {
	return func(o *options) { o.maxLineSize = n }
}
