package realtime

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Clients log nothing by default.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces the clock used for call timeouts and reconnect timers.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithMetrics records client activity in m. One Metrics value may be shared
// by several clients.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithErrorEvents also publishes a Failure event, named "<id>.error", for
// every failed reply.
func WithErrorEvents() Option {
	return func(c *Client) { c.errorEvents = true }
}

func callFields(call *Call) []zap.Field {
	return []zap.Field{zap.String("id", call.ID), zap.String("call", call.Method)}
}
