package realtime

import (
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
)

// SuccessFunc receives the reply of a call whose status is positive.
type SuccessFunc func(msg *Message, call *Call)

// ErrorFunc receives the failure of a call: a *ReplyError for a failed
// reply, ErrTimeout, or ErrShutdown.
type ErrorFunc func(err error, call *Call)

// Call is a pending or in-flight remote invocation.
type Call struct {
	ID      string
	Method  string
	Args    json.RawMessage
	Timeout time.Duration

	onSuccess SuccessFunc
	onError   ErrorFunc
	timer     *clock.Timer // guarded by Client.mu
}

// CallOption configures a single call.
type CallOption func(*Call)

// OnSuccess sets the handler invoked once when a successful reply arrives.
func OnSuccess(fn SuccessFunc) CallOption {
	return func(c *Call) { c.onSuccess = fn }
}

// OnError sets the handler invoked once when the call fails, times out or is
// cancelled by shutdown.
func OnError(fn ErrorFunc) CallOption {
	return func(c *Call) { c.onError = fn }
}

// Timeout fails the call with ErrTimeout if no reply arrived within d of
// Client.Call returning. Zero disables the timeout.
func Timeout(d time.Duration) CallOption {
	return func(c *Call) { c.Timeout = d }
}

func (c *Call) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
