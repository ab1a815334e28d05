package realtime

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Client issues named calls over a transport it dials lazily and redials
// with backoff whenever the transport drops. Replies are matched to calls
// by id; messages with unknown ids are published as server-pushed events.
//
// All state is guarded by mu. Bookkeeping for a resolved call is finished
// and mu released before any handler or Notifier runs, so handlers may call
// back into the client.
type Client struct {
	dialer      Dialer
	notifier    Notifier
	logger      *zap.Logger
	clock       clock.Clock
	metrics     *Metrics
	errorEvents bool
	newID       func() string

	mu             sync.Mutex
	conn           Transport // nil when no transport is live
	gen            uint64    // incremented per dial; tags transport notifications
	isOpen         bool
	shuttingDown   bool
	queued         []*Call
	active         map[string]*Call
	reconnectFails int
	reconnectTimer *clock.Timer
	reconnectSeq   uint64
}

// NewClient returns a client that dials through d and publishes events to n.
// No connection is made until the first call.
func NewClient(d Dialer, n Notifier, opts ...Option) *Client {
	c := &Client{
		dialer:   d,
		notifier: n,
		logger:   zap.NewNop(),
		clock:    clock.New(),
		active:   make(map[string]*Call),
		newID:    NewCallID,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifier == nil {
		c.notifier = NotifierFunc(func(Event) {})
	}
	return c
}

// Call enqueues a call to method and returns its id. The call is sent as
// soon as a transport is open. After Shutdown it returns ErrShutdown and
// does nothing else.
func (c *Client) Call(method string, args any, opts ...CallOption) (string, error) {
	payload, err := encodeArgs(args)
	if err != nil {
		return "", fmt.Errorf("realtime: encode %s args: %w", method, err)
	}
	call := &Call{Method: method, Args: payload}
	for _, opt := range opts {
		opt(call)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shuttingDown {
		return "", ErrShutdown
	}
	call.ID = c.allocID()
	if call.Timeout > 0 {
		id := call.ID
		call.timer = c.clock.AfterFunc(call.Timeout, func() { c.onTimeout(id) })
	}
	c.queued = append(c.queued, call)
	c.metrics.called()
	c.connect()
	c.tick()
	return call.ID, nil
}

// allocID returns a fresh id that no queued or in-flight call uses.
func (c *Client) allocID() string {
	for {
		id := c.newID()
		if _, ok := c.active[id]; ok {
			continue
		}
		taken := false
		for _, q := range c.queued {
			if q.ID == id {
				taken = true
				break
			}
		}
		if !taken {
			return id
		}
	}
}

// connect dials a new transport unless one is live or the client is
// shutting down. Must hold mu.
func (c *Client) connect() {
	if c.shuttingDown || c.conn != nil {
		return
	}
	c.gen++
	c.logger.Debug("dialing", zap.Uint64("gen", c.gen))
	c.conn = c.dialer.Dial(&session{c: c, gen: c.gen})
	if c.conn == nil {
		c.logger.Warn("dialer returned no transport")
		c.scheduleReconnect()
	}
}

// tick sends queued calls, newest first, while a transport is open.
// The LIFO order is inherited behaviour; callers must not rely on calls
// reaching the server in the order they were made. Must hold mu.
func (c *Client) tick() {
	for c.isOpen && len(c.queued) > 0 && !c.shuttingDown && c.conn != nil {
		last := len(c.queued) - 1
		call := c.queued[last]
		c.queued[last] = nil
		c.queued = c.queued[:last]
		c.active[call.ID] = call
		c.metrics.addInflight(1)

		b, err := MakeCallMsg(call)
		if err == nil {
			err = c.conn.Send(b)
		}
		if err != nil {
			// The call stays in flight; only its timeout can resolve it now.
			c.logger.Warn("send failed", append(callFields(call), zap.Error(err))...)
		}
	}
}

// scheduleReconnect counts a failure and arms the single reconnect timer.
// Must hold mu.
func (c *Client) scheduleReconnect() {
	c.reconnectFails++
	c.metrics.disconnected()
	if c.shuttingDown {
		return
	}
	c.stopReconnectTimer()
	d := ReconnectDelay(c.reconnectFails)
	c.reconnectSeq++
	seq := c.reconnectSeq
	c.reconnectTimer = c.clock.AfterFunc(d, func() { c.reconnect(seq) })
	c.logger.Debug("reconnect scheduled",
		zap.Int("failures", c.reconnectFails), zap.Duration("delay", d))
}

func (c *Client) stopReconnectTimer() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) reconnect(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.reconnectSeq || c.reconnectTimer == nil {
		return
	}
	c.reconnectTimer = nil
	c.connect()
}

// live reports whether notifications tagged gen come from the current
// transport. Must hold mu.
func (c *Client) live(gen uint64) bool {
	return gen == c.gen && c.conn != nil
}

func (c *Client) onOpen(gen uint64) {
	c.mu.Lock()
	if !c.live(gen) {
		c.mu.Unlock()
		return
	}
	c.isOpen = true
	c.reconnectFails = 0
	c.tick()
	c.stopReconnectTimer()
	c.mu.Unlock()

	c.logger.Info("connected", zap.Uint64("gen", gen))
	c.notifier.Publish(Connected{})
}

func (c *Client) onClose(gen uint64, err error) {
	c.mu.Lock()
	// A transport closed by Close still reports here; one replaced by a
	// newer dial does not.
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.isOpen = false
	c.conn = nil
	c.scheduleReconnect()
	c.mu.Unlock()

	c.logger.Info("disconnected", zap.Uint64("gen", gen), zap.Error(err))
	c.notifier.Publish(Disconnected{Err: err})
}

func (c *Client) onHeartbeat(gen uint64) {
	c.mu.Lock()
	if !c.live(gen) {
		c.mu.Unlock()
		return
	}
	c.tick()
	c.mu.Unlock()
	c.notifier.Publish(Heartbeat{})
}

func (c *Client) onMessage(gen uint64, f Frame) {
	if f.Type != FrameMessage {
		return
	}
	msg, err := ParseMsg(f.Data)
	if err != nil {
		c.logger.Debug("dropping frame", zap.Error(err))
		return
	}

	c.mu.Lock()
	if !c.live(gen) {
		c.mu.Unlock()
		return
	}
	call, inflight := c.active[msg.ID]
	if inflight {
		delete(c.active, msg.ID)
		call.stopTimer()
		c.metrics.addInflight(-1)
	}
	c.mu.Unlock()

	switch {
	case inflight && msg.OK():
		c.metrics.replied(true)
		if call.onSuccess != nil {
			call.onSuccess(msg, call)
		}
		c.notifier.Publish(Reply{Call: call, Message: msg})
	case inflight:
		c.metrics.replied(false)
		if call.onError != nil {
			call.onError(&ReplyError{Message: msg}, call)
		}
		if c.errorEvents {
			c.notifier.Publish(Failure{Call: call, Message: msg})
		}
	case msg.OK():
		c.metrics.pushedEvent()
		c.notifier.Publish(Pushed{Message: msg})
	default:
		c.logger.Debug("dropping failed event", zap.String("id", msg.ID))
	}
}

func (c *Client) onTimeout(id string) {
	c.mu.Lock()
	call, ok := c.active[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.active, id)
	call.stopTimer()
	c.metrics.addInflight(-1)
	c.mu.Unlock()

	c.metrics.timedOut()
	c.logger.Debug("call timed out", callFields(call)...)
	if call.onError != nil {
		call.onError(ErrTimeout, call)
	}
	c.notifier.Publish(TimedOut{Call: call})
}

// Close closes the current transport. During shutdown it also fails every
// queued call with ErrShutdown. Calls already in flight are left alone;
// only their timeout can still resolve them.
func (c *Client) Close() error {
	c.mu.Lock()
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
		c.isOpen = false
	}
	var cancelled []*Call
	if c.shuttingDown {
		cancelled = c.queued
		c.queued = nil
		for _, call := range cancelled {
			call.stopTimer()
		}
	}
	c.mu.Unlock()

	for _, call := range cancelled {
		if call.onError != nil {
			call.onError(ErrShutdown, call)
		}
	}
	return err
}

// Shutdown stops the client for good: no transport is dialed again, queued
// calls fail with ErrShutdown and later calls are rejected.
func (c *Client) Shutdown() {
	c.mu.Lock()
	c.stopReconnectTimer()
	c.shuttingDown = true
	c.mu.Unlock()
	if err := c.Close(); err != nil {
		c.logger.Warn("close transport", zap.Error(err))
	}
}

// IsOpen reports whether a transport is currently open.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOpen
}

// Pending returns the number of queued and in-flight calls.
func (c *Client) Pending() (queued, inflight int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queued), len(c.active)
}

// ReconnectFailures returns the number of closes since the last open.
func (c *Client) ReconnectFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectFails
}

// session routes the notifications of one transport to its client.
type session struct {
	c   *Client
	gen uint64
}

func (s *session) OnOpen()           { s.c.onOpen(s.gen) }
func (s *session) OnClose(err error) { s.c.onClose(s.gen, err) }
func (s *session) OnMessage(f Frame) { s.c.onMessage(s.gen, f) }
func (s *session) OnHeartbeat()      { s.c.onHeartbeat(s.gen) }
