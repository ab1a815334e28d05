// Package shell is the application hub a realtime client publishes into.
//
// It carries two buses. Events from a realtime.Client are published on the
// event bus under their name; the ready and shutdown lifecycle signals live on
// a separate bus so a pushed event can never trigger them.
//
// Handlers run on bus goroutines, never in the publisher's goroutine. Events
// of one name are delivered in publish order; events of different names may
// be handled concurrently. Handlers may call On, Once, Off and the lifecycle
// methods. A handler that publishes the event it is handling blocks forever.
// Wait blocks until every published event and signal has been handled.
package shell

import (
	"fmt"
	"sync"

	evbus "github.com/asaskevich/EventBus"
	"go.uber.org/zap"

	"github.com/camaste/realtime"
)

const (
	topicReady    = "ready"
	topicShutdown = "shutdown"
)

// Handler receives events published under the name it subscribed to.
type Handler func(realtime.Event)

// Shutdowner is anything that can be shut down by the hub, typically a
// *realtime.Client.
type Shutdowner interface {
	Shutdown()
}

// Subscription identifies one handler registered with On or Once.
type Subscription struct {
	name string
	fn   Handler
	once bool
}

// Hub fans out realtime events and lifecycle signals to subscribers.
type Hub struct {
	events    evbus.Bus
	lifecycle evbus.Bus
	logger    *zap.Logger

	mu   sync.Mutex
	subs map[string][]*Subscription

	// busMu guards bridges and orders bridge (un)subscription. deliver
	// never takes it.
	busMu   sync.Mutex
	bridges map[string]func(realtime.Event)

	lifeMu   sync.Mutex
	ready    bool
	shutdown bool
}

type Option func(*Hub)

func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

func New(opts ...Option) *Hub {
	h := &Hub{
		events:    evbus.New(),
		lifecycle: evbus.New(),
		logger:    zap.NewNop(),
		subs:      make(map[string][]*Subscription),
		bridges:   make(map[string]func(realtime.Event)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish delivers ev to the handlers subscribed to ev.Name().
// It implements realtime.Notifier.
func (h *Hub) Publish(ev realtime.Event) {
	name := ev.Name()
	if !h.events.HasCallback(name) {
		h.logger.Debug("no subscribers", zap.String("event", name))
		return
	}
	h.events.Publish(name, ev)
}

// On subscribes fn to events named name.
func (h *Hub) On(name string, fn Handler) (*Subscription, error) {
	return h.subscribe(name, fn, false)
}

// Once subscribes fn to the next event named name.
func (h *Hub) Once(name string, fn Handler) (*Subscription, error) {
	return h.subscribe(name, fn, true)
}

func (h *Hub) subscribe(name string, fn Handler, once bool) (*Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("shell: nil handler for %q", name)
	}
	sub := &Subscription{name: name, fn: fn, once: once}
	h.mu.Lock()
	h.subs[name] = append(h.subs[name], sub)
	h.mu.Unlock()

	h.busMu.Lock()
	defer h.busMu.Unlock()
	if _, ok := h.bridges[name]; ok {
		return sub, nil
	}
	bridge := func(ev realtime.Event) { h.deliver(name, ev) }
	if err := h.events.SubscribeAsync(name, bridge, true); err != nil {
		h.mu.Lock()
		h.detach(sub)
		h.mu.Unlock()
		return nil, fmt.Errorf("shell: subscribe %q: %w", name, err)
	}
	h.bridges[name] = bridge
	return sub, nil
}

// Off removes a subscription. Removing one twice is a no-op.
func (h *Hub) Off(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	h.mu.Lock()
	last := h.detach(sub)
	h.mu.Unlock()
	if !last {
		return nil
	}
	return h.dropBridge(sub.name)
}

// detach removes sub and reports whether its name has no subscribers left.
// Must hold mu.
func (h *Hub) detach(sub *Subscription) bool {
	subs := h.subs[sub.name]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) > 0 {
		h.subs[sub.name] = subs
		return false
	}
	delete(h.subs, sub.name)
	return true
}

// dropBridge unsubscribes the bridge for name unless a subscriber arrived
// since the last one left.
func (h *Hub) dropBridge(name string) error {
	h.busMu.Lock()
	defer h.busMu.Unlock()
	h.mu.Lock()
	live := len(h.subs[name]) > 0
	h.mu.Unlock()
	bridge, ok := h.bridges[name]
	if live || !ok {
		return nil
	}
	delete(h.bridges, name)
	if err := h.events.Unsubscribe(name, bridge); err != nil {
		return fmt.Errorf("shell: unsubscribe %q: %w", name, err)
	}
	return nil
}

// deliver runs on a bus goroutine for every event named name. One-shot
// subscriptions are detached before any handler runs.
func (h *Hub) deliver(name string, ev realtime.Event) {
	h.mu.Lock()
	subs := append([]*Subscription(nil), h.subs[name]...)
	last := false
	for _, s := range subs {
		if s.once {
			last = h.detach(s)
		}
	}
	h.mu.Unlock()

	if last {
		if err := h.dropBridge(name); err != nil {
			h.logger.Warn("drop bridge", zap.String("event", name), zap.Error(err))
		}
	}
	for _, s := range subs {
		s.fn(ev)
	}
}

// OnReady runs fn when the hub becomes ready, or right away if it already is.
func (h *Hub) OnReady(fn func()) error {
	h.lifeMu.Lock()
	if h.ready {
		h.lifeMu.Unlock()
		fn()
		return nil
	}
	defer h.lifeMu.Unlock()
	return h.lifecycle.SubscribeOnceAsync(topicReady, fn)
}

// Ready signals that the application finished starting. Later calls are
// no-ops.
func (h *Hub) Ready() {
	h.lifeMu.Lock()
	if h.ready {
		h.lifeMu.Unlock()
		return
	}
	h.ready = true
	h.lifeMu.Unlock()
	h.logger.Debug("ready")
	h.lifecycle.Publish(topicReady)
}

// OnShutdown runs fn when the hub shuts down, or right away if it already
// has.
func (h *Hub) OnShutdown(fn func()) error {
	h.lifeMu.Lock()
	if h.shutdown {
		h.lifeMu.Unlock()
		fn()
		return nil
	}
	defer h.lifeMu.Unlock()
	return h.lifecycle.SubscribeOnceAsync(topicShutdown, fn)
}

// Bind shuts c down together with the hub.
func (h *Hub) Bind(c Shutdowner) error {
	return h.OnShutdown(c.Shutdown)
}

// Shutdown signals shutdown to every lifecycle subscriber. It is
// irreversible; later calls are no-ops. Use Wait to block until the
// subscribers have run.
func (h *Hub) Shutdown() {
	h.lifeMu.Lock()
	if h.shutdown {
		h.lifeMu.Unlock()
		return
	}
	h.shutdown = true
	h.lifeMu.Unlock()
	h.logger.Debug("shutdown")
	h.lifecycle.Publish(topicShutdown)
}

// IsShutdown reports whether Shutdown was called.
func (h *Hub) IsShutdown() bool {
	h.lifeMu.Lock()
	defer h.lifeMu.Unlock()
	return h.shutdown
}

// Wait blocks until every event and lifecycle signal published so far has
// been handled. It must not be called from a handler.
func (h *Hub) Wait() {
	h.lifecycle.WaitAsync()
	h.events.WaitAsync()
}
