package realtime

// Names of the connection lifecycle events.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventHeartbeat  = "heartbeat"

	errorSuffix   = ".error"
	timeoutSuffix = ".timeout"
)

// Event is a notification published by the client to its Notifier.
// The set of events is closed; Pushed carries every event name the client
// does not know about.
type Event interface {
	// Name is the topic subscribers listen on.
	Name() string
	isEvent()
}

// Notifier receives client events. Publish is never called while the client
// holds its internal lock.
type Notifier interface {
	Publish(ev Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ev Event)

func (f NotifierFunc) Publish(ev Event) { f(ev) }

// Connected is published when a transport opens.
type Connected struct{}

// Disconnected is published when the current transport closes.
type Disconnected struct {
	Err error
}

// Heartbeat is published when the transport reports a heartbeat.
type Heartbeat struct{}

// Reply is published under the call id after a successful reply.
type Reply struct {
	Call    *Call
	Message *Message
}

// Failure is published under "<id>.error" after a failed reply, when the
// client was built WithErrorEvents.
type Failure struct {
	Call    *Call
	Message *Message
}

// TimedOut is published under "<id>.timeout" when a call times out.
type TimedOut struct {
	Call *Call
}

// Pushed is an event originated by the server, published under its id.
type Pushed struct {
	Message *Message
}

func (Connected) Name() string    { return EventConnect }
func (Disconnected) Name() string { return EventDisconnect }
func (Heartbeat) Name() string    { return EventHeartbeat }
func (e Reply) Name() string      { return e.Message.ID }
func (e Failure) Name() string    { return e.Call.ID + errorSuffix }
func (e TimedOut) Name() string   { return e.Call.ID + timeoutSuffix }
func (e Pushed) Name() string     { return e.Message.ID }

func (Connected) isEvent()    {}
func (Disconnected) isEvent() {}
func (Heartbeat) isEvent()    {}
func (Reply) isEvent()        {}
func (Failure) isEvent()      {}
func (TimedOut) isEvent()     {}
func (Pushed) isEvent()       {}
