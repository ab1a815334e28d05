package realtime

// FrameType tells data frames apart from everything else a transport reads.
type FrameType int

const (
	// FrameMessage is a text data frame carrying a JSON message.
	FrameMessage FrameType = iota
	// FrameBinary is a binary data frame. The client ignores it.
	FrameBinary
	// FrameControl is any other frame the transport chose to surface.
	FrameControl
)

// Frame is one message read from a transport.
type Frame struct {
	Type FrameType
	Data []byte
}

// Transport is one connection attempt. It is owned by the client that dialed
// it and is never reused after it closes.
type Transport interface {
	// Send writes one text frame. It returns ErrNotOpen before OnOpen.
	Send(p []byte) error
	// Close closes the connection. OnClose still follows, asynchronously.
	Close() error
}

// TransportHandler receives the notifications of one transport. Each method
// may be called from any goroutine; OnClose is called at most once.
type TransportHandler interface {
	OnOpen()
	OnClose(err error)
	OnMessage(f Frame)
	OnHeartbeat()
}

// Dialer creates transports. Dial must return without blocking on the
// network and must not call h before returning.
type Dialer interface {
	Dial(h TransportHandler) Transport
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(h TransportHandler) Transport

func (f DialerFunc) Dial(h TransportHandler) Transport { return f(h) }
