package realtime

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

// frameCodec moves raw frames, keeping track of the websocket payload type so
// text messages can be told apart from binary ones.
var frameCodec = websocket.Codec{Marshal: marshalFrame, Unmarshal: unmarshalFrame}

func marshalFrame(v interface{}) ([]byte, byte, error) {
	switch p := v.(type) {
	case []byte:
		return p, websocket.TextFrame, nil
	case string:
		return []byte(p), websocket.TextFrame, nil
	}
	return nil, websocket.UnknownFrame, websocket.ErrNotSupported
}

func unmarshalFrame(data []byte, payloadType byte, v interface{}) error {
	f, ok := v.(*Frame)
	if !ok {
		return websocket.ErrNotSupported
	}
	f.Data = data
	switch payloadType {
	case websocket.TextFrame:
		f.Type = FrameMessage
	case websocket.BinaryFrame:
		f.Type = FrameBinary
	default:
		f.Type = FrameControl
	}
	return nil
}

// WebSocketDialer dials websocket transports. A text frame "h" is reported
// as a heartbeat; every other text frame is a message.
type WebSocketDialer struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Origin sent in the handshake. Derived from URL when empty.
	Origin string

	// Optional websocket subprotocol.
	Protocol string

	// TLS configuration for wss:// URLs. Defaults to a config trusting
	// TLSCertPool().
	TLSConfig *tls.Config

	// Limits the handshake. Zero means no limit.
	DialTimeout time.Duration

	Logger *zap.Logger
}

func (d *WebSocketDialer) config() (*websocket.Config, error) {
	origin := d.Origin
	if origin == "" {
		u, err := url.Parse(d.URL)
		if err != nil {
			return nil, err
		}
		scheme := "http"
		if u.Scheme == "wss" {
			scheme = "https"
		}
		origin = scheme + "://" + u.Host
	}
	cfg, err := websocket.NewConfig(d.URL, origin)
	if err != nil {
		return nil, err
	}
	if d.Protocol != "" {
		cfg.Protocol = []string{d.Protocol}
	}
	if cfg.Location.Scheme == "wss" {
		cfg.TlsConfig = d.TLSConfig
		if cfg.TlsConfig == nil {
			cfg.TlsConfig = &tls.Config{RootCAs: TLSCertPool()}
		}
	}
	return cfg, nil
}

// Dial starts connecting in the background and returns immediately.
func (d *WebSocketDialer) Dial(h TransportHandler) Transport {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &wsTransport{h: h, cancel: cancel, logger: logger.With(zap.String("url", d.URL))}
	go t.run(ctx, d)
	return t
}

type wsTransport struct {
	h      TransportHandler
	cancel context.CancelFunc
	logger *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn // set once the handshake completed
	closed bool

	closeOnce sync.Once
}

func (t *wsTransport) run(ctx context.Context, d *WebSocketDialer) {
	cfg, err := d.config()
	if err != nil {
		t.finish(fmt.Errorf("realtime: websocket config: %w", err))
		return
	}

	dialCtx := ctx
	if d.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d.DialTimeout)
		defer cancel()
	}
	ws, err := cfg.DialContext(dialCtx)
	if err != nil {
		t.finish(fmt.Errorf("realtime: dial %s: %w", d.URL, err))
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		ws.Close()
		t.finish(ErrNotOpen)
		return
	}
	t.conn = ws
	t.mu.Unlock()

	t.h.OnOpen()
	for {
		var f Frame
		if err := frameCodec.Receive(ws, &f); err != nil {
			t.finish(err)
			return
		}
		if f.Type == FrameMessage && string(f.Data) == HeartbeatFrame {
			t.h.OnHeartbeat()
			continue
		}
		t.h.OnMessage(f)
	}
}

// finish closes the connection and reports OnClose exactly once.
func (t *wsTransport) finish(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		ws := t.conn
		t.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		t.cancel()
		t.logger.Debug("transport closed", zap.Error(err))
		t.h.OnClose(err)
	})
}

func (t *wsTransport) Send(p []byte) error {
	t.mu.Lock()
	ws, closed := t.conn, t.closed
	t.mu.Unlock()
	if ws == nil || closed {
		return ErrNotOpen
	}
	return frameCodec.Send(ws, p)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	ws := t.conn
	t.mu.Unlock()
	t.cancel()
	if ws != nil {
		return ws.Close()
	}
	return nil
}
