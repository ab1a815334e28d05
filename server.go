package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

// MaxArgs is the largest number of keys a call's args object may have.
const MaxArgs = 20

// Server answers calls from realtime clients over websocket connections.
// It implements http.Handler.
type Server struct {
	// Handlers associated with this server.
	Handlers *Handlers

	// Interval between heartbeat frames. Zero disables heartbeats.
	HeartbeatInterval time.Duration

	// Called in the connection's read goroutine after it has been accepted;
	// no call is served until it returns.
	OnAccept func(*Peer)

	// Called after a connection has ended, once its Peer.OnClose hooks ran.
	OnClose func(*Peer)

	// Limits bounds concurrent calls across all peers. Nil means unlimited.
	Limits *Limits

	Logger *zap.Logger
	Clock  clock.Clock
}

func NewServer(h *Handlers) *Server {
	return &Server{Handlers: h}
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(s.serve).ServeHTTP(w, r)
}

func (s *Server) serve(ws *websocket.Conn) {
	p := newPeer(ws, s.logger())
	defer func() {
		p.finish()
		if s.OnClose != nil {
			s.OnClose(p)
		}
	}()

	p.logger.Debug("accepted")
	if s.OnAccept != nil {
		s.OnAccept(p)
	}
	if s.HeartbeatInterval > 0 {
		clk := s.Clock
		if clk == nil {
			clk = clock.New()
		}
		go p.heartbeat(clk, s.HeartbeatInterval)
	}

	for {
		var data []byte
		if err := websocket.Message.Receive(ws, &data); err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		s.dispatch(p, data)
	}
}

// dispatch validates one call frame and runs its handler. Frames that cannot
// be answered are dropped.
func (s *Server) dispatch(p *Peer, data []byte) {
	if !gjson.ValidBytes(data) {
		p.logger.Debug("dropping frame: not JSON")
		return
	}
	msg := gjson.ParseBytes(data)
	if !msg.IsObject() {
		p.logger.Debug("dropping frame: not an object")
		return
	}
	nkeys := 0
	msg.ForEach(func(_, _ gjson.Result) bool {
		nkeys++
		return true
	})
	id, call, args := msg.Get("id"), msg.Get("call"), msg.Get("args")
	if nkeys != 3 || !id.Exists() || !call.Exists() || !args.Exists() {
		p.logger.Debug("dropping frame: unexpected keys")
		return
	}
	if id.Type != gjson.String {
		p.logger.Debug("dropping frame: id is not a string")
		return
	}
	if !args.IsObject() {
		p.fail(id.Str, map[string]string{"args": "Invalid"})
		return
	}
	nargs := 0
	args.ForEach(func(_, _ gjson.Result) bool {
		nargs++
		return true
	})
	if nargs > MaxArgs {
		p.fail(id.Str, map[string]string{"args": "Too Many"})
		return
	}

	req := &Request{ID: id.Str, Method: call.String(), Args: json.RawMessage(args.Raw)}
	h := s.Handlers.Find(req.Method)
	if h == nil {
		p.logger.Warn("unknown call", zap.String("call", req.Method))
		p.fail(req.ID, map[string]string{"call": "Unknown"})
		return
	}
	if !s.Limits.acquire() {
		p.logger.Warn("call limit reached", zap.String("call", req.Method))
		p.fail(req.ID, map[string]any{"call": "Busy", "wait": limitWait()})
		return
	}
	defer s.Limits.release()
	s.invoke(p, h, req)
}

func (s *Server) invoke(p *Peer, h CallHandler, req *Request) {
	fields := []zap.Field{zap.String("id", req.ID), zap.String("call", req.Method)}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panicked", append(fields, zap.Any("panic", r))...)
			p.fail(req.ID, map[string]string{"call": "Server Error"})
		}
	}()

	p.logger.Debug("call", append(fields, zap.ByteString("args", req.Args))...)
	result, err := h(p, req)
	if err != nil {
		var herr *HandlerError
		if errors.As(err, &herr) {
			p.fail(req.ID, herr.Payload)
			return
		}
		p.logger.Error("handler failed", append(fields, zap.Error(err))...)
		p.fail(req.ID, map[string]string{"call": "Server Error"})
		return
	}
	if result != nil {
		if err := p.Reply(req.ID, result); err != nil {
			p.logger.Warn("reply failed", append(fields, zap.Error(err))...)
		}
	}
}

// Peer is one client connection accepted by a Server.
type Peer struct {
	ws     *websocket.Conn
	logger *zap.Logger
	done   chan struct{}

	mu       sync.Mutex
	state    map[string]any
	closeFns []func(*Peer)
}

func newPeer(ws *websocket.Conn, logger *zap.Logger) *Peer {
	p := &Peer{ws: ws, done: make(chan struct{}), state: make(map[string]any)}
	p.logger = logger.With(zap.String("peer", p.Addr()))
	return p
}

// Addr returns the remote address of the connection.
func (p *Peer) Addr() string {
	if p.ws != nil && p.ws.Request() != nil {
		return p.ws.Request().RemoteAddr
	}
	return ""
}

// Reply answers call id with a successful reply built from v.
func (p *Peer) Reply(id string, v any) error {
	return p.respond(id, 1, v)
}

// Fail answers call id with a failed reply built from v.
func (p *Peer) Fail(id string, v any) error {
	return p.respond(id, 0, v)
}

// Push sends the event name to the client. Names starting with IDPrefix are
// reserved for call replies.
func (p *Peer) Push(name string, v any) error {
	if IsCallID(name) {
		return fmt.Errorf("%w: %q", ErrReservedEventName, name)
	}
	return p.respond(name, 1, v)
}

func (p *Peer) fail(id string, v any) {
	if err := p.Fail(id, v); err != nil {
		p.logger.Warn("reply failed", zap.String("id", id), zap.Error(err))
	}
}

// respond encodes v as a JSON object and stamps it with id and status.
// Values that do not encode to an object are wrapped as {"result": v}.
func (p *Peer) respond(id string, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: encode reply %s: %w", id, err)
	}
	if v == nil || !gjson.ParseBytes(b).IsObject() {
		if v == nil {
			b = []byte("{}")
		} else if b, err = sjson.SetRawBytes([]byte("{}"), "result", b); err != nil {
			return err
		}
	}
	if b, err = sjson.SetBytes(b, "id", id); err != nil {
		return err
	}
	if b, err = sjson.SetBytes(b, StatusField, status); err != nil {
		return err
	}
	return p.send(b)
}

func (p *Peer) send(b []byte) error {
	return websocket.Message.Send(p.ws, string(b))
}

// Set stores a per-connection value.
func (p *Peer) Set(key string, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state[key] = v
}

// Get returns a per-connection value, or nil.
func (p *Peer) Get(key string) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state[key]
}

// OnClose registers fn to run when the connection ends.
func (p *Peer) OnClose(fn func(*Peer)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeFns = append(p.closeFns, fn)
}

// Close ends the connection.
func (p *Peer) Close() error {
	return p.ws.Close()
}

func (p *Peer) heartbeat(clk clock.Clock, d time.Duration) {
	t := clk.Ticker(d)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.C:
			if err := p.send([]byte(HeartbeatFrame)); err != nil {
				return
			}
		}
	}
}

func (p *Peer) finish() {
	close(p.done)
	p.ws.Close()
	p.mu.Lock()
	fns := p.closeFns
	p.closeFns = nil
	p.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}
