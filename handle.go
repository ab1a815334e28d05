package realtime

import (
	"encoding/json"
	"errors"
	"reflect"
	"sync"
)

// Request is a decoded call frame received by a Server.
type Request struct {
	ID     string
	Method string
	Args   json.RawMessage
}

// CallHandler serves one call. A non-nil result is sent as a successful
// reply; a nil result sends nothing and leaves replying to the handler.
type CallHandler func(p *Peer, req *Request) (any, error)

// Handlers maps call names to handlers.
type Handlers struct {
	mu       sync.RWMutex
	calls    map[string]CallHandler
	fallback CallHandler
}

func NewHandlers() *Handlers {
	return &Handlers{calls: make(map[string]CallHandler)}
}

// Handle registers fn for method, decoding args from JSON into fn's
// parameter type.
//
// fn must conform to one of the following signatures:
//
//	func(*Peer, string, A) (R, error) -- takes peer, method and args
//	func(*Peer, A) (R, error)         -- takes peer and args
//	func(A) (R, error)                -- takes args, but no peer
//	func(*Peer) (R, error)            -- takes no args
//	func() (R, error)                 -- takes no peer or args
//
// Where optionally R can be omitted, i.e. func(A) error. Such handlers reply
// with an empty object on success.
//
// If method is empty, fn handles every call without a specific handler.
func (h *Handlers) Handle(method string, fn interface{}) {
	h.HandleCall(method, wrapFuncHandler(fn))
}

// HandleCall registers a raw handler for method. If method is empty, fn
// handles every call without a specific handler.
func (h *Handlers) HandleCall(method string, fn CallHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if method == "" {
		h.fallback = fn
	} else {
		h.calls[method] = fn
	}
}

// Find returns the handler for method, or nil.
func (h *Handlers) Find(method string) CallHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if fn := h.calls[method]; fn != nil {
		return fn
	}
	return h.fallback
}

// HandlerError makes a handler reply with Payload as a failure instead of
// the generic server error.
type HandlerError struct {
	Payload any
}

func (e *HandlerError) Error() string {
	b, _ := json.Marshal(e.Payload)
	return "realtime: call rejected: " + string(b)
}

// Reject returns an error that fails the call with payload.
func Reject(payload any) error {
	return &HandlerError{Payload: payload}
}

// -------------------------------------------------------------------------------------

var (
	errMsgBadHandler = "invalid handler func signature (see realtime.Handlers)"
	errBadArgs       = errors.New("unexpected args type")

	kErrorType = reflect.TypeOf(new(error)).Elem()
	kPeerType  = reflect.TypeOf(new(Peer)).Elem()

	emptyResult = map[string]any{}
)

func valToErr(r reflect.Value) error {
	if err, ok := r.Interface().(error); ok {
		return err
	}
	return errors.New("handler failed")
}

func decodeResult(r []reflect.Value) (any, error) {
	last := r[len(r)-1]
	if !last.IsNil() {
		return nil, valToErr(last)
	}
	if len(r) == 1 {
		return emptyResult, nil
	}
	v := r[0]
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Interface, reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
	}
	return v.Interface(), nil
}

func decodeArgs(argsType reflect.Type, args json.RawMessage) (reflect.Value, error) {
	v := reflect.New(argsType)
	if err := json.Unmarshal(args, v.Interface()); err != nil {
		return v.Elem(), errBadArgs
	}
	return v.Elem(), nil
}

func typeIsPeerPtr(t reflect.Type) bool {
	return t.Kind() == reflect.Ptr && t.Elem() == kPeerType
}

func wrapFuncHandler(fn interface{}) CallHandler {
	fnv := reflect.ValueOf(fn)
	fnt := fnv.Type()

	if fnt.Kind() != reflect.Func {
		panic("handler must be a function")
	}
	if fnt.NumIn() > 3 || fnt.NumOut() < 1 || fnt.NumOut() > 2 ||
		!fnt.Out(fnt.NumOut()-1).Implements(kErrorType) {
		panic(errMsgBadHandler)
	}

	switch fnt.NumIn() {
	case 3:
		// func(*Peer, string, A)
		if !typeIsPeerPtr(fnt.In(0)) || fnt.In(1).Kind() != reflect.String {
			panic(errMsgBadHandler)
		}
		argsType := fnt.In(2)
		return func(p *Peer, req *Request) (any, error) {
			args, err := decodeArgs(argsType, req.Args)
			if err != nil {
				return nil, err
			}
			return decodeResult(fnv.Call([]reflect.Value{
				reflect.ValueOf(p), reflect.ValueOf(req.Method), args}))
		}

	case 2:
		// func(*Peer, A)
		if !typeIsPeerPtr(fnt.In(0)) {
			panic(errMsgBadHandler)
		}
		argsType := fnt.In(1)
		return func(p *Peer, req *Request) (any, error) {
			args, err := decodeArgs(argsType, req.Args)
			if err != nil {
				return nil, err
			}
			return decodeResult(fnv.Call([]reflect.Value{reflect.ValueOf(p), args}))
		}

	case 1:
		if typeIsPeerPtr(fnt.In(0)) {
			// func(*Peer)
			return func(p *Peer, _ *Request) (any, error) {
				return decodeResult(fnv.Call([]reflect.Value{reflect.ValueOf(p)}))
			}
		}
		// func(A)
		argsType := fnt.In(0)
		return func(_ *Peer, req *Request) (any, error) {
			args, err := decodeArgs(argsType, req.Args)
			if err != nil {
				return nil, err
			}
			return decodeResult(fnv.Call([]reflect.Value{args}))
		}
	}

	// func()
	return func(_ *Peer, _ *Request) (any, error) {
		return decodeResult(fnv.Call(nil))
	}
}
