package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/tidwall/gjson"
)

var (
	// ErrShutdown is returned by Call after shutdown and passed to the error
	// handler of every call still queued when the client shuts down.
	ErrShutdown = errors.New("realtime: client is shutting down")

	// ErrTimeout is passed to the error handler of a call whose timeout fired
	// before a reply arrived.
	ErrTimeout = errors.New("realtime: call timed out")

	// ErrNotOpen is returned when sending on a transport that is not connected.
	ErrNotOpen = errors.New("realtime: transport is not open")

	// ErrInvalidMsg is wrapped by parse errors of malformed frames.
	ErrInvalidMsg = errors.New("realtime: invalid message")

	// ErrReservedEventName is returned when pushing an event whose name could
	// collide with a call id.
	ErrReservedEventName = errors.New("realtime: event name uses the reserved call id prefix")
)

// Message is an inbound JSON object, either a reply or a pushed event.
type Message struct {
	ID string

	// Status is the numeric value of "_". Valid only when HasStatus is true.
	Status    float64
	HasStatus bool

	raw []byte
}

// OK reports whether the message signals success: "_" is a number which
// rounds to a value greater than zero.
func (m *Message) OK() bool {
	return m.HasStatus && math.Round(m.Status) > 0
}

// Get returns the value at path, using gjson path syntax.
func (m *Message) Get(path string) gjson.Result {
	return gjson.GetBytes(m.raw, path)
}

// Raw returns the message as received.
func (m *Message) Raw() []byte {
	return m.raw
}

// Decode unmarshals the whole message into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.raw, v)
}

func (m *Message) MarshalJSON() ([]byte, error) {
	if m.raw == nil {
		return []byte("null"), nil
	}
	return m.raw, nil
}

func (m *Message) String() string {
	return string(m.raw)
}

// ReplyError is passed to a call's error handler when the server replied
// with a non-positive or missing status.
type ReplyError struct {
	Message *Message
}

func (e *ReplyError) Error() string {
	if !e.Message.HasStatus {
		return fmt.Sprintf("realtime: call %s failed", e.Message.ID)
	}
	return fmt.Sprintf("realtime: call %s failed (status %v)", e.Message.ID, e.Message.Status)
}
