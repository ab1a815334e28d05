package realtime

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/tidwall/gjson"
)

// Wire format. Every frame is a JSON object sent as a websocket text frame.
//
//	client -> server  {"id":"_Q4ZT0M1KX8","call":"chat.join","args":{"token":"lobby"}}
//	server -> client  {"id":"_Q4ZT0M1KX8","_":1,"token":"lobby","join":true}
//	server -> client  {"id":"chat.msg","_":1,"channel":"lobby","body":{"text":"hi"}}
//
// A reply carries the id of the call it answers. "_" greater than zero means
// success; zero, negative or absent means failure. Frames whose id was never
// issued by the client are server-pushed events.
const (
	// IDPrefix starts every call id. Servers never originate event names with it.
	IDPrefix = "_"

	// StatusField is the reply key holding the numeric status.
	StatusField = "_"

	// HeartbeatFrame is the text frame a server sends as a liveness signal.
	HeartbeatFrame = "h"

	idLength   = 10
	idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// NewCallID returns IDPrefix followed by 10 random characters from [A-Z0-9].
func NewCallID() string {
	var b strings.Builder
	b.Grow(len(IDPrefix) + idLength)
	b.WriteString(IDPrefix)
	for i := 0; i < idLength; i++ {
		b.WriteByte(idAlphabet[rand.IntN(len(idAlphabet))])
	}
	return b.String()
}

// IsCallID reports whether id uses the reserved call id prefix.
func IsCallID(id string) bool {
	return strings.HasPrefix(id, IDPrefix)
}

type callMsg struct {
	ID   string          `json:"id"`
	Call string          `json:"call"`
	Args json.RawMessage `json:"args"`
}

// MakeCallMsg encodes the frame that sends c to the server.
func MakeCallMsg(c *Call) ([]byte, error) {
	return json.Marshal(callMsg{ID: c.ID, Call: c.Method, Args: c.Args})
}

// encodeArgs encodes call arguments. nil becomes an empty object since
// servers expect args to be an object.
func encodeArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: args are not valid JSON", ErrInvalidMsg)
		}
		return v, nil
	}
	return json.Marshal(args)
}

// ParseMsg parses an inbound frame. Only JSON objects with a string "id"
// are actionable; anything else returns an error wrapping ErrInvalidMsg.
func ParseMsg(b []byte) (*Message, error) {
	if !gjson.ValidBytes(b) {
		return nil, fmt.Errorf("%w: not JSON", ErrInvalidMsg)
	}
	r := gjson.ParseBytes(b)
	if !r.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidMsg)
	}
	id := r.Get("id")
	if id.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing string id", ErrInvalidMsg)
	}
	m := &Message{ID: id.Str, raw: b}
	if st := r.Get(StatusField); st.Type == gjson.Number {
		m.Status = st.Num
		m.HasStatus = true
	}
	return m, nil
}
