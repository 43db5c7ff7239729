// Package protocol implements the call/notification envelopes exchanged with
// WebSocket clients and the per-connection dispatcher that routes them.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound call methods.
const (
	MethodCall      = "call"
	MethodRequest   = "request"
	MethodBroadcast = "broadcast"
)

// Outbound packet methods. Broadcast replies reuse MethodBroadcast.
const (
	MethodNotification = "notification"
	MethodResponse     = "response"
)

const (
	CalendarUpdateFncName = "WKServer:CalendarUpdate"
	CalendarUpdateFncSig  = "onCalendarUpdate"
)

var (
	ErrMalformedEnvelope = errors.New("protocol: malformed call envelope")
	ErrAuth              = errors.New("protocol: invalid api key")
	ErrUnknownMethod     = errors.New("protocol: unknown call method")
)

// Call is an inbound envelope.
type Call struct {
	Method    string          `json:"method"`
	FncName   string          `json:"fncname"`
	FncSig    string          `json:"fncsig"`
	Arguments json.RawMessage `json:"arguments"`
	Pass      json.RawMessage `json:"pass"`
	Key       string          `json:"key"`
}

// Packet is an outbound envelope. A nil Pass is sent as null.
type Packet struct {
	Method    string          `json:"method"`
	FncName   string          `json:"fncname"`
	FncSig    string          `json:"fncsig"`
	Arguments any             `json:"arguments"`
	Pass      json.RawMessage `json:"pass"`
}

var requiredFields = []string{"method", "fncname", "fncsig", "arguments", "pass", "key"}

// DecodeCall parses raw into a Call. Every envelope field must be present;
// arguments and pass may be null.
func DecodeCall(raw []byte) (Call, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Call{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	for _, name := range requiredFields {
		if _, ok := fields[name]; !ok {
			return Call{}, fmt.Errorf("%w: missing %q", ErrMalformedEnvelope, name)
		}
	}

	var c Call
	if err := json.Unmarshal(raw, &c); err != nil {
		return Call{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if c.Pass == nil || bytes.Equal(c.Pass, []byte("null")) {
		c.Pass = nil
	}
	return c, nil
}

func knownMethod(m string) bool {
	switch m {
	case MethodCall, MethodRequest, MethodBroadcast:
		return true
	}
	return false
}
