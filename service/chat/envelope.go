package chat

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// EventType tags every envelope on the wire. The set is closed: the
// gateway's receive loop switches over the client tags and anything
// else comes back as an UNKNOWN_EVENT error frame.
type EventType string

const (
	// client -> server
	EventSubscribe   EventType = "subscribe"
	EventUnsubscribe EventType = "unsubscribe"
	EventPing        EventType = "ping"
	EventMessage     EventType = "message" // also server -> client on delivery

	// server -> client
	EventConnected    EventType = "connected"
	EventSubscribed   EventType = "subscribed"
	EventUnsubscribed EventType = "unsubscribed"
	EventNotification EventType = "notification"
	EventUpdate       EventType = "update"
	EventUserOnline   EventType = "user_online"
	EventUserOffline  EventType = "user_offline"
	EventPong         EventType = "pong"
	EventError        EventType = "error"
)

// Error codes carried in the data of an error envelope.
const (
	CodeInvalidJSON     = "INVALID_JSON"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeUnknownEvent    = "UNKNOWN_EVENT"
	CodePolicyViolation = "POLICY_VIOLATION"
)

// Envelope is the wire format for every frame, both directions:
//
//	{ "type": "...", "data": {...}|null, "channel": "..."|null, "timestamp": "<ISO-8601>" }
type Envelope struct {
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data"`
	Channel   string         `json:"channel"`
	Timestamp string         `json:"timestamp"`
}

// MarshalJSON renders absent data and channel as literal nulls, the
// schema above rather than omitted keys.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type      EventType      `json:"type"`
		Data      map[string]any `json:"data"`
		Channel   any            `json:"channel"`
		Timestamp string         `json:"timestamp"`
	}
	w := wire{Type: e.Type, Data: e.Data, Timestamp: e.Timestamp}
	if e.Channel != "" {
		w.Channel = e.Channel
	}
	return json.Marshal(w)
}

// NewEnvelope stamps the envelope with the current time.
func NewEnvelope(t EventType, data map[string]any, channel string) *Envelope {
	return &Envelope{
		Type:      t,
		Data:      data,
		Channel:   channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// NewErrorEnvelope builds the tagged error frame sent back to an
// offending client. The connection stays open.
func NewErrorEnvelope(code, message string, details map[string]any) *Envelope {
	data := map[string]any{
		"code":    code,
		"message": message,
	}
	if len(details) > 0 {
		data["details"] = details
	}
	return NewEnvelope(EventError, data, "")
}

// ParseEnvelope decodes one inbound frame.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, errors.Wrap(err, "unmarshal envelope")
	}
	return env, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	return b, nil
}
