package feedmux

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Control frame types reserved by the wire protocol. Any other value of the
// "type" field names a data topic.
const (
	frameConnection   = "connection"
	frameConfirmation = "subscription_confirmed"
	frameError        = "error"

	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
)

// Envelope is the tagged wire message shape shared by control and data
// frames. Data stays opaque to the client; consumers decode it themselves.
// Envelopes are immutable once decoded.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func (e Envelope) String() string {
	return fmt.Sprintf("Envelope{type=%s,timestamp=%d,data=%s}",
		e.Type, e.Timestamp, e.Data)
}

// IsControl reports whether the envelope is a protocol control frame rather
// than a data frame for a topic.
func (e Envelope) IsControl() bool {
	switch e.Type {
	case frameConnection, frameConfirmation, frameError:
		return true
	}
	return false
}

// connectionFrame carries the server-assigned client identity. It arrives
// once per successful open, before any data frame.
type connectionFrame struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
}

// confirmationFrame acknowledges a subscribe request. Informational only.
type confirmationFrame struct {
	Type             string   `json:"type"`
	SubscribedEvents []string `json:"subscribed_events"`
}

// controlMessage is the outbound subscribe/unsubscribe frame shape.
type controlMessage struct {
	Type   string   `json:"type"`
	Events []string `json:"events"`
}

func newSubscribeMessage(topics ...string) controlMessage {
	return controlMessage{Type: frameSubscribe, Events: topics}
}

func newUnsubscribeMessage(topics ...string) controlMessage {
	return controlMessage{Type: frameUnsubscribe, Events: topics}
}

// decodeEnvelope parses a raw inbound frame. A frame that does not parse or
// carries no type is malformed; the caller logs and drops it.
func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	if env.Type == "" {
		return env, errors.Wrap(ErrMalformedFrame, "missing type field")
	}
	return env, nil
}
