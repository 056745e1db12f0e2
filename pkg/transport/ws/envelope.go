package ws

import (
	"encoding/json"
)

// Envelope is the frame exchanged with a development or test WebSocket
// relay. Production events travel over MQTT without it.
type Envelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Envelope types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSubscribed  = "subscribed" // relay ack, informational
	TypePublish     = "publish"
	TypeError       = "error"
)
