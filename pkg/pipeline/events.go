package pipeline

import (
	"bytes"
	"encoding/json"
)

// Event types carried in the event_type field.
const (
	EventLog       = "log"
	EventEmit      = "emit"
	EventException = "user_code_exception"
)

// Event is the envelope published on a pipeline's event topic.
type Event struct {
	Type string            `json:"event_type"`
	Args []json.RawMessage `json:"args"`
}

// argText renders one argument as text. Strings are unquoted; any other JSON
// value is passed by its literal text, so 1234 becomes "1234".
func argText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// argString decodes raw as a JSON string.
func argString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
