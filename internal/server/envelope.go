// Package server defines the wire envelope sent to clients and the error
// helpers shared by session and chat server logic.
package server

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EnvelopeType is the kind of a server-to-client envelope.
type EnvelopeType string

const (
	TypeWelcome EnvelopeType = "welcome"
	TypeMessage EnvelopeType = "message"
	TypeError   EnvelopeType = "error"
)

// Envelope is the JSON frame sent to clients. welcome and error carry
// Detail (encoded as "message"); message carries Content.
type Envelope struct {
	Type    EnvelopeType
	Content string
	Detail  string
}

// WelcomeEnvelope is sent once when a session opens.
func WelcomeEnvelope(instanceID string) Envelope {
	return Envelope{Type: TypeWelcome, Detail: "Connected successfully to server " + instanceID}
}

// MessageEnvelope wraps a payload received from the bus.
func MessageEnvelope(content string) Envelope {
	return Envelope{Type: TypeMessage, Content: content}
}

// ErrorEnvelope reports a per-session failure to the client.
func ErrorEnvelope(detail string) Envelope {
	return Envelope{Type: TypeError, Detail: detail}
}

type contentFrame struct {
	Type    EnvelopeType `json:"type"`
	Content string       `json:"content"`
}

type detailFrame struct {
	Type    EnvelopeType `json:"type"`
	Message string       `json:"message"`
}

// MarshalJSON emits only the field that belongs to the envelope's kind.
func (e Envelope) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypeMessage:
		return json.Marshal(contentFrame{Type: e.Type, Content: e.Content})
	case TypeWelcome, TypeError:
		return json.Marshal(detailFrame{Type: e.Type, Message: e.Detail})
	default:
		return nil, fmt.Errorf("unknown envelope type %q", e.Type)
	}
}

// UnmarshalJSON accepts the frames produced by MarshalJSON.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type    EnvelopeType `json:"type"`
		Content string       `json:"content"`
		Message string       `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Envelope{Type: raw.Type, Content: raw.Content, Detail: raw.Message}
	return nil
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
