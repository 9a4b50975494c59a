// Package hub implements C10, the concrete WebSocket hub client behind
// the opaque interface spec section 6.1 describes: registerHandler,
// sendCodexMessage, sendSessionEvent, updateAgentState. Message framing
// is adapted from the teacher's pkg/websocket package; the request/
// response client loop is adapted from its wsclient package.
package hub

import (
	"encoding/json"
	"time"
)

// MessageType is the envelope's message kind.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Message is the wire envelope for every frame exchanged with the hub.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload is the payload shape of a MessageTypeError frame.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error codes carried in error frames: internal_error when a registered
// handler fails, not_found when no handler is registered for the action,
// and connection_lost for pending requests failed on disconnect.
const (
	ErrorCodeInternalError = "internal_error"
	ErrorCodeNotFound      = "not_found"
	ErrorCodeConnLost      = "connection_lost"
)

func newMessage(id string, typ MessageType, action string, payload any) (*Message, error) {
	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return &Message{ID: id, Type: typ, Action: action, Payload: data, Timestamp: time.Now().UTC()}, nil
}

func newRequest(id, action string, payload any) (*Message, error) {
	return newMessage(id, MessageTypeRequest, action, payload)
}

func newResponse(id, action string, payload any) (*Message, error) {
	return newMessage(id, MessageTypeResponse, action, payload)
}

func newNotification(action string, payload any) (*Message, error) {
	return newMessage("", MessageTypeNotification, action, payload)
}

func newError(id, action, code, message string) (*Message, error) {
	return newMessage(id, MessageTypeError, action, ErrorPayload{Code: code, Message: message})
}

// ParsePayload unmarshals the message's payload into v.
func (m *Message) ParsePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
