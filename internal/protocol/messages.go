// Package protocol defines the push-channel frames exchanged between the client and the server.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame is the envelope for every push-channel message.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrMissingType is returned by Parse for frames without a type.
var ErrMissingType = errors.New("frame has no type")

// NewFrame creates a frame with the given type and payload, stamped with now.
func NewFrame(msgType string, payload any, now time.Time) (*Frame, error) {
	f := &Frame{Type: msgType, Timestamp: now.UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		f.Data = data
	}
	return f, nil
}

// Encode returns the JSON text of the frame.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Parse decodes a raw text frame.
func Parse(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, ErrMissingType
	}
	return &f, nil
}

// ParseData unmarshals the frame data into the given target.
func (f *Frame) ParseData(target any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no data", f.Type)
	}
	return json.Unmarshal(f.Data, target)
}

// Reserved frame types, consumed by the connection layer and never forwarded.
const (
	TypePing = "ping" // client → server
	TypePong = "pong" // server → client
)

// IsReserved reports whether msgType is a heartbeat frame.
func IsReserved(msgType string) bool {
	return msgType == TypePing || msgType == TypePong
}

// Message types (server → client)
const (
	TypeDocumentStatus   = "document_status"
	TypeChatTurnComplete = "chat_turn_complete"
	TypeError            = "error"
)

// Message types (both directions)
const (
	TypeChatMessage = "chat_message"
)

// Document statuses. Only DocumentProcessing counts as pending work.
const (
	DocumentUploaded   = "uploaded"
	DocumentProcessing = "processing"
	DocumentCompleted  = "completed"
	DocumentFailed     = "failed"
)

// DocumentStatusPayload is pushed when a document job changes state.
type DocumentStatusPayload struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Filename string `json:"filename,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ChatMessagePayload carries one chat turn.
type ChatMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	Role           string `json:"role"` // "user" or "assistant"
	Content        string `json:"content"`
}

// ChatTurnCompletePayload marks the end of an assistant turn.
type ChatTurnCompletePayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// ErrorPayload is sent by the server when it rejects a frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
