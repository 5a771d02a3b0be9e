package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame type discriminators used on the websocket. Unknown types must be
// ignored by receivers, never treated as errors.
const (
	FrameConversationMessage = "conversation_message"
	FrameTypingIndicator     = "typing_indicator"
	FrameReadReceipt         = "read_receipt"
	FrameHeartbeat           = "heartbeat"
	FrameConnectionAck       = "connection_established"
)

// Actions carried by a conversation_message frame.
const (
	MessageActionCreate = "create"
	MessageActionUpdate = "update"
	MessageActionDelete = "delete"
)

// Frame is the wire envelope for all websocket traffic, discriminated by
// Type. Payload decoding is deferred until the type is known.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessageEvent is the payload of a conversation_message frame.
type MessageEvent struct {
	Action  string  `json:"action"`
	Message Message `json:"message"`
}

// TypingEvent is the payload of a typing_indicator frame.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ReceiptEvent is the payload of a read_receipt frame.
type ReceiptEvent struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Timestamp      time.Time `json:"timestamp"`
}

// ConnectionAck is the payload of a connection_established frame.
type ConnectionAck struct {
	SessionID  string    `json:"sessionId,omitempty"`
	ServerTime time.Time `json:"serverTime,omitempty"`
}

// NewFrame marshals payload into a Frame of the given type.
func NewFrame(frameType string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Type: frameType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	return Frame{Type: frameType, Payload: raw}, nil
}

// HeartbeatFrame returns the empty keep-alive frame.
func HeartbeatFrame() Frame {
	return Frame{Type: FrameHeartbeat}
}
