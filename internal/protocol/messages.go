// Package protocol defines the WebSocket frames exchanged between chat clients and the gateway.
package protocol

import (
	"encoding/json"
	"strings"

	"github.com/xiaot623/gogo/chat/internal/domain"
)

// Frame types from client to gateway
const (
	TypeMessage  = "message"
	TypeMarkRead = "mark_read"
	TypeAuth     = "auth"
)

// Frame types from gateway to client
const (
	TypeReadAck = "read_ack"
	TypeError   = "error"
)

// Envelope is used for reading the frame type before dispatch.
// Frames without a type are chat messages.
type Envelope struct {
	Type string `json:"type"`
}

// Kind returns the normalized frame type.
func (e Envelope) Kind() string {
	kind := strings.TrimSpace(e.Type)
	if kind == "" {
		return TypeMessage
	}
	return kind
}

// ChatMessage is sent by a client to post a message.
type ChatMessage struct {
	Type           string    `json:"type,omitempty"`
	Message        string    `json:"message" validate:"required"`
	SenderID       domain.ID `json:"sender_id" validate:"required"`
	ReceiverID     domain.ID `json:"receiver_id" validate:"required_without=ConversationID,excluded_with=ConversationID"`
	ConversationID domain.ID `json:"conversation_id"`
}

// Target returns the addressed counterpart or conversation.
func (m *ChatMessage) Target() domain.Target {
	return domain.Target{UserID: m.ReceiverID.String(), ConversationID: m.ConversationID.String()}
}

// MarkReadMessage is sent by a client to mark a thread as read.
type MarkReadMessage struct {
	Type           string    `json:"type"`
	UserID         domain.ID `json:"user_id" validate:"required_without=ConversationID,excluded_with=ConversationID"`
	ConversationID domain.ID `json:"conversation_id"`
}

// Target returns the thread being marked.
func (m *MarkReadMessage) Target() domain.Target {
	return domain.Target{UserID: m.UserID.String(), ConversationID: m.ConversationID.String()}
}

// AuthMessage carries the bearer token when it is not passed on the URL.
type AuthMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// ReadAckMessage answers a mark_read frame.
type ReadAckMessage struct {
	Type           string `json:"type"`
	UserID         string `json:"user_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Updated        int    `json:"updated"`
}

// ErrorMessage is sent by the gateway when a frame is rejected.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError builds the error frame for err.
func NewError(err error) *ErrorMessage {
	return &ErrorMessage{
		Type:    TypeError,
		Code:    domain.ErrorCode(err),
		Message: domain.PublicMessage(err),
	}
}

// Decode unmarshals a frame body.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return domain.NewValidationError("malformed frame: %v", err)
	}
	return nil
}
