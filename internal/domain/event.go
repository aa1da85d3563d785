package domain

import "time"

// EventTypeMessage is the type of a published chat message event.
const EventTypeMessage = "message"

// OutboundEvent is the point-in-time notification published to a group
// after a message has been persisted.
type OutboundEvent struct {
	Type           string    `json:"type"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	ReceiverID     string    `json:"receiver_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Content        string    `json:"message"`
	CreatedAt      time.Time `json:"timestamp"`
}

// NewMessageEvent stamps an event with the store-assigned identity of msg.
func NewMessageEvent(msg *Message) OutboundEvent {
	return OutboundEvent{
		Type:           EventTypeMessage,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}
}
