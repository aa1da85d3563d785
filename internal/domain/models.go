// Package domain defines the core domain models for the chat core.
package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxContentLength is the maximum number of characters in a message body.
const MaxContentLength = 10000

// User is an identity owned by the auth subsystem. The chat core only reads it.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// Message is the durable record of one chat message.
// Exactly one of ReceiverID and ConversationID is set.
type Message struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"sender_id"`
	ReceiverID     string    `json:"receiver_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`
}

// Target returns the other side of the message as seen by viewerID.
func (m *Message) Target(viewerID string) Target {
	if m.ConversationID != "" {
		return Target{ConversationID: m.ConversationID}
	}
	if m.SenderID == viewerID {
		return Target{UserID: m.ReceiverID}
	}
	return Target{UserID: m.SenderID}
}

// Conversation is a multi-party thread.
type Conversation struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Target names the other side of a chat: a direct counterpart or a conversation.
type Target struct {
	UserID         string `json:"user_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// IsConversation reports whether the target is a conversation.
func (t Target) IsConversation() bool {
	return t.ConversationID != ""
}

// Validate checks that exactly one side is set.
func (t Target) Validate() error {
	switch {
	case t.UserID == "" && t.ConversationID == "":
		return NewValidationError("receiver_id or conversation_id is required")
	case t.UserID != "" && t.ConversationID != "":
		return NewValidationError("receiver_id and conversation_id are mutually exclusive")
	}
	return nil
}

// ValidateContent checks a message body.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return NewValidationError("message content is required")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return NewValidationError("message content exceeds 10000 characters")
	}
	return nil
}

// Page selects a window of a message history.
type Page struct {
	Limit int    `json:"limit"`
	After string `json:"after,omitempty"` // opaque cursor from MessagePage.NextCursor
}

// Default page sizes.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Normalize clamps the limit into [1, MaxPageLimit].
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// MessagePage is one page of a history, oldest first.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor,omitempty"`
	HasMore    bool      `json:"has_more"`
}

// ConversationSummary is one inbox entry for a user.
type ConversationSummary struct {
	CounterpartID  string    `json:"counterpart_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	LastMessageAt  time.Time `json:"last_message_at"`
	Unread         int       `json:"unread"`
}
