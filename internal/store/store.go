// Package store defines the storage interface and implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xiaot623/gogo/chat/internal/domain"
)

// MessageStore persists chat messages and their read status.
type MessageStore interface {
	// Create validates and stores a message, assigning its ID and CreatedAt.
	Create(ctx context.Context, senderID string, target domain.Target, content string) (*domain.Message, error)
	// MarkRead flips unread messages addressed to readerID in the thread with
	// target and returns how many rows changed.
	MarkRead(ctx context.Context, readerID string, target domain.Target) (int, error)
	// List returns the thread between viewerID and target, oldest first.
	List(ctx context.Context, viewerID string, target domain.Target, page domain.Page) (*domain.MessagePage, error)
	// ListConversations returns the inbox of userID, most recent first.
	ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error)
}

// UserDirectory answers whether a user exists. Users are synced in by the
// auth subsystem.
type UserDirectory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	UpsertUser(ctx context.Context, user domain.User) error
}

// ConversationStore manages multi-party conversations.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
}

// Store is the full persistence surface of the chat core.
type Store interface {
	MessageStore
	UserDirectory
	ConversationStore

	// Lifecycle
	Close() error
}

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

// Open creates the store selected by driver. dsn is a database URL for the
// SQL drivers and a directory for badger.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLiteStore(dsn)
	case DriverPostgres:
		return NewPostgresStore(dsn)
	case DriverBadger:
		return NewBadgerStore(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

type lookup interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
}

// checkCreate applies the Create validation rules shared by all adapters.
func checkCreate(ctx context.Context, l lookup, senderID string, target domain.Target, content string) error {
	if senderID == "" {
		return domain.NewValidationError("sender_id is required")
	}
	if err := target.Validate(); err != nil {
		return err
	}
	if err := domain.ValidateContent(content); err != nil {
		return err
	}

	ok, err := l.UserExists(ctx, senderID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NewValidationError("unknown sender %q", senderID)
	}

	if target.IsConversation() {
		_, err := participantConversation(ctx, l, senderID, target.ConversationID)
		return err
	}

	ok, err = l.UserExists(ctx, target.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NewValidationError("unknown receiver %q", target.UserID)
	}
	return nil
}

// participantConversation loads a conversation and checks userID takes part in it.
func participantConversation(ctx context.Context, l lookup, userID, conversationID string) (*domain.Conversation, error) {
	conv, err := l.GetConversation(ctx, conversationID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NewValidationError("unknown conversation %q", conversationID)
	}
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, domain.NewValidationError("user %q is not a participant of conversation %q", userID, conversationID)
	}
	return conv, nil
}

func persistErr(op string, err error) error {
	if errors.Is(err, domain.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrPersistence, op, err)
}

// clock hands out strictly increasing timestamps with microsecond precision.
type clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func newClock() *clock {
	return &clock{now: time.Now}
}

// seed makes sure the next timestamp is after lastMicros.
func (c *clock) seed(lastMicros int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t := time.UnixMicro(lastMicros).UTC(); t.After(c.last) {
		c.last = t
	}
}

func (c *clock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

// cursor is the position of the last message of a page. Messages are
// ordered by (created_at, message_id); id is empty for cursors that only
// carry a timestamp.
type cursor struct {
	micros int64
	id     string
}

func encodeCursor(msg domain.Message) string {
	return strconv.FormatInt(msg.CreatedAt.UnixMicro(), 10) + "_" + msg.ID
}

func decodeCursor(raw string) (cursor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return cursor{}, nil
	}
	micros, id, _ := strings.Cut(raw, "_")
	v, err := strconv.ParseInt(micros, 10, 64)
	if err != nil || v < 0 {
		return cursor{}, domain.NewValidationError("invalid cursor %q", raw)
	}
	if id == "" {
		// (v+1, "") sorts before every message stamped v+1.
		return cursor{micros: v + 1}, nil
	}
	return cursor{micros: v, id: id}, nil
}

// buildPage trims a limit+1 result to a page. An empty page keeps the
// caller's cursor so polling can resume from the same point.
func buildPage(messages []domain.Message, page domain.Page) *domain.MessagePage {
	limit := page.Limit
	result := &domain.MessagePage{Messages: messages, NextCursor: page.After}
	if len(messages) > limit {
		result.Messages = messages[:limit]
		result.HasMore = true
	}
	if result.Messages == nil {
		result.Messages = []domain.Message{}
	}
	if n := len(result.Messages); n > 0 {
		result.NextCursor = encodeCursor(result.Messages[n-1])
	}
	return result
}
