package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/xiaot623/gogo/chat/internal/domain"
)

// BadgerStore implements Store on an embedded Badger database.
//
// Key layout:
//
//	user:{user_id}                          -> User
//	conv:{conversation_id}                  -> Conversation
//	member:{hex user_id}:{hex conversation_id} -> empty
//	msg:{thread}:{created_at_micros}:{id}      -> Message
//	meta:last_created_at                       -> uint64 micros
//
// thread is "d:{hex low}:{hex high}" for a direct pair (ids sorted) or
// "c:{hex conversation_id}". Ids are opaque and may contain ':', so every id
// inside a scanned prefix is hex encoded. The 19-digit zero padded timestamp
// keeps a thread's keys in chronological order.
type BadgerStore struct {
	db    *badger.DB
	clock *clock

	// writeMu serializes writers; Badger would otherwise report
	// transaction conflicts on concurrent read-modify-write.
	writeMu sync.Mutex
}

var lastCreatedAtKey = []byte("meta:last_created_at")

// NewBadgerStore opens (or creates) a Badger database in dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &BadgerStore{db: db, clock: newClock()}
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(lastCreatedAtKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 8 {
				s.clock.seed(int64(binary.BigEndian.Uint64(val)))
			}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read last message time: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// keySegment encodes an id for use between ':' separators.
func keySegment(id string) string {
	return hex.EncodeToString([]byte(id))
}

func directThread(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "d:" + keySegment(a) + ":" + keySegment(b)
}

func conversationThread(conversationID string) string {
	return "c:" + keySegment(conversationID)
}

func threadOf(viewerID string, target domain.Target) string {
	if target.IsConversation() {
		return conversationThread(target.ConversationID)
	}
	return directThread(viewerID, target.UserID)
}

func memberPrefix(userID string) string {
	return "member:" + keySegment(userID) + ":"
}

// inThread reports whether msg belongs to the thread between viewerID and target.
func inThread(msg *domain.Message, viewerID string, target domain.Target) bool {
	if target.IsConversation() {
		return msg.ConversationID == target.ConversationID
	}
	return msg.ConversationID == "" &&
		((msg.SenderID == viewerID && msg.ReceiverID == target.UserID) ||
			(msg.SenderID == target.UserID && msg.ReceiverID == viewerID))
}

func messagePrefix(thread string) []byte {
	return []byte("msg:" + thread + ":")
}

func messageKey(msg *domain.Message) []byte {
	thread := threadOf(msg.SenderID, msg.Target(msg.SenderID))
	return []byte(fmt.Sprintf("msg:%s:%019d:%s", thread, msg.CreatedAt.UnixMicro(), msg.ID))
}

func (s *BadgerStore) getJSON(key string, v any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

// UpsertUser creates or renames a user.
func (s *BadgerStore) UpsertUser(ctx context.Context, user domain.User) error {
	if user.ID == "" {
		return domain.NewValidationError("user id is required")
	}
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("user:"+user.ID), data)
	}); err != nil {
		return persistErr("upsert user", err)
	}
	return nil
}

// UserExists reports whether a user has been synced in.
func (s *BadgerStore) UserExists(ctx context.Context, userID string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("user:" + userID))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, persistErr("lookup user", err)
	}
	return true, nil
}

// CreateConversation stores a conversation and its membership index.
func (s *BadgerStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	conv.Participants = lo.Uniq(lo.Compact(conv.Participants))
	if len(conv.Participants) < 2 {
		return domain.NewValidationError("a conversation needs at least two participants")
	}
	for _, p := range conv.Participants {
		ok, err := s.UserExists(ctx, p)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewValidationError("unknown participant %q", p)
		}
	}
	if conv.ID == "" {
		conv.ID = uuid.Must(uuid.NewV7()).String()
	}
	conv.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)

	data, err := json.Marshal(conv)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err = s.db.Update(func(txn *badger.Txn) error {
		key := []byte("conv:" + conv.ID)
		if _, err := txn.Get(key); err == nil {
			return domain.NewValidationError("conversation %q already exists", conv.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		for _, p := range conv.Participants {
			if err := txn.Set([]byte(memberPrefix(p)+keySegment(conv.ID)), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, domain.ErrValidation) {
		return err
	}
	if err != nil {
		return persistErr("insert conversation", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *BadgerStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.getJSON("conv:"+conversationID, &conv)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("conversation %q: %w", conversationID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get conversation", err)
	}
	return &conv, nil
}

// Create validates and stores a message.
func (s *BadgerStore) Create(ctx context.Context, senderID string, target domain.Target, content string) (*domain.Message, error) {
	if err := checkCreate(ctx, s, senderID, target, content); err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		SenderID:       senderID,
		ReceiverID:     target.UserID,
		ConversationID: target.ConversationID,
		Content:        content,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg.CreatedAt = s.clock.next()
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var last [8]byte
	binary.BigEndian.PutUint64(last[:], uint64(msg.CreatedAt.UnixMicro()))

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(messageKey(msg), data); err != nil {
			return err
		}
		return txn.Set(lastCreatedAtKey, last[:])
	})
	if err != nil {
		return nil, persistErr("insert message", err)
	}
	return msg, nil
}

type pendingWrite struct {
	key []byte
	val []byte
}

// MarkRead marks the unread messages addressed to readerID as read.
func (s *BadgerStore) MarkRead(ctx context.Context, readerID string, target domain.Target) (int, error) {
	if err := target.Validate(); err != nil {
		return 0, err
	}
	if target.IsConversation() {
		if _, err := participantConversation(ctx, s, readerID, target.ConversationID); err != nil {
			return 0, err
		}
	}

	addressedToReader := func(m *domain.Message) bool {
		if target.IsConversation() {
			return m.SenderID != readerID
		}
		return m.SenderID == target.UserID && m.ReceiverID == readerID
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	updated := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		var writes []pendingWrite
		prefix := messagePrefix(threadOf(readerID, target))
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var msg domain.Message
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				it.Close()
				return err
			}
			if msg.Read || !inThread(&msg, readerID, target) || !addressedToReader(&msg) {
				continue
			}
			msg.Read = true
			data, err := json.Marshal(&msg)
			if err != nil {
				it.Close()
				return err
			}
			writes = append(writes, pendingWrite{key: item.KeyCopy(nil), val: data})
		}
		it.Close()

		for _, w := range writes {
			if err := txn.Set(w.key, w.val); err != nil {
				return err
			}
		}
		updated = len(writes)
		return nil
	})
	if err != nil {
		return 0, persistErr("mark read", err)
	}
	return updated, nil
}

// List retrieves one page of a thread.
func (s *BadgerStore) List(ctx context.Context, viewerID string, target domain.Target, page domain.Page) (*domain.MessagePage, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	page = page.Normalize()
	after, err := decodeCursor(page.After)
	if err != nil {
		return nil, err
	}
	if target.IsConversation() {
		if _, err := participantConversation(ctx, s, viewerID, target.ConversationID); err != nil {
			return nil, err
		}
	}

	prefix := messagePrefix(threadOf(viewerID, target))
	// Keys order by (created_at, id) within a thread, so seeking to the
	// cursor's own key and skipping it resumes right after it.
	seek := append(append([]byte{}, prefix...), []byte(fmt.Sprintf("%019d:%s", after.micros, after.id))...)

	var messages []domain.Message
	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(messages) <= page.Limit; it.Next() {
			if after.id != "" && bytes.Equal(it.Item().Key(), seek) {
				continue
			}
			var msg domain.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			if !inThread(&msg, viewerID, target) {
				continue
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("list messages", err)
	}
	return buildPage(messages, page), nil
}

// ListConversations returns direct counterparts and conversations of userID.
// Direct threads are found by scanning every direct message key, which is
// acceptable for the single-node embedded deployments this backend targets.
func (s *BadgerStore) ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	byCounterpart := map[string]*domain.ConversationSummary{}
	var convSummaries []domain.ConversationSummary

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("msg:d:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg domain.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			if msg.SenderID != userID && msg.ReceiverID != userID {
				continue
			}
			counterpart := msg.Target(userID).UserID
			sum, ok := byCounterpart[counterpart]
			if !ok {
				sum = &domain.ConversationSummary{CounterpartID: counterpart}
				byCounterpart[counterpart] = sum
			}
			if msg.CreatedAt.After(sum.LastMessageAt) {
				sum.LastMessageAt = msg.CreatedAt
			}
			if msg.ReceiverID == userID && !msg.Read {
				sum.Unread++
			}
		}

		members := []byte(memberPrefix(userID))
		var convIDs []string
		for it.Seek(members); it.ValidForPrefix(members); it.Next() {
			raw, err := hex.DecodeString(strings.TrimPrefix(string(it.Item().Key()), string(members)))
			if err != nil {
				return fmt.Errorf("decode member key: %w", err)
			}
			convIDs = append(convIDs, string(raw))
		}

		for _, convID := range convIDs {
			sum := domain.ConversationSummary{ConversationID: convID}
			item, err := txn.Get([]byte("conv:" + convID))
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				var conv domain.Conversation
				if err := json.Unmarshal(val, &conv); err != nil {
					return err
				}
				sum.LastMessageAt = conv.CreatedAt
				return nil
			}); err != nil {
				return err
			}

			threadPrefix := messagePrefix(conversationThread(convID))
			for it.Seek(threadPrefix); it.ValidForPrefix(threadPrefix); it.Next() {
				var msg domain.Message
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &msg)
				}); err != nil {
					return err
				}
				if msg.ConversationID != convID {
					continue
				}
				if msg.CreatedAt.After(sum.LastMessageAt) {
					sum.LastMessageAt = msg.CreatedAt
				}
				if msg.SenderID != userID && !msg.Read {
					sum.Unread++
				}
			}
			convSummaries = append(convSummaries, sum)
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("list conversations", err)
	}

	summaries := make([]domain.ConversationSummary, 0, len(byCounterpart)+len(convSummaries))
	for _, sum := range byCounterpart {
		summaries = append(summaries, *sum)
	}
	summaries = append(summaries, convSummaries...)
	sortSummaries(summaries)
	return summaries, nil
}

var _ Store = (*BadgerStore)(nil)
