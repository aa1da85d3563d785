package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/samber/lo"

	"github.com/xiaot623/gogo/chat/internal/domain"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements Store on top of database/sql. It serves both SQLite
// and PostgreSQL; queries are written with ? placeholders and rebound for
// PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	clock   *clock

	// writeMu serializes timestamp assignment with the insert so that
	// created_at order always matches commit order.
	writeMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return newSQLStore(db, dialectSQLite)
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return newSQLStore(db, dialectPostgres)
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d, clock: newClock()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	var last int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(created_at), 0) FROM messages`).Scan(&last); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read last message time: %w", err)
	}
	s.clock.seed(last)

	return s, nil
}

// migrate runs database migrations.
func (s *SQLStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id),
			FOREIGN KEY (user_id) REFERENCES users(user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_user ON conversation_participants(user_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			FOREIGN KEY (sender_id) REFERENCES users(user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_direct ON messages(sender_id, receiver_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(receiver_id, is_read)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// rebind turns ? placeholders into $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// UpsertUser creates or renames a user.
func (s *SQLStore) UpsertUser(ctx context.Context, user domain.User) error {
	if user.ID == "" {
		return domain.NewValidationError("user id is required")
	}
	_, err := s.exec(ctx,
		`INSERT INTO users (user_id, username, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET username = excluded.username, updated_at = excluded.updated_at`,
		user.ID, user.Username, time.Now().UnixMicro())
	if err != nil {
		return persistErr("upsert user", err)
	}
	return nil
}

// UserExists reports whether a user has been synced in.
func (s *SQLStore) UserExists(ctx context.Context, userID string) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM users WHERE user_id = ?`, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, persistErr("lookup user", err)
	}
	return true, nil
}

// CreateConversation stores a conversation and its participants.
func (s *SQLStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin conversation", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO conversations (conversation_id, created_at) VALUES (?, ?)`),
		conv.ID, conv.CreatedAt.UnixMicro()); err != nil {
		if isUniqueViolation(err) {
			return domain.NewValidationError("conversation %q already exists", conv.ID)
		}
		return persistErr("insert conversation", err)
	}
	for _, p := range conv.Participants {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)`),
			conv.ID, p); err != nil {
			return persistErr("insert participant", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return persistErr("commit conversation", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var createdAt int64
	err := s.queryRow(ctx, `SELECT created_at FROM conversations WHERE conversation_id = ?`, conversationID).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %q: %w", conversationID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get conversation", err)
	}

	rows, err := s.query(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY user_id`, conversationID)
	if err != nil {
		return nil, persistErr("list participants", err)
	}
	defer rows.Close()

	conv := &domain.Conversation{ID: conversationID, CreatedAt: time.UnixMicro(createdAt).UTC()}
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, persistErr("scan participant", err)
		}
		conv.Participants = append(conv.Participants, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list participants", err)
	}
	return conv, nil
}

// Create validates and inserts a message.
func (s *SQLStore) Create(ctx context.Context, senderID string, target domain.Target, content string) (*domain.Message, error) {
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
	_, err := s.exec(ctx,
		`INSERT INTO messages (message_id, sender_id, receiver_id, conversation_id, content, created_at, is_read) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.ConversationID, msg.Content, msg.CreatedAt.UnixMicro(), false)
	if err != nil {
		return nil, persistErr("insert message", err)
	}
	return msg, nil
}

// MarkRead marks the unread messages addressed to readerID as read.
func (s *SQLStore) MarkRead(ctx context.Context, readerID string, target domain.Target) (int, error) {
	if err := target.Validate(); err != nil {
		return 0, err
	}

	var (
		res sql.Result
		err error
	)
	if target.IsConversation() {
		if _, err := participantConversation(ctx, s, readerID, target.ConversationID); err != nil {
			return 0, err
		}
		res, err = s.exec(ctx,
			`UPDATE messages SET is_read = ? WHERE conversation_id = ? AND sender_id <> ? AND is_read = ?`,
			true, target.ConversationID, readerID, false)
	} else {
		res, err = s.exec(ctx,
			`UPDATE messages SET is_read = ? WHERE conversation_id = '' AND receiver_id = ? AND sender_id = ? AND is_read = ?`,
			true, readerID, target.UserID, false)
	}
	if err != nil {
		return 0, persistErr("mark read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistErr("mark read", err)
	}
	return int(n), nil
}

// List retrieves one page of a thread.
func (s *SQLStore) List(ctx context.Context, viewerID string, target domain.Target, page domain.Page) (*domain.MessagePage, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	page = page.Normalize()
	after, err := decodeCursor(page.After)
	if err != nil {
		return nil, err
	}

	const columns = `SELECT message_id, sender_id, receiver_id, conversation_id, content, created_at, is_read FROM messages`
	var rows *sql.Rows
	if target.IsConversation() {
		if _, err := participantConversation(ctx, s, viewerID, target.ConversationID); err != nil {
			return nil, err
		}
		rows, err = s.query(ctx,
			columns+` WHERE conversation_id = ? AND (created_at > ? OR (created_at = ? AND message_id > ?))
			ORDER BY created_at ASC, message_id ASC LIMIT ?`,
			target.ConversationID, after.micros, after.micros, after.id, page.Limit+1)
	} else {
		rows, err = s.query(ctx,
			columns+` WHERE conversation_id = '' AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))
			AND (created_at > ? OR (created_at = ? AND message_id > ?))
			ORDER BY created_at ASC, message_id ASC LIMIT ?`,
			viewerID, target.UserID, target.UserID, viewerID, after.micros, after.micros, after.id, page.Limit+1)
	}
	if err != nil {
		return nil, persistErr("list messages", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.ConversationID, &msg.Content, &createdAt, &msg.Read); err != nil {
			return nil, persistErr("scan message", err)
		}
		msg.CreatedAt = time.UnixMicro(createdAt).UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list messages", err)
	}
	return buildPage(messages, page), nil
}

// ListConversations returns direct counterparts and conversations of userID.
func (s *SQLStore) ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	var summaries []domain.ConversationSummary

	direct, err := s.query(ctx,
		`SELECT CASE WHEN sender_id = ? THEN receiver_id ELSE sender_id END AS counterpart,
			MAX(created_at),
			SUM(CASE WHEN receiver_id = ? AND is_read = ? THEN 1 ELSE 0 END)
		FROM messages
		WHERE conversation_id = '' AND (sender_id = ? OR receiver_id = ?)
		GROUP BY counterpart`,
		userID, userID, false, userID, userID)
	if err != nil {
		return nil, persistErr("list direct threads", err)
	}
	defer direct.Close()
	for direct.Next() {
		var sum domain.ConversationSummary
		var last int64
		if err := direct.Scan(&sum.CounterpartID, &last, &sum.Unread); err != nil {
			return nil, persistErr("scan direct thread", err)
		}
		sum.LastMessageAt = time.UnixMicro(last).UTC()
		summaries = append(summaries, sum)
	}
	if err := direct.Err(); err != nil {
		return nil, persistErr("list direct threads", err)
	}

	convs, err := s.query(ctx,
		`SELECT p.conversation_id,
			COALESCE(MAX(m.created_at), c.created_at),
			SUM(CASE WHEN m.message_id IS NOT NULL AND m.sender_id <> ? AND m.is_read = ? THEN 1 ELSE 0 END)
		FROM conversation_participants p
		JOIN conversations c ON c.conversation_id = p.conversation_id
		LEFT JOIN messages m ON m.conversation_id = p.conversation_id
		WHERE p.user_id = ?
		GROUP BY p.conversation_id, c.created_at`,
		userID, false, userID)
	if err != nil {
		return nil, persistErr("list conversations", err)
	}
	defer convs.Close()
	for convs.Next() {
		var sum domain.ConversationSummary
		var last int64
		if err := convs.Scan(&sum.ConversationID, &last, &sum.Unread); err != nil {
			return nil, persistErr("scan conversation", err)
		}
		sum.LastMessageAt = time.UnixMicro(last).UTC()
		summaries = append(summaries, sum)
	}
	if err := convs.Err(); err != nil {
		return nil, persistErr("list conversations", err)
	}

	sortSummaries(summaries)
	return summaries, nil
}

func sortSummaries(summaries []domain.ConversationSummary) {
	slices.SortFunc(summaries, func(a, b domain.ConversationSummary) int {
		return b.LastMessageAt.Compare(a.LastMessageAt)
	})
}

var _ Store = (*SQLStore)(nil)

// isUniqueViolation reports whether err came from a duplicate key.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}
