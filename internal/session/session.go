// Package session holds the per-connection state of the chat gateway.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/chat/internal/registry"
)

// State is a step of the connection lifecycle.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// next lists the forward transitions. Disconnected is reachable from anywhere.
var next = map[State]State{
	StateConnecting:    StateAuthenticated,
	StateAuthenticated: StateJoined,
	StateJoined:        StateActive,
}

// ErrInvalidTransition is returned for a lifecycle step out of order.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}

// Session is the server-side state of one live connection.
type Session struct {
	id          string
	room        string
	connectedAt time.Time
	outbox      *registry.Outbox

	mu     sync.Mutex
	userID string
	state  State
	groups map[string]struct{}
}

// New creates a session in the Connecting state.
func New(room string, outboxSize int, logger *slog.Logger) *Session {
	id := uuid.New().String()
	return &Session{
		id:          id,
		room:        room,
		connectedAt: time.Now(),
		outbox:      registry.NewOutbox(id, outboxSize, logger),
		state:       StateConnecting,
		groups:      make(map[string]struct{}),
	}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// Room returns the room named in the connection request, if any.
func (s *Session) Room() string { return s.room }

// ConnectedAt returns when the connection was accepted.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// UserID returns the authenticated identity, empty before authentication.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) advance(to State) error {
	if n, ok := next[s.state]; !ok || n != to {
		return &ErrInvalidTransition{From: s.state, To: to}
	}
	s.state = to
	return nil
}

// Authenticate binds the verified identity.
func (s *Session) Authenticate(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if userID == "" {
		return fmt.Errorf("authenticate: empty user id")
	}
	if err := s.advance(StateAuthenticated); err != nil {
		return err
	}
	s.userID = userID
	return nil
}

// Joined records the groups the registry accepted the session into.
func (s *Session) Joined(groups []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.advance(StateJoined); err != nil {
		return err
	}
	for _, g := range groups {
		s.groups[g] = struct{}{}
	}
	return nil
}

// Activate starts inbound frame processing.
func (s *Session) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advance(StateActive)
}

// Disconnect moves the session to its terminal state, closes the outbox and
// returns the groups it was in. Only the first call returns true.
func (s *Session) Disconnect() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return nil, false
	}
	s.state = StateDisconnected
	groups := slices.Sorted(maps.Keys(s.groups))
	clear(s.groups)
	s.outbox.Close()
	return groups, true
}

// Groups returns a snapshot of the joined groups.
func (s *Session) Groups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.groups))
}

// Deliver implements registry.Member.
func (s *Session) Deliver(data []byte) bool {
	return s.outbox.Push(data)
}

// Reply queues a frame for this connection only.
func (s *Session) Reply(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	if !s.outbox.Push(data) {
		return fmt.Errorf("session %s is closed", s.id)
	}
	return nil
}

// Outbox returns the queue drained by the connection writer.
func (s *Session) Outbox() *registry.Outbox {
	return s.outbox
}

var _ registry.Member = (*Session)(nil)
