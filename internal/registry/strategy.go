package registry

import (
	"context"
	"fmt"
	"regexp"

	"github.com/samber/lo"

	"github.com/xiaot623/gogo/chat/internal/domain"
)

// Group policies accepted by NewStrategy.
const (
	PolicyPersonal = "personal"
	PolicyRoom     = "room"
)

var roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,90}$`)

// PersonalGroup is the group every connection of userID joins.
func PersonalGroup(userID string) string {
	return "user_" + userID
}

// RoomGroup is the group of a named chat room.
func RoomGroup(room string) string {
	return "chat_" + room
}

// ConversationLookup resolves conversation participants.
type ConversationLookup interface {
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
}

// GroupStrategy decides which groups a connection joins and where its
// messages are published.
type GroupStrategy interface {
	Name() string
	// Rooms reports whether connections may name a room.
	Rooms() bool
	// ConnectGroups returns the groups a new connection of userID joins.
	ConnectGroups(userID, room string) ([]string, error)
	// TargetGroups returns the groups a message from senderID to target is published to.
	TargetGroups(ctx context.Context, senderID, room string, target domain.Target) ([]string, error)
}

// NewStrategy returns the strategy for a GROUP_POLICY value.
func NewStrategy(policy string, conversations ConversationLookup) (GroupStrategy, error) {
	personal := &PersonalStrategy{conversations: conversations}
	switch policy {
	case PolicyPersonal, "":
		return personal, nil
	case PolicyRoom:
		return &RoomStrategy{personal: personal}, nil
	default:
		return nil, fmt.Errorf("unknown group policy %q", policy)
	}
}

// PersonalStrategy routes by per-user groups: every connection joins user_<id>
// and messages go to the personal groups of the sender and its recipients.
type PersonalStrategy struct {
	conversations ConversationLookup
}

func (s *PersonalStrategy) Name() string { return PolicyPersonal }

func (s *PersonalStrategy) Rooms() bool { return false }

func (s *PersonalStrategy) ConnectGroups(userID, room string) ([]string, error) {
	if room != "" {
		return nil, domain.NewValidationError("rooms are not enabled")
	}
	return []string{PersonalGroup(userID)}, nil
}

func (s *PersonalStrategy) TargetGroups(ctx context.Context, senderID, _ string, target domain.Target) ([]string, error) {
	if !target.IsConversation() {
		return lo.Uniq([]string{PersonalGroup(target.UserID), PersonalGroup(senderID)}), nil
	}
	if s.conversations == nil {
		return nil, domain.NewValidationError("conversations are not supported")
	}
	conv, err := s.conversations.GetConversation(ctx, target.ConversationID)
	if err != nil {
		return nil, err
	}
	return lo.Map(conv.Participants, func(p string, _ int) string { return PersonalGroup(p) }), nil
}

// RoomStrategy adds named rooms on top of personal groups. A connection that
// names a room joins chat_<room> and its messages are published to that room.
type RoomStrategy struct {
	personal *PersonalStrategy
}

func (s *RoomStrategy) Name() string { return PolicyRoom }

func (s *RoomStrategy) Rooms() bool { return true }

func (s *RoomStrategy) ConnectGroups(userID, room string) ([]string, error) {
	groups, err := s.personal.ConnectGroups(userID, "")
	if err != nil || room == "" {
		return groups, err
	}
	if !roomNamePattern.MatchString(room) {
		return nil, domain.NewValidationError("invalid room name %q", room)
	}
	return append(groups, RoomGroup(room)), nil
}

func (s *RoomStrategy) TargetGroups(ctx context.Context, senderID, room string, target domain.Target) ([]string, error) {
	if room != "" {
		return []string{RoomGroup(room)}, nil
	}
	return s.personal.TargetGroups(ctx, senderID, "", target)
}
