package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/chat/internal/domain"
)

type conversationsStub map[string]*domain.Conversation

func (s conversationsStub) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	conv, ok := s[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return conv, nil
}

func TestPersonalStrategy(t *testing.T) {
	convs := conversationsStub{"c1": {ID: "c1", Participants: []string{"1", "2", "3"}}}
	s, err := NewStrategy(PolicyPersonal, convs)
	require.NoError(t, err)
	assert.False(t, s.Rooms())

	groups, err := s.ConnectGroups("1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"user_1"}, groups)

	_, err = s.ConnectGroups("1", "lobby")
	assert.ErrorIs(t, err, domain.ErrValidation)

	ctx := context.Background()
	groups, err = s.TargetGroups(ctx, "1", "", domain.Target{UserID: "2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"user_2", "user_1"}, groups)

	groups, err = s.TargetGroups(ctx, "1", "", domain.Target{UserID: "1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"user_1"}, groups)

	groups, err = s.TargetGroups(ctx, "1", "", domain.Target{ConversationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"user_1", "user_2", "user_3"}, groups)

	_, err = s.TargetGroups(ctx, "1", "", domain.Target{ConversationID: "missing"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRoomStrategy(t *testing.T) {
	s, err := NewStrategy(PolicyRoom, nil)
	require.NoError(t, err)
	assert.True(t, s.Rooms())

	groups, err := s.ConnectGroups("1", "lobby")
	require.NoError(t, err)
	assert.Equal(t, []string{"user_1", "chat_lobby"}, groups)

	groups, err = s.ConnectGroups("1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"user_1"}, groups)

	_, err = s.ConnectGroups("1", "bad room!")
	assert.ErrorIs(t, err, domain.ErrValidation)

	ctx := context.Background()
	groups, err = s.TargetGroups(ctx, "1", "lobby", domain.Target{UserID: "2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"chat_lobby"}, groups)

	groups, err = s.TargetGroups(ctx, "1", "", domain.Target{UserID: "2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"user_2", "user_1"}, groups)
}

func TestNewStrategyUnknownPolicy(t *testing.T) {
	_, err := NewStrategy("broadcast", nil)
	assert.Error(t, err)
}
