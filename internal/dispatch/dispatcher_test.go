package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/chat/internal/domain"
	"github.com/xiaot623/gogo/chat/internal/policy"
	"github.com/xiaot623/gogo/chat/internal/registry"
	"github.com/xiaot623/gogo/chat/internal/session"
	"github.com/xiaot623/gogo/chat/internal/store"
	"github.com/xiaot623/gogo/chat/internal/testutil"
)

type fixture struct {
	store      *store.SQLStore
	hub        *registry.Hub
	strategy   registry.GroupStrategy
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, policyName string, opts Options) *fixture {
	t.Helper()
	s := testutil.NewTestSQLiteStore(t)
	testutil.SeedUsers(t, s, "1", "2", "3")
	hub := testutil.NewRunningHub(t)

	strategy, err := registry.NewStrategy(policyName, s)
	require.NoError(t, err)
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	return &fixture{
		store:      s,
		hub:        hub,
		strategy:   strategy,
		dispatcher: New(s, hub, strategy, engine, opts, nil),
	}
}

func (f *fixture) connect(t *testing.T, userID, room string) *session.Session {
	t.Helper()
	sess := session.New(room, 16, nil)
	require.NoError(t, sess.Authenticate(userID))
	groups, err := f.strategy.ConnectGroups(userID, room)
	require.NoError(t, err)
	require.NoError(t, registry.JoinAll(context.Background(), f.hub, sess, groups))
	require.NoError(t, sess.Joined(groups))
	require.NoError(t, sess.Activate())
	t.Cleanup(func() {
		_ = f.hub.LeaveAll(context.Background(), sess)
		sess.Disconnect()
	})
	return sess
}

func (f *fixture) send(t *testing.T, sess *session.Session, frame string) error {
	t.Helper()
	return f.dispatcher.Dispatch(context.Background(), sess, []byte(frame))
}

func next(t *testing.T, sess *session.Session) map[string]any {
	t.Helper()
	select {
	case data := <-sess.Outbox().C():
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func assertNoFrame(t *testing.T, sess *session.Session) {
	t.Helper()
	assert.Zero(t, sess.Outbox().Len(), "unexpected frame queued")
}

func TestDirectMessageScenario(t *testing.T) {
	f := newFixture(t, registry.PolicyPersonal, Options{})
	a := f.connect(t, "1", "")
	b := f.connect(t, "2", "")

	require.NoError(t, f.send(t, a, `{"message":"hi","sender_id":1,"receiver_id":2}`))

	got := next(t, b)
	assert.Equal(t, "message", got["type"])
	assert.Equal(t, "1", got["sender_id"])
	assert.Equal(t, "2", got["receiver_id"])
	assert.Equal(t, "hi", got["message"])
	assert.NotEmpty(t, got["message_id"])
	_, err := time.Parse(time.RFC3339Nano, got["timestamp"].(string))
	require.NoError(t, err)
	assertNoFrame(t, a)

	page, err := f.store.List(context.Background(), "2", domain.Target{UserID: "1"}, domain.Page{})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	stored := page.Messages[0]
	assert.Equal(t, got["message_id"], stored.ID)
	assert.Equal(t, "1", stored.SenderID)
	assert.Equal(t, "2", stored.ReceiverID)
	assert.Equal(t, "hi", stored.Content)
	assert.False(t, stored.Read)
}

func TestSelfDeliveryReachesSenderDevices(t *testing.T) {
	f := newFixture(t, registry.PolicyPersonal, Options{})
	a := f.connect(t, "1", "")
	aPhone := f.connect(t, "1", "")
	f.connect(t, "2", "")

	require.NoError(t, f.send(t, a, `{"message":"hi","sender_id":"1","receiver_id":"2"}`))
	assertNoFrame(t, a)
	assert.Equal(t, "hi", next(t, aPhone)["message"])

	f = newFixture(t, registry.PolicyPersonal, Options{SelfDelivery: true})
	a = f.connect(t, "1", "")
	require.NoError(t, f.send(t, a, `{"message":"echo","sender_id":"1","receiver_id":"2"}`))
	assert.Equal(t, "echo", next(t, a)["message"])
}

func TestSpoofedSenderIsRejectedAndConnectionStaysUsable(t *testing.T) {
	f := newFixture(t, registry.PolicyPersonal, Options{})
	a := f.connect(t, "1", "")
	b := f.connect(t, "2", "")

	err := f.send(t, a, `{"message":"pretend","sender_id":3,"receiver_id":2}`)
	require.ErrorIs(t, err, domain.ErrAuthorization)

	frame := next(t, a)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, domain.CodeForbidden, frame["code"])
	assertNoFrame(t, b)

	page, err := f.store.List(context.Background(), "2", domain.Target{UserID: "1"}, domain.Page{})
	require.NoError(t, err)
	assert.Empty(t, page.Messages)

	require.NoError(t, f.send(t, a, `{"message":"real","sender_id":1,"receiver_id":2}`))
	assert.Equal(t, "real", next(t, b)["message"])
}

func TestValidationErrors(t *testing.T) {
	f := newFixture(t, registry.PolicyPersonal, Options{})
	a := f.connect(t, "1", "")

	frames := map[string]string{
		"malformed":        `{"message":`,
		"missing content":  `{"sender_id":1,"receiver_id":2}`,
		"blank content":    `{"message":"  ","sender_id":1,"receiver_id":2}`,
		"missing sender":   `{"message":"hi","receiver_id":2}`,
		"missing target":   `{"message":"hi","sender_id":1}`,
		"both targets":     `{"message":"hi","sender_id":1,"receiver_id":2,"conversation_id":"c"}`,
		"unknown receiver": `{"message":"hi","sender_id":1,"receiver_id":99}`,
		"unknown type":     `{"type":"typing","sender_id":1}`,
		"second auth":      `{"type":"auth","token":"x"}`,
		"bad mark_read":    `{"type":"mark_read"}`,
	}
	for name, frame := range frames {
		err := f.send(t, a, frame)
		require.ErrorIs(t, err, domain.ErrValidation, name)
		reply := next(t, a)
		assert.Equal(t, domain.CodeInvalidMessage, reply["code"], name)
	}
}

func TestMarkReadFrameIsIdempotent(t *testing.T) {
	f := newFixture(t, registry.PolicyPersonal, Options{})
	a := f.connect(t, "1", "")
	b := f.connect(t, "2", "")

	for i := 0; i < 3; i++ {
		require.NoError(t, f.send(t, a, fmt.Sprintf(`{"message":"m%d","sender_id":1,"receiver_id":2}`, i)))
		next(t, b)
	}

	require.NoError(t, f.send(t, b, `{"type":"mark_read","user_id":1}`))
	ack := next(t, b)
	assert.Equal(t, "read_ack", ack["type"])
	assert.EqualValues(t, 3, ack["updated"])

	require.NoError(t, f.send(t, b, `{"type":"mark_read","user_id":"1"}`))
	assert.EqualValues(t, 0, next(t, b)["updated"])
}

func TestFramesFromOneConnectionAreOrdered(t *testing.T) {
	f := newFixture(t, registry.PolicyPersonal, Options{})
	a := f.connect(t, "1", "")
	b := f.connect(t, "2", "")

	var stamps []time.Time
	for i := 0; i < 10; i++ {
		require.NoError(t, f.send(t, a, fmt.Sprintf(`{"message":"%d","sender_id":1,"receiver_id":2}`, i)))
		ts, err := time.Parse(time.RFC3339Nano, next(t, b)["timestamp"].(string))
		require.NoError(t, err)
		stamps = append(stamps, ts)
	}
	for i := 1; i < len(stamps); i++ {
		assert.True(t, stamps[i-1].Before(stamps[i]))
	}
}

func TestDisconnectedSessionReceivesNothing(t *testing.T) {
	f := newFixture(t, registry.PolicyPersonal, Options{})
	a := f.connect(t, "1", "")
	b := f.connect(t, "2", "")

	require.NoError(t, f.hub.LeaveAll(context.Background(), b))
	b.Disconnect()

	require.NoError(t, f.send(t, a, `{"message":"late","sender_id":1,"receiver_id":2}`))
	_, open := <-b.Outbox().C()
	assert.False(t, open)
}

func TestConversationFanOut(t *testing.T) {
	f := newFixture(t, registry.PolicyPersonal, Options{})
	conv := &domain.Conversation{Participants: []string{"1", "2", "3"}}
	require.NoError(t, f.store.CreateConversation(context.Background(), conv))

	a := f.connect(t, "1", "")
	b := f.connect(t, "2", "")
	c := f.connect(t, "3", "")

	require.NoError(t, f.send(t, a, fmt.Sprintf(`{"message":"all","sender_id":1,"conversation_id":%q}`, conv.ID)))
	for _, sess := range []*session.Session{b, c} {
		got := next(t, sess)
		assert.Equal(t, conv.ID, got["conversation_id"])
		assert.NotContains(t, got, "receiver_id")
	}
	assertNoFrame(t, a)

	require.NoError(t, f.send(t, c, fmt.Sprintf(`{"type":"mark_read","conversation_id":%q}`, conv.ID)))
	assert.EqualValues(t, 1, next(t, c)["updated"])
}

func TestRoomPolicyPublishesToRoom(t *testing.T) {
	f := newFixture(t, registry.PolicyRoom, Options{})
	a := f.connect(t, "1", "lobby")
	b := f.connect(t, "2", "lobby")
	outsider := f.connect(t, "2", "")

	require.NoError(t, f.send(t, a, `{"message":"room hi","sender_id":1,"receiver_id":2}`))
	assert.Equal(t, "room hi", next(t, b)["message"])
	assertNoFrame(t, outsider)
}

func TestPersistenceUsesDetachedContext(t *testing.T) {
	f := newFixture(t, registry.PolicyPersonal, Options{})
	a := f.connect(t, "1", "")
	b := f.connect(t, "2", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.dispatcher.Dispatch(ctx, a, []byte(`{"message":"bye","sender_id":1,"receiver_id":2}`)))
	assert.Equal(t, "bye", next(t, b)["message"])
}

func TestPersistenceFailureIsReported(t *testing.T) {
	f := newFixture(t, registry.PolicyPersonal, Options{})
	a := f.connect(t, "1", "")
	b := f.connect(t, "2", "")
	require.NoError(t, f.store.Close())

	err := f.send(t, a, `{"message":"hi","sender_id":1,"receiver_id":2}`)
	require.ErrorIs(t, err, domain.ErrPersistence)
	frame := next(t, a)
	assert.Equal(t, domain.CodePersistenceFailed, frame["code"])
	assertNoFrame(t, b)
}

func TestRegistryFailureIsNotReportedToSender(t *testing.T) {
	s := testutil.NewTestSQLiteStore(t)
	testutil.SeedUsers(t, s, "1", "2")
	hub := registry.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()

	strategy, err := registry.NewStrategy(registry.PolicyPersonal, s)
	require.NoError(t, err)
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	d := New(s, hub, strategy, engine, Options{PublishRetries: 2}, nil)

	a := session.New("", 4, nil)
	require.NoError(t, a.Authenticate("1"))
	require.NoError(t, a.Joined(nil))
	require.NoError(t, a.Activate())

	cancel()
	<-hub.Done()

	require.NoError(t, d.Dispatch(context.Background(), a, []byte(`{"message":"hi","sender_id":1,"receiver_id":2}`)))
	assertNoFrame(t, a)

	page, err := s.List(context.Background(), "1", domain.Target{UserID: "2"}, domain.Page{})
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
}

func TestInactiveSessionIsRejected(t *testing.T) {
	f := newFixture(t, registry.PolicyPersonal, Options{})
	sess := session.New("", 4, nil)
	require.NoError(t, sess.Authenticate("1"))

	err := f.send(t, sess, `{"message":"hi","sender_id":1,"receiver_id":2}`)
	assert.Error(t, err)
}
