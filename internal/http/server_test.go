package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/chat/internal/auth"
	"github.com/xiaot623/gogo/chat/internal/domain"
	"github.com/xiaot623/gogo/chat/internal/registry"
	"github.com/xiaot623/gogo/chat/internal/store"
	"github.com/xiaot623/gogo/chat/internal/testutil"
)

const (
	testSecret = "test-secret"
	testAPIKey = "internal-key"
)

type stubGateway struct{ n int }

func (g stubGateway) Connections() int { return g.n }

type stubStats struct{ stats registry.Stats }

func (s stubStats) Stats() registry.Stats { return s.stats }

type fixture struct {
	server *Server
	store  *store.SQLStore
	issuer *auth.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := testutil.NewTestSQLiteStore(t)
	testutil.SeedUsers(t, s, "1", "2", "3")
	verifier, err := auth.NewVerifier(testSecret, "")
	require.NoError(t, err)

	return &fixture{
		server: NewServer(s, verifier, stubGateway{n: 3}, stubStats{registry.Stats{Groups: 2, Members: 3}}, testAPIKey, nil),
		store:  s,
		issuer: auth.NewIssuer(testSecret, ""),
	}
}

func (f *fixture) do(t *testing.T, method, target, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if userID != "" {
		token, err := f.issuer.IssueToken(userID, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Echo().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) send(t *testing.T, from, to, content string) *domain.Message {
	t.Helper()
	msg, err := f.store.Create(context.Background(), from, domain.Target{UserID: to}, content)
	require.NoError(t, err)
	return msg
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.EqualValues(t, 3, resp["connections"])
	assert.EqualValues(t, 2, resp["groups"])
}

func TestListMessages(t *testing.T) {
	f := newFixture(t)
	first := f.send(t, "1", "2", "one")
	f.send(t, "2", "1", "two")
	f.send(t, "1", "3", "elsewhere")

	rec := f.do(t, http.MethodGet, "/v1/messages?user_id=2&limit=1", "1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var page domain.MessagePage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, first.ID, page.Messages[0].ID)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextCursor)

	rec = f.do(t, http.MethodGet, "/v1/messages?user_id=2&after="+page.NextCursor, "1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rest domain.MessagePage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rest))
	require.Len(t, rest.Messages, 1)
	assert.Equal(t, "two", rest.Messages[0].Content)
	assert.False(t, rest.HasMore)
}

func TestListMessagesErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		target string
		userID string
		status int
	}{
		{name: "no token", target: "/v1/messages?user_id=2", status: http.StatusUnauthorized},
		{name: "no target", target: "/v1/messages", userID: "1", status: http.StatusBadRequest},
		{name: "both targets", target: "/v1/messages?user_id=2&conversation_id=c1", userID: "1", status: http.StatusBadRequest},
		{name: "bad limit", target: "/v1/messages?user_id=2&limit=ten", userID: "1", status: http.StatusBadRequest},
		{name: "unknown conversation", target: "/v1/messages?conversation_id=nope", userID: "1", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, tt.target, tt.userID, "")
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	f.send(t, "1", "2", "one")
	f.send(t, "1", "2", "two")

	rec := f.do(t, http.MethodPost, "/v1/messages/read", "2", `{"user_id":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"updated":2}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/messages/read", "2", `{"user_id":"1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"updated":0}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/messages/read", "2", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListConversations(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/conversations", "1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conversations":[]}`, rec.Body.String())

	f.send(t, "2", "1", "hello")
	rec = f.do(t, http.MethodGet, "/v1/conversations", "1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Conversations []domain.ConversationSummary `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Conversations, 1)
	assert.Equal(t, "2", resp.Conversations[0].CounterpartID)
	assert.Equal(t, 1, resp.Conversations[0].Unread)
}

func TestInternalRoutesRequireAPIKey(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPut, "/internal/users/9", strings.NewReader(`{"username":"nine"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Echo().ServeHTTP(rec, req)
	assert.GreaterOrEqual(t, rec.Code, http.StatusBadRequest, "missing key")
	assert.Less(t, rec.Code, http.StatusInternalServerError, "missing key")

	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	f.server.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInternalSync(t *testing.T) {
	f := newFixture(t)
	internal := func(method, target, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", testAPIKey)
		rec := httptest.NewRecorder()
		f.server.Echo().ServeHTTP(rec, req)
		return rec
	}

	rec := internal(http.MethodPut, "/internal/users/9", `{"username":"nine"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	ok, err := f.store.UserExists(context.Background(), "9")
	require.NoError(t, err)
	assert.True(t, ok)

	rec = internal(http.MethodPost, "/internal/conversations", `{"id":"booking-1","participants":[1,"9"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	conv, err := f.store.GetConversation(context.Background(), "booking-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "9"}, conv.Participants)

	rec = internal(http.MethodPost, "/internal/conversations", `{"participants":["1"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = internal(http.MethodPost, "/internal/conversations", `{"participants":["1","404"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInternalRoutesDisabledWithoutKey(t *testing.T) {
	s := testutil.NewTestSQLiteStore(t)
	verifier, err := auth.NewVerifier(testSecret, "")
	require.NoError(t, err)
	server := NewServer(s, verifier, stubGateway{}, stubStats{}, "", nil)

	req := httptest.NewRequest(http.MethodPut, "/internal/users/9", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	server.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
