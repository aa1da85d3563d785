package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/chat/internal/domain"
)

// threadRequest names the other side of a thread.
type threadRequest struct {
	UserID         domain.ID `json:"user_id" query:"user_id"`
	ConversationID domain.ID `json:"conversation_id" query:"conversation_id"`
}

func (r threadRequest) target() domain.Target {
	return domain.Target{UserID: r.UserID.String(), ConversationID: r.ConversationID.String()}
}

// handleListMessages returns one page of a thread, oldest first.
// GET /v1/messages?user_id=|conversation_id=&limit=&after=
func (s *Server) handleListMessages(c echo.Context) error {
	ctx := c.Request().Context()

	target := domain.Target{
		UserID:         c.QueryParam("user_id"),
		ConversationID: c.QueryParam("conversation_id"),
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return s.respondError(c, "list messages", domain.NewValidationError("limit must be an integer"))
		}
		limit = n
	}

	page, err := s.store.List(ctx, userID(c), target, domain.Page{Limit: limit, After: c.QueryParam("after")})
	if err != nil {
		return s.respondError(c, "list messages", err)
	}
	if page.Messages == nil {
		page.Messages = []domain.Message{}
	}
	return c.JSON(http.StatusOK, page)
}

// handleMarkRead marks a thread as read for the caller.
// POST /v1/messages/read
func (s *Server) handleMarkRead(c echo.Context) error {
	ctx := c.Request().Context()

	var req threadRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": domain.CodeInvalidMessage, "message": "invalid request body"})
	}

	updated, err := s.store.MarkRead(ctx, userID(c), req.target())
	if err != nil {
		return s.respondError(c, "mark read", err)
	}
	return c.JSON(http.StatusOK, map[string]int{"updated": updated})
}

// handleListConversations returns the caller's inbox, most recent first.
// GET /v1/conversations
func (s *Server) handleListConversations(c echo.Context) error {
	ctx := c.Request().Context()

	summaries, err := s.store.ListConversations(ctx, userID(c))
	if err != nil {
		return s.respondError(c, "list conversations", err)
	}
	if summaries == nil {
		summaries = []domain.ConversationSummary{}
	}
	return c.JSON(http.StatusOK, map[string]any{"conversations": summaries})
}
