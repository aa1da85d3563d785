package http

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"github.com/xiaot623/gogo/chat/internal/domain"
)

// UpsertUserRequest is the body of PUT /internal/users/:user_id.
type UpsertUserRequest struct {
	Username string `json:"username" validate:"max=150"`
}

// CreateConversationRequest is the body of POST /internal/conversations.
type CreateConversationRequest struct {
	ID           string      `json:"id" validate:"omitempty,max=64"`
	Participants []domain.ID `json:"participants" validate:"min=2,dive,required"`
}

// handleUpsertUser syncs a user from the auth subsystem.
func (s *Server) handleUpsertUser(c echo.Context) error {
	ctx := c.Request().Context()

	id := strings.TrimSpace(c.Param("user_id"))
	if id == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": domain.CodeInvalidMessage, "message": "user_id is required"})
	}
	var req UpsertUserRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": domain.CodeInvalidMessage, "message": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return s.respondError(c, "upsert user", err)
	}

	if err := s.store.UpsertUser(ctx, domain.User{ID: id, Username: req.Username}); err != nil {
		return s.respondError(c, "upsert user", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleCreateConversation registers a multi-party conversation, e.g. the
// participants of a booking.
func (s *Server) handleCreateConversation(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreateConversationRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": domain.CodeInvalidMessage, "message": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return s.respondError(c, "create conversation", err)
	}

	conv := &domain.Conversation{
		ID:           req.ID,
		Participants: lo.Map(req.Participants, func(id domain.ID, _ int) string { return id.String() }),
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return s.respondError(c, "create conversation", err)
	}
	return c.JSON(http.StatusCreated, conv)
}
