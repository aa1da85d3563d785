// Package http provides the query and internal HTTP API of the chat gateway.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/chat/internal/auth"
	"github.com/xiaot623/gogo/chat/internal/domain"
	"github.com/xiaot623/gogo/chat/internal/registry"
	"github.com/xiaot623/gogo/chat/internal/store"
)

// contextKeyUser is the echo context key holding the authenticated user id.
const contextKeyUser = "user_id"

// TokenVerifier turns a bearer credential into a user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Gateway reports the number of live WebSocket connections.
type Gateway interface {
	Connections() int
}

// StatsSource reports registry counts.
type StatsSource interface {
	Stats() registry.Stats
}

type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i any) error {
	if err := v.validate.Struct(i); err != nil {
		return domain.NewValidationError("%v", err)
	}
	return nil
}

// Server is the query and internal HTTP server.
type Server struct {
	echo     *echo.Echo
	store    store.Store
	verifier TokenVerifier
	gateway  Gateway
	registry StatsSource
	logger   *slog.Logger
}

// NewServer creates a new HTTP server. Internal routes are only mounted when
// apiKey is set.
func NewServer(st store.Store, verifier TokenVerifier, gw Gateway, reg StatsSource, apiKey string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{validate: validator.New(validator.WithRequiredStructEnabled())}

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		store:    st,
		verifier: verifier,
		gateway:  gw,
		registry: reg,
		logger:   logger.With(slog.String("component", "http")),
	}

	// Register routes
	e.GET("/health", s.handleHealth)

	v1 := e.Group("/v1", s.requireUser)
	v1.GET("/messages", s.handleListMessages)
	v1.POST("/messages/read", s.handleMarkRead)
	v1.GET("/conversations", s.handleListConversations)

	if apiKey != "" {
		internal := e.Group("/internal", middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			KeyLookup: "header:X-API-Key",
			Validator: func(key string, c echo.Context) (bool, error) {
				return key == apiKey, nil
			},
		}))
		internal.PUT("/users/:user_id", s.handleUpsertUser)
		internal.POST("/conversations", s.handleCreateConversation)
	}

	return s
}

// Echo exposes the router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// requireUser authenticates the bearer token of /v1 requests.
func (s *Server) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
		userID, err := s.verifier.Verify(token)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": domain.CodeUnauthorized})
		}
		c.Set(contextKeyUser, userID)
		return next(c)
	}
}

func userID(c echo.Context) string {
	id, _ := c.Get(contextKeyUser).(string)
	return id
}

// respondError maps a domain error onto an HTTP status.
func (s *Server) respondError(c echo.Context, op string, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAuthorization):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrAuthentication):
		status = http.StatusUnauthorized
	}
	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed", slog.Any("error", err))
	}
	return c.JSON(status, map[string]string{
		"error":   domain.ErrorCode(err),
		"message": domain.PublicMessage(err),
	})
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	stats := s.registry.Stats()
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "healthy",
		"connections": s.gateway.Connections(),
		"groups":      stats.Groups,
		"members":     stats.Members,
	})
}
