// Package gateway accepts chat WebSocket connections and drives their sessions.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"github.com/xiaot623/gogo/chat/internal/auth"
	"github.com/xiaot623/gogo/chat/internal/domain"
	"github.com/xiaot623/gogo/chat/internal/protocol"
	"github.com/xiaot623/gogo/chat/internal/registry"
	"github.com/xiaot623/gogo/chat/internal/session"
)

// TokenVerifier turns a bearer credential into a user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// UserLookup answers whether a user exists.
type UserLookup interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// FrameDispatcher processes inbound frames of an active session.
type FrameDispatcher interface {
	Dispatch(ctx context.Context, sess *session.Session, data []byte) error
}

// Options holds the WebSocket settings of the gateway.
type Options struct {
	OutboxSize     int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	AuthTimeout    time.Duration
	MaxMessageSize int64
	// LeaveRetries bounds the attempts to leave all groups on disconnect.
	LeaveRetries   int
}

func (o Options) withDefaults() Options {
	if o.OutboxSize <= 0 {
		o.OutboxSize = registry.DefaultOutboxSize
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 65536
	}
	if o.LeaveRetries <= 0 {
		o.LeaveRetries = 3
	}
	return o
}

// Gateway authenticates connections, joins them to their groups and runs
// one reader and one writer goroutine per connection.
type Gateway struct {
	opts       Options
	verifier   TokenVerifier
	users      UserLookup
	registry   registry.Registry
	strategy   registry.GroupStrategy
	dispatcher FrameDispatcher
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	mu      sync.Mutex
	conns   map[string]*connection
	closing bool
	wg      sync.WaitGroup
}

// connection is the transport side of a live session.
type connection struct {
	ws         *websocket.Conn
	sess       *session.Session
	cancel     context.CancelFunc
	writerDone chan struct{}
}

// New creates a gateway.
func New(opts Options, verifier TokenVerifier, users UserLookup, reg registry.Registry, strategy registry.GroupStrategy, dispatcher FrameDispatcher, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		opts:       opts.withDefaults(),
		verifier:   verifier,
		users:      users,
		registry:   reg,
		strategy:   strategy,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Browser clients are served from other origins.
				return true
			},
		},
		logger: logger.With(slog.String("component", "gateway")),
		conns:  make(map[string]*connection),
	}
}

// Register mounts the chat endpoints on e.
func (g *Gateway) Register(e *echo.Echo) {
	e.GET("/ws/chat", g.HandleWebSocket)
	e.GET("/ws/chat/:room", g.HandleWebSocket)
}

// Connect authenticates credential and returns an active session that is a
// member of all its groups. On failure no membership is left behind.
func (g *Gateway) Connect(ctx context.Context, credential, room string) (*session.Session, error) {
	userID, err := g.verifier.Verify(credential)
	if err != nil {
		return nil, err
	}
	ok, err := g.users.UserExists(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: unknown user %q", domain.ErrAuthentication, userID)
	}

	groups, err := g.strategy.ConnectGroups(userID, room)
	if err != nil {
		return nil, err
	}

	sess := session.New(room, g.opts.OutboxSize, g.logger)
	if err := sess.Authenticate(userID); err != nil {
		return nil, err
	}
	if err := registry.JoinAll(ctx, g.registry, sess, groups); err != nil {
		sess.Disconnect()
		return nil, err
	}
	if err := sess.Joined(groups); err != nil {
		g.Disconnect(sess)
		return nil, err
	}
	if err := sess.Activate(); err != nil {
		g.Disconnect(sess)
		return nil, err
	}

	g.logger.Info("connection established",
		slog.String("connection_id", sess.ID()),
		slog.String("user_id", userID),
		slog.Any("groups", groups))
	return sess, nil
}

// Disconnect removes sess from every group and closes its outbox, which makes
// the writer close the transport. It is safe to call more than once.
func (g *Gateway) Disconnect(sess *session.Session) {
	if err := g.leaveAll(sess); err != nil {
		g.logger.Error("leave groups failed, membership left behind",
			slog.String("connection_id", sess.ID()), slog.Any("error", err))
	}
	if groups, first := sess.Disconnect(); first {
		g.logger.Info("connection closed",
			slog.String("connection_id", sess.ID()),
			slog.String("user_id", sess.UserID()),
			slog.Any("groups", groups),
			slog.Uint64("dropped_frames", sess.Outbox().Dropped()))
	}
}

// leaveAll removes sess from every group, retrying a busy registry with
// bounded backoff. A stopped registry has already dropped all memberships.
func (g *Gateway) leaveAll(sess *session.Session) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond

	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.WriteTimeout)
		defer cancel()
		err := g.registry.LeaveAll(ctx, sess)
		if errors.Is(err, registry.ErrStopped) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			g.logger.Warn("leave groups attempt failed", slog.String("connection_id", sess.ID()), slog.Any("error", err))
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(g.opts.LeaveRetries)))
	return err
}

// Connections returns the number of live connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (g *Gateway) HandleWebSocket(c echo.Context) error {
	room := c.Param("room")
	if room != "" && !g.strategy.Rooms() {
		return echo.NewHTTPError(http.StatusNotFound, "rooms are not enabled")
	}
	credential := c.QueryParam("token")
	if credential == "" {
		credential = auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	}

	ws, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		g.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return nil
	}
	ws.SetReadLimit(g.opts.MaxMessageSize)

	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		g.closeWith(ws, websocket.CloseGoingAway, "server shutdown")
		return nil
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go g.serve(ws, credential, room)
	return nil
}

func (g *Gateway) serve(ws *websocket.Conn, credential, room string) {
	defer g.wg.Done()

	if credential == "" {
		token, err := g.readAuthFrame(ws)
		if err != nil {
			g.reject(ws, err)
			return
		}
		credential = token
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess, err := g.Connect(ctx, credential, room)
	if err != nil {
		cancel()
		g.reject(ws, err)
		return
	}

	conn := &connection{ws: ws, sess: sess, cancel: cancel, writerDone: make(chan struct{})}
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		cancel()
		g.Disconnect(sess)
		g.closeWith(ws, websocket.CloseGoingAway, "server shutdown")
		return
	}
	g.conns[sess.ID()] = conn
	g.mu.Unlock()

	go g.writePump(conn)
	g.readPump(ctx, conn)
}

// readAuthFrame waits for the initial {"type":"auth","token":"..."} frame.
func (g *Gateway) readAuthFrame(ws *websocket.Conn) (string, error) {
	_ = ws.SetReadDeadline(time.Now().Add(g.opts.AuthTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("%w: no credential: %w", domain.ErrAuthentication, err)
	}
	var frame protocol.AuthMessage
	if err := protocol.Decode(data, &frame); err != nil || frame.Type != protocol.TypeAuth || frame.Token == "" {
		return "", fmt.Errorf("%w: first frame must be an auth frame", domain.ErrAuthentication)
	}
	return frame.Token, nil
}

// reject closes a connection that never became a session.
func (g *Gateway) reject(ws *websocket.Conn, err error) {
	code, reason := websocket.ClosePolicyViolation, domain.CodeUnauthorized
	switch {
	case errors.Is(err, domain.ErrAuthentication):
		g.logger.Info("connection rejected", slog.Any("error", err))
	case errors.Is(err, domain.ErrValidation):
		reason = domain.PublicMessage(err)
		g.logger.Info("connection rejected", slog.Any("error", err))
	default:
		code, reason = websocket.CloseInternalServerErr, domain.CodeInternalError
		g.logger.Error("connection setup failed", slog.Any("error", err))
	}
	g.closeWith(ws, code, reason)
}

func (g *Gateway) closeWith(ws *websocket.Conn, code int, reason string) {
	// Control frame payloads are limited to 125 bytes.
	if len(reason) > 123 {
		reason = reason[:123]
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(g.opts.WriteTimeout))
	_ = ws.Close()
}

// readPump reads frames from the WebSocket connection in arrival order.
func (g *Gateway) readPump(ctx context.Context, conn *connection) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("frame handler panicked",
				slog.String("connection_id", conn.sess.ID()),
				slog.Any("panic", r))
		}
		conn.cancel()
		g.Disconnect(conn.sess)

		select {
		case <-conn.writerDone:
		case <-time.After(g.opts.WriteTimeout):
		}
		_ = conn.ws.Close()

		g.mu.Lock()
		delete(g.conns, conn.sess.ID())
		g.mu.Unlock()
	}()

	ws := conn.ws
	_ = ws.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.logger.Warn("websocket error", slog.String("connection_id", conn.sess.ID()), slog.Any("error", err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout))

		_ = g.dispatcher.Dispatch(ctx, conn.sess, data)
	}
}

// writePump drains the session outbox to the WebSocket connection.
func (g *Gateway) writePump(conn *connection) {
	ticker := time.NewTicker(g.opts.PingInterval)
	defer func() {
		ticker.Stop()
		close(conn.writerDone)
	}()

	ws := conn.ws
	outbox := conn.sess.Outbox().C()
	for {
		select {
		case message, ok := <-outbox:
			_ = ws.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout))
			if !ok {
				// Session disconnected
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				g.logger.Warn("failed to write message", slog.String("connection_id", conn.sess.ID()), slog.Any("error", err))
				_ = ws.Close()
				return
			}

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}

// Shutdown closes every live connection and waits for their cleanup.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	conns := lo.Values(g.conns)
	g.mu.Unlock()

	for _, conn := range conns {
		g.closeWith(conn.ws, websocket.CloseGoingAway, "server shutdown")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
