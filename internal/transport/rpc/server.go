// Package rpc carries relayed chat events between gateway processes over JSON-RPC.
package rpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"github.com/xiaot623/gogo/chat/internal/domain"
	"github.com/xiaot623/gogo/chat/internal/registry"
)

// ServiceName is the JSON-RPC service relayed events are sent to.
const ServiceName = "Relay"

// Broadcaster delivers an event to local members only.
type Broadcaster interface {
	Publish(ctx context.Context, group string, event domain.OutboundEvent, opts registry.PublishOptions) (int, error)
}

// Server exposes the relay RPC endpoint.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	rpcServer *rpc.Server
	logger    *slog.Logger
	done      chan struct{}
}

// NewServer creates a relay RPC server delivering into local.
func NewServer(local Broadcaster, node string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "relay_rpc"))

	rpcServer := rpc.NewServer()
	handler := &Handler{local: local, node: node, logger: logger}
	if err := rpcServer.RegisterName(ServiceName, handler); err != nil {
		return nil, err
	}

	return &Server{
		rpcServer: rpcServer,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts RPC connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.logger.Warn("rpc accept error", slog.Any("error", err))
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements relay RPC methods.
type Handler struct {
	local  Broadcaster
	node   string
	logger *slog.Logger
}

// PublishResponse reports local delivery of a relayed event.
type PublishResponse struct {
	OK        bool `json:"ok"`
	Delivered int  `json:"delivered"`
}

// Publish delivers an event relayed by a peer to this process's members.
func (h *Handler) Publish(req *registry.RelayEvent, resp *PublishResponse) error {
	if req == nil {
		return errors.New("relay event is required")
	}
	if req.Group == "" {
		return errors.New("group is required")
	}
	if req.Origin != "" && req.Origin == h.node {
		// Our own event looped back through a misconfigured peer list.
		resp.OK = true
		return nil
	}

	n, err := h.local.Publish(context.Background(), req.Group, req.Event, registry.PublishOptions{})
	if err != nil {
		return err
	}
	h.logger.Debug("relayed event delivered",
		slog.String("origin", req.Origin),
		slog.String("group", req.Group),
		slog.String("message_id", req.Event.MessageID),
		slog.Int("delivered", n))

	resp.OK = true
	resp.Delivered = n
	return nil
}
