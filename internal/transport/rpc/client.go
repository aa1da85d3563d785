package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc/jsonrpc"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/xiaot623/gogo/chat/internal/registry"
)

// Client forwards relayed events to one peer process.
type Client struct {
	addr        string
	dialTimeout time.Duration
	callTimeout time.Duration
}

// NewClient creates a client for a peer given as host:port or tcp://host:port.
func NewClient(peer string) *Client {
	return &Client{
		addr:        resolveRPCAddr(peer),
		dialTimeout: 5 * time.Second,
		callTimeout: 5 * time.Second,
	}
}

// NewPeers builds one client per non-empty peer address.
func NewPeers(addrs []string) []registry.Peer {
	addrs = lo.Uniq(lo.Compact(lo.Map(addrs, func(a string, _ int) string { return strings.TrimSpace(a) })))
	return lo.Map(addrs, func(a string, _ int) registry.Peer { return NewClient(a) })
}

// Addr returns the dialed address.
func (c *Client) Addr() string {
	return c.addr
}

// Forward implements registry.Peer.
func (c *Client) Forward(ctx context.Context, ev *registry.RelayEvent) error {
	if c.addr == "" {
		return errors.New("peer address is empty")
	}

	var resp PublishResponse
	if err := c.call(ctx, ServiceName+".Publish", ev, &resp); err != nil {
		return fmt.Errorf("relay to %s: %w", c.addr, err)
	}
	if !resp.OK {
		return fmt.Errorf("relay to %s: peer returned ok=false", c.addr)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if c.callTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.callTimeout))
	}

	client := jsonrpc.NewClient(conn)
	call := client.Go(method, args, reply, nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

func resolveRPCAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err == nil && parsed.Host != "" {
			return parsed.Host
		}
	}
	return raw
}

var _ registry.Peer = (*Client)(nil)
