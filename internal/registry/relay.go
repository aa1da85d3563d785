package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/chat/internal/domain"
)

// RelayEvent is an event forwarded between gateway processes.
type RelayEvent struct {
	Origin string               `json:"origin"`
	Group  string               `json:"group"`
	Event  domain.OutboundEvent `json:"event"`
}

// Peer forwards events to another gateway process.
type Peer interface {
	Addr() string
	Forward(ctx context.Context, ev *RelayEvent) error
}

// RelayConfig bounds forwarding to peers.
type RelayConfig struct {
	Node            string
	QueueSize       int
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	CallTimeout     time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 50 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 2 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	return c
}

// Relay is the multi-process registry. Membership is local; every publish is
// delivered locally and forwarded to each peer, which delivers it to its own
// members.
type Relay struct {
	local  *Hub
	cfg    RelayConfig
	peers  []*peerQueue
	logger *slog.Logger
}

type peerQueue struct {
	peer  Peer
	queue chan *RelayEvent
}

// NewRelay wraps local with forwarding to peers.
func NewRelay(local *Hub, peers []Peer, cfg RelayConfig, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	r := &Relay{
		local:  local,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "relay"), slog.String("node", cfg.Node)),
	}
	for _, p := range peers {
		r.peers = append(r.peers, &peerQueue{peer: p, queue: make(chan *RelayEvent, cfg.QueueSize)})
	}
	return r
}

// Local returns the hub that relayed events from peers are delivered into.
func (r *Relay) Local() *Hub {
	return r.local
}

// Run serves the local hub and one forwarding worker per peer.
func (r *Relay) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.local.Run(gctx) })
	for _, pq := range r.peers {
		g.Go(func() error {
			r.forwardLoop(gctx, pq)
			return nil
		})
	}
	return g.Wait()
}

func (r *Relay) Join(ctx context.Context, group string, member Member) error {
	return r.local.Join(ctx, group, member)
}

func (r *Relay) Leave(ctx context.Context, group string, member Member) error {
	return r.local.Leave(ctx, group, member)
}

func (r *Relay) LeaveAll(ctx context.Context, member Member) error {
	return r.local.LeaveAll(ctx, member)
}

func (r *Relay) Stats() Stats {
	return r.local.Stats()
}

// Publish delivers locally and queues the event for every peer. The returned
// count covers local members only. Forwarding failures never reach the caller.
func (r *Relay) Publish(ctx context.Context, group string, event domain.OutboundEvent, opts PublishOptions) (int, error) {
	n, err := r.local.Publish(ctx, group, event, opts)
	if err != nil {
		return n, err
	}
	ev := &RelayEvent{Origin: r.cfg.Node, Group: group, Event: event}
	for _, pq := range r.peers {
		select {
		case pq.queue <- ev:
		default:
			r.logger.Warn("relay queue full, dropping event",
				slog.String("peer", pq.peer.Addr()),
				slog.String("group", group),
				slog.String("message_id", event.MessageID))
		}
	}
	return n, nil
}

func (r *Relay) forwardLoop(ctx context.Context, pq *peerQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-pq.queue:
			if err := r.forward(ctx, pq.peer, ev); err != nil && ctx.Err() == nil {
				r.logger.Error("relay forwarding failed, event dropped",
					slog.String("peer", pq.peer.Addr()),
					slog.String("group", ev.Group),
					slog.String("message_id", ev.Event.MessageID),
					slog.Any("error", err))
			}
		}
	}
}

func (r *Relay) forward(ctx context.Context, peer Peer, ev *RelayEvent) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
		return struct{}{}, peer.Forward(callCtx, ev)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(r.cfg.MaxRetries)+1))
	return err
}

var _ Backend = (*Relay)(nil)
