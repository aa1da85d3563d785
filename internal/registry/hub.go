package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/samber/lo"

	"github.com/xiaot623/gogo/chat/internal/domain"
)

// ErrStopped is returned by a Hub whose Run loop is not serving.
var ErrStopped = fmt.Errorf("%w: hub stopped", domain.ErrRegistry)

// Hub is the single-process registry. One goroutine owns the group map;
// callers talk to it over channels.
type Hub struct {
	logger *slog.Logger

	// Owned by the Run goroutine.
	groups      map[string]map[string]Member
	memberships map[string]map[string]struct{}

	// Channels for registration/unregistration
	join  chan *membership
	leave chan *membership

	// Fan-out requests
	publish chan *groupMessage

	started atomic.Bool
	done    chan struct{}

	groupCount  atomic.Int64
	memberCount atomic.Int64
}

type membership struct {
	group  string // empty with all set
	all    bool
	member Member
	reply  chan struct{}
}

type groupMessage struct {
	group   string
	data    []byte
	exclude string
	reply   chan int
}

// NewHub creates a new Hub. Nothing is served until Run is called.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:      logger.With(slog.String("component", "hub")),
		groups:      make(map[string]map[string]Member),
		memberships: make(map[string]map[string]struct{}),
		join:        make(chan *membership),
		leave:       make(chan *membership),
		publish:     make(chan *groupMessage, 256),
		done:        make(chan struct{}),
	}
}

// Run starts the hub's main loop and blocks until ctx is cancelled.
// A hub runs at most once; afterwards every operation fails with ErrStopped.
func (h *Hub) Run(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return errors.New("hub already started")
	}
	defer func() {
		h.groups = nil
		h.memberships = nil
		h.groupCount.Store(0)
		h.memberCount.Store(0)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub stopped")
			return nil

		case m := <-h.join:
			h.addMember(m.group, m.member)
			close(m.reply)

		case m := <-h.leave:
			if m.all {
				for group := range h.memberships[m.member.ID()] {
					h.removeMember(group, m.member)
				}
			} else {
				h.removeMember(m.group, m.member)
			}
			close(m.reply)

		case msg := <-h.publish:
			msg.reply <- h.fanOut(msg)
		}
	}
}

func (h *Hub) addMember(group string, member Member) {
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]Member)
		h.groups[group] = members
	}
	if _, exists := members[member.ID()]; exists {
		return
	}
	members[member.ID()] = member

	joined, ok := h.memberships[member.ID()]
	if !ok {
		joined = make(map[string]struct{})
		h.memberships[member.ID()] = joined
	}
	joined[group] = struct{}{}
	h.syncCounts()
	h.logger.Debug("member joined", slog.String("group", group), slog.String("member", member.ID()))
}

func (h *Hub) removeMember(group string, member Member) {
	members, ok := h.groups[group]
	if !ok {
		return
	}
	if _, exists := members[member.ID()]; !exists {
		return
	}
	delete(members, member.ID())
	if len(members) == 0 {
		delete(h.groups, group)
	}
	if joined := h.memberships[member.ID()]; joined != nil {
		delete(joined, group)
		if len(joined) == 0 {
			delete(h.memberships, member.ID())
		}
	}
	h.syncCounts()
	h.logger.Debug("member left", slog.String("group", group), slog.String("member", member.ID()))
}

func (h *Hub) fanOut(msg *groupMessage) int {
	members := h.groups[msg.group]
	delivered := 0
	for id, member := range members {
		if id == msg.exclude {
			continue
		}
		if member.Deliver(msg.data) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) syncCounts() {
	h.groupCount.Store(int64(len(h.groups)))
	h.memberCount.Store(int64(len(h.memberships)))
}

// Join adds member to group.
func (h *Hub) Join(ctx context.Context, group string, member Member) error {
	if group == "" {
		return domain.NewValidationError("group is required")
	}
	m := &membership{group: group, member: member, reply: make(chan struct{})}
	return h.roundTrip(ctx, h.join, m, m.reply)
}

// Leave removes member from group.
func (h *Hub) Leave(ctx context.Context, group string, member Member) error {
	m := &membership{group: group, member: member, reply: make(chan struct{})}
	return h.roundTrip(ctx, h.leave, m, m.reply)
}

// LeaveAll removes member from every group.
func (h *Hub) LeaveAll(ctx context.Context, member Member) error {
	m := &membership{all: true, member: member, reply: make(chan struct{})}
	return h.roundTrip(ctx, h.leave, m, m.reply)
}

func (h *Hub) roundTrip(ctx context.Context, ch chan<- *membership, m *membership, reply <-chan struct{}) error {
	select {
	case ch <- m:
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish encodes event once and delivers it to the current members of group.
func (h *Hub) Publish(ctx context.Context, group string, event domain.OutboundEvent, opts PublishOptions) (int, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	return h.Broadcast(ctx, group, data, opts)
}

// Broadcast delivers an already encoded frame to the current members of group.
func (h *Hub) Broadcast(ctx context.Context, group string, data []byte, opts PublishOptions) (int, error) {
	msg := &groupMessage{group: group, data: data, exclude: opts.ExcludeMember, reply: make(chan int, 1)}
	select {
	case h.publish <- msg:
	case <-h.done:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-msg.reply:
		return n, nil
	case <-h.done:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stats returns the number of non-empty groups and distinct members.
func (h *Hub) Stats() Stats {
	return Stats{
		Groups:  int(h.groupCount.Load()),
		Members: int(h.memberCount.Load()),
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// JoinAll joins member to each group, undoing the joins made so far if one fails.
func JoinAll(ctx context.Context, r Registry, member Member, groups []string) error {
	groups = lo.Uniq(lo.Compact(groups))
	for i, group := range groups {
		if err := r.Join(ctx, group, member); err != nil {
			for _, joined := range groups[:i] {
				_ = r.Leave(context.WithoutCancel(ctx), joined, member)
			}
			return err
		}
	}
	return nil
}

var _ Backend = (*Hub)(nil)
