// Package registry provides the group pub/sub directory used for message fan-out.
package registry

import (
	"context"

	"github.com/xiaot623/gogo/chat/internal/domain"
)

// Member is a live connection that can be attached to groups.
type Member interface {
	ID() string
	// Deliver queues an encoded frame for the member. It must not block and
	// reports false when the member no longer accepts frames.
	Deliver(data []byte) bool
}

// PublishOptions tunes a single Publish call.
type PublishOptions struct {
	// ExcludeMember skips the member with this id, typically the sending connection.
	ExcludeMember string
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Groups  int `json:"groups"`
	Members int `json:"members"`
}

// Registry maps group ids to their current members.
type Registry interface {
	// Join adds member to group. Joining twice is a no-op.
	Join(ctx context.Context, group string, member Member) error
	// Leave removes member from group. Leaving a group the member is not in is a no-op.
	Leave(ctx context.Context, group string, member Member) error
	// LeaveAll removes member from every group it is in.
	LeaveAll(ctx context.Context, member Member) error
	// Publish fans event out to the members of group at the instant of the
	// call and returns how many accepted it.
	Publish(ctx context.Context, group string, event domain.OutboundEvent, opts PublishOptions) (int, error)
	Stats() Stats
}

// Backend is a Registry with a lifecycle bound to the process.
type Backend interface {
	Registry
	// Run serves the registry until ctx is cancelled.
	Run(ctx context.Context) error
}
