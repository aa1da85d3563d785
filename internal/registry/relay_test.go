package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	mu       sync.Mutex
	failures int
	calls    int
	got      []*RelayEvent
}

func (p *fakePeer) Addr() string { return "fake:1" }

func (p *fakePeer) Forward(_ context.Context, ev *RelayEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failures != 0 {
		if p.failures > 0 {
			p.failures--
		}
		return errors.New("peer unreachable")
	}
	p.got = append(p.got, ev)
	return nil
}

func (p *fakePeer) snapshot() (int, []*RelayEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls, append([]*RelayEvent(nil), p.got...)
}

func startRelay(t *testing.T, peers []Peer, cfg RelayConfig) *Relay {
	t.Helper()
	r := NewRelay(NewHub(nil), peers, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func TestRelayPublishesLocallyAndForwards(t *testing.T) {
	peer := &fakePeer{failures: 2}
	r := startRelay(t, []Peer{peer}, RelayConfig{Node: "a", MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})
	ctx := context.Background()

	m := newTestMember("conn")
	require.NoError(t, r.Join(ctx, "user_2", m))

	n, err := r.Publish(ctx, "user_2", event("m1"), PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, m.drain(), 1)

	require.Eventually(t, func() bool {
		_, got := peer.snapshot()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	calls, got := peer.snapshot()
	assert.Equal(t, 3, calls)
	assert.Equal(t, "a", got[0].Origin)
	assert.Equal(t, "user_2", got[0].Group)
	assert.Equal(t, "m1", got[0].Event.MessageID)
}

func TestRelayDropsAfterRetriesWithoutFailingPublisher(t *testing.T) {
	peer := &fakePeer{failures: -1}
	r := startRelay(t, []Peer{peer}, RelayConfig{Node: "a", MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})

	n, err := r.Publish(context.Background(), "user_9", event("m1"), PublishOptions{})
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Eventually(t, func() bool {
		calls, _ := peer.snapshot()
		return calls == 3
	}, time.Second, 5*time.Millisecond)

	// the worker keeps serving after a drop
	peer.mu.Lock()
	peer.failures = 0
	peer.mu.Unlock()
	_, err = r.Publish(context.Background(), "user_9", event("m2"), PublishOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, got := peer.snapshot()
		return len(got) == 1 && got[0].Event.MessageID == "m2"
	}, time.Second, 5*time.Millisecond)
}

func TestRelayDelegatesMembership(t *testing.T) {
	r := startRelay(t, nil, RelayConfig{})
	ctx := context.Background()
	m := newTestMember("conn")

	require.NoError(t, r.Join(ctx, "g", m))
	assert.Equal(t, Stats{Groups: 1, Members: 1}, r.Stats())
	require.NoError(t, r.Leave(ctx, "g", m))
	require.NoError(t, r.Join(ctx, "g", m))
	require.NoError(t, r.LeaveAll(ctx, m))
	assert.Equal(t, Stats{}, r.Stats())
}
