package companion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Clients here have nil conns; the hub tolerates that and the tests never
// start the pumps.
func testClient(h *Hub, name string, buf int) *client {
	return &client{hub: h, send: make(chan []byte, buf), remote: name}
}

func runHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestHubFansOutToAllClients(t *testing.T) {
	h := newHub(zap.NewNop(), 4, 8)
	runHub(t, h)

	c1, c2 := testClient(h, "c1", 4), testClient(h, "c2", 4)
	require.True(t, h.join(c1))
	require.True(t, h.join(c2))
	require.Eventually(t, func() bool { return h.Count() == 2 }, time.Second, time.Millisecond)

	h.broadcast <- []byte("hello")
	for _, c := range []*client{c1, c2} {
		select {
		case got := <-c.send:
			assert.Equal(t, "hello", string(got))
		case <-time.After(time.Second):
			t.Fatalf("%s got nothing", c.remote)
		}
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	h := newHub(zap.NewNop(), 1, 8)
	runHub(t, h)

	slow, fast := testClient(h, "slow", 1), testClient(h, "fast", 8)
	require.True(t, h.join(slow))
	require.True(t, h.join(fast))
	require.Eventually(t, func() bool { return h.Count() == 2 }, time.Second, time.Millisecond)

	h.broadcast <- []byte("1")
	h.broadcast <- []byte("2")
	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, "1", string(<-slow.send))
	_, open := <-slow.send
	assert.False(t, open)

	assert.Equal(t, "1", string(<-fast.send))
	assert.Equal(t, "2", string(<-fast.send))
}

func TestHubOccupancyCallbacks(t *testing.T) {
	h := newHub(zap.NewNop(), 1, 1)
	events := make(chan string, 8)
	h.onOccupied = func() { events <- "occupied" }
	h.onEmpty = func() { events <- "empty" }
	runHub(t, h)

	for round := 0; round < 50; round++ {
		c1, c2 := testClient(h, "c1", 1), testClient(h, "c2", 1)
		require.True(t, h.join(c1))
		require.True(t, h.join(c2))
		h.leave(c1)
		h.leave(c1)
		h.leave(c2)

		select {
		case ev := <-events:
			require.Equal(t, "occupied", ev, "round %d", round)
		case <-time.After(time.Second):
			t.Fatalf("round %d: no occupied event", round)
		}
		select {
		case ev := <-events:
			require.Equal(t, "empty", ev, "round %d", round)
		case <-time.After(time.Second):
			t.Fatalf("round %d: no empty event", round)
		}
		require.Equal(t, 0, h.Count(), "round %d", round)
	}
	assert.Empty(t, events)
}

func TestHubJoinThenLeaveBeforeRun(t *testing.T) {
	h := newHub(zap.NewNop(), 1, 1)
	events := make(chan string, 4)
	h.onOccupied = func() { events <- "occupied" }
	h.onEmpty = func() { events <- "empty" }

	c := testClient(h, "quick", 1)
	require.True(t, h.join(c))
	h.leave(c)
	runHub(t, h)

	require.Eventually(t, func() bool { return len(events) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "occupied", <-events)
	assert.Equal(t, "empty", <-events)
	assert.Equal(t, 0, h.Count())
}

func TestBroadcastNeverBlocks(t *testing.T) {
	h := newHub(zap.NewNop(), 1, 1)
	h.Broadcast([]byte("a"))

	done := make(chan struct{})
	go func() {
		h.Broadcast([]byte("b"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Broadcast blocked on a full queue")
	}
}

func TestLeaveAfterHubStopped(t *testing.T) {
	h := newHub(zap.NewNop(), 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Run(ctx)

	c := testClient(h, "late", 1)
	for i := 0; i < cap(h.membership)+1; i++ {
		h.leave(c)
	}
	assert.False(t, h.join(c))
}
