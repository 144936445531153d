package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesListenersAndSubscribers(t *testing.T) {
	c := New[int]("numbers")
	var heard []int
	c.AddListener(func(v int) { heard = append(heard, v) })
	_, ch := c.Subscribe(2)

	require.NoError(t, c.Publish(7, 10*time.Millisecond))
	assert.Equal(t, []int{7}, heard)
	assert.Equal(t, 7, <-ch)

	last, ok := c.Last()
	assert.True(t, ok)
	assert.Equal(t, 7, last)
}

func TestSubscribeReceivesRetainedMessage(t *testing.T) {
	c := New[string]("state")
	require.NoError(t, c.Publish("active", 0))

	_, ch := c.Subscribe(1)
	select {
	case v := <-ch:
		assert.Equal(t, "active", v)
	default:
		t.Fatalf("expected retained message")
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	c := New[int]("numbers")
	_, slow := c.Subscribe(1)
	_, fast := c.Subscribe(8)

	require.NoError(t, c.Publish(1, 20*time.Millisecond))

	start := time.Now()
	err := c.Publish(2, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrPublishTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.Equal(t, 1, <-slow)
	assert.Equal(t, 1, <-fast)
	assert.Equal(t, 2, <-fast)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	c := New[int]("numbers")
	id, ch := c.Subscribe(1)
	c.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)

	c.Unsubscribe(id)
	require.NoError(t, c.Publish(3, 0))
}

func TestListenerAddedDuringPublishRunsNextTime(t *testing.T) {
	c := New[int]("numbers")
	var late []int
	added := false
	c.AddListener(func(int) {
		if !added {
			added = true
			c.AddListener(func(v int) { late = append(late, v) })
		}
	})

	require.NoError(t, c.Publish(1, 0))
	assert.Empty(t, late)
	require.NoError(t, c.Publish(2, 0))
	assert.Equal(t, []int{2}, late)
}
