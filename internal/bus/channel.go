// Package bus provides typed publish/subscribe channels.
//
// A Channel has two kinds of observers. Listeners are callbacks run
// synchronously on the publishing goroutine and must not block; they are
// expected to hand work off (for example with sched.Queue.Submit).
// Subscribers receive messages on buffered Go channels; a publish waits at
// most the given timeout for a full subscriber and then skips it.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrPublishTimeout = errors.New("bus: publish timed out")

type Channel[T any] struct {
	name string

	mu        sync.RWMutex
	listeners []func(T)
	subs      map[int]chan T
	nextID    int
	last      T
	haveLast  bool
}

func New[T any](name string) *Channel[T] {
	return &Channel[T]{name: name, subs: make(map[int]chan T)}
}

func (c *Channel[T]) Name() string { return c.name }

// AddListener registers fn to be called for every published message.
func (c *Channel[T]) AddListener(fn func(T)) {
	if c == nil || fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Subscribe returns a receive channel with the given buffer. The retained
// message, if any, is delivered immediately.
func (c *Channel[T]) Subscribe(buffer int) (int, <-chan T) {
	if c == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan T, buffer)
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	last, have := c.last, c.haveLast
	c.mu.Unlock()
	if have {
		ch <- last
	}
	return id, ch
}

func (c *Channel[T]) Unsubscribe(id int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	ch, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()
}

// Last returns the most recently published message.
func (c *Channel[T]) Last() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.haveLast
}

// Publish retains msg, runs every listener, then offers msg to every
// subscriber. All subscribers share one deadline of timeout; subscribers
// still full when it passes are skipped and ErrPublishTimeout is returned.
func (c *Channel[T]) Publish(msg T, timeout time.Duration) error {
	if c == nil {
		return fmt.Errorf("bus: channel is nil")
	}
	c.mu.Lock()
	c.last = msg
	c.haveLast = true
	listeners := append([]func(T){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(msg)
	}

	// Hold the read lock while sending so Unsubscribe cannot close a
	// channel underneath us.
	c.mu.RLock()
	defer c.mu.RUnlock()

	var timer *time.Timer
	skipped := 0
	for _, ch := range c.subs {
		select {
		case ch <- msg:
			continue
		default:
		}
		if timeout <= 0 {
			skipped++
			continue
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}
		select {
		case ch <- msg:
		case <-timer.C:
			skipped++
			// Deadline is shared; remaining full subscribers get no wait.
			timeout = 0
		}
	}
	if skipped > 0 {
		return fmt.Errorf("%w: %s dropped for %d subscriber(s)", ErrPublishTimeout, c.name, skipped)
	}
	return nil
}
