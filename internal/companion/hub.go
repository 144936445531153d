package companion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second

	maxInbound = 4096
)

// Hub tracks connected clients and fans frames out to them. A client whose
// send queue is full when a frame arrives is disconnected.
type Hub struct {
	log *zap.Logger

	broadcast chan []byte
	// Joins and leaves share one channel so a client's leave is always
	// handled after its join.
	membership chan membershipEvent
	done       chan struct{}

	mu      sync.Mutex
	clients map[*client]struct{}
	sendBuf int

	// Run on the hub goroutine when the first client arrives and when the
	// last one leaves.
	onOccupied func()
	onEmpty    func()
}

func newHub(log *zap.Logger, sendBuf, broadcastBuf int) *Hub {
	if sendBuf <= 0 {
		sendBuf = 32
	}
	if broadcastBuf <= 0 {
		broadcastBuf = 128
	}
	return &Hub{
		log:        log,
		broadcast:  make(chan []byte, broadcastBuf),
		membership: make(chan membershipEvent, 32),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
		sendBuf:    sendBuf,
		onOccupied: func() {},
		onEmpty:    func() {},
	}
}

// Run processes hub events until ctx is canceled, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case ev := <-h.membership:
			if ev.join {
				h.add(ev.c)
			} else {
				h.remove(ev.c, "closed")
			}

		case msg := <-h.broadcast:
			var slow []*client
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()
			for _, c := range slow {
				h.remove(c, "slow client")
			}
		}
	}
}

// Count is the number of registered clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast enqueues a serialized frame. It never blocks; a full hub queue
// drops the frame.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("broadcast queue full, dropping frame", zap.Int("bytes", len(msg)))
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	if _, dup := h.clients[c]; dup {
		h.mu.Unlock()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("client connected", zap.String("remote", c.remote), zap.Int("clients", n))
	if n == 1 {
		h.onOccupied()
	}
}

func (h *Hub) remove(c *client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	h.log.Info("client disconnected", zap.String("remote", c.remote), zap.String("reason", reason), zap.Int("clients", n))
	if n == 0 {
		h.onEmpty()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	had := len(h.clients) > 0
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if had {
		h.onEmpty()
	}
}

// join queues c for registration. It reports false once the hub has
// stopped.
func (h *Hub) join(c *client) bool {
	select {
	case h.membership <- membershipEvent{c: c, join: true}:
		return true
	case <-h.done:
		return false
	}
}

// leave hands c back to the hub unless the hub has already stopped.
func (h *Hub) leave(c *client) {
	select {
	case h.membership <- membershipEvent{c: c}:
	case <-h.done:
	}
}

type membershipEvent struct {
	c    *client
	join bool
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	remote string
}

func closeStatus(err error) (int, string, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	log := c.hub.log

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					log.Debug("write failed", zap.String("remote", c.remote), zap.Error(err))
				}
				c.hub.leave(c)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.leave(c)
				return
			}
		}
	}
}

// readPump feeds inbound text frames to handle until the connection fails.
func (c *client) readPump(handle func([]byte)) {
	c.conn.SetReadLimit(maxInbound)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if code, text, ok := closeStatus(err); ok {
				c.hub.log.Debug("read closed", zap.String("remote", c.remote), zap.Int("code", code), zap.String("reason", text))
			} else {
				c.hub.log.Debug("read failed", zap.String("remote", c.remote), zap.Error(err))
			}
			c.hub.leave(c)
			return
		}
		if kind == websocket.TextMessage {
			handle(data)
		}
	}
}
