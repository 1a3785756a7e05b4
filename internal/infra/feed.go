package infra

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedMaxReadLen = 512
)

// FeedHub fans committed receipts out to websocket subscribers.
// It keeps the most recent messages so a subscriber reconnecting with
// ?from=<seq> resumes without a gap, as long as it was not away too long.
type FeedHub struct {
	mu      sync.Mutex
	clients map[*feedClient]struct{}
	backlog []feedItem // Oldest first
	size    int
	closed  bool

	upgrader     websocket.Upgrader
	pingInterval time.Duration
	metrics      *Metrics
}

type feedItem struct {
	seq  uint64
	data []byte
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewFeedHub creates a hub that retains size messages for resuming
// subscribers and pings each of them every pingInterval.
func NewFeedHub(size int, pingInterval time.Duration, metrics *Metrics) *FeedHub {
	if size <= 0 {
		size = 1024
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &FeedHub{
		clients: make(map[*feedClient]struct{}),
		size:    size,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pingInterval: pingInterval,
		metrics:      metrics,
	}
}

// Publish encodes v and queues it for every subscriber. A subscriber whose
// queue is full is disconnected; it resumes from its last seq on reconnect.
func (h *FeedHub) Publish(seq uint64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode feed message: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}

	h.backlog = append(h.backlog, feedItem{seq: seq, data: data})
	if len(h.backlog) > h.size {
		h.backlog = h.backlog[len(h.backlog)-h.size:]
	}

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slog.Warn("Feed subscriber too slow, dropping", "remote", c.conn.RemoteAddr().String(), "seq", seq)
			h.removeLocked(c)
		}
	}
	return nil
}

// ServeHTTP upgrades the request and streams messages until the
// subscriber goes away or the hub closes.
func (h *FeedHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var from uint64
	if s := r.URL.Query().Get("from"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			http.Error(w, "invalid from", http.StatusBadRequest)
			return
		}
		from = v
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Feed upgrade failed", "err", err)
		return
	}

	c := &feedClient{conn: conn, send: make(chan []byte, h.size+64)}
	if !h.register(c, from) {
		conn.Close()
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

// Clients reports the number of connected subscribers.
func (h *FeedHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber and stops accepting new ones.
func (h *FeedHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *FeedHub) register(c *feedClient, from uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}

	// Backlog and registration happen under one lock so nothing published
	// in between is lost or duplicated.
	if from > 0 {
		for _, it := range h.backlog {
			if it.seq >= from {
				c.send <- it.data
			}
		}
	}
	h.clients[c] = struct{}{}
	h.metrics.FeedClients(len(h.clients))
	slog.Info("Feed subscriber connected", "remote", c.conn.RemoteAddr().String(), "from", from)
	return true
}

func (h *FeedHub) remove(c *feedClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *FeedHub) removeLocked(c *feedClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.metrics.FeedClients(len(h.clients))
}

// readPump only watches for the peer closing; subscribers send nothing.
func (h *FeedHub) readPump(c *feedClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(feedMaxReadLen)
	c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *FeedHub) writePump(c *feedClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
