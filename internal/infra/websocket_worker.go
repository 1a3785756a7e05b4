package infra

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketHandler supplies the subscriber-specific parts of a BaseWSWorker.
type WebSocketHandler interface {
	ID() string
	// URL is asked on every dial so the handler can resume where it stopped.
	URL() string
	// OnMessage handles one frame. An error drops the connection and the
	// worker redials.
	OnMessage(ctx context.Context, msg []byte) error
}

// BaseWSWorker keeps one websocket subscription alive.
// It redials with exponential backoff and answers server pings.
type BaseWSWorker struct {
	handler WebSocketHandler
	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	ReadTimeout time.Duration
	UserAgent   string
	Backoff     Backoff
}

// NewBaseWSWorker creates a worker for handler.
func NewBaseWSWorker(handler WebSocketHandler) *BaseWSWorker {
	return &BaseWSWorker{
		handler:     handler,
		ReadTimeout: feedPongWait,
		UserAgent:   AppName,
		Backoff:     DefaultBackoff,
	}
}

// Start initiates the connection loop.
func (w *BaseWSWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.runLoop(ctx)
}

// Stop terminates the worker and waits for the loop to exit.
func (w *BaseWSWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.close()
	w.wg.Wait()
}

func (w *BaseWSWorker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	retry := 0

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := w.dial(ctx)
		if err != nil {
			delay := w.Backoff.Delay(retry)
			slog.Warn("WS connection failed", "id", w.handler.ID(), "err", err, "retry", retry, "delay", delay)
			retry++

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retry = 0
		slog.Info("WS connected", "id", w.handler.ID())
		if err := w.read(ctx, conn); err != nil && ctx.Err() == nil {
			slog.Warn("WS subscription interrupted", "id", w.handler.ID(), "err", err)
		}
		w.close()
	}
}

func (w *BaseWSWorker) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(http.Header)
	header.Set("User-Agent", w.UserAgent)

	conn, _, err := dialer.DialContext(ctx, w.handler.URL(), header)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	// Server pings keep the read deadline alive between messages.
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(feedWriteWait))
	})
	return conn, nil
}

func (w *BaseWSWorker) read(ctx context.Context, conn *websocket.Conn) error {
	for {
		conn.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := w.handler.OnMessage(ctx, msg); err != nil {
			return fmt.Errorf("handler rejected message: %w", err)
		}
	}
}

func (w *BaseWSWorker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}
