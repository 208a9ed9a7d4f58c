package feed

// worker.go — persistent websocket connection to the marketplace event feed.
// On connect it subscribes per watched collection and heartbeats; on
// disconnect it backs off 1s, 2s, 4s, 8s, 16s, then cools down five minutes
// before resetting the attempt counter and trying again indefinitely.

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxBackoffAttempts = 5
	baseBackoff        = time.Second
	reconnectCooldown  = 5 * time.Minute
	heartbeatInterval  = 30 * time.Second
	readTimeout        = 60 * time.Second
	handshakeTimeout   = 10 * time.Second
)

// Worker owns the feed connection lifecycle and delivers every raw message
// to the handler. The handler must not block: the engine's queue enqueues
// synchronously and processes asynchronously.
type Worker struct {
	url       string
	symbols   []string
	onMessage func([]byte)

	mu        sync.RWMutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker builds a feed worker subscribed to the given collections.
func NewWorker(url string, symbols []string, onMessage func([]byte)) *Worker {
	return &Worker{url: url, symbols: symbols, onMessage: onMessage}
}

// Start launches the connection loop. It returns immediately; connection
// failures are retried inside the loop, never surfaced as a start error.
func (w *Worker) Start(ctx context.Context) error {
	if w.url == "" {
		return fmt.Errorf("feed.Start: empty url")
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

// Stop closes the connection and waits for the loops to exit.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
}

// Connected reports the current link state.
func (w *Worker) Connected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

func (w *Worker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			if attempt >= maxBackoffAttempts {
				slog.Warn("feed reconnect attempts exhausted, cooling down",
					"cooldown", reconnectCooldown, "err", err)
				attempt = 0
				if !sleepCtx(ctx, reconnectCooldown) {
					return
				}
				continue
			}
			delay := backoffDelay(attempt)
			attempt++
			slog.Warn("feed connection failed", "attempt", attempt, "retry_in", delay, "err", err)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		attempt = 0
		w.readLoop(ctx)
	}
}

func (w *Worker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.url, http.Header{})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()

	if err := w.subscribe(); err != nil {
		w.closeConnection()
		return err
	}

	slog.Info("feed connected", "subscriptions", len(w.symbols))
	return nil
}

// subscribe sends one subscription message per watched collection.
func (w *Worker) subscribe() error {
	for _, symbol := range w.symbols {
		msg := map[string]string{
			"type":             "subscribeCollection",
			"collectionSymbol": symbol,
		}
		b, _ := json.Marshal(msg)
		if err := w.threadSafeWrite(websocket.TextMessage, b); err != nil {
			return fmt.Errorf("subscribe %s: %w", symbol, err)
		}
	}
	return nil
}

// readLoop pumps messages to the handler until the connection drops. A
// parallel heartbeat keeps the link alive.
func (w *Worker) readLoop(ctx context.Context) {
	defer w.closeConnection()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	w.wg.Add(1)
	go w.heartbeatLoop(hbCtx)

	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()
	if conn == nil {
		return
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("feed read failed, reconnecting", "err", err)
			}
			return
		}
		w.onMessage(raw)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.threadSafeWrite(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (w *Worker) threadSafeWrite(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return fmt.Errorf("no connection")
	}
	return w.conn.WriteMessage(msgType, data)
}

func (w *Worker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected = false
}

// backoffDelay is the reconnect schedule: 1s, 2s, 4s, 8s, 16s.
func backoffDelay(attempt int) time.Duration {
	return baseBackoff << attempt
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
