// Package headwatch follows the chain head over an eth_subscribe("newHeads")
// websocket subscription.
package headwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned by WaitForBlock once the subscription has ended.
var ErrClosed = errors.New("head watcher closed")

// Watcher tracks the latest block number announced by the node.
type Watcher struct {
	conn   *websocket.Conn
	logger *slog.Logger

	mu      sync.Mutex
	head    uint64
	changed chan struct{} // closed and replaced on every new head
	err     error         // set once the read loop exits

	done chan struct{}
}

// WSURL converts an http(s) RPC URL to its ws(s) counterpart.
func WSURL(rpcURL string) string {
	switch {
	case strings.HasPrefix(rpcURL, "http://"):
		return "ws://" + strings.TrimPrefix(rpcURL, "http://")
	case strings.HasPrefix(rpcURL, "https://"):
		return "wss://" + strings.TrimPrefix(rpcURL, "https://")
	}
	return rpcURL
}

// Dial connects to url and subscribes to new heads. The subscription runs
// until Close is called or the connection drops.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "headwatch"))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	subscribeMsg := map[string]any{
		"jsonrpc": "2.0",
		"method":  "eth_subscribe",
		"params":  []string{"newHeads"},
		"id":      1,
	}
	if err := conn.WriteJSON(subscribeMsg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to newHeads: %w", err)
	}

	// The first reply confirms the subscription.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	var ack struct {
		Result string `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read subscription reply: %w", err)
	}
	if ack.Error != nil {
		conn.Close()
		return nil, fmt.Errorf("newHeads subscription rejected: %d %s", ack.Error.Code, ack.Error.Message)
	}
	conn.SetReadDeadline(time.Time{})

	w := &Watcher{
		conn:    conn,
		logger:  logger,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.readLoop()

	logger.Info("subscribed to new heads", slog.String("url", url), slog.String("subscription", ack.Result))
	return w, nil
}

func (w *Watcher) readLoop() {
	defer close(w.done)
	for {
		var msg struct {
			Method string `json:"method"`
			Params *struct {
				Result struct {
					Number string `json:"number"`
				} `json:"result"`
			} `json:"params"`
		}
		if err := w.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				w.logger.Debug("websocket read error", slog.String("error", err.Error()))
			}
			w.stop(err)
			return
		}
		if msg.Params == nil {
			continue
		}
		n, err := hexutil.DecodeUint64(msg.Params.Result.Number)
		if err != nil {
			w.logger.Debug("bad head number", slog.String("number", msg.Params.Result.Number))
			continue
		}
		w.advance(n)
	}
}

func (w *Watcher) advance(n uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n <= w.head {
		return
	}
	w.head = n
	close(w.changed)
	w.changed = make(chan struct{})
}

func (w *Watcher) stop(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	w.err = fmt.Errorf("%w: %v", ErrClosed, err)
	close(w.changed)
}

// Head returns the latest block number seen, or 0 before the first head.
func (w *Watcher) Head() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.head
}

// WaitForBlock blocks until a head at or above n has been announced.
func (w *Watcher) WaitForBlock(ctx context.Context, n uint64) error {
	for {
		w.mu.Lock()
		head, changed, err := w.head, w.changed, w.err
		w.mu.Unlock()

		if head >= n {
			return nil
		}
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Close ends the subscription.
func (w *Watcher) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := w.conn.Close()
	<-w.done
	return err
}
