package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"nhooyr.io/websocket"
)

// WebsocketCoordinator broadcasts queue events through a websocket relay
// shared by the user's sibling processes. It degrades to a no-op when the
// relay is unreachable or the connection drops; nothing is retried —
// cross-process dedup is an optimization, not a correctness requirement.
type WebsocketCoordinator struct {
	conn   *websocket.Conn
	cancel context.CancelFunc

	mu      sync.Mutex
	handler func(Message)
	closed  bool
}

// DialWebsocketCoordinator connects to the relay at url and starts the
// receive loop.
func DialWebsocketCoordinator(ctx context.Context, url string) (*WebsocketCoordinator, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &WebsocketCoordinator{conn: conn, cancel: cancel}
	go c.readLoop(loopCtx)
	slog.Info("coordinator connected", "url", url)
	return c, nil
}

func (c *WebsocketCoordinator) Publish(msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		slog.Debug("coordinator publish failed", "error", err)
		c.degrade()
	}
	return nil
}

func (c *WebsocketCoordinator) Subscribe(fn func(Message)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

func (c *WebsocketCoordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "shutdown")
}

func (c *WebsocketCoordinator) degrade() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	_ = c.conn.Close(websocket.StatusGoingAway, "relay unreachable")
	slog.Warn("coordinator degraded to no-op")
}

func (c *WebsocketCoordinator) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.degrade()
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("coordinator dropped malformed message", "error", err)
			continue
		}
		c.mu.Lock()
		fn := c.handler
		c.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	}
}
