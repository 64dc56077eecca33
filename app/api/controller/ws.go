package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	goldredis "github.com/mekforge/goldledger/pkg/redis"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: In production, restrict to specific origins
		return true
	},
}

// FeedMessage represents events pushed to feed subscribers.
type FeedMessage struct {
	Type    string      `json:"type"`    // "repair", "anomaly", "error", "info"
	Payload interface{} `json:"payload"` // Event-specific data
}

// HandleFeed upgrades the connection to WebSocket and streams repair and
// anomaly events as they are published by the reconciler.
//
// Server sends:
// - {"type": "repair", "payload": {...}}
// - {"type": "anomaly", "payload": {...}}
// - {"type": "error", "payload": {"message": "..."}}
//
// All goroutines have panic recovery to prevent crashes.
func (c *Controller) HandleFeed(w http.ResponseWriter, r *http.Request) {
	if c.App.RedisClient == nil {
		http.Error(w, "Real-time events not available (Redis disabled)", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func(conn *websocket.Conn) {
		if err := conn.Close(); err != nil {
			c.App.Logger.Error("Failed to close WebSocket connection", zap.Error(err))
		}
	}(conn)

	c.App.Logger.Info("Feed client connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	send := make(chan FeedMessage, 256)

	// Producers and consumers of send are tracked separately: the channel
	// is closed only once every producer has returned, so a late event can
	// never hit a closed channel.
	var producers, consumers sync.WaitGroup

	producers.Add(1)
	go func() {
		defer producers.Done()
		defer func() {
			if rec := recover(); rec != nil {
				c.App.Logger.Error("Panic in Redis subscriber goroutine",
					zap.Any("panic", rec),
					zap.String("stack", string(debug.Stack())),
					zap.String("remote_addr", r.RemoteAddr))
				cancel()
			}
		}()
		c.forwardEvents(ctx, send)
	}()

	consumers.Add(1)
	go func() {
		defer consumers.Done()
		defer func() {
			if rec := recover(); rec != nil {
				c.App.Logger.Error("Panic in ping ticker goroutine",
					zap.Any("panic", rec),
					zap.String("stack", string(debug.Stack())),
					zap.String("remote_addr", r.RemoteAddr))
				cancel()
			}
		}()
		c.sendPings(ctx, conn)
	}()

	consumers.Add(1)
	go func() {
		defer consumers.Done()
		defer func() {
			if rec := recover(); rec != nil {
				c.App.Logger.Error("Panic in message writer goroutine",
					zap.Any("panic", rec),
					zap.String("stack", string(debug.Stack())),
					zap.String("remote_addr", r.RemoteAddr))
				cancel()
			}
		}()
		c.writeMessages(conn, send)
	}()

	// Block reading from the client until the connection closes.
	c.readUntilClosed(ctx, conn, cancel)

	cancel()
	producers.Wait()
	close(send)
	consumers.Wait()

	c.App.Logger.Info("Feed client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// forwardEvents subscribes to the repair and anomaly channels and forwards
// every event to the send channel until the context is cancelled.
func (c *Controller) forwardEvents(ctx context.Context, send chan<- FeedMessage) {
	pubsub := c.App.RedisClient.Subscribe(ctx, goldredis.RepairChannel, goldredis.AnomalyChannel)
	defer func() {
		if err := pubsub.Close(); err != nil {
			c.App.Logger.Error("Error closing Redis subscription", zap.Error(err))
		}
	}()

	c.bridgeMessages(ctx, pubsub.Channel(), send)
}

// bridgeMessages translates Redis pub/sub messages into feed messages. It
// returns once the context is cancelled or the source channel closes, and
// never sends afterwards.
func (c *Controller) bridgeMessages(ctx context.Context, ch <-chan *redis.Message, send chan<- FeedMessage) {
	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				select {
				case send <- FeedMessage{Type: "error", Payload: map[string]string{"message": "event stream closed"}}:
				case <-ctx.Done():
				}
				return
			}

			kind := "repair"
			if msg.Channel == goldredis.AnomalyChannel {
				kind = "anomaly"
			}

			var payload map[string]interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				c.App.Logger.Error("Failed to parse Redis message",
					zap.Error(err),
					zap.String("channel", msg.Channel))
				continue
			}

			select {
			case send <- FeedMessage{Type: kind, Payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// sendPings sends periodic WebSocket ping frames to keep the connection alive.
// The client responds with pong frames, which resets the read deadline.
func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				c.App.Logger.Error("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

// writeMessages writes messages from the send channel to the WebSocket connection.
func (c *Controller) writeMessages(conn *websocket.Conn, send <-chan FeedMessage) {
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			c.App.Logger.Error("Failed to write WebSocket message", zap.Error(err))
			return
		}
	}
}

// readUntilClosed drains client frames for close detection. The feed is
// one-way so inbound payloads are discarded.
func (c *Controller) readUntilClosed(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	if err := conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		c.App.Logger.Error("Failed to set read deadline", zap.Error(err))
		return
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					c.App.Logger.Error("WebSocket read error", zap.Error(err))
				}
				cancel()
				return
			}
			if err := conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
				c.App.Logger.Error("Failed to reset read deadline", zap.Error(err))
				return
			}
		}
	}
}
