package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// Bridge relays a viewer's push channel onto a websocket connection.
type Bridge struct {
	subscriber message.Subscriber
	prefix     string
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	clients    atomic.Int64
}

// NewBridge creates a bridge reading channels named prefix.<viewerId>
func NewBridge(subscriber message.Subscriber, prefix string, logger *zap.Logger) *Bridge {
	return &Bridge{
		subscriber: subscriber,
		prefix:     prefix,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.With(zap.String("component", "push-bridge")),
	}
}

// Clients returns the number of connected websocket clients.
func (b *Bridge) Clients() int64 {
	return b.clients.Load()
}

// Serve upgrades the request and streams the viewer's push messages until
// the client disconnects or ctx ends. The channel subscription exists
// before the upgrade completes.
func (b *Bridge) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, viewerID int64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	topic := Channel(b.prefix, viewerID)
	messages, err := b.subscriber.Subscribe(ctx, topic)
	if err != nil {
		http.Error(w, "push channel unavailable", http.StatusServiceUnavailable)
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}
	defer conn.Close()

	b.clients.Add(1)
	defer b.clients.Add(-1)
	logger := b.logger.With(zap.Int64("viewer_id", viewerID))
	logger.Debug("Websocket client connected")

	go b.readPump(conn, cancel)
	err = b.writePump(ctx, conn, messages)
	logger.Debug("Websocket client disconnected", zap.Error(err))
	return err
}

// readPump discards client frames and cancels when the connection closes.
func (b *Bridge) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				b.logger.Warn("Unexpected websocket close", zap.Error(err))
			}
			return
		}
	}
}

func (b *Bridge) writePump(ctx context.Context, conn *websocket.Conn, messages <-chan *message.Message) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errors.New("push channel closed")
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				msg.Nack()
				return err
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
				msg.Nack()
				return err
			}
			msg.Ack()
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}
