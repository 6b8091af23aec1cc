package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eleven-am/voice-recorder/internal/transport"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type frame struct {
	kind int
	data []byte
}

type clientConn struct {
	ws       *websocket.Conn
	clientID string
	logger   *slog.Logger
	send     chan frame

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newClientConn(ws *websocket.Conn, clientID string, logger *slog.Logger) *clientConn {
	return &clientConn{
		ws:       ws,
		clientID: clientID,
		logger:   logger.With("client_id", clientID),
		send:     make(chan frame, 256),
		done:     make(chan struct{}),
	}
}

// Send queues a server message. Messages are dropped when the connection
// is closed or its buffer is full.
func (c *clientConn) Send(t transport.MessageType, payload any) bool {
	data, err := transport.EncodeServer(t, payload)
	if err != nil {
		c.logger.Error("failed to encode message", "type", t, "error", err)
		return false
	}
	return c.enqueue(frame{kind: websocket.TextMessage, data: data})
}

func (c *clientConn) enqueue(f frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- f:
		return true
	default:
		c.logger.Warn("send buffer full, dropping message")
		return false
	}
}

func (c *clientConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	return c.ws.Close()
}

func (c *clientConn) readPump(ctx context.Context, cfg Config, handle func(ctx context.Context, data []byte)) {
	defer c.Close()

	c.ws.SetReadLimit(cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	for {
		kind, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))

		if kind == websocket.BinaryMessage {
			// a lone zero byte is the client's keep-alive ping
			reply := []byte{1}
			if len(message) == 0 || (len(message) == 1 && message[0] == 0) {
				reply = transport.PingFrame
			}
			c.enqueue(frame{kind: websocket.BinaryMessage, data: reply})
			continue
		}
		if len(message) == 0 {
			continue
		}
		handle(ctx, message)
	}
}

func (c *clientConn) writePump(ctx context.Context, cfg Config) {
	pings := time.NewTicker(cfg.PingPeriod)
	appPings := time.NewTicker(cfg.AppPingInterval)
	defer func() {
		pings.Stop()
		appPings.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(f.kind, f.data); err != nil {
				c.logger.Error("websocket write error", "error", err)
				return
			}
		case <-pings.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-appPings.C:
			c.Send(transport.MessageTypeAppPing, map[string]any{"timestamp": time.Now().UnixMilli()})
		}
	}
}
