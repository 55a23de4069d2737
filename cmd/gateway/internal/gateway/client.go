package gateway

import (
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-relay/cmd/gateway/internal/hub"
	"github.com/shubham-shewale/stock-relay/cmd/gateway/internal/protocol"
)

const (
	maxMessageSize = 512 * 1024
)

// Hub is what a connection needs from the subscription manager.
type Hub interface {
	Register(client hub.ClientInterface)
	HandleCommand(client hub.ClientInterface, req protocol.Request)
	Unregister(client hub.ClientInterface)
}

type ClientAdapter struct {
	id     string
	conn   net.Conn
	hub    Hub
	send   chan []byte
	logger *zap.Logger

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

func NewClient(conn net.Conn, h Hub, logger *zap.Logger, sendBuffer int) *ClientAdapter {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	id := uuid.NewString()
	return &ClientAdapter{
		id:         id,
		conn:       conn,
		hub:        h,
		send:       make(chan []byte, sendBuffer),
		logger:     logger.With(zap.String("client", id), zap.String("remote", conn.RemoteAddr().String())),
		writeWait:  5 * time.Second,
		pongWait:   60 * time.Second,
		pingPeriod: 50 * time.Second,
	}
}

func (c *ClientAdapter) Start() {
	c.hub.Register(c)
	go c.writePump()
	go c.readPump()
}

func (c *ClientAdapter) ID() string { return c.id }

// Close stops the writer, which sends a close frame and closes the conn.
// Safe to call more than once.
func (c *ClientAdapter) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

func (c *ClientAdapter) SendJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendBytes(b)
}

// SendBytes queues b without blocking. A full buffer is reported so the hub
// can evict the connection.
func (c *ClientAdapter) SendBytes(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return hub.ErrClientClosed
	}
	select {
	case c.send <- b:
		return nil
	default:
		return hub.ErrSendBufferFull
	}
}

func (c *ClientAdapter) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

	for {
		header, err := ws.ReadHeader(c.conn)
		if err != nil {
			break
		}

		if header.Length > int64(maxMessageSize) {
			c.logger.Warn("Msg too big", zap.Int64("size", header.Length))
			break
		}

		if !header.Fin {
			c.logger.Warn("Client sent fragmented message (not supported)")
			break
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			break
		}

		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		switch header.OpCode {
		case ws.OpClose:
			return
		case ws.OpPong:
			c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		case ws.OpText:
			c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
			var req protocol.Request
			if err := json.Unmarshal(payload, &req); err != nil {
				c.SendJSON(protocol.Message{
					Event: protocol.EventError,
					Data:  protocol.Reply{Status: "error", Message: "Invalid JSON"},
				})
				continue
			}
			c.hub.HandleCommand(c, req)
		}
	}
}

func (c *ClientAdapter) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if !ok {
				c.conn.Write(ws.CompiledClose)
				return
			}
			if err := wsutil.WriteServerText(c.conn, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades the request and starts a client bound to h.
func ServeWS(h Hub, logger *zap.Logger, sendBuffer int) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		conn, _, _, err := ws.UpgradeHTTP(ctx.Request, ctx.Writer)
		if err != nil {
			logger.Debug("Websocket upgrade failed", zap.Error(err))
			return
		}
		NewClient(conn, h, logger, sendBuffer).Start()
	}
}
