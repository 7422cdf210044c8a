package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/protocol"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/relay"
)

const (
	pongWait   = 70 * time.Second
	pingPeriod = 25 * time.Second
	writeWait  = 10 * time.Second
)

// Conn adapts a websocket to relay.Conn. Binary frames are audio, text
// frames are control messages.
type Conn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	stopPing  chan struct{}
}

func NewConn(conn *websocket.Conn, maxMessageBytes int64) *Conn {
	c := &Conn{
		conn:     conn,
		stopPing: make(chan struct{}),
	}
	if maxMessageBytes > 0 {
		conn.SetReadLimit(maxMessageBytes)
	}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go c.keepalive()
	return c
}

func (c *Conn) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.stopPing:
			return
		}
	}
}

func (c *Conn) Receive(ctx context.Context) (protocol.Inbound, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	messageType, payload, err := c.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", protocol.ErrConnClosed, err)
	}
	// any message proves the peer is alive
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	switch messageType {
	case websocket.BinaryMessage:
		return protocol.DecodeBinary(payload), nil
	case websocket.TextMessage:
		return protocol.DecodeText(payload), nil
	default:
		return protocol.Ignored{Reason: "unsupported frame type"}, nil
	}
}

func (c *Conn) Send(_ context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrConnClosed, err)
	}
	return nil
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopPing)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) Transport() string {
	return "websocket"
}

// Server upgrades HTTP requests and hands each websocket to the relay.
type Server struct {
	handler         *relay.Handler
	upgrader        websocket.Upgrader
	maxMessageBytes int64
	logger          *slog.Logger

	// base is cancelled on shutdown; hijacked connections outlive r.Context.
	base context.Context
}

func NewServer(base context.Context, handler *relay.Handler, maxMessageBytes int64, logger *slog.Logger) *Server {
	return &Server{
		handler: handler,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		maxMessageBytes: maxMessageBytes,
		logger:          logger,
		base:            base,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn := NewConn(wsConn, s.maxMessageBytes)

	ctx, cancel := context.WithCancel(s.base)
	defer cancel()
	go func() {
		<-ctx.Done()
		// unblocks a pending read on shutdown
		_ = wsConn.SetReadDeadline(time.Now())
	}()

	if err := s.handler.Serve(ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("websocket session ended with error", "remote", r.RemoteAddr, "error", err)
	}
}
