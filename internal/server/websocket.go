package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/repotalk/repotalk-gateway/internal/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Outbound frames buffered per client before Send starts failing
	sendBufferSize = 256
)

var (
	errClientClosed   = errors.New("websocket client closed")
	errSendBufferFull = errors.New("websocket send buffer full")
)

// defaultOrigins are the development origins permitted when no allow list
// is configured.
var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// newUpgrader builds an upgrader whose origin check honors the configured
// allow list. An empty list falls back to defaultOrigins; a "*" entry allows
// any origin. Requests without an Origin header (non-browser clients) are
// always allowed.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := allowedOrigins
	if len(allowed) == 0 {
		allowed = defaultOrigins
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range allowed {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
}

// Client is one upgraded WebSocket connection. Reads happen on the
// dispatcher's session loop; writes go through a buffered channel drained
// by WritePump so a stalled peer never blocks command handling.
type Client struct {
	conn *websocket.Conn
	log  *zap.Logger

	// Buffered channel of outbound messages
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// newClient wraps an upgraded connection.
func newClient(conn *websocket.Conn, log *zap.Logger) *Client {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return &Client{
		conn: conn,
		log:  log,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Send queues a frame for delivery. It fails when the connection is
// closing or the client's buffer is full (slow consumer).
func (c *Client) Send(frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// ReadFrame blocks for the next frame from the peer.
func (c *Client) ReadFrame() ([]byte, error) {
	_, message, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return message, nil
}

// RemoteAddr reports the peer address.
func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// WritePump drains the send buffer onto the connection and keeps the peer
// alive with periodic pings. It owns all writes; run exactly one per client.
// Each frame goes out as its own text message.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("websocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close shuts the connection down. Safe to call more than once; the write
// pump sends the close frame and releases the socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// handleWebSocket upgrades the request and runs the session until the
// client goes away or the server shuts down.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(conn, s.log)
	s.trackClient(client)
	defer s.untrackClient(client)
	defer client.Close()

	go client.WritePump()

	if err := s.dispatcher.Serve(r.Context(), client); err != nil {
		s.log.Error("websocket session refused", zap.Error(err))
	}
}
