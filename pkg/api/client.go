package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendQueue    = 64
	readLimit    = 512 * 1024
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// WSClient is one websocket connection.
type WSClient struct {
	id      int64
	conn    *websocket.Conn
	server  *Server
	sendCh  chan any
	done    chan struct{}
	mu      sync.Mutex
	dropped atomic.Uint64
}

func (s *Server) newWSClient(conn *websocket.Conn) *WSClient {
	return &WSClient{
		id:     atomic.AddInt64(&s.nextWSID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, sendQueue),
		done:   make(chan struct{}),
	}
}

// Send queues a message. A full queue drops it so a slow client never
// stalls the monitor.
func (c *WSClient) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		if c.dropped.Add(1) == 1 {
			c.server.logger.WithField("client", c.id).Warn("send queue full, dropping messages")
		}
	}
}

// Close closes the connection once.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

func (c *WSClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.WithField("client", c.id).WithError(err).Warn("websocket read error")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.WithField("client", c.id).WithError(err).Debug("websocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// handleMessage runs one request. Commands can hold the bus for a while,
// so requests run off the read loop and answer in completion order.
func (c *WSClient) handleMessage(data []byte) {
	var req jsonRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.Send(jsonRPCResponse{
			JSONRPC: "2.0",
			Error:   &jsonRPCError{Code: codeParseError, Message: "Parse error"},
		})
		return
	}
	go func() { c.Send(c.server.call(req)) }()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := s.newWSClient(conn)
	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()
	s.logger.WithField("client", client.id).Info("websocket client connected")

	go client.writePump()

	client.Send(notification{
		JSONRPC: "2.0",
		Method:  "notify_connected",
		Params:  []any{s.backend.Status()},
	})

	client.readPump()
}

func (s *Server) removeClient(client *WSClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()
	s.logger.WithField("client", client.id).Info("websocket client disconnected")
}
