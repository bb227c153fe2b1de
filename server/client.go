package server

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alimasry/go-collab-server/collab"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024
)

// Client represents a single WebSocket connection. Its ID is the presence
// identity and the author id of the steps it submits.
type Client struct {
	ID string

	server  *Server
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	// The document this client currently follows (nil if not joined).
	mu      sync.Mutex
	session *session
}

func newClient(s *Server, conn *websocket.Conn) *Client {
	return &Client{
		ID:      uuid.NewString(),
		server:  s,
		conn:    conn,
		send:    make(chan []byte, 256),
		limiter: rate.NewLimiter(s.cfg.MessageRate, s.cfg.MessageBurst),
	}
}

// ReadPump reads messages from the WebSocket and routes them.
func (c *Client) ReadPump() {
	defer func() {
		c.leave()
		c.server.removeClient(c)
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Info("client read error", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		if !c.limiter.Allow() {
			c.sendError("rate limit exceeded")
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}

		switch msg.Type {
		case MsgJoin:
			c.join(msg.DocID)
		case MsgSteps:
			c.submit(msg)
		default:
			c.sendError("unknown message type: " + msg.Type)
		}
	}
}

// WritePump writes messages from the send channel to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

// join sends the full document and starts following it, replacing any
// previous document.
func (c *Client) join(docID string) {
	if docID == "" {
		c.sendError("docId required")
		return
	}
	c.leave()

	inst := c.server.registry.GetOrCreate(docID, c.ID)
	doc, version, users := inst.State()
	raw, err := doc.MarshalJSON()
	if err != nil {
		c.sendError("failed to encode document")
		return
	}
	c.sendMsg(ServerMessage{
		Type:     MsgDoc,
		DocID:    docID,
		Doc:      raw,
		Version:  version,
		Users:    users,
		ClientID: c.ID,
	})

	s := newSession(c.server.ctx, c, docID, inst)
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	go s.run(version)
}

func (c *Client) leave() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()
	if s != nil {
		s.stop()
	}
}

func (c *Client) submit(msg ClientMessage) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil || (msg.DocID != "" && msg.DocID != s.docID) {
		c.sendError("not joined to a document")
		return
	}

	steps, err := decodeSteps(c.server.registry.Schema(), msg.Steps)
	if err != nil {
		c.sendError(err.Error())
		return
	}

	version, err := s.inst.AddSteps(msg.Version, steps, c.ID)
	var stepErr *collab.StepError
	switch {
	case err == nil:
		c.sendMsg(ServerMessage{Type: MsgAck, DocID: s.docID, Version: version})
	case errors.Is(err, collab.ErrConflict):
		c.sendMsg(ServerMessage{Type: MsgConflict, DocID: s.docID, Version: s.inst.Version()})
	case errors.Is(err, collab.ErrInstanceClosed):
		c.sendMsg(ServerMessage{Type: MsgResync, DocID: s.docID})
	case errors.Is(err, collab.ErrInvalidVersion), errors.As(err, &stepErr):
		c.sendError(err.Error())
	default:
		c.server.logger.Error("unexpected collab error", zap.String("client_id", c.ID), zap.Error(err))
		c.sendError("internal error")
	}
}

func (c *Client) sendMsg(msg ServerMessage) {
	select {
	case c.send <- msg.Encode():
	default:
		// Client too slow, drop message.
	}
}

func (c *Client) sendError(message string) {
	c.sendMsg(ServerMessage{Type: MsgError, Message: message})
}
