package ws

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/akinalp/parley/models"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait: three missed heartbeats (30s each) and the socket is dead.
	pongWait = 90 * time.Second

	// maxMessageSize: client frames are small control ops; content goes over HTTP.
	maxMessageSize = 4096

	// sendBufferSize: when a client falls this far behind it is dropped.
	sendBufferSize = 256
)

// Client is one live connection. Each gets a fresh handle, recorded on its
// session while connected.
//
// ReadPump and WritePump run in their own goroutines; gorilla/websocket
// supports one concurrent reader and one concurrent writer.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	userID    string
	sessionID string
	handle    string
	send      chan []byte
	mu        sync.Mutex // guards conn writes
}

func newClient(hub *Hub, conn *websocket.Conn, session *models.Session) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		userID:    session.UserID,
		sessionID: session.ID,
		handle:    uuid.NewString(),
		send:      make(chan []byte, sendBufferSize),
	}
}

// ReadPump reads client frames until the socket closes, then deregisters.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Deregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Warn().Err(err).Str("user_id", c.userID).Msg("failed to set read deadline")
		return
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Info().Err(err).Str("user_id", c.userID).Msg("unexpected close")
			}
			return
		}
		c.handleFrame(raw)
	}
}

// handleFrame dispatches one client frame. Malformed or unknown frames are
// logged and skipped; they never close the connection.
func (c *Client) handleFrame(raw []byte) {
	if !gjson.ValidBytes(raw) {
		logger.Debug().Str("user_id", c.userID).Msg("invalid frame")
		return
	}
	frame := gjson.ParseBytes(raw)

	switch op := frame.Get("op").String(); op {
	case OpHeartbeat:
		if c.conn != nil {
			if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
				logger.Warn().Err(err).Str("user_id", c.userID).Msg("failed to set read deadline")
				return
			}
		}
		c.hub.sendTo(c, Event{Op: OpHeartbeatAck})
		c.hub.recheck(c)

	case OpAckDelivered:
		if id := frame.Get("d.message_id").String(); id != "" {
			c.applyReceipt(op, func(ctx context.Context, r ReceiptHandler) error {
				return r.AckDelivered(ctx, c.userID, id)
			})
		}

	case OpMarkRead:
		if id := frame.Get("d.message_id").String(); id != "" {
			c.applyReceipt(op, func(ctx context.Context, r ReceiptHandler) error {
				return r.MarkRead(ctx, c.userID, id)
			})
		} else if conv := frame.Get("d.conversation_id").String(); conv != "" {
			c.applyReceipt(op, func(ctx context.Context, r ReceiptHandler) error {
				return r.MarkConversationRead(ctx, c.userID, conv)
			})
		}

	case OpTyping:
		if conv := frame.Get("d.conversation_id").String(); conv != "" {
			ctx, cancel := context.WithTimeout(context.Background(), c.hub.opTimeout)
			defer cancel()
			c.hub.relayTyping(ctx, c, conv)
		}

	default:
		logger.Debug().Str("user_id", c.userID).Str("op", op).Msg("unknown op")
	}
}

// applyReceipt runs a receipt in the read goroutine, so receipts from one
// connection are applied in the order they were sent.
func (c *Client) applyReceipt(op string, fn func(context.Context, ReceiptHandler) error) {
	r := c.hub.receipts
	if r == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.hub.opTimeout)
	defer cancel()
	if err := fn(ctx, r); err != nil {
		logger.Warn().Err(err).Str("user_id", c.userID).Str("op", op).Msg("receipt failed")
	}
}

// WritePump writes queued frames until the hub closes the send channel.
func (c *Client) WritePump() {
	defer c.conn.Close()

	for {
		message, ok := <-c.send
		if !ok {
			c.writeMessage(websocket.CloseMessage, nil)
			return
		}

		if err := c.writeMessage(websocket.TextMessage, message); err != nil {
			c.hub.drop(c, "write_error")
			return
		}
	}
}

func (c *Client) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}
