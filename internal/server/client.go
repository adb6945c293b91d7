package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"

	"github.com/npezzotti/go-teamchat/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBufferSize = 256
)

// Client is one websocket session. Its read pump handles inbound frames in
// order; its write pump is the only writer on the socket.
type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        zerolog.Logger

	// owned by the read pump
	user   types.User
	authed bool

	send     chan *ServerMessage
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(conn *websocket.Conn, cs *ChatServer, l zerolog.Logger) *Client {
	id, err := shortid.Generate()
	if err != nil {
		id = "unknown"
	}

	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l.With().Str("session_id", id).Logger(),
		send:       make(chan *ServerMessage, sendBufferSize),
		stop:       make(chan struct{}),
	}
}

func (c *Client) UserId() string {
	return c.user.Id
}

// Queue hands msg to the write pump without blocking. It returns false when
// the buffer is full or the client is stopping.
func (c *Client) Queue(msg *ServerMessage) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close asks both pumps to exit. Frames already queued are flushed first.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write pump exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.writeFrame(msg) {
				return
			}
		case <-c.stop:
			c.drain()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) drain() {
	for {
		select {
		case msg := <-c.send:
			if !c.writeFrame(msg) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) writeFrame(msg *ServerMessage) bool {
	bytes, err := serializeMessage(msg)
	if err != nil {
		c.log.Error().Err(err).Str("type", msg.Type).Msg("failed to serialize message")
		return true
	}

	return c.sendMessage(websocket.TextMessage, bytes)
}

func (c *Client) Read() {
	defer func() {
		c.chatServer.disconnect(c)
		c.Close()
		c.log.Debug().Msg("read pump exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug().Err(err).Msg("error parsing message")
			c.Queue(ErrorMessage(errTextInvalidFormat))
			continue
		}

		if !c.chatServer.handle(c, &msg) {
			return
		}
	}
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("websocket write")
		}
		return false
	}

	return true
}
