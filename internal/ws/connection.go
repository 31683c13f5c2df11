package ws

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"conversation-service/internal/models"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 64 << 10
	maxCloseReason = 120
)

// ConnectionOptions bounds a connection's outbound buffering.
type ConnectionOptions struct {
	QueueSize    int
	WriteTimeout time.Duration
}

// Connection is a Channel backed by a gorilla websocket. One goroutine
// runs WritePump; the caller's goroutine runs ReadPump.
type Connection struct {
	conn     *websocket.Conn
	identity models.Identity
	info     ConnInfo
	send     chan []byte
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
}

func NewConnection(conn *websocket.Conn, identity models.Identity, info ConnInfo, opts ConnectionOptions) *Connection {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		conn:     conn,
		identity: identity,
		info:     info,
		send:     make(chan []byte, opts.QueueSize),
		timeout:  opts.WriteTimeout,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *Connection) ID() string { return c.info.ConnID }

func (c *Connection) Identity() models.Identity { return c.identity }

func (c *Connection) Info() ConnInfo { return c.info }

func (c *Connection) Context() context.Context { return c.ctx }

func (c *Connection) Enqueue(payload []byte) error {
	if c.ctx.Err() != nil {
		return ErrChannelClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the write pump, which sends a close frame and tears down
// the socket. Safe to call more than once.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		c.cancel()
	})
}

// CloseReason returns the reason given to the first Close call.
func (c *Connection) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// WritePump drains the send queue until the connection closes.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, truncateReason(c.CloseReason())),
				time.Now().Add(c.timeout))
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Debug().Err(err).Str("conn_id", c.info.ConnID).Msg("websocket write failed")
				c.Close("write: " + err.Error())
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close("ping: " + err.Error())
				return
			}
		}
	}
}

// ReadPump delivers inbound text frames to handle until the socket fails.
func (c *Connection) ReadPump(handle func([]byte)) error {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.Close("read: " + err.Error())
			return err
		}
		handle(frame)
	}
}

// truncateReason cuts reason to fit a close frame without splitting a
// UTF-8 sequence.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
