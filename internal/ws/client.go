package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
)

var (
	// ErrClosed is returned by Send after the connection was closed.
	ErrClosed = errors.New("push connection closed")
	// ErrSendBufferFull is returned when the client does not drain its queue.
	ErrSendBufferFull = errors.New("push connection send buffer full")
)

const maxInboundMessage = 512

// Options tunes the connection pumps.
type Options struct {
	WriteTimeout time.Duration
	PongWait     time.Duration
	PingPeriod   time.Duration
	SendBuffer   int
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 16
	}
	return o
}

// Client is one browser tab watching a session.
type Client struct {
	id        string
	sessionID string
	conn      *websocket.Conn
	send      chan model.PushEvent
	sendMu    sync.Mutex
	queued    bool
	done      chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
	opts      Options
	onEnd     func(*Client)
	log       *zap.Logger
}

// NewClient wraps an upgraded connection. onEnd runs once after the socket is gone.
func NewClient(conn *websocket.Conn, sessionID string, opts Options, onEnd func(*Client), log *zap.Logger) *Client {
	opts = opts.withDefaults()
	id := uuid.NewString()
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		id:        id,
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan model.PushEvent, opts.SendBuffer),
		done:      make(chan struct{}),
		opts:      opts,
		onEnd:     onEnd,
		log:       log.With(zap.String("conn", id), zap.String("session_id", sessionID)),
	}
}

// ID implements session.Conn.
func (c *Client) ID() string { return c.id }

// SessionID is the session this client watches.
func (c *Client) SessionID() string { return c.sessionID }

// Send queues event without blocking.
func (c *Client) Send(event model.PushEvent) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.enqueue(event)
}

// SendSnapshot queues event only if nothing has been queued yet. A live event
// that arrived first is newer than any snapshot read from the store.
func (c *Client) SendSnapshot(event model.PushEvent) (bool, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.queued {
		return false, nil
	}
	if err := c.enqueue(event); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) enqueue(event model.PushEvent) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- event:
		c.queued = true
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendBufferFull
	}
}

// Close stops both pumps. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} { return c.done }

// WritePump drains the send queue and keeps the connection alive with pings.
// It owns the socket and closes it on exit.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.end()
	}()

	for {
		select {
		case event := <-c.send:
			payload, err := json.Marshal(event)
			if err != nil {
				c.log.Error("Failed to marshal push event", zap.Error(err))
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug("Write failed, closing push connection", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// ReadPump discards inbound messages and tracks pongs. The protocol has no
// client-to-server business messages.
func (c *Client) ReadPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxInboundMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("Push connection read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) end() {
	c.endOnce.Do(func() {
		if c.onEnd != nil {
			c.onEnd(c)
		}
	})
}
