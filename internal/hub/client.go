package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"veilo/pkg/errors"
)

const writeWait = 10 * time.Second

// Client owns one websocket connection. Frames are JSON envelopes; writes
// go through a buffered send channel so a slow consumer never blocks an
// engine.
type Client struct {
	ctx      context.Context
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	identity string

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once

	onEvent func(*Client, Envelope)
	onClose func(*Client)
	log     *slog.Logger
}

func NewClient(ctx context.Context, conn *websocket.Conn, identity string,
	onEvent func(*Client, Envelope), onClose func(*Client), log *slog.Logger) *Client {
	return &Client{
		ctx:      ctx,
		conn:     conn,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		identity: identity,
		onEvent:  onEvent,
		onClose:  onClose,
		log:      log,
	}
}

func (c *Client) Identity() string { return c.identity }

func (c *Client) ReadPump() {
	defer func() {
		if c.onClose != nil {
			c.onClose(c)
		}
		c.Close("read loop ended")
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			_, message, err := c.conn.ReadMessage()
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					c.log.Error("websocket error", "identity", c.identity, "error", err)
				}
				return
			}

			var env Envelope
			if err := json.Unmarshal(message, &env); err != nil {
				c.log.Warn("invalid websocket payload", "identity", c.identity, "error", err)
				continue
			}
			if env.Event == "" {
				c.log.Warn("frame without event name", "identity", c.identity)
				continue
			}

			if c.onEvent != nil {
				c.onEvent(c, env)
			}
		}
	}
}

func (c *Client) WritePump() {
	defer func() {
		if err := c.conn.Close(); err != nil {
			c.log.Debug("failed to close websocket connection", "error", err)
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.done:
			c.flush()
			return
		case message := <-c.send:
			if !c.write(message) {
				return
			}
		}
	}
}

func (c *Client) write(message []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, message) == nil
}

// flush drains frames enqueued before Close, so a final notice such as the
// eviction event sent to a replaced connection still reaches the peer.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			if !c.write(message) {
				return
			}
		default:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send marshals an envelope and enqueues it without blocking. A full
// buffer closes the connection; the client reconnects and resyncs via the
// initial snapshot.
func (c *Client) Send(event string, data any) error {
	frame, err := marshalEnvelope(event, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.Unreachable("connection closed")
	}
	select {
	case c.send <- frame:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		c.Close("send buffer full")
		return errors.Unreachable("send buffer full")
	}
}

// Close stops the client once. The write pump flushes whatever is still
// queued and closes the transport, which in turn unblocks the read pump.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.log.Debug("connection closing", "identity", c.identity, "reason", reason)
	})
}

func marshalEnvelope(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrap(errors.CodeInternal, "marshal event payload", err)
		}
		env.Data = raw
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "marshal envelope", err)
	}
	return frame, nil
}
