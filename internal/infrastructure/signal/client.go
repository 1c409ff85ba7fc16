package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"navideo/internal/core/domain"
	"navideo/pkg/retry"
	"navideo/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	clientWriteWait      = 10 * time.Second
	clientPongWait       = 60 * time.Second
	clientPingPeriod     = (clientPongWait * 9) / 10
	clientMaxMessageSize = 1 << 20
)

var ErrClientClosed = errors.New("signaling connection closed")

// Client is the participant side of the signaling connection. Incoming frames
// are decoded into envelopes; outgoing envelopes go through one writer.
type Client struct {
	conn     *websocket.Conn
	incoming chan domain.Envelope
	outgoing chan domain.Envelope
	done     chan struct{}

	closeOnce sync.Once
	logger    *zap.SugaredLogger
}

// Dial connects to serverURL, retrying transient failures as configured.
func Dial(ctx context.Context, serverURL string, cfg retry.Config, logger *zap.SugaredLogger) (*Client, error) {
	if err := validation.ValidateServerURL(serverURL); err != nil {
		return nil, err
	}

	conn, err := retry.RetryWithResult(ctx, cfg, func() (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
		if err != nil {
			logger.Debugw("dial failed", "url", serverURL, "error", err)
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", serverURL, err)
	}

	c := &Client{
		conn:     conn,
		incoming: make(chan domain.Envelope, 64),
		outgoing: make(chan domain.Envelope, 64),
		done:     make(chan struct{}),
		logger:   logger,
	}
	c.conn.SetReadLimit(clientMaxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	})

	go c.readPump()
	go c.writePump()
	return c, nil
}

func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	for {
		var env domain.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Infow("signaling connection lost", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(clientPongWait))

		select {
		case c.incoming <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(clientPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.Debugw("write failed", "event", env.Type, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			for {
				select {
				case env := <-c.outgoing:
					c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
					if c.conn.WriteJSON(env) != nil {
						return
					}
				default:
					c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(clientWriteWait))
					return
				}
			}
		}
	}
}

// Incoming returns server events. It is closed when the connection ends.
func (c *Client) Incoming() <-chan domain.Envelope {
	return c.incoming
}

// Send queues env for the writer.
func (c *Client) Send(ctx context.Context, env domain.Envelope) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.outgoing <- env:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes queued envelopes and closes the connection. It is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
