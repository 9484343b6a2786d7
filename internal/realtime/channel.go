// Package realtime maintains the push connection that delivers authoritative
// change notifications. Incoming messages are dispatched by type tag to
// registered handlers, which feed them through the same reconciliation path
// as local optimistic writes.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/stocktide/stocktide/internal/logging"
	"github.com/stocktide/stocktide/internal/session"
)

// Message is the wire shape of a push notification.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Handler consumes the data of one message type.
type Handler func(ctx context.Context, data json.RawMessage)

// errOffline aborts a reconnection attempt without burning retries.
var errOffline = errors.New("client is offline")

// Channel is a single reconnecting push connection per session. It connects
// only while the client is online and a user session exists, authenticates
// on open, keeps the link alive with heartbeats and backs off exponentially
// on reconnects up to a bounded attempt count. Going offline cancels any
// pending reconnection immediately.
type Channel struct {
	url         string
	session     session.Provider
	online      func() bool
	logger      logging.Logger
	heartbeat   time.Duration
	maxAttempts uint64
	dialer      *websocket.Dialer

	mu       sync.Mutex
	handlers map[string][]Handler
}

// ChannelOption adjusts a Channel.
type ChannelOption func(*Channel)

func WithHeartbeat(d time.Duration) ChannelOption {
	return func(c *Channel) { c.heartbeat = d }
}

func WithMaxAttempts(n uint64) ChannelOption {
	return func(c *Channel) { c.maxAttempts = n }
}

func NewChannel(url string, sess session.Provider, online func() bool, logger logging.Logger, opts ...ChannelOption) *Channel {
	c := &Channel{
		url:         url,
		session:     sess,
		online:      online,
		logger:      logger,
		heartbeat:   30 * time.Second,
		maxAttempts: 10,
		dialer:      websocket.DefaultDialer,
		handlers:    make(map[string][]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle registers h for messages tagged msgType, e.g. "sale:created".
// Registration must happen before Run starts.
func (c *Channel) Handle(msgType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = append(c.handlers[msgType], h)
}

// Run holds the connection open until ctx ends, reconnecting as needed.
// While offline or unauthenticated it idles and re-checks periodically
// instead of dialing.
func (c *Channel) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !c.ready() {
			if err := sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}

		conn, err := c.connect(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			c.logger.Warn(ctx, "push connection failed", "error", err)
			if err := sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}

		c.logger.Info(ctx, "push connection established", "url", c.url)
		err = c.serve(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn(ctx, "push connection lost", "error", err)
	}
}

func (c *Channel) ready() bool {
	if !c.online() {
		return false
	}
	_, err := c.session.Token()
	return err == nil
}

// connect dials with exponential backoff. An offline transition mid-backoff
// aborts the whole attempt rather than counting further retries.
func (c *Channel) connect(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	backoff := retry.WithMaxRetries(c.maxAttempts, retry.NewExponential(500*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if !c.online() {
			return errOffline
		}
		var err error
		conn, _, err = c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Channel) authenticate(conn *websocket.Conn) error {
	token, err := c.session.Token()
	if err != nil {
		return err
	}
	handshake, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(Message{Type: "auth", Data: handshake}); err != nil {
		return fmt.Errorf("auth handshake failed: %w", err)
	}
	return nil
}

// serve reads messages until the connection breaks. A background pinger
// maintains liveness; a missed pong lets the read deadline expire, which
// surfaces as a read error and triggers reconnection.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	deadline := func() time.Time { return time.Now().Add(2 * c.heartbeat) }
	conn.SetReadDeadline(deadline())
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(deadline())
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.ping(pingCtx, conn)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		conn.SetReadDeadline(deadline())
		c.dispatch(ctx, msg)
	}
}

func (c *Channel) ping(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Unblocks the reader so Run can wind down or reconnect.
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (c *Channel) dispatch(ctx context.Context, msg Message) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[msg.Type]...)
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.logger.Debug(ctx, "unhandled push message", "type", msg.Type)
		return
	}
	for _, h := range handlers {
		h(ctx, msg.Data)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
