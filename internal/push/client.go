package push

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ClientOptions tune the reconnect behavior.
type ClientOptions struct {
	BackoffMin time.Duration
	BackoffMax time.Duration
	Header     http.Header
}

func (o *ClientOptions) withDefaults() {
	if o.BackoffMin <= 0 {
		o.BackoffMin = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = time.Minute
	}
}

type subscription struct {
	id      int
	msgType Type
	handler func(Message)
}

// Client maintains a WebSocket connection to the push endpoint,
// reconnecting with capped exponential backoff plus jitter. Incoming
// messages are fanned out to subscribed handlers through an internal
// queue goroutine so a misbehaving handler cannot stall the read loop.
type Client struct {
	url    string
	opts   ClientOptions
	logger zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   []subscription
	nextID int

	inbox chan Message
}

func NewClient(url string, opts ClientOptions, logger zerolog.Logger) *Client {
	opts.withDefaults()
	return &Client{
		url:    url,
		opts:   opts,
		logger: logger,
		inbox:  make(chan Message, 64),
	}
}

// Subscribe registers a handler for a message type. The returned func
// removes the registration and is safe to call more than once.
func (c *Client) Subscribe(t Type, handler func(Message)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscription{id: id, msgType: t, handler: handler})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// Send writes a message on the current connection. Reports false when
// disconnected or the write fails; the caller treats that as a missed
// optimization, not an error.
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}
	return conn.WriteJSON(msg) == nil
}

// Run connects and keeps the connection alive until ctx is done.
func (c *Client) Run(ctx context.Context) {
	go c.dispatch(ctx)

	backoff := c.opts.BackoffMin
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.opts.Header)
		if err != nil {
			c.logger.Debug().Err(err).Dur("retry_in", backoff).Msg("push connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff *= 2
			if backoff > c.opts.BackoffMax {
				backoff = c.opts.BackoffMax
			}
			continue
		}

		backoff = c.opts.BackoffMin
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.logger.Debug().Str("url", c.url).Msg("push channel connected")

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				c.logger.Debug().Err(err).Msg("push channel lost")
			}
			return
		}
		select {
		case c.inbox <- msg:
		default:
			c.logger.Debug().Msg("handler queue full, notification dropped")
		}
	}
}

func (c *Client) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.inbox:
			c.mu.Lock()
			subs := make([]subscription, len(c.subs))
			copy(subs, c.subs)
			c.mu.Unlock()

			for _, s := range subs {
				if s.msgType != msg.Type {
					continue
				}
				c.call(s, msg)
			}
		}
	}
}

func (c *Client) call(s subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("push handler panicked")
		}
	}()
	s.handler(msg)
}

func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}
