// Package push maintains the server push connection.
//
// A Channel holds one websocket connection to the server and multiplexes
// destination subscriptions over it. Frames are JSON:
//
//	client → server  {"command":"SUBSCRIBE","destination":"/topic/session/ABC123"}
//	server → client  {"destination":"/topic/session/ABC123","body":{...}}
//
// When the connection drops the channel waits a fixed delay, redials, and
// re-sends every active subscription. Events published while disconnected are
// lost; callers re-fetch to recover.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	commandSubscribe   = "SUBSCRIBE"
	commandUnsubscribe = "UNSUBSCRIBE"
)

var (
	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("push channel closed")

	// ErrReconnectsExhausted is reported by Err when MaxReconnects consecutive
	// dial attempts failed.
	ErrReconnectsExhausted = errors.New("push reconnect attempts exhausted")
)

// Frame is one message on the wire in either direction.
type Frame struct {
	Command     string          `json:"command,omitempty"`
	Destination string          `json:"destination"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// Handler receives the body of each frame published to a destination.
type Handler func(body []byte)

// Config configures a Channel.
type Config struct {
	// URL is the websocket endpoint, for example wss://host/ws.
	URL string
	// Header is sent with every dial.
	Header http.Header
	// ReconnectDelay is the fixed wait between dial attempts.
	ReconnectDelay time.Duration
	// MaxReconnects bounds consecutive failed dials. Zero retries forever.
	MaxReconnects uint
	// PingInterval is how often keepalive pings are sent.
	PingInterval time.Duration
	// PongWait is how long to wait for any read before treating the
	// connection as dead. Must exceed PingInterval.
	PongWait time.Duration
	// WriteWait bounds each frame write.
	WriteWait time.Duration
}

func (c *Config) setDefaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = 2 * c.PingInterval
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
}

// EndpointFromServer derives the websocket endpoint from the REST server URL.
func EndpointFromServer(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Channel is a reconnecting websocket subscription multiplexer.
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]map[uint64]Handler
	nextID  uint64
	err     error
	started bool
	closed  bool

	writeMu sync.Mutex

	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}
}

// New creates a channel. No connection is made until Start.
func New(cfg Config) *Channel {
	cfg.setDefaults()

	return &Channel{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		subs:    make(map[string]map[uint64]Handler),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start connects in the background and keeps the connection up until ctx is
// cancelled, Close is called, or reconnects are exhausted.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	go c.run(ctx)

	return nil
}

// Subscribe registers handler for destination and returns a function that
// removes it. The first handler for a destination sends SUBSCRIBE; removing
// the last sends UNSUBSCRIBE.
func (c *Channel) Subscribe(destination string, handler Handler) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++

	handlers, ok := c.subs[destination]
	if !ok {
		handlers = make(map[uint64]Handler)
		c.subs[destination] = handlers
	}
	handlers[id] = handler
	first := !ok
	conn := c.conn
	c.mu.Unlock()

	if first && conn != nil {
		if err := c.send(conn, Frame{Command: commandSubscribe, Destination: destination}); err != nil {
			// Sent again after reconnect.
			log.Debug().Err(err).Str("destination", destination).Msg("failed to send subscribe")
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.unsubscribe(destination, id)
		})
	}
}

func (c *Channel) unsubscribe(destination string, id uint64) {
	c.mu.Lock()
	handlers := c.subs[destination]
	delete(handlers, id)
	last := len(handlers) == 0
	if last {
		delete(c.subs, destination)
	}
	conn := c.conn
	c.mu.Unlock()

	if last && conn != nil {
		if err := c.send(conn, Frame{Command: commandUnsubscribe, Destination: destination}); err != nil {
			log.Debug().Err(err).Str("destination", destination).Msg("failed to send unsubscribe")
		}
	}
}

// Connected reports whether a connection is currently established.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Err returns why the channel stopped, or nil while it is running.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the background loop exits.
func (c *Channel) Done() <-chan struct{} {
	return c.doneCh
}

// Close shuts the connection and waits for the background loop to exit.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)

		c.mu.Lock()
		c.closed = true
		if c.err == nil {
			c.err = ErrClosed
		}
		conn := c.conn
		started := c.started
		c.mu.Unlock()

		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteWait))
			c.writeMu.Unlock()
			_ = conn.Close()
		}

		if !started {
			close(c.doneCh)
		}
	})

	<-c.doneCh
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.doneCh)

	log.Debug().Str("url", c.cfg.URL).Msg("push channel started")

	for {
		conn, err := c.connect(ctx)
		if err != nil {
			c.stop(err)
			return
		}

		err = c.serve(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()

		if c.stopping(ctx) {
			c.stop(ctx.Err())
			return
		}

		log.Warn().Err(err).Dur("retry_in", c.cfg.ReconnectDelay).Msg("push connection lost, reconnecting")

		select {
		case <-time.After(c.cfg.ReconnectDelay):
		case <-c.closeCh:
			c.stop(nil)
			return
		case <-ctx.Done():
			c.stop(ctx.Err())
			return
		}
	}
}

func (c *Channel) stopping(ctx context.Context) bool {
	select {
	case <-c.closeCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Channel) stop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err == nil {
		if err == nil {
			err = ErrClosed
		}
		c.err = err
	}
	log.Debug().Err(c.err).Msg("push channel stopped")
}

// connect dials until a connection is up, then re-sends every active
// subscription on it.
func (c *Channel) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-c.closeCh:
			cancel()
		case <-dialCtx.Done():
		}
	}()

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.ReconnectDelay)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Str("url", c.cfg.URL).Msg("push dial failed")
		}),
	}
	if c.cfg.MaxReconnects > 0 {
		opts = append(opts, backoff.WithMaxTries(c.cfg.MaxReconnects))
	}

	conn, err := backoff.Retry(dialCtx, func() (*websocket.Conn, error) {
		conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, c.cfg.Header)
		return conn, err
	}, opts...)
	if err != nil {
		if c.stopping(ctx) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("%w: %w", ErrReconnectsExhausted, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	c.conn = conn
	destinations := make([]string, 0, len(c.subs))
	for destination := range c.subs {
		destinations = append(destinations, destination)
	}
	c.mu.Unlock()

	log.Info().Str("url", c.cfg.URL).Int("subscriptions", len(destinations)).Msg("push channel connected")

	for _, destination := range destinations {
		if err := c.send(conn, Frame{Command: commandSubscribe, Destination: destination}); err != nil {
			log.Warn().Err(err).Str("destination", destination).Msg("failed to resubscribe")
		}
	}

	return conn, nil
}

// serve reads frames until the connection fails. Handlers run on this
// goroutine, so events for a destination are delivered in arrival order.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go c.keepalive(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		c.dispatch(data)
	}
}

func (c *Channel) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-c.closeCh:
			return
		case <-done:
			return
		}
	}
}

func (c *Channel) dispatch(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Warn().Err(err).Msg("dropping malformed push frame")
		return
	}

	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.subs[frame.Destination]))
	for _, h := range c.subs[frame.Destination] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	if len(handlers) == 0 {
		log.Debug().Str("destination", frame.Destination).Msg("no subscribers for push frame")
		return
	}

	for _, h := range handlers {
		h(frame.Body)
	}
}

func (c *Channel) send(conn *websocket.Conn, frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", frame.Command, err)
	}
	return nil
}
