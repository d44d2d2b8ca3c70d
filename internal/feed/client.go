// Package feed maintains the WebSocket connection to the upstream market
// data feed, parses frames into the core event union, and keeps the
// subscription set alive across reconnects.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mintwatch/mintwatch/internal/metrics"
	"github.com/mintwatch/mintwatch/internal/token"
)

// ErrNotConnected is returned by operations that need a live connection.
var ErrNotConnected = errors.New("feed: not connected")

// ErrMaxReconnects signals the reconnect loop has given up.
var ErrMaxReconnects = errors.New("feed: max reconnect attempts reached")

// EventHandler receives every parsed event. It must not block: the read
// loop delivers events inline.
type EventHandler func(token.Event)

// Config tunes the client.
type Config struct {
	URL                  string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	ConnectTimeout       time.Duration
}

// Client is the upstream feed adapter. A single read loop parses frames;
// writes (subscriptions, pings) are serialized through writeMu.
type Client struct {
	cfg     Config
	handler EventHandler
	metrics *metrics.Registry
	limiter *rate.Limiter

	mu         sync.RWMutex
	conn       *websocket.Conn
	connected  bool
	subscribed map[string]struct{}
	attempts   int
	closed     bool

	writeMu  sync.Mutex
	loopOnce sync.Once

	reconnectCh chan struct{}
	terminalCh  chan struct{}
	closeCh     chan struct{}
	readDone    chan struct{}
}

// NewClient creates a feed client. handler receives every parsed event.
func NewClient(cfg Config, handler EventHandler, m *metrics.Registry) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("feed URL is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	return &Client{
		cfg:         cfg,
		handler:     handler,
		metrics:     m,
		limiter:     rate.NewLimiter(rate.Limit(10), 5),
		subscribed:  make(map[string]struct{}),
		reconnectCh: make(chan struct{}, 1),
		terminalCh:  make(chan struct{}),
		closeCh:     make(chan struct{}),
	}, nil
}

// Connect dials the feed and starts the read, ping, and reconnect
// loops. A failed initial dial is returned to the caller but still
// scheduled for reconnection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("feed: already connected")
	}
	c.mu.Unlock()

	err := c.dial(ctx)
	c.loopOnce.Do(func() { go c.reconnectLoop() })
	if err != nil {
		// An endpoint that is down at startup is an ordinary disconnect:
		// the reconnect loop owns further attempts.
		c.triggerReconnect()
	}
	return err
}

func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	log.Info().Str("url", c.cfg.URL).Msg("Connecting to token feed")
	conn, _, err := dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("feed connection failed: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(2 * c.cfg.HeartbeatInterval))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.attempts = 0
	c.readDone = make(chan struct{})
	c.mu.Unlock()

	// Re-assert the full subscription set before the connection counts as
	// ready.
	if err := c.replaySubscriptions(); err != nil {
		log.Error().Err(err).Msg("Failed to replay subscriptions after connect")
		conn.Close()
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return err
	}

	go c.readLoop(conn)
	go c.pingLoop(conn)

	log.Info().Int("subscriptions", len(c.SubscribedMints())).Msg("Token feed connected")
	return nil
}

func (c *Client) replaySubscriptions() error {
	c.mu.RLock()
	mints := make([]string, 0, len(c.subscribed))
	for m := range c.subscribed {
		mints = append(mints, m)
	}
	c.mu.RUnlock()

	if err := c.send(subscribeRequest{Method: methodSubscribeNewTokens}); err != nil {
		return err
	}
	if len(mints) == 0 {
		return nil
	}
	return c.send(subscribeRequest{Method: methodSubscribeTokens, Keys: mints})
}

// Subscribe adds mints to the trade subscription set.
func (c *Client) Subscribe(mints []string) error {
	if len(mints) == 0 {
		return nil
	}
	c.mu.Lock()
	for _, m := range mints {
		c.subscribed[m] = struct{}{}
	}
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		// Will be replayed on reconnect.
		return ErrNotConnected
	}
	return c.send(subscribeRequest{Method: methodSubscribeTokens, Keys: mints})
}

// Unsubscribe removes mints from the subscription set.
func (c *Client) Unsubscribe(mints []string) error {
	if len(mints) == 0 {
		return nil
	}
	c.mu.Lock()
	for _, m := range mints {
		delete(c.subscribed, m)
	}
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	return c.send(subscribeRequest{Method: methodUnsubscribeTokens, Keys: mints})
}

// IsConnected reports whether the socket is live.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SubscribedMints returns the current subscription set.
func (c *Client) SubscribedMints() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mints := make([]string, 0, len(c.subscribed))
	for m := range c.subscribed {
		mints = append(mints, m)
	}
	return mints
}

// Terminal is closed when the reconnect loop gives up.
func (c *Client) Terminal() <-chan struct{} {
	return c.terminalCh
}

// Disconnect closes the connection and stops every loop.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		c.connected = false
		log.Info().Msg("Token feed disconnected")
		return err
	}
	return nil
}

func (c *Client) send(req subscribeRequest) error {
	if err := c.limiter.Wait(context.Background()); err != nil {
		return err
	}

	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("failed to send %s: %w", req.Method, err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Feed read loop panic")
		}
		c.mu.RLock()
		done := c.readDone
		c.mu.RUnlock()
		close(done)
	}()

	conn.SetReadDeadline(time.Now().Add(2 * c.cfg.HeartbeatInterval))

	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closeCh:
				return
			default:
			}
			log.Warn().Err(err).Msg("Feed read error, scheduling reconnect")
			c.markDisconnected(conn)
			c.triggerReconnect()
			return
		}
		conn.SetReadDeadline(time.Now().Add(2 * c.cfg.HeartbeatInterval))

		if messageType != websocket.TextMessage {
			continue
		}

		ev, err := parseFrame(data)
		if err != nil {
			log.Debug().Err(err).Msg("Dropping unparseable feed frame")
			continue
		}
		if c.metrics != nil {
			c.metrics.WSMessages.WithLabelValues(string(ev.Kind)).Inc()
		}

		switch ev.Kind {
		case token.EventNewToken, token.EventTrade:
			if c.handler != nil {
				c.handler(ev)
			}
		case token.EventSubscriptionAck:
			log.Debug().Msg("Feed subscription acknowledged")
		default:
			log.Debug().Msg("Dropping unknown feed frame")
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	c.mu.RLock()
	done := c.readDone
	c.mu.RUnlock()

	for {
		select {
		case <-c.closeCh:
			return
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				log.Warn().Err(err).Msg("Feed ping failed")
				c.markDisconnected(conn)
				c.triggerReconnect()
				return
			}
		}
	}
}

func (c *Client) markDisconnected(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.connected = false
		conn.Close()
		c.conn = nil
	}
}

func (c *Client) triggerReconnect() {
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
}

func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.closeCh:
			return
		case <-c.reconnectCh:
		}

		for {
			c.mu.Lock()
			c.attempts++
			attempt := c.attempts
			c.mu.Unlock()

			if attempt > c.cfg.MaxReconnectAttempts {
				log.Error().Int("attempts", attempt-1).Msg("Feed reconnect attempts exhausted")
				close(c.terminalCh)
				return
			}

			delay := c.backoff(attempt)
			log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Scheduling feed reconnect")
			if c.metrics != nil {
				c.metrics.WSReconnects.Inc()
			}

			select {
			case <-c.closeCh:
				return
			case <-time.After(delay):
			}

			if err := c.dial(context.Background()); err != nil {
				log.Warn().Err(err).Int("attempt", attempt).Msg("Feed reconnect failed")
				continue
			}
			break
		}
	}
}

// backoff returns min(base * 2^(attempt-1), 60s).
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.cfg.ReconnectDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= time.Minute {
			return time.Minute
		}
	}
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}
