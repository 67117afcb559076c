package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/beatclock/internal/wire"
)

const (
	// DefaultSyncInterval is the gap between clock exchanges once
	// synchronized.
	DefaultSyncInterval = 5 * time.Second

	// initialSyncInterval is the gap between the first exchanges.
	initialSyncInterval = 100 * time.Millisecond

	// initialSyncCount is the number of fast exchanges after connecting.
	initialSyncCount = syncWindow
)

// Client is a WebSocket connection to a Server. It satisfies
// engine.Transport. Network time is the local clock plus the offset
// estimated by ClockSync.
type Client struct {
	conn   *websocket.Conn
	clock  Clock
	sync   *ClockSync
	logger *slog.Logger

	interval time.Duration

	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[string][]wire.Handler

	done    chan struct{}
	closing atomic.Bool
	errOnce sync.Once
	err     error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger. The default discards output.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSyncInterval sets the steady-state gap between clock exchanges.
func WithSyncInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithLocalClock replaces the local clock. The default is a WallClock.
func WithLocalClock(clock Clock) ClientOption {
	return func(c *Client) {
		c.clock = clock
	}
}

// PeerURL adds the peer's query parameters to a server URL.
func PeerURL(server string, p Peer) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("id", strconv.FormatInt(int64(p.ID), 10))
	q.Set("role", p.Role.String())
	q.Set("x", strconv.Itoa(p.X))
	q.Set("y", strconv.Itoa(p.Y))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to server as p and starts reading. Clock synchronization
// starts immediately and runs until the connection closes.
func Dial(ctx context.Context, server string, p Peer, opts ...ClientOption) (*Client, error) {
	target, err := PeerURL(server, p)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", server, err)
	}

	c := &Client{
		conn:     conn,
		sync:     NewClockSync(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		interval: DefaultSyncInterval,
		handlers: make(map[string][]wire.Handler),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = NewWallClock()
	}

	c.On(wire.AddrClockPut, func(m wire.Message) {
		c.sync.Handle(m.(wire.ClockPut), c.clock.Now())
	})

	go c.readLoop()
	go c.syncLoop()
	return c, nil
}

// Send writes m as one text frame.
func (c *Client) Send(m wire.Message) error {
	frame, err := wire.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("send %s: %w", m.Address(), err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		return fmt.Errorf("send %s: %w", m.Address(), err)
	}
	return nil
}

// On registers a handler for address. Handlers run on the read goroutine.
func (c *Client) On(address string, h wire.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := wire.CanonicalAddress(address)
	c.handlers[addr] = append(c.handlers[addr], h)
}

// NetworkTime returns the estimated server time.
func (c *Client) NetworkTime() float64 {
	return c.clock.Now() + c.sync.Offset()
}

// Synchronized reports whether a clock exchange has completed.
func (c *Client) Synchronized() bool {
	return c.sync.Synchronized()
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	c.closing.Store(true)
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	c.conn.SetReadLimit(maxFrameSize)
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		m, err := wire.Decode(string(data))
		if err != nil {
			c.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		c.mu.RLock()
		hs := c.handlers[m.Address()]
		c.mu.RUnlock()
		for _, h := range hs {
			h(m)
		}
	}
}

func (c *Client) syncLoop() {
	for i := 0; ; i++ {
		if err := c.Send(c.sync.Request(c.clock.Now())); err != nil {
			c.logger.Debug("clock sync request failed", "error", err)
		}
		wait := c.interval
		if i < initialSyncCount {
			wait = initialSyncInterval
		}
		select {
		case <-c.done:
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) finish(err error) {
	c.errOnce.Do(func() {
		if c.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			err = nil
		}
		c.err = err
		close(c.done)
	})
}
