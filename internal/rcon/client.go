// Package rcon implements a Rust WebRCON client.
//
// Commands are JSON frames sent over a WebSocket at ws://host:port/password.
// Replies carry the caller's identifier; frames with an identifier of zero or
// less are console broadcasts and are delivered on the Broadcasts channel.
package rcon

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	// ErrNotConnected is returned when no WebSocket session is open.
	ErrNotConnected = errors.New("rcon not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("rcon client closed")
)

// Frame is one WebRCON message in either direction.
type Frame struct {
	Message    string `json:"Message"`
	Name       string `json:"Name,omitempty"`
	Type       string `json:"Type,omitempty"`
	Stacktrace string `json:"Stacktrace,omitempty"`
	Identifier int    `json:"Identifier"`
}

// Response is the reply to an executed command.
type Response struct {
	Message string
	Type    string
}

// Failed reports whether the server flagged the reply as an error.
func (r Response) Failed() bool {
	return r.Type == "Error"
}

// Options configures a Client.
type Options struct {
	ServerID    string
	Host        string
	Password    string
	Port        int
	Timeout     time.Duration
	DialTimeout time.Duration
	RateLimit   float64
	RateBurst   int
	// Buffer is the broadcast channel capacity.
	Buffer int
}

type result struct {
	err  error
	resp Response
}

// Client is a WebRCON session with request/response matching.
type Client struct {
	conn       *websocket.Conn
	limiter    *rate.Limiter
	pending    map[int]chan result
	broadcasts chan Frame
	opts       Options
	url        string
	mu         sync.Mutex
	writeMu    sync.Mutex
	nextID     atomic.Int32
	closed     atomic.Bool
}

// New creates a disconnected client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := max(opts.RateBurst, 1)

	u := url.URL{
		Scheme: "ws",
		Host:   opts.Host + ":" + strconv.Itoa(opts.Port),
		Path:   "/" + opts.Password,
	}

	return &Client{
		opts:       opts,
		url:        u.String(),
		limiter:    rate.NewLimiter(limit, burst),
		pending:    make(map[int]chan result),
		broadcasts: make(chan Frame, opts.Buffer),
	}
}

// Broadcasts delivers console output not tied to a command.
func (c *Client) Broadcasts() <-chan Frame {
	return c.broadcasts
}

// Connected reports whether a session is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the server and starts reading frames.
// The returned channel is closed when the session ends.
func (c *Client) Connect(ctx context.Context) (<-chan struct{}, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, c.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s:%d: %w", c.opts.Host, c.opts.Port, err)
	}

	done := make(chan struct{})

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn, done)

	log.Info().Str("server", c.opts.ServerID).Str("host", c.opts.Host).Int("port", c.opts.Port).Msg("RCON connected")

	return done, nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer c.drop(conn)

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if !c.closed.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("server", c.opts.ServerID).Msg("RCON read failed")
			}
			return
		}

		if frame.Identifier <= 0 {
			select {
			case c.broadcasts <- frame:
			default:
				log.Warn().Str("server", c.opts.ServerID).Msg("RCON broadcast buffer full, dropping frame")
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[frame.Identifier]
		delete(c.pending, frame.Identifier)
		c.mu.Unlock()

		if ok {
			ch <- result{resp: Response{Message: frame.Message, Type: frame.Type}}
		}
	}
}

// drop forgets conn and fails every command still waiting on it.
func (c *Client) drop(conn *websocket.Conn) {
	_ = conn.Close()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		ch <- result{err: ErrNotConnected}
		delete(c.pending, id)
	}
}

// Execute sends command and waits for its reply, bounded by the configured timeout.
func (c *Client) Execute(ctx context.Context, command string) (Response, error) {
	if c.closed.Load() {
		return Response{}, ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("rcon rate limit: %w", err)
	}

	id := int(c.nextID.Add(1))
	ch := make(chan result, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Response{}, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	frame := Frame{Identifier: id, Message: command, Name: "WebRcon"}

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	err := conn.WriteJSON(frame)
	c.writeMu.Unlock()

	if err != nil {
		c.forget(id)
		return Response{}, fmt.Errorf("rcon write: %w", err)
	}

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-ctx.Done():
		c.forget(id)
		return Response{}, fmt.Errorf("rcon %q: %w", command, ctx.Err())
	}
}

func (c *Client) forget(id int) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Run keeps the session open until ctx is done, re-dialling after backoff.
func (c *Client) Run(ctx context.Context, backoff time.Duration) {
	if backoff <= 0 {
		backoff = 5 * time.Second
	}

	for {
		done, err := c.Connect(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			log.Warn().Err(err).Str("server", c.opts.ServerID).Dur("retry_in", backoff).Msg("RCON connect failed")
		} else {
			select {
			case <-done:
				log.Warn().Str("server", c.opts.ServerID).Msg("RCON disconnected")
			case <-ctx.Done():
				_ = c.Close()
				return
			}
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			_ = c.Close()
			return
		case <-timer.C:
		}
	}
}

// Close ends the session. The client cannot be reused.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return conn.Close()
}
