package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/util"
)

// ErrNotConnected is returned by Send while the hub connection is down.
var ErrNotConnected = errors.New("signaling: not connected")

const (
	DefaultMinBackoff = 250 * time.Millisecond
	DefaultMaxBackoff = 5 * time.Second

	listenerBuffer = 64
)

// ClientOptions configures a Client.
type ClientOptions struct {
	URL        string // hub websocket endpoint; http(s) is mapped to ws(s)
	Credential string
	PartyID    string

	Dialer        *websocket.Dialer
	LoggerFactory logging.LoggerFactory

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Client keeps one websocket connection to the hub alive and satisfies
// call.Signaler.
type Client struct {
	url    string
	party  string
	dialer *websocket.Dialer
	log    logging.LeveledLogger

	minBackoff time.Duration
	maxBackoff time.Duration

	connected atomic.Bool

	mu        sync.Mutex
	send      chan []byte // nil while disconnected
	listeners map[int]chan call.Envelope
	watchers  map[int]func(bool)
	nextID    int
}

var _ call.Signaler = (*Client)(nil)

func NewClient(opt ClientOptions) (*Client, error) {
	raw, err := util.WebSocketURL(opt.URL)
	if err != nil {
		return nil, fmt.Errorf("signaling url: %w", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("signaling url: %w", err)
	}
	if opt.Credential != "" {
		q := u.Query()
		q.Set("token", opt.Credential)
		u.RawQuery = q.Encode()
	}

	lf := opt.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	d := opt.Dialer
	if d == nil {
		d = &websocket.Dialer{HandshakeTimeout: util.DefaultFetchTimeout}
	}
	c := &Client{
		url:        u.String(),
		party:      opt.PartyID,
		dialer:     d,
		log:        lf.NewLogger("signaling-client"),
		minBackoff: opt.MinBackoff,
		maxBackoff: opt.MaxBackoff,
		listeners:  make(map[int]chan call.Envelope),
		watchers:   make(map[int]func(bool)),
	}
	if c.minBackoff <= 0 {
		c.minBackoff = DefaultMinBackoff
	}
	if c.maxBackoff < c.minBackoff {
		c.maxBackoff = DefaultMaxBackoff
	}
	return c, nil
}

func (c *Client) Connected() bool { return c.connected.Load() }

// Send queues env for the hub. It fails fast when disconnected or when the
// outbound buffer is full.
func (c *Client) Send(env call.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.send == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("signaling: send buffer full")
	}
}

// Subscribe returns a channel of inbound envelopes. A listener that falls
// behind loses envelopes rather than stalling the connection.
func (c *Client) Subscribe() (<-chan call.Envelope, func()) {
	ch := make(chan call.Envelope, listenerBuffer)
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			close(ch)
			c.mu.Unlock()
		})
	}
}

func (c *Client) OnStateChange(fn func(connected bool)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// Connect dials the hub and redials with doubling backoff whenever the
// connection drops. It returns when ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		up, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if up {
			backoff = c.minBackoff
		}
		c.log.Warnf("hub connection lost (%v), retrying in %s", err, backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < c.maxBackoff {
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
		}
	}
}

// session runs one connection to completion. up reports whether the dial
// succeeded.
func (c *Client) session(ctx context.Context) (up bool, err error) {
	ws, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial: %w (status %s)", err, resp.Status)
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	send := make(chan []byte, sendBuffer)
	var closeOnce sync.Once
	closeSend := func() {
		closeOnce.Do(func() {
			c.mu.Lock()
			c.send = nil
			close(send)
			c.mu.Unlock()
		})
	}
	c.mu.Lock()
	c.send = send
	c.mu.Unlock()
	// Cancelling ctx lets the write pump flush what is queued, send a close
	// frame and then close the socket.
	stop := context.AfterFunc(ctx, closeSend)
	defer stop()
	c.setConnected(true)
	c.log.Infof("connected to hub as %s", c.party)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ws, send)
		ws.Close()
	}()

	err = c.readPump(ws)

	closeSend()
	c.setConnected(false)
	ws.Close()
	wg.Wait()
	return true, err
}

func (c *Client) readPump(ws *websocket.Conn) error {
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	// The hub pings us; keep the deadline fresh on those too.
	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var env call.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warnf("skipping malformed message: %v", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) writePump(ws *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warnf("write: %v", err)
				ws.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.Close()
				return
			}
		}
	}
}

func (c *Client) dispatch(env call.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.listeners {
		select {
		case ch <- env:
		default:
			c.log.Warnf("listener full, dropping %s from %s", env.Type, env.From)
		}
	}
}

func (c *Client) setConnected(v bool) {
	if c.connected.Swap(v) == v {
		return
	}
	c.mu.Lock()
	fns := make([]func(bool), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
