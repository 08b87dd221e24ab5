// Package transport implements a single-endpoint reconnecting WebSocket
// client shared by every exchange adapter. It delivers an ordered byte
// stream of exchange frames and a side channel of lifecycle events
// (ws_open, ws_close, reconnect, no-data warning).
//
// Grounded on oerlikon-sounding's internal/exchange/*/listener.go
// dial-plus-reader-plus-processor goroutine skeleton, duplicated there
// three times, once per exchange; this implementation factors it into one
// reusable client shared across exchange adapters. The jittered
// exponential-backoff reconnect loop, the max_session_s
// forced reconnect, and the no_data_warn_s diagnostic are ported from the
// original Python implementation's mm_recorder/ws_stream.py — those
// listeners have none of these; they read until 5 consecutive errors, then
// give up, which drops the connection for good on the kind of transient
// failure this client instead reconnects through.
package transport

import (
	"context"
	"crypto/tls"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type EventKind int

const (
	EventOpen EventKind = iota
	EventClose
	EventReconnecting
	EventNoDataWarn
)

type Event struct {
	Kind EventKind
	Err  error
}

type Config struct {
	URL string

	PingInterval time.Duration
	PingTimeout  time.Duration
	OpenTimeout  time.Duration

	ReconnectBackoff    time.Duration
	ReconnectBackoffMax time.Duration

	MaxSession  time.Duration
	NoDataWarn  time.Duration

	InsecureTLS bool
}

// Hooks let the exchange adapter own subscribe/unsubscribe wire format
// while the client owns connection lifecycle.
type Hooks struct {
	// OnOpen is called once per successful connection; it should send
	// subscribe frames.
	OnOpen func(conn *websocket.Conn) error
}

type Client struct {
	cfg   Config
	log   zerolog.Logger
	hooks Hooks

	messages chan []byte
	events   chan Event
}

func New(cfg Config, log zerolog.Logger, hooks Hooks) *Client {
	return &Client{
		cfg:      cfg,
		log:      log,
		hooks:    hooks,
		messages: make(chan []byte, 1),
		events:   make(chan Event, 8),
	}
}

func (c *Client) Messages() <-chan []byte { return c.messages }
func (c *Client) Events() <-chan Event    { return c.events }

// Run drives the connect/read/reconnect loop until ctx is canceled. The
// messages channel has capacity 1 and sends block, so a slow consumer
// backpressures the reader rather than dropping frames.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := c.dial(ctx)
		if err != nil {
			c.emit(Event{Kind: EventReconnecting, Err: err})
			if !c.sleepBackoff(ctx, &attempt) {
				return ctx.Err()
			}
			continue
		}
		attempt = 0
		c.emit(Event{Kind: EventOpen})
		sessionErr := c.runSession(ctx, conn)
		conn.Close()
		c.emit(Event{Kind: EventClose, Err: sessionErr})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.sleepBackoff(ctx, &attempt) {
			return ctx.Err()
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.OpenTimeout,
	}
	if c.cfg.InsecureTLS {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(dialCtx, c.cfg.URL, http.Header{})
	if err != nil {
		return nil, err
	}
	if resp != nil {
		resp.Body.Close()
	}
	if c.hooks.OnOpen != nil {
		if err := c.hooks.OnOpen(conn); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// runSession reads frames from one connection until it errors, the session
// time budget expires, or ctx is canceled. Pongs reset the read deadline;
// a ping is sent on every PingInterval tick.
func (c *Client) runSession(ctx context.Context, conn *websocket.Conn) error {
	sessionCtx, cancel := context.WithTimeout(ctx, orInfinite(c.cfg.MaxSession))
	defer cancel()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PingTimeout))
	})
	conn.SetReadDeadline(time.Now().Add(c.cfg.PingTimeout))

	frames := make(chan []byte, 1)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if len(msg) > 0 {
				frames <- msg
			}
		}
	}()

	pingTicker := time.NewTicker(orInfinite(c.cfg.PingInterval))
	defer pingTicker.Stop()

	noDataTimer := time.NewTimer(orInfinite(c.cfg.NoDataWarn))
	defer noDataTimer.Stop()

	for {
		select {
		case <-sessionCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil // max_session_s elapsed: forced reconnect, not an error
		case err := <-readErr:
			return err
		case msg := <-frames:
			resetTimer(noDataTimer, c.cfg.NoDataWarn)
			select {
			case c.messages <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-noDataTimer.C:
			c.emit(Event{Kind: EventNoDataWarn})
			resetTimer(noDataTimer, c.cfg.NoDataWarn)
		}
	}
}

func (c *Client) sleepBackoff(ctx context.Context, attempt *int) bool {
	*attempt++
	delay := backoffWithFullJitter(*attempt, c.cfg.ReconnectBackoff, c.cfg.ReconnectBackoffMax)
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		// Events channel is a best-effort side channel; never block the
		// hot path behind a slow consumer draining lifecycle events.
	}
}

// backoffWithFullJitter mirrors ws_stream.py's reconnect loop: base *
// 2**(attempt-1), capped, then scaled by a uniform random factor in
// [0.7, 1.3) to avoid reconnect storms.
func backoffWithFullJitter(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	mult := 1 << uint(attempt-1)
	d := base * time.Duration(mult)
	if max > 0 && d > max {
		d = max
	}
	jitter := 0.7 + 0.6*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

func orInfinite(d time.Duration) time.Duration {
	if d <= 0 {
		return 365 * 24 * time.Hour
	}
	return d
}

func resetTimer(t *time.Timer, d time.Duration) {
	t.Stop()
	t.Reset(orInfinite(d))
}
