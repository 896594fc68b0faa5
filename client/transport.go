// Package client provides a reconnecting WebSocket client for the canvas
// session engine, with a local read model that mirrors server events.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexuspro/canvas/api"
	"github.com/nexuspro/canvas/internal/slogging"
)

// ErrNotConnected is returned by Send while the transport has no live
// socket. Callers decide whether to retry; the transport never queues.
var ErrNotConnected = errors.New("client: not connected")

// State is the transport lifecycle state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	baseReconnectDelay = time.Second
	maxReconnectDelay  = 30 * time.Second
)

// Options configures a Transport
type Options struct {
	// URL is the full websocket endpoint, e.g. ws://host/ws/sessions/abc
	URL string
	// Token authenticates the upgrade request; it is appended as a token
	// query parameter and also sent as a bearer header.
	Token string
	// UserID and DisplayName populate the join message sent after every
	// successful (re)connect.
	UserID      string
	DisplayName string
	SessionID   string

	// OnMessage receives every parsed server event, including the
	// canvas_state snapshot delivered after each reconnect.
	OnMessage func(api.Message)
	// OnStateChange observes transport lifecycle transitions
	OnStateChange func(State)

	// Dialer overrides the default websocket dialer, mainly for tests
	Dialer *websocket.Dialer
}

// Transport maintains a single WebSocket connection to a canvas session,
// reconnecting with exponential backoff after involuntary disconnects.
// Sends during an outage fail fast; continuity comes from the server's
// snapshot on rejoin, not from client-side replay.
type Transport struct {
	opts   Options
	dialer *websocket.Dialer

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a transport in the disconnected state
func New(opts Options) (*Transport, error) {
	if opts.URL == "" {
		return nil, errors.New("client: url is required")
	}
	if opts.UserID == "" {
		return nil, errors.New("client: user id is required")
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Transport{
		opts:   opts,
		dialer: dialer,
		state:  StateDisconnected,
		done:   make(chan struct{}),
	}, nil
}

// Start begins the connect/read/reconnect loop. It returns after the
// first dial attempt has been made; subsequent reconnects run in the
// background until Close or ctx cancellation.
func (t *Transport) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		cancel()
		return errors.New("client: transport is closed")
	}
	t.cancel = cancel
	t.mu.Unlock()

	first := make(chan error, 1)
	go t.run(runCtx, first)
	return <-first
}

// State returns the current lifecycle state
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Send marshals and writes a message on the live socket. During an outage
// it returns ErrNotConnected immediately.
func (t *Transport) Send(msg api.Message) error {
	t.mu.Lock()
	conn := t.conn
	state := t.state
	t.mu.Unlock()

	if state != StateConnected || conn == nil {
		slogging.Get().Warn("dropping %s send while %s", msg.GetMessageType(), state)
		return ErrNotConnected
	}
	data, err := api.MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("client: marshal failed: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("client: write failed: %w", err)
	}
	return nil
}

// Close stops the transport permanently. A closed transport never
// reconnects.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.setStateLocked(StateClosed)
	conn := t.conn
	t.conn = nil
	cancel := t.cancel
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
		<-t.done
	}
}

// Done is closed when the run loop has fully exited
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) run(ctx context.Context, first chan<- error) {
	defer close(t.done)
	logger := slogging.Get()

	attempt := 0
	reported := false
	for {
		if t.State() == StateClosed || ctx.Err() != nil {
			if !reported {
				first <- ctx.Err()
			}
			return
		}

		if attempt == 0 {
			t.setState(StateConnecting)
		} else {
			t.setState(StateReconnecting)
			delay := reconnectDelay(attempt - 1)
			logger.Info("reconnecting in %s (attempt %d)", delay, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				if !reported {
					first <- ctx.Err()
				}
				return
			}
		}

		conn, err := t.dial(ctx)
		if err != nil {
			logger.Warn("dial failed: %v", err)
			if !reported {
				first <- err
				reported = true
			}
			attempt++
			continue
		}

		t.mu.Lock()
		if t.state == StateClosed {
			t.mu.Unlock()
			_ = conn.Close()
			if !reported {
				first <- errors.New("client: transport closed during dial")
			}
			return
		}
		t.conn = conn
		t.setStateLocked(StateConnected)
		t.mu.Unlock()

		if !reported {
			first <- nil
			reported = true
		}
		attempt = 0 // successful connect resets the backoff schedule

		if err := t.sendJoin(); err != nil {
			logger.Warn("join send failed: %v", err)
			t.dropConn(conn)
			attempt = 1
			continue
		}

		t.readLoop(ctx, conn)
		t.dropConn(conn)
		attempt = 1
	}
}

// dial carries the token both as a query parameter, which is what the
// server reads on websocket paths, and as a bearer header for endpoints
// that take one.
func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint := t.opts.URL
	header := http.Header{}
	if t.opts.Token != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("client: invalid url: %w", err)
		}
		q := u.Query()
		q.Set("token", t.opts.Token)
		u.RawQuery = q.Encode()
		endpoint = u.String()
		header.Set("Authorization", "Bearer "+t.opts.Token)
	}
	conn, resp, err := t.dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (t *Transport) sendJoin() error {
	join := api.JoinMessage{
		MessageType: api.MessageTypeJoin,
		SessionID:   t.opts.SessionID,
		UserID:      t.opts.UserID,
		DisplayName: t.opts.DisplayName,
	}
	data, err := api.MarshalMessage(join)
	if err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	logger := slogging.Get()
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if t.State() != StateClosed {
				logger.Info("connection lost: %v", err)
			}
			return
		}
		msg, err := api.ParseOutboundMessage(data)
		if err != nil {
			// Unknown or malformed server events are skipped, not fatal
			logger.Debug("skipping unparseable server event: %v", err)
			continue
		}
		if t.opts.OnMessage != nil {
			t.opts.OnMessage(msg)
		}
	}
}

func (t *Transport) dropConn(conn *websocket.Conn) {
	_ = conn.Close()
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	if t.state == StateConnected {
		t.setStateLocked(StateDisconnected)
	}
	t.mu.Unlock()
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.setStateLocked(s)
	t.mu.Unlock()
}

// setStateLocked requires t.mu held. Closed is terminal.
func (t *Transport) setStateLocked(s State) {
	if t.state == s || t.state == StateClosed {
		return
	}
	t.state = s
	if t.opts.OnStateChange != nil {
		go t.opts.OnStateChange(s)
	}
}

// reconnectDelay returns the backoff for the given zero-based retry
// index: 1s, 2s, 4s, up to a 30s cap. No jitter.
func reconnectDelay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	if retry > 5 {
		return maxReconnectDelay
	}
	delay := baseReconnectDelay << uint(retry)
	if delay > maxReconnectDelay {
		return maxReconnectDelay
	}
	return delay
}
