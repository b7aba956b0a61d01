// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package bidi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/sage-x-project/sage/internal/logger"
)

// TokenPlacement selects where Client places its bearer token on connect.
type TokenPlacement int

const (
	// TokenInHeader sends the token as "Authorization: Bearer <token>".
	TokenInHeader TokenPlacement = iota
	// TokenInSubprotocol sends the token as a "token.<token>" WebSocket
	// sub-protocol, the second extraction form ExtractBearerToken accepts
	// (spec §6) — useful for browser WebSocket clients, which cannot set
	// arbitrary headers on the upgrade request.
	TokenInSubprotocol
)

// ReconnectPolicy configures the client's automatic reconnection (spec §4.7,
// P-RECONNECT-BACKOFF).
type ReconnectPolicy struct {
	Enabled      bool
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterRatio  float64
}

// DefaultReconnectPolicy returns a sensible exponential-backoff-with-jitter policy.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:      true,
		MaxAttempts:  10,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		JitterRatio:  0.2,
	}
}

// computeBackoff implements P-RECONNECT-BACKOFF: d_n = min(max_delay,
// initial_delay * multiplier^n) jittered uniformly within [1-j, 1+j].
func computeBackoff(p ReconnectPolicy, attempt int) time.Duration {
	base := float64(p.InitialDelay) * pow(p.Multiplier, attempt)
	if capped := float64(p.MaxDelay); base > capped {
		base = capped
	}
	jitter := 1 - p.JitterRatio + rand.Float64()*2*p.JitterRatio
	return time.Duration(base * jitter)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// ClientConfig configures the client runtime (C7).
type ClientConfig struct {
	URL            string
	Token          string
	TokenPlacement TokenPlacement
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	DialTimeout       time.Duration
	SendQueueSize     int
	Reconnect         ReconnectPolicy
	Log               logger.Logger
}

func (c *ClientConfig) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
}

// State is the client's connection lifecycle state (spec §4.7).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
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
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is the sum of connection lifecycle events a Client emits.
type Event interface{ isEvent() }

type ConnectedEvent struct{}
type DisconnectedEvent struct{ Reason string }
type ReconnectingEvent struct{ Attempt int }
type ReconnectFailedEvent struct {
	Attempt int
	Err     error
}
type ReconnectionFailedEvent struct{ Err error }
type AuthenticationFailedEvent struct{ Err error }

func (ConnectedEvent) isEvent()             {}
func (DisconnectedEvent) isEvent()          {}
func (ReconnectingEvent) isEvent()          {}
func (ReconnectFailedEvent) isEvent()       {}
func (ReconnectionFailedEvent) isEvent()    {}
func (AuthenticationFailedEvent) isEvent()  {}

// NotificationHandler receives an inbound server_notification or broadcast.
type NotificationHandler func(method string, params json.RawMessage)

// EventHandler receives connection lifecycle events.
type EventHandler func(Event)

// Client is the bidirectional client runtime (C7): symmetrical to Session
// on the client side. It owns the pending-call table, registered
// notification handlers, and the reconnect state machine.
type Client struct {
	cfg ClientConfig

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	send    chan *Envelope
	genDone chan struct{} // closed when the current connection generation's runConnection returns
	closed  bool
	cancel  context.CancelFunc

	pending *pendingTable
	nextID  uint64

	handlersMu    sync.Mutex
	notifHandlers map[string][]NotificationHandler
	topicHandlers map[string][]NotificationHandler
	subscriptions map[string]struct{}
	eventHandlers []EventHandler

	wg sync.WaitGroup
}

// NewClient builds an unconnected Client. Call Connect to dial.
func NewClient(cfg ClientConfig) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:           cfg,
		pending:       newPendingTable(),
		notifHandlers: make(map[string][]NotificationHandler),
		topicHandlers: make(map[string][]NotificationHandler),
		subscriptions: make(map[string]struct{}),
	}
}

// OnEvent registers a handler invoked for every lifecycle event.
func (c *Client) OnEvent(h EventHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.eventHandlers = append(c.eventHandlers, h)
}

// OnNotification registers fn for server_notification frames whose method
// exactly matches. Handlers for the same method run in registration order;
// a notification with no matching handler is dropped.
func (c *Client) OnNotification(method string, fn NotificationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.notifHandlers[method] = append(c.notifHandlers[method], fn)
}

func (c *Client) emit(e Event) {
	c.handlersMu.Lock()
	handlers := append([]EventHandler(nil), c.eventHandlers...)
	c.handlersMu.Unlock()
	for _, h := range handlers {
		h(e)
	}
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// buildDialURL returns the dial URL, the headers to send, and the
// sub-protocols to offer — the token placements ExtractBearerToken actually
// recognizes server-side (spec §6: Authorization header or a
// "token."-prefixed sub-protocol).
func (c *Client) buildDialURL() (string, http.Header, []string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", nil, nil, fmt.Errorf("bidi: invalid url: %w", err)
	}
	header := http.Header{}
	var subprotocols []string
	if c.cfg.Token != "" {
		switch c.cfg.TokenPlacement {
		case TokenInSubprotocol:
			subprotocols = []string{"token." + c.cfg.Token}
		default:
			header.Set("Authorization", "Bearer "+c.cfg.Token)
		}
	}
	return u.String(), header, subprotocols, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialURL, header, subprotocols, err := c.buildDialURL()
	if err != nil {
		return nil, err
	}
	dialer := &websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout, Subprotocols: subprotocols}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(dialCtx, dialURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
		return nil, err
	}
	return conn, nil
}

// Connect dials the server once. On success it starts the background
// read/write/heartbeat tasks and, if the connection later drops, the
// reconnect loop (when enabled). An authentication failure at connect time
// is terminal and never triggers reconnect (spec §4.7).
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.closed = false
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateFailed
		c.mu.Unlock()
		if isAuthFailure(err) {
			c.emit(AuthenticationFailedEvent{Err: err})
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.send = make(chan *Envelope, c.cfg.SendQueueSize)
	c.genDone = make(chan struct{})
	c.cancel = cancel
	c.mu.Unlock()

	c.emit(ConnectedEvent{})
	connectionsTotal.WithLabelValues("authenticated").Inc()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runGeneration(runCtx, conn)
	}()
	return nil
}

func isAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}

// runGeneration drives one physical connection (read/write/heartbeat) to
// completion, fails every pending call, emits Disconnected, and — if the
// reconnect policy allows it — runs the reconnect loop.
func (c *Client) runGeneration(ctx context.Context, conn *websocket.Conn) {
	send := c.currentSend()
	genDone := c.currentGenDone()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, conn, send) })
	g.Go(func() error { return c.writeLoop(gctx, conn, send) })
	g.Go(func() error { return c.heartbeatLoop(gctx, send) })
	// conn.ReadMessage ignores context cancellation; closing the socket is
	// what actually unblocks readLoop on an explicit Disconnect.
	go func() {
		<-gctx.Done()
		_ = conn.Close()
	}()
	runErr := g.Wait()

	close(genDone)
	_ = conn.Close()
	c.pending.failAll(ErrNotConnected)

	reason := ""
	if runErr != nil {
		reason = runErr.Error()
	}
	c.emit(DisconnectedEvent{Reason: reason})

	c.mu.Lock()
	explicit := c.closed
	c.state = StateDisconnected
	c.mu.Unlock()

	if explicit || !c.cfg.Reconnect.Enabled {
		return
	}
	c.reconnectLoop()
}

func (c *Client) currentSend() chan *Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send
}

func (c *Client) currentGenDone() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.genDone
}

func (c *Client) reconnectLoop() {
	attempt := 0
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.state = StateReconnecting
		c.mu.Unlock()

		attempt++
		c.emit(ReconnectingEvent{Attempt: attempt})
		delay := computeBackoff(c.cfg.Reconnect, attempt-1)
		timer := time.NewTimer(delay)
		<-timer.C

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		conn, err := c.dial(context.Background())
		if err != nil {
			reconnectAttempts.WithLabelValues("failure").Inc()
			c.emit(ReconnectFailedEvent{Attempt: attempt, Err: err})
			if isAuthFailure(err) {
				c.emit(AuthenticationFailedEvent{Err: err})
				c.mu.Lock()
				c.state = StateFailed
				c.mu.Unlock()
				return
			}
			if attempt >= c.cfg.Reconnect.MaxAttempts {
				c.mu.Lock()
				c.state = StateFailed
				c.mu.Unlock()
				c.emit(ReconnectionFailedEvent{Err: ErrReconnectionFailed})
				return
			}
			continue
		}

		reconnectAttempts.WithLabelValues("success").Inc()
		runCtx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		c.send = make(chan *Envelope, c.cfg.SendQueueSize)
		c.genDone = make(chan struct{})
		c.cancel = cancel
		c.mu.Unlock()

		c.emit(ConnectedEvent{})
		connectionsTotal.WithLabelValues("authenticated").Inc()
		c.resubscribeAll()

		c.runGeneration(runCtx, conn) // blocks; recurses into another reconnectLoop if it drops again
		return
	}
}

func (c *Client) resubscribeAll() {
	c.handlersMu.Lock()
	topics := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		topics = append(topics, t)
	}
	c.handlersMu.Unlock()
	if len(topics) == 0 {
		return
	}
	_ = c.pushFrame(newSubscribe(topics))
}

// Disconnect tears the client down permanently: no further reconnect
// attempts are made, and every subsequent Call/Notify fails with ErrClosed.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Client) pushFrame(env *Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	send, genDone, state := c.send, c.genDone, c.state
	c.mu.Unlock()
	if state != StateConnected || send == nil {
		return ErrNotConnected
	}
	select {
	case send <- env:
		return nil
	case <-genDone:
		return ErrNotConnected
	}
}

// Call issues method with params and blocks for a matching response, or
// fails with ErrTimeout after cfg.RequestTimeout.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := strconv.FormatUint(atomic.AddUint64(&c.nextID, 1), 10)
	encodedParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("bidi: encode params: %w", err)
	}
	idJSON, _ := json.Marshal(id)

	pc := c.pending.add(id)
	req := newRequest(idJSON, method, encodedParams)
	if err := c.pushFrame(req); err != nil {
		c.pending.remove(id)
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-pc.ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.env.Error != nil {
			return nil, &CallError{Code: res.env.Error.Code, Message: res.env.Error.Message, Data: res.env.Error.Data}
		}
		return res.env.Result, nil
	case <-timer.C:
		c.pending.remove(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		c.pending.remove(id)
		return nil, ctx.Err()
	}
}

// Notify sends method with params without tracking a response.
func (c *Client) Notify(method string, params interface{}) error {
	encodedParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("bidi: encode params: %w", err)
	}
	return c.pushFrame(newRequest(nil, method, encodedParams))
}

// Subscribe sends a subscribe frame for topic and registers fn to run for
// every subsequent broadcast to that topic. The subscription is replayed
// automatically after a reconnect.
func (c *Client) Subscribe(topic string, fn NotificationHandler) error {
	c.handlersMu.Lock()
	c.subscriptions[topic] = struct{}{}
	c.topicHandlers[topic] = append(c.topicHandlers[topic], fn)
	c.handlersMu.Unlock()
	return c.pushFrame(newSubscribe([]string{topic}))
}

// Unsubscribe sends an unsubscribe frame and forgets topic's handlers.
func (c *Client) Unsubscribe(topic string) error {
	c.handlersMu.Lock()
	delete(c.subscriptions, topic)
	delete(c.topicHandlers, topic)
	c.handlersMu.Unlock()
	return c.pushFrame(newUnsubscribe([]string{topic}))
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, send chan *Envelope) error {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			if c.cfg.Log != nil {
				c.cfg.Log.Warn("bidi client: dropping unparseable frame", logger.Error(err))
			}
			continue
		}
		messagesReceived.WithLabelValues(env.Type).Inc()
		c.dispatchInbound(&env, send)
	}
}

func (c *Client) dispatchInbound(env *Envelope, send chan *Envelope) {
	switch env.Type {
	case TypeResponse:
		var id string
		_ = json.Unmarshal(env.ID, &id)
		if !c.pending.resolve(id, env) && c.cfg.Log != nil {
			c.cfg.Log.Debug("bidi client: response for unknown id", logger.String("id", id))
		}
	case TypeServerNotification:
		c.dispatchNotification(env.Method, env.Params)
	case TypeBroadcast:
		c.dispatchBroadcast(env.Topic, env.Method, env.Params)
	case TypePing:
		select {
		case send <- pongFrame:
		default:
		}
	case TypePong:
		// Liveness is otherwise inferred from the read loop itself: a dead
		// peer eventually fails the read with a network error.
	case TypeConnectionEstablished, TypeConnectionClosed, TypeRequest, TypeSubscribe, TypeUnsubscribe:
		// Server-originated-only or client-originated-only frames; nothing
		// to do when observed inbound in the unexpected direction.
	}
}

func (c *Client) dispatchNotification(method string, params json.RawMessage) {
	c.handlersMu.Lock()
	handlers := append([]NotificationHandler(nil), c.notifHandlers[method]...)
	c.handlersMu.Unlock()
	for _, h := range handlers {
		h(method, params)
	}
}

func (c *Client) dispatchBroadcast(topic, method string, params json.RawMessage) {
	c.handlersMu.Lock()
	handlers := append([]NotificationHandler(nil), c.topicHandlers[topic]...)
	c.handlersMu.Unlock()
	for _, h := range handlers {
		h(method, params)
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, send chan *Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-send:
			payload, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				return err
			}
			messagesSent.WithLabelValues(env.Type).Inc()
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return err
			}
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, send chan *Envelope) error {
	if c.cfg.HeartbeatInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			select {
			case send <- pingFrame:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
