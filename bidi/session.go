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
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/sage-x-project/sage/apigen"
	"github.com/sage-x-project/sage/auth"
	"github.com/sage-x-project/sage/connreg"
	"github.com/sage-x-project/sage/internal/logger"
)

// connCtxKey is the context key a request handler uses to reach the current
// connection's login/logout hooks (ConnectionContext).
type connCtxKey struct{}

// ConnectionContext is how an application's login/logout RPC handler
// transitions the authentication state machine of the connection it is
// running on (spec §4.6: Unauthenticated -> Authenticated(principal) and
// back). Obtain it with FromContext inside a apigen.HandlerFunc.
type ConnectionContext interface {
	ConnectionID() string
	SetPrincipal(p auth.Principal)
	ClearPrincipal()
}

// FromContext extracts the ConnectionContext a request handler is running
// under, if the request arrived over a bidirectional session.
func FromContext(ctx context.Context) (ConnectionContext, bool) {
	cc, ok := ctx.Value(connCtxKey{}).(ConnectionContext)
	return cc, ok
}

// Session is one live WebSocket's worth of state (C6): the read loop, the
// exclusive write task, the heartbeat timer, and the authentication state.
// It demultiplexes inbound frames into the four handlers of spec §4.6's
// table and is the connreg.Sender the connreg.Record holds for this
// connection.
type Session struct {
	id         string
	conn       *websocket.Conn
	registry   *connreg.Registry
	dispatcher *apigen.Dispatcher
	log        logger.Logger

	heartbeatInterval time.Duration
	missedPongLimit   int
	writeTimeout      time.Duration

	send chan *Envelope
	done chan struct{}
	once sync.Once

	mu          sync.Mutex
	missedPongs int

	wg sync.WaitGroup
}

func newSession(id string, conn *websocket.Conn, registry *connreg.Registry, dispatcher *apigen.Dispatcher, log logger.Logger, heartbeatInterval time.Duration, missedPongLimit int, sendQueueSize int) *Session {
	return &Session{
		id:                id,
		conn:              conn,
		registry:          registry,
		dispatcher:        dispatcher,
		log:               log,
		heartbeatInterval: heartbeatInterval,
		missedPongLimit:   missedPongLimit,
		writeTimeout:      10 * time.Second,
		send:              make(chan *Envelope, sendQueueSize),
		done:              make(chan struct{}),
	}
}

// ConnectionID implements ConnectionContext.
func (s *Session) ConnectionID() string { return s.id }

// SetPrincipal implements ConnectionContext: it replaces (or establishes)
// the principal backing this connection, e.g. on successful login.
func (s *Session) SetPrincipal(p auth.Principal) {
	_ = s.registry.SetPrincipal(s.id, p)
}

// ClearPrincipal implements ConnectionContext: it drops the connection back
// to Unauthenticated, e.g. on logout.
func (s *Session) ClearPrincipal() {
	_ = s.registry.ClearPrincipal(s.id)
}

// Enqueue implements connreg.Sender. It blocks until the outbound channel has
// capacity (backpressure) or the session has begun shutting down, in which
// case it returns an error that connreg.SendTo maps to connreg.ErrClosed.
func (s *Session) Enqueue(frame interface{}) error {
	env, ok := frame.(*Envelope)
	if !ok {
		return ErrUnauthorized // unreachable in practice; defensive type guard
	}
	select {
	case s.send <- env:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Run drives the session to completion: the read loop, the write loop, and
// the heartbeat timer run concurrently (golang.org/x/sync/errgroup) so that
// any one failing leg tears down the other two. Run blocks until the
// session ends and the connection has been removed from the registry.
func (s *Session) Run(ctx context.Context) {
	connectionsActive.Inc()
	defer connectionsActive.Dec()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(sessionCtx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.heartbeatLoop(gctx) })
	// conn.ReadMessage ignores context cancellation; an expired read deadline
	// unblocks readLoop when another leg fails, leaving the socket open for
	// shutdown's close frames.
	go func() {
		<-gctx.Done()
		_ = s.conn.SetReadDeadline(time.Now())
	}()

	err := g.Wait()
	s.shutdown(err)
}

func (s *Session) shutdown(cause error) {
	s.once.Do(func() {
		close(s.done)
	})
	s.wg.Wait() // best-effort: let in-flight handlers observe cancellation

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	closed := newConnectionClosed(s.id, reason)
	if payload, err := json.Marshal(closed); err == nil {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		_ = s.conn.WriteMessage(websocket.TextMessage, payload)
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(s.writeTimeout))
	_ = s.conn.Close()

	s.registry.Remove(s.id)
	if s.log != nil {
		s.log.Info("bidi: session closed", logger.String("connection_id", s.id), logger.Error(cause))
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			if s.log != nil {
				s.log.Warn("bidi: dropping unparseable frame", logger.Error(err))
			}
			continue
		}
		messagesReceived.WithLabelValues(env.Type).Inc()

		if err := s.handleFrame(ctx, &env); err != nil {
			return err
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, env *Envelope) error {
	switch env.Type {
	case TypeRequest:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleRequest(ctx, env)
		}()
	case TypeResponse:
		// This connection never issued a request of its own (server-to-client
		// calls are unwired future work per spec's open question); an
		// unexpected response is logged and dropped.
		if s.log != nil {
			s.log.Debug("bidi: dropping unexpected response frame", logger.Any("id", env.ID))
		}
	case TypeServerNotification, TypeBroadcast, TypeConnectionEstablished, TypeConnectionClosed:
		// Server/application-initiated only; silently ignored inbound.
	case TypeSubscribe:
		for _, topic := range env.Topics {
			_ = s.registry.Subscribe(s.id, topic)
		}
	case TypeUnsubscribe:
		for _, topic := range env.Topics {
			_ = s.registry.Unsubscribe(s.id, topic)
		}
	case TypePing:
		select {
		case s.send <- pongFrame:
		case <-s.done:
		}
	case TypePong:
		s.mu.Lock()
		s.missedPongs = 0
		s.mu.Unlock()
	default:
		if s.log != nil {
			s.log.Warn("bidi: unknown frame type", logger.String("type", env.Type))
		}
	}
	return nil
}

func (s *Session) handleRequest(ctx context.Context, env *Envelope) {
	rec, ok := s.registry.Get(s.id)
	var principal auth.Principal
	hasPrincipal := false
	if ok {
		if p := rec.Principal(); p != nil {
			principal, hasPrincipal = *p, true
		}
	}

	reqCtx := context.WithValue(ctx, connCtxKey{}, ConnectionContext(s))
	result, invErr := s.dispatcher.Invoke(reqCtx, hasPrincipal, principal, env.Method, env.Params)

	var resp *Envelope
	if invErr != nil {
		if reason, ok := authFailureReason(invErr.Code); ok {
			authFailures.WithLabelValues(reason).Inc()
		}
		resp = newResponse(env.ID, nil, &RPCError{Code: invErr.Code, Message: invErr.Message, Data: invErr.Data})
	} else {
		resp = newResponse(env.ID, result, nil)
	}

	select {
	case s.send <- resp:
	case <-s.done:
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-s.send:
			if !ok {
				return nil
			}
			if err := s.writeEnvelope(env); err != nil {
				return err
			}
		}
	}
}

func (s *Session) writeEnvelope(env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	messagesSent.WithLabelValues(env.Type).Inc()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// heartbeatLoop emits a ping every heartbeatInterval and returns an error
// (tearing the session down) after missedPongLimit consecutive misses.
func (s *Session) heartbeatLoop(ctx context.Context) error {
	if s.heartbeatInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.mu.Lock()
			s.missedPongs++
			missed := s.missedPongs
			s.mu.Unlock()
			if missed > s.missedPongLimit {
				return errHeartbeatTimeout
			}
			select {
			case s.send <- pingFrame:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
