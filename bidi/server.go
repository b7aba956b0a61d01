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
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sage-x-project/sage/apigen"
	"github.com/sage-x-project/sage/auth"
	"github.com/sage-x-project/sage/connreg"
	"github.com/sage-x-project/sage/internal/logger"
)

// ServerConfig tunes the upgrade handler and the sessions it spawns.
type ServerConfig struct {
	// RequireAuth rejects the upgrade with HTTP 401 when no valid bearer
	// token is presented. When false, a connection may start Unauthenticated
	// and authenticate later via a login RPC (spec §4.6).
	RequireAuth bool
	// HeartbeatInterval is how often the session pings the peer (default 30s).
	HeartbeatInterval time.Duration
	// MissedPongLimit is how many consecutive missed pongs close the session
	// (default 2, per spec §4.6 defaults N=30 M=2).
	MissedPongLimit int
	// SendQueueSize bounds each session's outbound channel (default 64).
	SendQueueSize int
	// ReadBufferSize/WriteBufferSize size the gorilla/websocket upgrader.
	ReadBufferSize, WriteBufferSize int
	// CheckOrigin overrides the upgrader's origin check; defaults to
	// allow-all, matching the donor's own websocket server.
	CheckOrigin func(r *http.Request) bool
}

func (c *ServerConfig) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MissedPongLimit <= 0 {
		c.MissedPongLimit = 2
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 4096
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 4096
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(r *http.Request) bool { return true }
	}
}

// Server is the HTTP upgrade endpoint for the bidirectional transport. It
// owns no session state itself; every live session is tracked in the shared
// connreg.Registry.
type Server struct {
	dispatcher *apigen.Dispatcher
	registry   *connreg.Registry
	verifier   auth.Verifier
	log        logger.Logger
	cfg        ServerConfig
	upgrader   websocket.Upgrader
}

// NewServer builds a Server. verifier may be nil only if cfg.RequireAuth is
// false and no connection will ever present a bearer token at upgrade time.
func NewServer(dispatcher *apigen.Dispatcher, registry *connreg.Registry, verifier auth.Verifier, log logger.Logger, cfg ServerConfig) *Server {
	cfg.setDefaults()
	return &Server{
		dispatcher: dispatcher,
		registry:   registry,
		verifier:   verifier,
		log:        log,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// ExtractBearerToken finds a bearer token in r per spec §6's precedence:
// Authorization header, then a "token."-prefixed WebSocket sub-protocol,
// then X-Auth-Token.
func ExtractBearerToken(r *http.Request) string {
	if hdr := r.Header.Get("Authorization"); strings.HasPrefix(hdr, "Bearer ") {
		return strings.TrimPrefix(hdr, "Bearer ")
	}
	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, "token.") {
			return strings.TrimPrefix(proto, "token.")
		}
	}
	return r.Header.Get("X-Auth-Token")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	return r.RemoteAddr
}

// ServeHTTP upgrades the request to a WebSocket and runs the resulting
// Session until it ends. It authenticates once at upgrade time (spec §4.6);
// per-request authorization is re-checked by apigen.Dispatcher.Invoke on
// every frame.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := ExtractBearerToken(r)

	var principal *auth.Principal
	if token != "" && s.verifier != nil {
		p, err := s.verifier.Authenticate(token)
		if err != nil {
			if s.cfg.RequireAuth {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		} else {
			principal = &p
		}
	} else if s.cfg.RequireAuth {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var responseHeader http.Header
	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, "token.") {
			responseHeader = http.Header{"Sec-WebSocket-Protocol": []string{proto}}
			break
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		if s.log != nil {
			s.log.Warn("bidi: upgrade failed", logger.Error(err))
		}
		return
	}

	id := uuid.NewString()
	metadata := map[string]interface{}{
		"remote_addr": clientIP(r),
		"user_agent":  r.UserAgent(),
		"connected_at": time.Now(),
	}

	sess := newSession(id, conn, s.registry, s.dispatcher, s.log, s.cfg.HeartbeatInterval, s.cfg.MissedPongLimit, s.cfg.SendQueueSize)
	if _, err := s.registry.Add(id, sess, metadata); err != nil {
		_ = conn.Close()
		return
	}
	if principal != nil {
		_ = s.registry.SetPrincipal(id, *principal)
	}

	established := newConnectionEstablished(id)
	if payload, err := json.Marshal(established); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}

	connectionsTotal.WithLabelValues(authOutcome(principal)).Inc()

	sess.Run(r.Context())
}

func authOutcome(p *auth.Principal) string {
	if p != nil {
		return "authenticated"
	}
	return "anonymous"
}
