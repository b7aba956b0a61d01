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
	"errors"
	"fmt"
)

// Server-side errors.
var (
	// ErrUnauthorized is returned by Session.Enqueue when it is handed a
	// frame that is not an *Envelope. The upgrade handler does not return
	// it: a missing or failing bearer token is answered with HTTP 401.
	ErrUnauthorized = errors.New("bidi: unauthorized")
)

// Client-side errors (C7).
var (
	// ErrNotConnected is returned by Call/Notify whenever the client has no
	// live connection (before Connect, while reconnecting, or after
	// reconnection is exhausted), and is delivered to every call still
	// pending when a connection drops.
	ErrNotConnected = errors.New("bidi: not connected")
	// ErrTimeout is returned by Call when the configured request timeout
	// elapses before a matching response arrives.
	ErrTimeout = errors.New("bidi: call timed out")
	// ErrReconnectionFailed is surfaced (as ReconnectionFailedEvent.Err)
	// after the reconnect policy's max_attempts consecutive failures.
	ErrReconnectionFailed = errors.New("bidi: reconnection failed")
	// ErrAuthenticationFailed marks a connect-time authentication failure;
	// per spec §4.7 this is terminal and never triggers reconnect.
	ErrAuthenticationFailed = errors.New("bidi: authentication failed")
	// ErrClosed is returned by Call/Notify after an explicit Disconnect. It
	// wraps ErrNotConnected, so errors.Is matches either.
	ErrClosed = fmt.Errorf("%w: client closed", ErrNotConnected)
)

// errHeartbeatTimeout tears a server session down after missedPongLimit
// consecutive missed pongs (spec §4.6 heartbeat task, scenario 6).
var errHeartbeatTimeout = errors.New("bidi: heartbeat timeout")

// CallError wraps a JSON-RPC error response returned by the server to a
// client Call.
type CallError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *CallError) Error() string { return e.Message }
