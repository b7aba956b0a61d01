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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sage-x-project/sage/apigen"
)

// authFailureReason maps a dispatch error code to the label used by
// authFailures, for the three auth-related codes worth counting; other
// codes (method-not-found, invalid params, internal) are not auth failures.
func authFailureReason(code int) (string, bool) {
	switch code {
	case apigen.CodeAuthenticationRequired:
		return "authentication_required", true
	case apigen.CodeInsufficientPermissions:
		return "insufficient_permissions", true
	case apigen.CodeTokenExpired:
		return "token_expired", true
	default:
		return "", false
	}
}

const namespace = "rpcgw_bidi"

var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "connections",
		Name:      "active",
		Help:      "Number of currently open bidirectional WebSocket sessions.",
	})
	connectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connections",
		Name:      "opened_total",
		Help:      "Total bidirectional sessions accepted, by authentication outcome.",
	}, []string{"auth"})
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "messages",
		Name:      "received_total",
		Help:      "Inbound frames processed, by frame type.",
	}, []string{"frame_type"})
	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "messages",
		Name:      "sent_total",
		Help:      "Outbound frames enqueued, by frame type.",
	}, []string{"frame_type"})
	authFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "failures_total",
		Help:      "Authentication/permission failures observed during dispatch.",
	}, []string{"reason"})
	reconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "reconnect_attempts_total",
		Help:      "Client reconnect attempts, by outcome.",
	}, []string{"outcome"})
)
