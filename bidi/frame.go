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

// Package bidi is the bidirectional JSON-RPC transport (C6 server session,
// C7 client runtime): a full-duplex session over one WebSocket carrying
// client->server calls, server->client notifications, and topic broadcasts,
// with per-connection auth, subscription routing, pending-request
// correlation, heartbeats, and client-side reconnection.
package bidi

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminators (wire §6, snake_case).
const (
	TypeRequest               = "request"
	TypeResponse              = "response"
	TypeServerNotification    = "server_notification"
	TypeBroadcast             = "broadcast"
	TypeSubscribe             = "subscribe"
	TypeUnsubscribe           = "unsubscribe"
	TypeConnectionEstablished = "connection_established"
	TypeConnectionClosed      = "connection_closed"
	TypePing                  = "ping"
	TypePong                  = "pong"
)

// RPCError is the JSON-RPC 2.0 error object, extended with this project's
// authentication error codes (see apigen.Code*).
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    interface{}     `json:"data,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// Envelope is the single wire shape carrying every frame variant in §6. Only
// the fields relevant to Type are populated; the rest are omitted from the
// JSON encoding by their omitempty tags.
type Envelope struct {
	Type string `json:"type"`

	// request / response
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`

	// broadcast
	Topic string `json:"topic,omitempty"`

	// subscribe / unsubscribe
	Topics []string `json:"topics,omitempty"`

	// connection_established / connection_closed
	ConnectionID string `json:"connection_id,omitempty"`
	Reason       string `json:"reason,omitempty"`

	// server_notification / broadcast
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func newRequest(id json.RawMessage, method string, params json.RawMessage) *Envelope {
	return &Envelope{Type: TypeRequest, JSONRPC: "2.0", Method: method, Params: params, ID: id}
}

func newResponse(id json.RawMessage, result json.RawMessage, rpcErr *RPCError) *Envelope {
	return &Envelope{Type: TypeResponse, JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
}

func newServerNotification(method string, params, metadata json.RawMessage) *Envelope {
	return &Envelope{Type: TypeServerNotification, Method: method, Params: params, Metadata: metadata}
}

func newBroadcast(topic, method string, params, metadata json.RawMessage) *Envelope {
	return &Envelope{Type: TypeBroadcast, Topic: topic, Method: method, Params: params, Metadata: metadata}
}

func newSubscribe(topics []string) *Envelope {
	return &Envelope{Type: TypeSubscribe, Topics: topics}
}

func newUnsubscribe(topics []string) *Envelope {
	return &Envelope{Type: TypeUnsubscribe, Topics: topics}
}

func newConnectionEstablished(id string) *Envelope {
	return &Envelope{Type: TypeConnectionEstablished, ConnectionID: id}
}

func newConnectionClosed(id, reason string) *Envelope {
	return &Envelope{Type: TypeConnectionClosed, ConnectionID: id, Reason: reason}
}

var pingFrame = &Envelope{Type: TypePing}
var pongFrame = &Envelope{Type: TypePong}

// NewBroadcast builds a broadcast frame ready to hand to
// connreg.Registry.BroadcastToTopic. method/params/metadata are marshaled to
// JSON; a nil metadata is omitted from the wire frame.
func NewBroadcast(topic, method string, params, metadata interface{}) (*Envelope, error) {
	encodedParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("bidi: encode broadcast params: %w", err)
	}
	encodedMetadata, err := encodeOptionalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	return newBroadcast(topic, method, encodedParams, encodedMetadata), nil
}

// NewServerNotification builds an application-initiated notification frame
// ready to hand to connreg.Registry.SendTo.
func NewServerNotification(method string, params, metadata interface{}) (*Envelope, error) {
	encodedParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("bidi: encode notification params: %w", err)
	}
	encodedMetadata, err := encodeOptionalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	return newServerNotification(method, encodedParams, encodedMetadata), nil
}

func encodeOptionalMetadata(metadata interface{}) (json.RawMessage, error) {
	if metadata == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("bidi: encode metadata: %w", err)
	}
	return encoded, nil
}
