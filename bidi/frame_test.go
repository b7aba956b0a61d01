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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/sage/apigen"
)

// TestEnvelope_RoundTrip covers every wire frame variant named in spec §6:
// each must serialize and deserialize to an equal value.
func TestEnvelope_RoundTrip(t *testing.T) {
	cases := []*Envelope{
		newRequest(json.RawMessage(`1`), "echo", json.RawMessage(`{"msg":"hi"}`)),
		newResponse(json.RawMessage(`1`), json.RawMessage(`{"msg":"hi"}`), nil),
		newResponse(json.RawMessage(`1`), nil, &RPCError{Code: apigen.CodeMethodNotFound, Message: "not found"}),
		newServerNotification("tick", json.RawMessage(`{}`), nil),
		newBroadcast("room_1", "message", json.RawMessage(`{"text":"x"}`), nil),
		newSubscribe([]string{"room_1", "room_2"}),
		newUnsubscribe([]string{"room_1"}),
		newConnectionEstablished("conn-1"),
		newConnectionClosed("conn-1", "bye"),
		pingFrame,
		pongFrame,
	}

	for _, want := range cases {
		payload, err := json.Marshal(want)
		require.NoError(t, err)

		var got Envelope
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, *want, got)
	}
}

func TestEnvelope_TypeDiscriminatorIsSnakeCase(t *testing.T) {
	env := newServerNotification("x", json.RawMessage(`{}`), nil)
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"type":"server_notification"`)
}

func TestNewBroadcast_EncodesParamsAndMetadata(t *testing.T) {
	env, err := NewBroadcast("room_1", "message", map[string]string{"text": "x"}, map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, TypeBroadcast, env.Type)
	assert.JSONEq(t, `{"text":"x"}`, string(env.Params))
	assert.JSONEq(t, `{"k":"v"}`, string(env.Metadata))
}

func TestNewServerNotification_NilMetadataOmitted(t *testing.T) {
	env, err := NewServerNotification("tick", map[string]int{"n": 1}, nil)
	require.NoError(t, err)
	assert.Nil(t, env.Metadata)
}
