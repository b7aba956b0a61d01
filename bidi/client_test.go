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
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/sage/apigen"
	"github.com/sage-x-project/sage/auth"
	"github.com/sage-x-project/sage/connreg"
	"github.com/sage-x-project/sage/rpcdesc"
)

type echoParams struct {
	Msg string `json:"msg"`
}

type echoResult struct {
	Msg string `json:"msg"`
}

// stubVerifier accepts exactly one bearer token and maps it to a fixed
// principal; any other token fails.
type stubVerifier struct {
	token     string
	principal auth.Principal
}

func (v stubVerifier) Authenticate(token string) (auth.Principal, error) {
	if token != v.token {
		return auth.Principal{}, auth.ErrInvalidToken
	}
	return v.principal, nil
}

func newEchoServer(t *testing.T, registry *connreg.Registry, cfg ServerConfig) (*httptest.Server, string) {
	t.Helper()

	desc, err := rpcdesc.NewService("test").
		Method("echo", auth.None, echoParams{}, echoResult{}).
		Build()
	require.NoError(t, err)

	dispatcher, err := apigen.NewDispatcher(desc).
		Handle("echo", func(_ context.Context, _ bool, _ auth.Principal, params json.RawMessage) (interface{}, error) {
			var p echoParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return echoResult{Msg: p.Msg}, nil
		}).
		Build()
	require.NoError(t, err)

	srv := NewServer(dispatcher, registry, nil, nil, cfg)
	ts := httptest.NewServer(srv)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return ts, wsURL
}

func TestComputeBackoff_WithinJitterBounds(t *testing.T) {
	policy := ReconnectPolicy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		JitterRatio:  0.2,
	}
	for attempt := 0; attempt < 8; attempt++ {
		base := float64(policy.InitialDelay) * pow(policy.Multiplier, attempt)
		if base > float64(policy.MaxDelay) {
			base = float64(policy.MaxDelay)
		}
		lower := time.Duration(base * (1 - policy.JitterRatio))
		upper := time.Duration(base * (1 + policy.JitterRatio))

		d := computeBackoff(policy, attempt)
		assert.GreaterOrEqual(t, d, lower)
		assert.LessOrEqual(t, d, upper)
	}
}

func TestClient_CallEchoRoundTrip(t *testing.T) {
	registry := connreg.New()
	ts, wsURL := newEchoServer(t, registry, ServerConfig{})
	defer ts.Close()

	client := NewClient(ClientConfig{URL: wsURL, RequestTimeout: 2 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Disconnect()

	raw, err := client.Call(ctx, "echo", echoParams{Msg: "hi"})
	require.NoError(t, err)

	var result echoResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "hi", result.Msg)
}

func TestClient_DisconnectThenCallFailsNotConnected(t *testing.T) {
	registry := connreg.New()
	ts, wsURL := newEchoServer(t, registry, ServerConfig{})
	defer ts.Close()

	client := NewClient(ClientConfig{URL: wsURL, RequestTimeout: 2 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))

	client.Disconnect()

	_, err := client.Call(ctx, "echo", echoParams{Msg: "hi"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestServer_RejectsUpgradeWithoutTokenWhenAuthRequired(t *testing.T) {
	registry := connreg.New()
	ts, wsURL := newEchoServer(t, registry, ServerConfig{RequireAuth: true})
	defer ts.Close()

	client := NewClient(ClientConfig{URL: wsURL, RequestTimeout: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

// TestBroadcast_DeliversOnlyToSubscribedTopic is scenario 5 from spec §8:
// three connections subscribed to room_1 each receive exactly one
// broadcast; a fourth subscribed to room_2 receives none.
func TestBroadcast_DeliversOnlyToSubscribedTopic(t *testing.T) {
	registry := connreg.New()
	ts, wsURL := newEchoServer(t, registry, ServerConfig{})
	defer ts.Close()

	type received struct {
		mu     sync.Mutex
		params []json.RawMessage
	}

	makeSubscriber := func(t *testing.T, topic string) (*Client, *received) {
		c := NewClient(ClientConfig{URL: wsURL, RequestTimeout: 2 * time.Second})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, c.Connect(ctx))

		r := &received{}
		require.NoError(t, c.Subscribe(topic, func(_ string, params json.RawMessage) {
			r.mu.Lock()
			r.params = append(r.params, params)
			r.mu.Unlock()
		}))
		return c, r
	}

	room1Clients := make([]*Client, 3)
	room1Recv := make([]*received, 3)
	for i := range room1Clients {
		room1Clients[i], room1Recv[i] = makeSubscriber(t, "room_1")
		defer room1Clients[i].Disconnect()
	}
	room2Client, room2Recv := makeSubscriber(t, "room_2")
	defer room2Client.Disconnect()

	// Give subscribe frames time to land before broadcasting.
	require.Eventually(t, func() bool {
		return len(registry.IterByTopic("room_1")) == 3 && len(registry.IterByTopic("room_2")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	frame, err := NewBroadcast("room_1", "message", map[string]string{"text": "x"}, nil)
	require.NoError(t, err)
	delivered := registry.BroadcastToTopic("room_1", frame, nil)
	assert.Equal(t, 3, delivered)

	for i, r := range room1Recv {
		require.Eventually(t, func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return len(r.params) == 1
		}, 2*time.Second, 10*time.Millisecond, "room_1 subscriber %d", i)
		r.mu.Lock()
		assert.JSONEq(t, `{"text":"x"}`, string(r.params[0]))
		r.mu.Unlock()
	}

	time.Sleep(100 * time.Millisecond)
	room2Recv.mu.Lock()
	assert.Empty(t, room2Recv.params)
	room2Recv.mu.Unlock()
}
