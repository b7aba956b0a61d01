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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sage-x-project/sage/apigen"
	"github.com/sage-x-project/sage/auth"
	"github.com/sage-x-project/sage/bidi"
	"github.com/sage-x-project/sage/connreg"
	"github.com/sage-x-project/sage/internal/logger"
	"github.com/sage-x-project/sage/rpcdesc"
)

// PingParams/PingResult exercise the unauthenticated path: anyone on the
// wire can check the gateway is alive without a session.
type PingParams struct {
	Echo string `json:"echo"`
}

type PingResult struct {
	Echo string `json:"echo"`
	Time string `json:"time"`
}

// WhoAmIResult reports the caller's own principal back to them; it requires
// a session and demonstrates the auth.AnyAuthenticated() requirement.
type WhoAmIResult struct {
	Subject     string   `json:"subject"`
	Permissions []string `json:"permissions"`
}

// BroadcastParams fan a notification out to every connection subscribed to
// Topic; it requires the "broadcast" permission.
type BroadcastParams struct {
	Topic  string          `json:"topic"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type BroadcastResult struct {
	Delivered int `json:"delivered"`
}

// buildServiceDescription declares the gateway's demo service: the
// operations that rpcctl's call/subscribe subcommands exercise against a
// running gateway. A real deployment declares its own
// rpcdesc.ServiceDescription the same way and hands it to wireDispatcher.
func buildServiceDescription() (*rpcdesc.ServiceDescription, error) {
	return rpcdesc.NewService("gateway").
		Method("ping", nil, PingParams{}, PingResult{}).
		Method("whoami", auth.AnyAuthenticated(), nil, WhoAmIResult{}).
		Method("broadcast", auth.PermissionGroups([]string{"broadcast"}), BroadcastParams{}, BroadcastResult{}).
		Build()
}

// wireDispatcher registers the demo service's handlers. registry is used by
// the broadcast method to fan notifications out to subscribed connections.
func wireDispatcher(desc *rpcdesc.ServiceDescription, registry *connreg.Registry, log logger.Logger) (*apigen.Dispatcher, error) {
	return apigen.NewDispatcher(desc).
		Handle("ping", handlePing).
		Handle("whoami", handleWhoAmI).
		Handle("broadcast", broadcastHandler(registry, log)).
		Build()
}

func handlePing(_ context.Context, _ bool, _ auth.Principal, params json.RawMessage) (interface{}, error) {
	var p PingParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode ping params: %w", err)
		}
	}
	return PingResult{Echo: p.Echo, Time: time.Now().UTC().Format(time.RFC3339)}, nil
}

func handleWhoAmI(_ context.Context, hasPrincipal bool, principal auth.Principal, _ json.RawMessage) (interface{}, error) {
	if !hasPrincipal {
		return nil, auth.NewInternal("whoami invoked without a principal")
	}
	return WhoAmIResult{Subject: principal.Subject, Permissions: principal.PermissionList()}, nil
}

func broadcastHandler(registry *connreg.Registry, log logger.Logger) apigen.HandlerFunc {
	return func(_ context.Context, _ bool, _ auth.Principal, params json.RawMessage) (interface{}, error) {
		var p BroadcastParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode broadcast params: %w", err)
		}
		frame, err := bidi.NewBroadcast(p.Topic, p.Method, p.Params, nil)
		if err != nil {
			return nil, err
		}
		n := registry.BroadcastToTopic(p.Topic, frame, func(id string, err error) {
			if log != nil {
				log.Warn("broadcast: drop failed", logger.String("connection_id", id), logger.Error(err))
			}
		})
		return BroadcastResult{Delivered: n}, nil
	}
}
