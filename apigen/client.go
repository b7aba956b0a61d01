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

package apigen

import (
	"context"
	"encoding/json"
)

// Caller is satisfied by any client runtime capable of a single JSON-RPC
// round trip: bidi.Client and a plain JSON-RPC-over-HTTP client both
// qualify. Call returns the raw result bytes or an error describing either a
// transport failure or a server-reported JSON-RPC error.
type Caller interface {
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
}

// Call is the typed client facade promised by a service description: one
// generic call per method, matching the method's declared params/result
// types without per-method generated code. Go lacks per-method named
// bindings without code generation, so Call stands in for "the typed
// client exposes one call per method" — every call site still names its
// method and result type explicitly.
func Call[R any](ctx context.Context, caller Caller, method string, params interface{}) (R, error) {
	var zero R
	raw, err := caller.Call(ctx, method, params)
	if err != nil {
		return zero, err
	}
	var result R
	if len(raw) == 0 || string(raw) == "null" {
		return zero, nil
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return zero, err
	}
	return result, nil
}
