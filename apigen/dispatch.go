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

// Package apigen is the description-to-API generator (C8): given a
// rpcdesc.ServiceDescription, it builds a validated server dispatch table, a
// generic typed client call helper, and OpenRPC/OpenAPI documents (see
// docs.go).
package apigen

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sage-x-project/sage/auth"
	"github.com/sage-x-project/sage/rpcdesc"
)

// Stable JSON-RPC error codes, per the 2.0 convention plus this project's
// extensions.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeApplication    = -32000

	CodeAuthenticationRequired  = -32001
	CodeInsufficientPermissions = -32002
	CodeTokenExpired            = -32003
)

// InvokeError is the error shape Invoke returns; Code is the wire-stable
// JSON-RPC error code, Data is attached verbatim to the response's error
// object (e.g. {required, has} for CodeInsufficientPermissions).
type InvokeError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *InvokeError) Error() string { return e.Message }

func errFromAuth(err error) *InvokeError {
	var authErr *auth.Error
	if !asAuthError(err, &authErr) {
		return &InvokeError{Code: CodeInternal, Message: "internal error"}
	}
	switch authErr.Kind {
	case auth.KindAuthenticationRequired:
		return &InvokeError{Code: CodeAuthenticationRequired, Message: authErr.Error()}
	case auth.KindInsufficientPermissions:
		return &InvokeError{
			Code:    CodeInsufficientPermissions,
			Message: authErr.Error(),
			Data:    map[string]interface{}{"required": authErr.Required, "has": authErr.Has},
		}
	case auth.KindTokenExpired:
		return &InvokeError{Code: CodeTokenExpired, Message: authErr.Error()}
	case auth.KindInternal:
		return &InvokeError{Code: CodeInternal, Message: "internal error"}
	default:
		return &InvokeError{Code: CodeInvalidRequest, Message: authErr.Error()}
	}
}

func asAuthError(err error, target **auth.Error) bool {
	ae, ok := err.(*auth.Error)
	if !ok {
		return false
	}
	*target = ae
	return true
}

// HandlerFunc implements one method declared in a ServiceDescription.
// principal is the zero value and hasPrincipal is false when the caller is
// unauthenticated. params is the raw JSON params value (decode it yourself,
// typically via json.Unmarshal into the method's ParamsType); the returned
// value is marshaled as the response result.
type HandlerFunc func(ctx context.Context, hasPrincipal bool, principal auth.Principal, params json.RawMessage) (interface{}, error)

// Dispatcher is the built, traffic-ready server dispatch table for one
// service description: method name -> (auth check, handler invocation,
// result encoding). Build it with NewDispatcher then Build.
type Dispatcher struct {
	desc     *rpcdesc.ServiceDescription
	handlers map[string]HandlerFunc
}

// DispatcherBuilder accumulates handler registrations for desc's methods.
type DispatcherBuilder struct {
	desc     *rpcdesc.ServiceDescription
	handlers map[string]HandlerFunc
}

// NewDispatcher starts a DispatcherBuilder for desc.
func NewDispatcher(desc *rpcdesc.ServiceDescription) *DispatcherBuilder {
	return &DispatcherBuilder{desc: desc, handlers: make(map[string]HandlerFunc)}
}

// Handle registers the handler for a declared method name. Registering a
// name not present in the description is harmless; Build only checks that
// every declared method has a handler, not the converse.
func (b *DispatcherBuilder) Handle(method string, handler HandlerFunc) *DispatcherBuilder {
	b.handlers[method] = handler
	return b
}

// Build validates that every method in the description has a registered
// handler (P-BUILD-COMPLETE) and returns the ready-to-serve Dispatcher.
// It never silently defaults a missing handler.
func (b *DispatcherBuilder) Build() (*Dispatcher, error) {
	var missing []string
	for _, m := range b.desc.Methods {
		if _, ok := b.handlers[m.Name]; !ok {
			missing = append(missing, m.Name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("apigen: missing handler(s) for method(s): %v", missing)
	}
	return &Dispatcher{desc: b.desc, handlers: b.handlers}, nil
}

// Invoke looks up method, checks its declared auth requirement against the
// caller's principal, and — on success — invokes the registered handler.
// On any failure it returns a *InvokeError carrying a stable wire code.
// Params are passed to the handler undecoded, so a decoding failure inside
// the handler is reported like any other handler error. A handler error that
// is not an *auth.Error becomes CodeApplication with a generic message
// (P-REDACT); the original error is discarded here and is neither returned
// to the caller nor logged.
func (d *Dispatcher) Invoke(ctx context.Context, hasPrincipal bool, principal auth.Principal, method string, params json.RawMessage) (json.RawMessage, *InvokeError) {
	desc, ok := d.desc.Method(method)
	if !ok {
		return nil, &InvokeError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", method)}
	}

	if err := auth.CheckPermissions(hasPrincipal, principal, desc.Auth); err != nil {
		return nil, errFromAuth(err)
	}

	handler := d.handlers[method]
	result, err := handler(ctx, hasPrincipal, principal, params)
	if err != nil {
		if ae, ok := err.(*auth.Error); ok {
			return nil, errFromAuth(ae)
		}
		return nil, &InvokeError{Code: CodeApplication, Message: "internal server error"}
	}

	if result == nil {
		return json.RawMessage(`null`), nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, &InvokeError{Code: CodeInternal, Message: "internal server error"}
	}
	return encoded, nil
}

// Description returns the service description this dispatcher was built from.
func (d *Dispatcher) Description() *rpcdesc.ServiceDescription { return d.desc }
