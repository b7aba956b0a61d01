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

// Package identity defines the pluggable identity-provider contract consumed
// by the session service: a provider verifies an opaque credential payload
// and yields a VerifiedIdentity. Concrete providers (local password, OAuth2
// authorization-code+PKCE) live in subpackages.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Error classifies identity-provider failures.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

// ErrorKind enumerates the stable failure kinds an identity provider can report.
type ErrorKind int

const (
	KindInvalidCredentials ErrorKind = iota
	KindProviderNotFound
	KindProviderError
	KindUnsupportedMethod
	KindInvalidPayload
	KindUserNotFound
)

// NewError builds an Error of the given kind with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ErrInvalidCredentials is returned when a credential payload fails verification.
var ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials, Message: "invalid credentials"}

// Is supports errors.Is comparisons by Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// VerifiedIdentity is the transient record produced by a successful Verify
// call. It is consumed immediately by the session service and never persisted
// as-is.
type VerifiedIdentity struct {
	ProviderID  string
	Subject     string
	Email       *string
	DisplayName *string
	Metadata    json.RawMessage
}

// Provider verifies an opaque credential payload and yields a VerifiedIdentity.
// Each provider owns its own payload schema; callers pass the raw JSON
// unmarshaled into a generic payload and rely on the provider to interpret it.
type Provider interface {
	ProviderID() string
	Verify(ctx context.Context, payload json.RawMessage) (VerifiedIdentity, error)
}

// PermissionSource supplies the permission set granted to a verified
// identity. The session service consults it once per begin_session call.
type PermissionSource interface {
	GetPermissions(ctx context.Context, identity VerifiedIdentity) ([]string, error)
}

// NoopPermissions always returns the empty permission set.
type NoopPermissions struct{}

func (NoopPermissions) GetPermissions(context.Context, VerifiedIdentity) ([]string, error) {
	return nil, nil
}

// StaticPermissions returns the same fixed permission set for every identity.
type StaticPermissions struct {
	Permissions []string
}

func NewStaticPermissions(permissions ...string) StaticPermissions {
	return StaticPermissions{Permissions: permissions}
}

func (s StaticPermissions) GetPermissions(context.Context, VerifiedIdentity) ([]string, error) {
	return s.Permissions, nil
}
