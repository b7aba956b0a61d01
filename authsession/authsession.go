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

// Package authsession mints and validates the signed bearer tokens that carry
// a verified identity's permissions across every transport. A Service wraps
// one or more identity.Provider instances behind a provider id and keeps an
// active-session index so a token can be revoked before its exp claim lapses.
package authsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sage-x-project/sage/auth"
	"github.com/sage-x-project/sage/identity"
)

// Claims is the JWT payload minted by BeginSession and checked by
// VerifySession. Permissions is carried as a plain slice on the wire; callers
// needing set semantics use auth.NewPrincipal.
type Claims struct {
	Subject     string          `json:"sub"`
	IssuedAt    int64           `json:"iat"`
	ExpiresAt   int64           `json:"exp"`
	SessionID   string          `json:"jti"`
	ProviderID  string          `json:"provider_id"`
	Email       *string         `json:"email,omitempty"`
	DisplayName *string         `json:"display_name,omitempty"`
	Permissions []string        `json:"permissions"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

func (c Claims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.ExpiresAt, 0)), nil
}
func (c Claims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}
func (c Claims) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }
func (c Claims) GetIssuer() (string, error)              { return "", nil }
func (c Claims) GetSubject() (string, error)             { return c.Subject, nil }
func (c Claims) GetAudience() (jwt.ClaimStrings, error)   { return nil, nil }

// Config tunes the session service's token minting.
type Config struct {
	// Secret signs and verifies tokens. Must be non-empty; the service does
	// not generate one for you.
	Secret []byte
	// TTL is how long a minted token remains valid.
	TTL time.Duration
}

// DefaultConfig returns a 24h TTL HS256 configuration. Secret is left empty
// and must be set by the caller before use.
func DefaultConfig() Config {
	return Config{TTL: 24 * time.Hour}
}

// ErrSessionNotFound is returned by VerifySession when the token's jti is
// structurally valid and unexpired but absent from the active-session index
// (already ended, or minted by a different service instance).
var ErrSessionNotFound = errors.New("authsession: session not found")

// Service registers identity providers, mints bearer tokens on successful
// verification, and validates them against both signature and the active
// session index (P-REVOKE: ending a session invalidates its token
// immediately, before exp).
type Service struct {
	cfg         Config
	mu          sync.RWMutex
	providers   map[string]identity.Provider
	active      map[string]Claims // keyed by jti
	permissions identity.PermissionSource
}

// New builds a Service. cfg.Secret must be non-empty.
func New(cfg Config) (*Service, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("authsession: secret must not be empty")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Service{
		cfg:         cfg,
		providers:   make(map[string]identity.Provider),
		active:      make(map[string]Claims),
		permissions: identity.NoopPermissions{},
	}, nil
}

// WithPermissions sets the source consulted once per BeginSession call to
// populate the token's permissions claim.
func (s *Service) WithPermissions(source identity.PermissionSource) *Service {
	s.permissions = source
	return s
}

// RegisterProvider makes an identity.Provider available to BeginSession under
// provider.ProviderID(). Registering again under the same id replaces it.
func (s *Service) RegisterProvider(provider identity.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[provider.ProviderID()] = provider
}

// BeginSession verifies authPayload against the named provider and, on
// success, mints a signed bearer token and records it in the active-session
// index.
func (s *Service) BeginSession(ctx context.Context, providerID string, authPayload json.RawMessage) (string, error) {
	s.mu.RLock()
	provider, ok := s.providers[providerID]
	s.mu.RUnlock()
	if !ok {
		return "", identity.NewError(identity.KindProviderNotFound, "identity provider %q not registered", providerID)
	}

	verified, err := provider.Verify(ctx, authPayload)
	if err != nil {
		return "", err
	}

	permissions, err := s.permissions.GetPermissions(ctx, verified)
	if err != nil {
		return "", identity.NewError(identity.KindProviderError, "get permissions: %v", err)
	}

	now := time.Now()
	claims := Claims{
		Subject:     verified.Subject,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(s.cfg.TTL).Unix(),
		SessionID:   uuid.NewString(),
		ProviderID:  verified.ProviderID,
		Email:       verified.Email,
		DisplayName: verified.DisplayName,
		Permissions: permissions,
		Metadata:    verified.Metadata,
	}

	s.mu.Lock()
	s.active[claims.SessionID] = claims
	s.mu.Unlock()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.cfg.Secret)
	if err != nil {
		s.mu.Lock()
		delete(s.active, claims.SessionID)
		s.mu.Unlock()
		return "", auth.NewInternal("sign session token: %v", err)
	}

	return signed, nil
}

// VerifySession validates tokenString's signature and exp claim, then
// confirms its jti is still present in the active-session index (P-REVOKE).
// P-TOKEN-ROUNDTRIP: a token from BeginSession always verifies here until
// EndSession removes it or it expires.
func (s *Service) VerifySession(tokenString string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.cfg.Secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, auth.ErrTokenExpired
		}
		return Claims{}, auth.ErrInvalidToken
	}
	if !token.Valid {
		return Claims{}, auth.ErrInvalidToken
	}

	s.mu.RLock()
	_, ok := s.active[claims.SessionID]
	s.mu.RUnlock()
	if !ok {
		return Claims{}, ErrSessionNotFound
	}

	return claims, nil
}

// EndSession removes jti from the active-session index, so any token
// carrying it fails VerifySession from this point on (P-REVOKE). It returns
// the claims that were active under jti, or false if the session was already
// gone (ending an unknown session is a no-op, not an error).
func (s *Service) EndSession(jti string) (Claims, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claims, ok := s.active[jti]
	delete(s.active, jti)
	return claims, ok
}

// Authenticate implements auth.Verifier: a convenience adapter so transports
// that only need "is this token valid, and for whom" can depend on the
// narrower auth.Verifier interface instead of the full Service.
func (s *Service) Authenticate(token string) (auth.Principal, error) {
	claims, err := s.VerifySession(token)
	if err != nil {
		return auth.Principal{}, err
	}
	return claimsToPrincipal(claims), nil
}

func claimsToPrincipal(c Claims) auth.Principal {
	metadata := map[string]interface{}{}
	if len(c.Metadata) > 0 {
		_ = json.Unmarshal(c.Metadata, &metadata)
	}
	return auth.NewPrincipal(c.Subject, c.Permissions, metadata)
}
