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

// Package local implements the username/password identity provider: an
// argon2id-hashed credential store behind the identity.Provider contract.
package local

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/sage-x-project/sage/identity"
	"github.com/sage-x-project/sage/storage"
)

// Params tunes the argon2id cost. Defaults match the argon2 package's own
// recommendation for interactive login (64 MiB, single pass, 4 lanes).
type Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams returns the provider's default argon2id cost parameters.
func DefaultParams() Params {
	return Params{
		Memory:      64 * 1024,
		Iterations:  1,
		Parallelism: 4,
		SaltLength:  16,
		KeyLength:   32,
	}
}

const providerID = "local"

// authPayload is the JSON shape Verify expects.
type authPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Provider is the local username/password identity.Provider. It stores
// credentials through a storage.UserStore so a deployment can back it with
// Postgres instead of the in-memory default.
type Provider struct {
	store  storage.UserStore
	params Params
}

// New builds a Provider over the given UserStore.
func New(store storage.UserStore) *Provider {
	return &Provider{store: store, params: DefaultParams()}
}

// NewWithParams builds a Provider with non-default argon2id cost parameters.
func NewWithParams(store storage.UserStore, params Params) *Provider {
	return &Provider{store: store, params: params}
}

func (p *Provider) ProviderID() string { return providerID }

// AddUser hashes password and stores a new LocalUser record, overwriting any
// existing record for the same username.
func (p *Provider) AddUser(ctx context.Context, username, password string, email, displayName *string) error {
	hash, err := p.hashPassword(password)
	if err != nil {
		return identity.NewError(identity.KindProviderError, "hash password: %v", err)
	}

	user := storage.LocalUser{
		Username:     username,
		PasswordHash: hash,
		Email:        email,
		DisplayName:  displayName,
	}
	if err := p.store.Put(ctx, user); err != nil {
		return identity.NewError(identity.KindProviderError, "store user: %v", err)
	}
	return nil
}

// RemoveUser deletes a user record. It is not an error to remove an absent user.
func (p *Provider) RemoveUser(ctx context.Context, username string) error {
	if err := p.store.Delete(ctx, username); err != nil {
		return identity.NewError(identity.KindProviderError, "delete user: %v", err)
	}
	return nil
}

// Verify decodes payload as a username/password pair and checks it against
// the stored argon2id hash in constant time.
func (p *Provider) Verify(ctx context.Context, payload json.RawMessage) (identity.VerifiedIdentity, error) {
	var creds authPayload
	if err := json.Unmarshal(payload, &creds); err != nil {
		return identity.VerifiedIdentity{}, identity.NewError(identity.KindInvalidPayload, "decode local auth payload: %v", err)
	}

	user, err := p.store.Get(ctx, creds.Username)
	if err != nil {
		if err == storage.ErrNotFound {
			return identity.VerifiedIdentity{}, identity.NewError(identity.KindUserNotFound, "user %q not found", creds.Username)
		}
		return identity.VerifiedIdentity{}, identity.NewError(identity.KindProviderError, "load user: %v", err)
	}

	ok, err := verifyPassword(creds.Password, user.PasswordHash)
	if err != nil {
		return identity.VerifiedIdentity{}, identity.NewError(identity.KindProviderError, "parse password hash: %v", err)
	}
	if !ok {
		return identity.VerifiedIdentity{}, identity.ErrInvalidCredentials
	}

	return identity.VerifiedIdentity{
		ProviderID:  providerID,
		Subject:     user.Username,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Metadata:    user.Metadata,
	}, nil
}

func (p *Provider) hashPassword(password string) (string, error) {
	salt := make([]byte, p.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	key := argon2.IDKey([]byte(password), salt, p.params.Iterations, p.params.Memory, p.params.Parallelism, p.params.KeyLength)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.params.Memory, p.params.Iterations, p.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key))
	return encoded, nil
}

// verifyPassword re-derives the key under the hash's own recorded parameters
// and compares in constant time, so a timing side channel cannot leak how
// many leading bytes matched.
func verifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("unrecognized hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, err
	}

	var memory uint32
	var iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, err
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, err
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, err
	}

	got := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
