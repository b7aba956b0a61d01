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

// Package pg implements storage.UserStore and storage.OAuth2StateStore on top
// of PostgreSQL via pgx's connection pool. Both stores create their own table
// on first use so a deployment needs nothing beyond a reachable database.
package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sage-x-project/sage/internal/logger"
	"github.com/sage-x-project/sage/storage"
)

// UserStore persists storage.LocalUser rows in a `rpc_local_users` table.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore connects to connURL and ensures the backing table exists.
func NewUserStore(ctx context.Context, connURL string) (*UserStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pg user store connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg user store ping: %w", err)
	}

	s := &UserStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg user store migrate: %w", err)
	}

	logger.Info("pg user store initialized")
	return s, nil
}

func (s *UserStore) migrate(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS rpc_local_users (
			username      TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			email         TEXT,
			display_name  TEXT,
			metadata      JSONB NOT NULL DEFAULT '{}'
		);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// Close releases the underlying connection pool.
func (s *UserStore) Close() { s.pool.Close() }

// Ping checks connectivity to the backing database, for use by a
// health.DatabaseHealthCheck.
func (s *UserStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *UserStore) Get(ctx context.Context, username string) (storage.LocalUser, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT username, password_hash, email, display_name, metadata
		FROM rpc_local_users WHERE username = $1`, username)

	var u storage.LocalUser
	if err := row.Scan(&u.Username, &u.PasswordHash, &u.Email, &u.DisplayName, &u.Metadata); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.LocalUser{}, storage.ErrNotFound
		}
		return storage.LocalUser{}, fmt.Errorf("pg user store get: %w", err)
	}
	return u, nil
}

func (s *UserStore) Put(ctx context.Context, user storage.LocalUser) error {
	metadata := user.Metadata
	if metadata == nil {
		metadata = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rpc_local_users (username, password_hash, email, display_name, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (username) DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			metadata = EXCLUDED.metadata`,
		user.Username, user.PasswordHash, user.Email, user.DisplayName, metadata)
	if err != nil {
		return fmt.Errorf("pg user store put: %w", err)
	}
	return nil
}

func (s *UserStore) Delete(ctx context.Context, username string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM rpc_local_users WHERE username = $1`, username)
	if err != nil {
		return fmt.Errorf("pg user store delete: %w", err)
	}
	return nil
}

// OAuth2StateStore persists storage.OAuth2State rows in a `rpc_oauth2_state`
// table, so a pending authorization-code+PKCE attempt survives a gateway
// restart during the redirect round trip.
type OAuth2StateStore struct {
	pool *pgxpool.Pool
}

// NewOAuth2StateStore connects to connURL and ensures the backing table exists.
func NewOAuth2StateStore(ctx context.Context, connURL string) (*OAuth2StateStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pg oauth2 state store connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg oauth2 state store ping: %w", err)
	}

	s := &OAuth2StateStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg oauth2 state store migrate: %w", err)
	}

	logger.Info("pg oauth2 state store initialized")
	return s, nil
}

func (s *OAuth2StateStore) migrate(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS rpc_oauth2_state (
			state         TEXT PRIMARY KEY,
			provider_id   TEXT NOT NULL,
			redirect_uri  TEXT NOT NULL,
			code_verifier TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			expires_at    TIMESTAMPTZ NOT NULL,
			metadata      JSONB NOT NULL DEFAULT '{}'
		);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// Close releases the underlying connection pool.
func (s *OAuth2StateStore) Close() { s.pool.Close() }

func (s *OAuth2StateStore) Store(ctx context.Context, state storage.OAuth2State) error {
	metadata := state.Metadata
	if metadata == nil {
		metadata = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rpc_oauth2_state (state, provider_id, redirect_uri, code_verifier, created_at, expires_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (state) DO UPDATE SET
			provider_id = EXCLUDED.provider_id,
			redirect_uri = EXCLUDED.redirect_uri,
			code_verifier = EXCLUDED.code_verifier,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			metadata = EXCLUDED.metadata`,
		state.State, state.ProviderID, state.RedirectURI, state.CodeVerifier,
		state.CreatedAt, state.ExpiresAt, metadata)
	if err != nil {
		return fmt.Errorf("pg oauth2 state store put: %w", err)
	}
	return nil
}

// Retrieve is destructive: the row is deleted in the same transaction it is
// read from, per P-STATE-TTL (an authorization code can be redeemed once).
func (s *OAuth2StateStore) Retrieve(ctx context.Context, state string) (storage.OAuth2State, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storage.OAuth2State{}, fmt.Errorf("pg oauth2 state store retrieve: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT state, provider_id, redirect_uri, code_verifier, created_at, expires_at, metadata
		FROM rpc_oauth2_state WHERE state = $1`, state)

	var out storage.OAuth2State
	if err := row.Scan(&out.State, &out.ProviderID, &out.RedirectURI, &out.CodeVerifier,
		&out.CreatedAt, &out.ExpiresAt, &out.Metadata); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.OAuth2State{}, storage.ErrNotFound
		}
		return storage.OAuth2State{}, fmt.Errorf("pg oauth2 state store retrieve: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM rpc_oauth2_state WHERE state = $1`, state); err != nil {
		return storage.OAuth2State{}, fmt.Errorf("pg oauth2 state store retrieve: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.OAuth2State{}, fmt.Errorf("pg oauth2 state store retrieve: %w", err)
	}

	if out.IsExpired(time.Now()) {
		return storage.OAuth2State{}, storage.ErrNotFound
	}
	return out, nil
}

func (s *OAuth2StateStore) CleanupExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rpc_oauth2_state WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("pg oauth2 state store cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
