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

// Package oauth2 implements the authorization-code+PKCE identity provider:
// StartFlow issues an authorization URL and persists the PKCE verifier under
// a random state value; Callback (the identity.Provider.Verify path)
// redeems an authorization code for a verified identity.
package oauth2

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sage-x-project/sage/identity"
	"github.com/sage-x-project/sage/storage"
)

// ProviderConfig describes one OAuth2 identity provider (e.g. "google", "github").
type ProviderConfig struct {
	ProviderID            string
	ClientID              string
	ClientSecret          string
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserinfoEndpoint      string
	RedirectURI           string
	Scopes                []string
	UsePKCE               bool
	HTTPTimeout           time.Duration
	StateTTL              time.Duration
}

// StartFlowPayload is the JSON shape a caller sends to begin an authorization flow.
type StartFlowPayload struct {
	ProviderID string `json:"provider_id"`
}

// StartFlowResult is returned by StartFlow: redirect the user-agent to URL and
// remember State only insofar as it round-trips through the provider's
// redirect — the server never needs to inspect it itself.
type StartFlowResult struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// CallbackPayload is the JSON shape identity.Provider.Verify expects: the
// `code`/`state` pair the OAuth2 provider appended to the redirect URI.
type CallbackPayload struct {
	ProviderID string `json:"provider_id"`
	Code       string `json:"code"`
	State      string `json:"state"`
}

// userInfoResponse accepts both the OpenID Connect `sub` field and the
// legacy Google v1 `id` field for the subject identifier.
type userInfoResponse struct {
	Sub   string `json:"sub"`
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (u userInfoResponse) subject() string {
	if u.Sub != "" {
		return u.Sub
	}
	return u.ID
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

const defaultStateTTL = 10 * time.Minute

// Provider implements identity.Provider for one OAuth2 authorization server.
type Provider struct {
	cfg    ProviderConfig
	states storage.OAuth2StateStore
	http   *http.Client
}

// New builds a Provider. states backs the PKCE verifier / CSRF state between
// StartFlow and Callback; the in-memory default (storage.NewMemoryOAuth2StateStore)
// is sufficient for a single-process deployment.
func New(cfg ProviderConfig, states storage.OAuth2StateStore) *Provider {
	if cfg.StateTTL == 0 {
		cfg.StateTTL = defaultStateTTL
	}
	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Provider{
		cfg:    cfg,
		states: states,
		http:   &http.Client{Timeout: timeout},
	}
}

func (p *Provider) ProviderID() string { return p.cfg.ProviderID }

// StartFlow generates (optionally) a PKCE verifier/challenge pair, persists
// the pending attempt under a random state value, and returns the
// authorization URL the caller should redirect the user-agent to.
func (p *Provider) StartFlow(ctx context.Context) (StartFlowResult, error) {
	state := uuid.NewString()
	verifier := ""
	challenge := ""
	method := ""
	if p.cfg.UsePKCE {
		var err error
		verifier, err = generateCodeVerifier()
		if err != nil {
			return StartFlowResult{}, identity.NewError(identity.KindProviderError, "generate pkce verifier: %v", err)
		}
		challenge = challengeFromVerifier(verifier)
		method = "S256"
	}

	now := time.Now()
	entry := storage.OAuth2State{
		State:        state,
		ProviderID:   p.cfg.ProviderID,
		RedirectURI:  p.cfg.RedirectURI,
		CodeVerifier: verifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(p.cfg.StateTTL),
	}
	if err := p.states.Store(ctx, entry); err != nil {
		return StartFlowResult{}, identity.NewError(identity.KindProviderError, "store oauth2 state: %v", err)
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", p.cfg.ClientID)
	q.Set("redirect_uri", p.cfg.RedirectURI)
	q.Set("state", state)
	if len(p.cfg.Scopes) > 0 {
		q.Set("scope", strings.Join(p.cfg.Scopes, " "))
	}
	if challenge != "" {
		q.Set("code_challenge", challenge)
		q.Set("code_challenge_method", method)
	}

	return StartFlowResult{
		URL:   p.cfg.AuthorizationEndpoint + "?" + q.Encode(),
		State: state,
	}, nil
}

// Verify redeems payload's authorization code for an access token and fetches
// the provider's userinfo endpoint to build a VerifiedIdentity.
func (p *Provider) Verify(ctx context.Context, payload json.RawMessage) (identity.VerifiedIdentity, error) {
	var cb CallbackPayload
	if err := json.Unmarshal(payload, &cb); err != nil {
		return identity.VerifiedIdentity{}, identity.NewError(identity.KindInvalidPayload, "decode oauth2 callback payload: %v", err)
	}

	entry, err := p.states.Retrieve(ctx, cb.State)
	if err != nil {
		if err == storage.ErrNotFound {
			return identity.VerifiedIdentity{}, identity.NewError(identity.KindInvalidPayload, "unknown or expired oauth2 state")
		}
		return identity.VerifiedIdentity{}, identity.NewError(identity.KindProviderError, "load oauth2 state: %v", err)
	}
	if entry.ProviderID != p.cfg.ProviderID {
		return identity.VerifiedIdentity{}, identity.NewError(identity.KindInvalidPayload, "oauth2 state provider mismatch")
	}

	token, err := p.exchangeCode(ctx, cb.Code, entry.CodeVerifier)
	if err != nil {
		return identity.VerifiedIdentity{}, identity.NewError(identity.KindProviderError, "exchange authorization code: %v", err)
	}

	info, raw, err := p.fetchUserInfo(ctx, token.AccessToken)
	if err != nil {
		return identity.VerifiedIdentity{}, identity.NewError(identity.KindProviderError, "fetch userinfo: %v", err)
	}
	subject := info.subject()
	if subject == "" {
		return identity.VerifiedIdentity{}, identity.NewError(identity.KindProviderError, "userinfo response missing subject")
	}

	var email, displayName *string
	if info.Email != "" {
		e := info.Email
		email = &e
	}
	if info.Name != "" {
		n := info.Name
		displayName = &n
	}

	return identity.VerifiedIdentity{
		ProviderID:  p.cfg.ProviderID,
		Subject:     subject,
		Email:       email,
		DisplayName: displayName,
		Metadata:    raw,
	}, nil
}

func (p *Provider) exchangeCode(ctx context.Context, code, codeVerifier string) (tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {p.cfg.RedirectURI},
		"client_id":     {p.cfg.ClientID},
		"client_secret": {p.cfg.ClientSecret},
	}
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, fmt.Errorf("new token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("do token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return tokenResponse{}, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return tokenResponse{}, fmt.Errorf("unmarshal token response: %w", err)
	}
	return tr, nil
}

// fetchUserInfo returns the typed subject/email/name fields alongside the
// full raw response body, so Verify can carry every other claim the
// provider returned into VerifiedIdentity.Metadata verbatim.
func (p *Provider) fetchUserInfo(ctx context.Context, accessToken string) (userInfoResponse, json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserinfoEndpoint, nil)
	if err != nil {
		return userInfoResponse{}, nil, fmt.Errorf("new userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.http.Do(req)
	if err != nil {
		return userInfoResponse{}, nil, fmt.Errorf("do userinfo request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return userInfoResponse{}, nil, fmt.Errorf("read userinfo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return userInfoResponse{}, nil, fmt.Errorf("userinfo endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var info userInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return userInfoResponse{}, nil, fmt.Errorf("unmarshal userinfo response: %w", err)
	}
	return info, json.RawMessage(body), nil
}

// generateCodeVerifier returns a 32-byte random value, base64url-encoded
// without padding, per RFC 7636 section 4.1.
func generateCodeVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// challengeFromVerifier derives the S256 code_challenge from a code_verifier.
func challengeFromVerifier(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
