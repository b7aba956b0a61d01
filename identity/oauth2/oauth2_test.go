package oauth2

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/sage/storage"
)

func newTestServer(t *testing.T) (*httptest.Server, *string) {
	t.Helper()
	var gotVerifier string
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotVerifier = r.FormValue("code_verifier")
		assert.Equal(t, "authorization_code", r.FormValue("grant_type"))
		assert.Equal(t, "test-code", r.FormValue("code"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-access-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"sub":   "123456789",
			"email": "user@example.com",
			"name":  "Test User",
		})
	})
	return httptest.NewServer(mux), &gotVerifier
}

func newTestProvider(srv *httptest.Server) *Provider {
	cfg := ProviderConfig{
		ProviderID:            "test",
		ClientID:              "client-id",
		ClientSecret:          "client-secret",
		AuthorizationEndpoint: srv.URL + "/authorize",
		TokenEndpoint:         srv.URL + "/token",
		UserinfoEndpoint:      srv.URL + "/userinfo",
		RedirectURI:           "http://localhost:3000/callback",
		Scopes:                []string{"openid", "email"},
		UsePKCE:               true,
	}
	return New(cfg, storage.NewMemoryOAuth2StateStore())
}

func TestProvider_StartFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()
	provider := newTestProvider(srv)

	result, err := provider.StartFlow(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, result.State)

	parsed, err := url.Parse(result.URL)
	require.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, result.State, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
}

func TestProvider_Callback_ExchangesCodeAndFetchesIdentity(t *testing.T) {
	srv, gotVerifier := newTestServer(t)
	defer srv.Close()
	provider := newTestProvider(srv)

	flow, err := provider.StartFlow(context.Background())
	require.NoError(t, err)

	payload, err := json.Marshal(CallbackPayload{
		ProviderID: "test",
		Code:       "test-code",
		State:      flow.State,
	})
	require.NoError(t, err)

	ident, err := provider.Verify(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "123456789", ident.Subject)
	assert.Equal(t, "test", ident.ProviderID)
	require.NotNil(t, ident.Email)
	assert.Equal(t, "user@example.com", *ident.Email)
	assert.NotEmpty(t, *gotVerifier)
}

func TestProvider_Callback_UnknownState(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()
	provider := newTestProvider(srv)

	payload, err := json.Marshal(CallbackPayload{ProviderID: "test", Code: "x", State: "nonexistent"})
	require.NoError(t, err)

	_, err = provider.Verify(context.Background(), payload)
	require.Error(t, err)
}

func TestProvider_Callback_StateConsumedOnce(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()
	provider := newTestProvider(srv)

	flow, err := provider.StartFlow(context.Background())
	require.NoError(t, err)

	payload, err := json.Marshal(CallbackPayload{ProviderID: "test", Code: "test-code", State: flow.State})
	require.NoError(t, err)

	_, err = provider.Verify(context.Background(), payload)
	require.NoError(t, err)

	_, err = provider.Verify(context.Background(), payload)
	require.Error(t, err)
}
