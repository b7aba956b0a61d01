package authsession

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/sage/identity"
	"github.com/sage-x-project/sage/identity/local"
	"github.com/sage-x-project/sage/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Secret = []byte("test-secret")
	svc, err := New(cfg)
	require.NoError(t, err)
	return svc
}

func TestService_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	store := storage.NewMemoryUserStore()
	provider := local.New(store)
	email := "test@example.com"
	displayName := "Test User"
	require.NoError(t, provider.AddUser(ctx, "testuser", "password123", &email, &displayName))
	svc.RegisterProvider(provider)

	token, err := svc.BeginSession(ctx, "local", []byte(`{"username":"testuser","password":"password123"}`))
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.VerifySession(token)
	require.NoError(t, err)
	assert.Equal(t, "testuser", claims.Subject)
	assert.Equal(t, "local", claims.ProviderID)
	assert.Empty(t, claims.Permissions)

	ended, ok := svc.EndSession(claims.SessionID)
	require.True(t, ok)
	assert.Equal(t, claims.SessionID, ended.SessionID)

	_, err = svc.VerifySession(token)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, ok = svc.EndSession(claims.SessionID)
	assert.False(t, ok, "ending an already-ended session is a no-op")
}

func TestService_SessionWithPermissions(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	svc.WithPermissions(identity.NewStaticPermissions("read", "write"))

	store := storage.NewMemoryUserStore()
	provider := local.New(store)
	require.NoError(t, provider.AddUser(ctx, "admin", "admin123", nil, nil))
	svc.RegisterProvider(provider)

	token, err := svc.BeginSession(ctx, "local", []byte(`{"username":"admin","password":"admin123"}`))
	require.NoError(t, err)

	claims, err := svc.VerifySession(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Subject)
	assert.ElementsMatch(t, []string{"read", "write"}, claims.Permissions)
}

func TestService_UnknownProvider(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.BeginSession(context.Background(), "ghost", []byte(`{}`))
	require.Error(t, err)
	var identErr *identity.Error
	require.ErrorAs(t, err, &identErr)
	assert.Equal(t, identity.KindProviderNotFound, identErr.Kind)
}

func TestService_InvalidToken(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.VerifySession("not-a-jwt")
	require.Error(t, err)
}

func TestService_Authenticate(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	store := storage.NewMemoryUserStore()
	provider := local.New(store)
	require.NoError(t, provider.AddUser(ctx, "testuser", "password123", nil, nil))
	svc.RegisterProvider(provider)

	token, err := svc.BeginSession(ctx, "local", []byte(`{"username":"testuser","password":"password123"}`))
	require.NoError(t, err)

	principal, err := svc.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "testuser", principal.Subject)
}
