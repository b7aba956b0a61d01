package local

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/sage/identity"
	"github.com/sage-x-project/sage/storage"
)

func TestProvider_VerifyUser(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryUserStore()
	provider := New(store)

	email := "test@example.com"
	displayName := "Test User"
	require.NoError(t, provider.AddUser(ctx, "testuser", "password123", &email, &displayName))

	payload, err := json.Marshal(authPayload{Username: "testuser", Password: "password123"})
	require.NoError(t, err)

	got, err := provider.Verify(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, "testuser", got.Subject)
	assert.Equal(t, "local", got.ProviderID)
	require.NotNil(t, got.Email)
	assert.Equal(t, email, *got.Email)

	badPayload, err := json.Marshal(authPayload{Username: "testuser", Password: "wrongpassword"})
	require.NoError(t, err)

	_, err = provider.Verify(ctx, badPayload)
	require.Error(t, err)
	var identErr *identity.Error
	require.ErrorAs(t, err, &identErr)
	assert.Equal(t, identity.KindInvalidCredentials, identErr.Kind)
}

func TestProvider_VerifyUnknownUser(t *testing.T) {
	provider := New(storage.NewMemoryUserStore())
	payload, err := json.Marshal(authPayload{Username: "ghost", Password: "x"})
	require.NoError(t, err)

	_, err = provider.Verify(context.Background(), payload)
	require.Error(t, err)
	var identErr *identity.Error
	require.ErrorAs(t, err, &identErr)
	assert.Equal(t, identity.KindUserNotFound, identErr.Kind)
}

func TestProvider_RemoveUser(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryUserStore()
	provider := New(store)
	require.NoError(t, provider.AddUser(ctx, "testuser", "password123", nil, nil))
	require.NoError(t, provider.RemoveUser(ctx, "testuser"))

	payload, err := json.Marshal(authPayload{Username: "testuser", Password: "password123"})
	require.NoError(t, err)
	_, err = provider.Verify(ctx, payload)
	require.Error(t, err)
}

func TestProvider_InvalidPayload(t *testing.T) {
	provider := New(storage.NewMemoryUserStore())
	_, err := provider.Verify(context.Background(), json.RawMessage(`not json`))
	require.Error(t, err)
	var identErr *identity.Error
	require.ErrorAs(t, err, &identErr)
	assert.Equal(t, identity.KindInvalidPayload, identErr.Kind)
}
