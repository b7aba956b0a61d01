package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequirement_Satisfied(t *testing.T) {
	req := PermissionGroups([]string{"admin", "write"}, []string{"super_admin"})

	assert.True(t, req.Satisfied(NewPrincipal("u1", []string{"write", "super_admin"}, nil)))
	assert.False(t, req.Satisfied(NewPrincipal("u2", []string{"admin"}, nil)))
	assert.True(t, req.Satisfied(NewPrincipal("u3", []string{"admin", "write"}, nil)))
}

func TestRequirement_AnyAuthenticated(t *testing.T) {
	req := AnyAuthenticated()
	assert.True(t, req.Satisfied(NewPrincipal("u1", nil, nil)))
}

func TestRequirement_None(t *testing.T) {
	var req *Requirement
	assert.True(t, req.Satisfied(NewPrincipal("", nil, nil)))
}

func TestCheckPermissions(t *testing.T) {
	req := PermissionGroups([]string{"read"})

	err := CheckPermissions(false, Principal{}, req)
	require.Error(t, err)
	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, KindAuthenticationRequired, authErr.Kind)

	p := NewPrincipal("u1", []string{"write"}, nil)
	err = CheckPermissions(true, p, req)
	require.Error(t, err)
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, KindInsufficientPermissions, authErr.Kind)
	assert.Equal(t, [][]string{{"read"}}, authErr.Required)
	assert.ElementsMatch(t, []string{"write"}, authErr.Has)

	p2 := NewPrincipal("u2", []string{"read"}, nil)
	assert.NoError(t, CheckPermissions(true, p2, req))

	assert.NoError(t, CheckPermissions(false, Principal{}, nil))
}
