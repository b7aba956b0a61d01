package rpcdesc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/sage/auth"
)

type echoParams struct {
	Msg string `json:"msg"`
}

type echoResult struct {
	Msg string `json:"msg"`
}

func TestBuilder_Build(t *testing.T) {
	desc, err := NewService("chat").
		Method("echo", auth.AnyAuthenticated(), echoParams{}, echoResult{}).
		Method("ping", auth.None, nil, nil).
		Build()
	require.NoError(t, err)
	assert.Equal(t, "chat", desc.Name)
	assert.Len(t, desc.Methods, 2)

	m, ok := desc.Method("echo")
	require.True(t, ok)
	assert.NotNil(t, m.ParamsType)
	assert.NotNil(t, m.ResultType)

	_, ok = desc.Method("missing")
	assert.False(t, ok)
}

func TestBuilder_DuplicateMethod(t *testing.T) {
	_, err := NewService("chat").
		Method("echo", auth.None, nil, nil).
		Method("echo", auth.None, nil, nil).
		Build()
	require.Error(t, err)
}

func TestBuilder_EmptyName(t *testing.T) {
	_, err := NewService("").Method("echo", auth.None, nil, nil).Build()
	require.Error(t, err)
}
