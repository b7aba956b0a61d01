package connreg

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/sage/auth"
)

type fakeSender struct {
	frames []interface{}
	fail   bool
}

func (s *fakeSender) Enqueue(frame interface{}) error {
	if s.fail {
		return errors.New("enqueue failed")
	}
	s.frames = append(s.frames, frame)
	return nil
}

func TestRegistry_AddGetRemove(t *testing.T) {
	r := New()
	sender := &fakeSender{}
	rec, err := r.Add("conn-1", sender, map[string]interface{}{"ip": "127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "conn-1", rec.ID)

	_, err = r.Add("conn-1", sender, nil)
	require.ErrorIs(t, err, ErrAlreadyExists)

	got, ok := r.Get("conn-1")
	require.True(t, ok)
	assert.Same(t, rec, got)

	r.Remove("conn-1")
	_, ok = r.Get("conn-1")
	assert.False(t, ok)
}

func TestRegistry_SendTo(t *testing.T) {
	r := New()
	sender := &fakeSender{}
	_, err := r.Add("conn-1", sender, nil)
	require.NoError(t, err)

	require.NoError(t, r.SendTo("conn-1", "frame-1"))
	require.NoError(t, r.SendTo("conn-1", "frame-2"))
	assert.Equal(t, []interface{}{"frame-1", "frame-2"}, sender.frames)

	err = r.SendTo("missing", "frame")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_SubscribeAndBroadcast(t *testing.T) {
	r := New()
	s1, s2, s3 := &fakeSender{}, &fakeSender{}, &fakeSender{}
	_, _ = r.Add("c1", s1, nil)
	_, _ = r.Add("c2", s2, nil)
	_, _ = r.Add("c3", s3, nil)

	require.NoError(t, r.Subscribe("c1", "room_1"))
	require.NoError(t, r.Subscribe("c2", "room_1"))
	require.NoError(t, r.Subscribe("c3", "room_2"))

	delivered := r.BroadcastToTopic("room_1", "hello", nil)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, []interface{}{"hello"}, s1.frames)
	assert.Equal(t, []interface{}{"hello"}, s2.frames)
	assert.Empty(t, s3.frames)
}

func TestRegistry_BroadcastContinuesOnFailure(t *testing.T) {
	r := New()
	ok, bad := &fakeSender{}, &fakeSender{fail: true}
	_, _ = r.Add("c1", ok, nil)
	_, _ = r.Add("c2", bad, nil)
	require.NoError(t, r.Subscribe("c1", "t"))
	require.NoError(t, r.Subscribe("c2", "t"))

	var failed []string
	delivered := r.BroadcastToTopic("t", "x", func(id string, err error) { failed = append(failed, id) })
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"c2"}, failed)
}

func TestRegistry_PrincipalAndPermissionIndex(t *testing.T) {
	r := New()
	_, _ = r.Add("c1", &fakeSender{}, nil)
	require.NoError(t, r.SetPrincipal("c1", auth.NewPrincipal("alice", []string{"admin"}, nil)))

	bySubject := r.IterBySubject("alice")
	require.Len(t, bySubject, 1)
	assert.Equal(t, "c1", bySubject[0].ID)

	byPerm := r.IterByPermission("admin")
	require.Len(t, byPerm, 1)

	require.NoError(t, r.ClearPrincipal("c1"))
	assert.Empty(t, r.IterBySubject("alice"))
}

func TestRegistry_RemoveClearsTopicIndex(t *testing.T) {
	r := New()
	_, _ = r.Add("c1", &fakeSender{}, nil)
	require.NoError(t, r.Subscribe("c1", "room"))
	r.Remove("c1")
	assert.Empty(t, r.IterByTopic("room"))
}
