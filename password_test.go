package meshsync

import (
	"context"
	"testing"

	"github.com/meow-io/go-meshsync/config"
	"github.com/meow-io/go-meshsync/ids"
	"github.com/meow-io/go-meshsync/keys"
	"github.com/stretchr/testify/require"
)

func TestMakePassword(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	key1, err := newKey("some password", tmp, "salt")
	require.Nil(err)
	key2, err := newKey("some password", tmp, "salt")
	require.Nil(err)
	require.Equal(key1, key2)
	require.Equal(32, len(key1))
}

func TestMakePasswordDifferentSalt(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	key1, err := newKey("some password", tmp, "salt1")
	require.Nil(err)
	key2, err := newKey("some password", tmp, "salt2")
	require.Nil(err)
	require.NotEqual(key1, key2)
}

func TestOpenWithPassword(t *testing.T) {
	require := require.New(t)
	self := ids.NewID()
	ring, err := keys.NewRandomRing(self)
	require.Nil(err)
	c := config.NewConfig(config.WithRootDir(t.TempDir()))

	e, err := New(c, self, ring, WithTransport(&testLink{n: &testNetwork{}, self: self}))
	require.Nil(err)
	require.True(e.New())
	require.Nil(e.InitializeWithPassword("secret"))
	require.True(e.Running())
	conv := ids.NewID()
	require.Nil(e.AddConversation(context.Background(), Conversation{ID: conv, Members: []Member{{ID: self}}}))
	require.Nil(e.Shutdown())

	e, err = New(c, self, ring, WithTransport(&testLink{n: &testNetwork{}, self: self}))
	require.Nil(err)
	require.True(e.Initialized())
	require.NotNil(e.OpenWithPassword("wrong"))
	require.Nil(e.OpenWithPassword("secret"))
	require.Equal([]ids.ID{conv}, e.Conversations())
	require.Nil(e.Shutdown())
}
