package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	exe, env := fakePlugin(t, "memory")
	reg := NewRegistry(env, WithLogger(quiet))
	ctx := context.Background()

	first, err := reg.Open(ctx, exe)
	require.NoError(t, err)
	again, err := reg.Open(ctx, exe)
	require.NoError(t, err)
	require.Same(t, first, again)
	require.Equal(t, 1, reg.Len())

	got, ok := reg.Get(exe)
	require.True(t, ok)
	require.Same(t, first, got)

	require.NoError(t, first.Close())
	replaced, err := reg.Open(ctx, exe)
	require.NoError(t, err)
	require.NotSame(t, first, replaced)
	require.Equal(t, 1, reg.Len())

	require.NoError(t, reg.Shutdown())
	require.Zero(t, reg.Len())
	require.Equal(t, StateClosed, replaced.State())
	_, ok = reg.Get(exe)
	require.False(t, ok)
}

func TestRegistry_OpenFailure(t *testing.T) {
	exe, env := fakePlugin(t, "abort")
	reg := NewRegistry(env, WithLogger(quiet))

	_, err := reg.Open(context.Background(), exe)
	require.ErrorIs(t, err, ErrIncompatible)
	require.Zero(t, reg.Len())
	require.NoError(t, reg.Remove(exe))
}
