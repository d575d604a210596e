package cache

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewAcceptsHostPortAndURL(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	for _, addr := range []string{mr.Addr(), "redis://" + mr.Addr() + "/2"} {
		client, err := New(ctx, addr)
		require.NoError(t, err, addr)
		require.NoError(t, client.Set(ctx, "ping", addr, 0).Err())
		require.NoError(t, client.Close())
	}

	mr.Select(2)
	got, err := mr.Get("ping")
	require.NoError(t, err)
	require.Equal(t, "redis://"+mr.Addr()+"/2", got)
}

func TestNewRejectsBadAddress(t *testing.T) {
	_, err := New(context.Background(), " ")
	require.Error(t, err)

	_, err = New(context.Background(), "redis://%zz")
	require.Error(t, err)
}
