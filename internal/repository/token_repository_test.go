package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDenylist(t *testing.T) (*TokenDenylist, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewTokenDenylist(rdb), mr
}

func TestTokenDenylist(t *testing.T) {
	ctx := context.Background()
	d, mr := newDenylist(t)

	revoked, err := d.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, d.Revoke(ctx, "jti-1", time.Now().Add(time.Hour)))
	revoked, err = d.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.True(t, mr.TTL("deny:jti-1") > 59*time.Minute)

	mr.FastForward(time.Hour + time.Second)
	revoked, err = d.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestTokenDenylistIgnoresExpired(t *testing.T) {
	ctx := context.Background()
	d, mr := newDenylist(t)

	require.NoError(t, d.Revoke(ctx, "old", time.Now().Add(-time.Minute)))
	assert.False(t, mr.Exists("deny:old"))
	assert.Error(t, d.Revoke(ctx, "", time.Now().Add(time.Hour)))
}

func TestTokenDenylistUnavailable(t *testing.T) {
	d, mr := newDenylist(t)
	mr.Close()

	_, err := d.IsRevoked(context.Background(), "jti")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
