package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenDenylist records revoked token IDs (jti) in Redis until the token
// would have expired anyway.  Tokens stay stateless: only revocations are
// stored, never issued tokens.
type TokenDenylist struct {
	RDB    *redis.Client
	Prefix string
}

func NewTokenDenylist(rdb *redis.Client) *TokenDenylist {
	return &TokenDenylist{RDB: rdb, Prefix: "deny"}
}

func (d *TokenDenylist) key(jti string) string { return d.Prefix + ":" + jti }

// Revoke denies jti until the given expiry.  Already-expired tokens are
// ignored since verification rejects them regardless.
func (d *TokenDenylist) Revoke(ctx context.Context, jti string, until time.Time) error {
	if jti == "" {
		return errors.New("denylist: empty token id")
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := d.RDB.Set(ctx, d.key(jti), 1, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// IsRevoked reports whether jti has been revoked.
func (d *TokenDenylist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := d.RDB.Exists(ctx, d.key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n > 0, nil
}
