package regauth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationStore tracks revoked JWT session IDs (the "jti" claim),
// generalized from the teacher's Redis-backed "session:<id>" keys in
// middleware.AuthMiddleware: there a key's *presence* meant "live";
// here its *absence* means "live" and Revoke adds a tombstone, since a
// bearer token adapter has no login-time session to pre-register.
type RevocationStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRevocationStore wraps an existing Redis client. A nil rdb disables
// revocation: Revoke does nothing and IsRevoked always reports false.
func NewRevocationStore(rdb *redis.Client, ttl time.Duration) *RevocationStore {
	return &RevocationStore{rdb: rdb, ttl: ttl}
}

func revocationKey(jti string) string { return "revoked:" + jti }

// Revoke tombstones a session ID for the remainder of its token's
// validity window (ttl should be set to at least the token TTL so a
// revoked token can never outlive its tombstone).
func (r *RevocationStore) Revoke(ctx context.Context, jti string) error {
	if r == nil || r.rdb == nil {
		return nil
	}
	if err := r.rdb.Set(ctx, revocationKey(jti), "1", r.ttl).Err(); err != nil {
		return fmt.Errorf("regauth: revoke session: %w", err)
	}
	return nil
}

// IsRevoked reports whether jti has been tombstoned.
func (r *RevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if r == nil || r.rdb == nil {
		return false, nil
	}
	n, err := r.rdb.Exists(ctx, revocationKey(jti)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
