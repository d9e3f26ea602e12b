package usertoken

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revoker remembers signed-out session tokens until they would have expired
// anyway.
type Revoker struct {
	client redis.UniversalClient
	prefix string
}

// NewRevoker builds a Redis-backed revoker.
func NewRevoker(client redis.UniversalClient, prefix string) (*Revoker, error) {
	if client == nil {
		return nil, errors.New("revoker requires redis client")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "revoked"
	}
	return &Revoker{client: client, prefix: prefix}, nil
}

// Revoke marks a token as revoked until expiresAt. Expired tokens are ignored.
func (r *Revoker) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.key(token), "1", ttl).Err()
}

// IsRevoked reports whether the token was revoked.
func (r *Revoker) IsRevoked(ctx context.Context, token string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// key hashes the token so raw credentials never land in Redis.
func (r *Revoker) key(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return r.prefix + ":" + hex.EncodeToString(sum[:])
}
