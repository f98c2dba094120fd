package kv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

const revokePrefix = "revoked:"

// Revocations tracks invalidated bearer tokens. Tokens are stored as
// digests so the list never holds usable credentials.
type Revocations struct {
	store Store
}

func NewRevocations(store Store) *Revocations {
	return &Revocations{store: store}
}

// Revoke marks a token invalid until its natural expiry.
func (r *Revocations) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	return r.store.Set(ctx, revokePrefix+tokenDigest(token), []byte("1"), ttl)
}

// IsRevoked reports whether the token was revoked. A store failure is
// surfaced so the caller can decide whether to fail open or closed.
func (r *Revocations) IsRevoked(ctx context.Context, token string) (bool, error) {
	_, err := r.store.Get(ctx, revokePrefix+tokenDigest(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
