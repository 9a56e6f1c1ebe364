// Package blob provides content-addressed artifact storage. Objects are keyed
// by the sha256 hex digest of their bytes, which makes Put idempotent: storing
// the same bytes twice yields the same digest and a single stored copy.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned by Get when no object carries the requested digest.
var ErrNotFound = errors.New("blob: not found")

// ErrUnavailable wraps backend failures so callers can fail closed without
// inspecting backend-specific error types.
var ErrUnavailable = errors.New("blob: store unavailable")

// Store is the artifact byte store. Implementations must not expose partial
// writes: Put either durably stores the object before returning or fails.
type Store interface {
	Put(ctx context.Context, data []byte) (digest string, err error)
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
}

// Digest computes the sha256 hex digest used as the storage key.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidDigest reports whether s looks like a sha256 hex digest.
func ValidDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
