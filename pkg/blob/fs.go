package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FSStore keeps objects as files under a root directory, one file per digest.
// Writes go to a temp file that is fsynced and renamed into place, so readers
// never observe a partially written object.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed and returns a store over it.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Put stores data under its digest. Storing identical bytes twice is a no-op.
func (s *FSStore) Put(ctx context.Context, data []byte) (string, error) {
	if s == nil {
		return "", errors.New("nil store")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	digest := Digest(data)
	path := s.path(digest)

	if _, err := os.Stat(path); err == nil {
		return digest, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	tmp, err := os.CreateTemp(s.root, ".put-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return digest, nil
}

// Get returns the stored bytes for digest, or ErrNotFound.
func (s *FSStore) Get(ctx context.Context, digest string) ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidDigest(digest) {
		return nil, fmt.Errorf("invalid digest %q", digest)
	}

	data, err := os.ReadFile(s.path(digest))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Guard against on-disk corruption; a digest mismatch is surfaced as
	// missing rather than returning wrong bytes.
	if Digest(data) != digest {
		return nil, ErrNotFound
	}

	return data, nil
}

// Exists reports whether an object with the given digest is stored.
func (s *FSStore) Exists(ctx context.Context, digest string) (bool, error) {
	if s == nil {
		return false, errors.New("nil store")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !ValidDigest(digest) {
		return false, fmt.Errorf("invalid digest %q", digest)
	}

	_, err := os.Stat(s.path(digest))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *FSStore) path(digest string) string {
	return filepath.Join(s.root, digest)
}
