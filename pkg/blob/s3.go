package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	gos3 "modeld/pkg/s3"
)

const s3OpTimeout = 30 * time.Second

// S3Store keeps objects in an S3-compatible bucket under
// models/sha256/<digest>. The object's sha256 checksum header is set on
// upload so the backend rejects corrupted writes.
type S3Store struct {
	client *gos3.Client
	bucket string
}

// NewS3Store wraps the provided client and bucket as a content-addressed store.
func NewS3Store(client *gos3.Client, bucket string) (*S3Store, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &S3Store{client: client, bucket: bucket}, nil
}

// Key returns the bucket key for a digest.
func Key(digest string) string {
	return fmt.Sprintf("models/sha256/%s", digest)
}

// Put uploads data under its digest key. Re-putting identical bytes overwrites
// the object with identical content, so the operation stays idempotent.
func (s *S3Store) Put(ctx context.Context, data []byte) (string, error) {
	if s == nil {
		return "", errors.New("nil store")
	}

	digest := Digest(data)

	ctx, cancel := context.WithTimeout(ctx, s3OpTimeout)
	defer cancel()

	exists, err := s.client.HeadObject(ctx, s.bucket, Key(digest))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if exists {
		return digest, nil
	}

	if err := s.client.PutObject(ctx, s.bucket, Key(digest), bytes.NewReader(data), int64(len(data)), digest); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return digest, nil
}

// Get fetches the object bytes for digest, or ErrNotFound.
func (s *S3Store) Get(ctx context.Context, digest string) ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if !ValidDigest(digest) {
		return nil, fmt.Errorf("invalid digest %q", digest)
	}

	ctx, cancel := context.WithTimeout(ctx, s3OpTimeout)
	defer cancel()

	data, err := s.client.GetObject(ctx, s.bucket, Key(digest))
	if err != nil {
		if errors.Is(err, gos3.ErrNoSuchKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return data, nil
}

// Exists reports whether an object with the given digest is stored.
func (s *S3Store) Exists(ctx context.Context, digest string) (bool, error) {
	if s == nil {
		return false, errors.New("nil store")
	}
	if !ValidDigest(digest) {
		return false, fmt.Errorf("invalid digest %q", digest)
	}

	ctx, cancel := context.WithTimeout(ctx, s3OpTimeout)
	defer cancel()

	exists, err := s.client.HeadObject(ctx, s.bucket, Key(digest))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return exists, nil
}
