package cache

import (
	"context"
	"fmt"
	"io"

	"github.com/conveyorci/conveyor/internal/blob"
)

// S3Store keeps cache blobs in an S3-compatible bucket so entries survive
// daemon restarts and can be shared across hosts. Prefix fallback uses object
// listing, picking the most recently written match.
type S3Store struct {
	bucket *blob.Bucket
}

var _ Store = (*S3Store)(nil)

func NewS3Store(bucket *blob.Bucket) *S3Store {
	return &S3Store{bucket: bucket}
}

func (s *S3Store) Restore(ctx context.Context, key string, restoreKeys []string) (io.ReadCloser, string, error) {
	rc, err := s.bucket.Get(ctx, key)
	if err == nil {
		return rc, key, nil
	}
	if !blob.IsNotFound(err) {
		return nil, "", fmt.Errorf("cache lookup %s: %w", key, err)
	}

	for _, prefix := range restoreKeys {
		objects, err := s.bucket.List(ctx, prefix)
		if err != nil {
			return nil, "", fmt.Errorf("cache prefix scan %s: %w", prefix, err)
		}
		best := ""
		bestIdx := -1
		for i, obj := range objects {
			if bestIdx < 0 || obj.LastModified.After(objects[bestIdx].LastModified) {
				best = obj.Key
				bestIdx = i
			}
		}
		if best == "" {
			continue
		}
		rc, err := s.bucket.Get(ctx, best)
		if err != nil {
			if blob.IsNotFound(err) {
				continue
			}
			return nil, "", fmt.Errorf("cache fetch %s: %w", best, err)
		}
		return rc, best, nil
	}
	return nil, "", ErrMiss
}

func (s *S3Store) Save(ctx context.Context, key string, data io.Reader) error {
	if _, err := s.bucket.Put(ctx, key, data, "application/gzip"); err != nil {
		return fmt.Errorf("cache save %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Close() error { return nil }
