// Package cache stores and restores keyed artifact blobs between runs.
//
// Keys are content-addressed: equal keys imply equal inputs, so a hit can be
// reused without comparing contents. A restore-keys list allows prefix
// fallback when the exact key misses, trading staleness risk for speed.
package cache

import (
	"context"
	"errors"
	"io"
)

// ErrMiss is returned by Restore when neither the exact key nor any restore
// key matched. Not an error condition for callers: they fall through and
// recompute.
var ErrMiss = errors.New("cache miss")

// Store is a keyed blob store shared across runs. Implementations must
// support concurrent access to distinct keys without corruption; a global
// lock beyond per-key granularity is not acceptable.
type Store interface {
	// Restore returns the blob for the exact key, or the best prefix match
	// from restoreKeys (tried in order, most specific first). The matched
	// key is returned alongside the reader so callers can tell an exact hit
	// from a fallback. Fails with ErrMiss when nothing matched.
	Restore(ctx context.Context, key string, restoreKeys []string) (io.ReadCloser, string, error)

	// Save stores the blob under the key, replacing any previous content.
	Save(ctx context.Context, key string, data io.Reader) error

	// Close releases any resources.
	Close() error
}
