package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const blobSuffix = ".blob"

type diskEntry struct {
	key        string
	size       int64
	lastAccess time.Time
}

// DiskStore keeps blobs as files in a single directory and evicts the least
// recently used entries when the total size exceeds maxBytes. Entries found
// on disk at startup are adopted into the index.
type DiskStore struct {
	dir      string
	maxBytes int64

	mu      sync.Mutex
	entries map[string]*diskEntry
	locks   map[string]*sync.Mutex
}

var _ Store = (*DiskStore)(nil)

// NewDiskStore opens (creating if needed) a cache directory. maxBytes <= 0
// disables eviction.
func NewDiskStore(dir string, maxBytes int64) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	s := &DiskStore{
		dir:      dir,
		maxBytes: maxBytes,
		entries:  make(map[string]*diskEntry),
		locks:    make(map[string]*sync.Mutex),
	}
	dents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan cache dir: %w", err)
	}
	for _, d := range dents {
		if d.IsDir() || !strings.HasSuffix(d.Name(), blobSuffix) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		key := strings.TrimSuffix(d.Name(), blobSuffix)
		s.entries[key] = &diskEntry{key: key, size: info.Size(), lastAccess: info.ModTime()}
	}
	return s, nil
}

func (s *DiskStore) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *DiskStore) path(key string) string {
	return filepath.Join(s.dir, sanitizeKey(key)+blobSuffix)
}

// sanitizeKey maps a key to a safe filename. Keys produced by ComputeKey are
// already filename-safe; this guards against hand-written key prefixes.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		}
		return '_'
	}, key)
}

func (s *DiskStore) Restore(ctx context.Context, key string, restoreKeys []string) (io.ReadCloser, string, error) {
	matched := s.match(key, restoreKeys)
	if matched == "" {
		return nil, "", ErrMiss
	}

	l := s.keyLock(matched)
	l.Lock()
	defer l.Unlock()

	f, err := os.Open(s.path(matched))
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			delete(s.entries, matched)
			s.mu.Unlock()
			return nil, "", ErrMiss
		}
		return nil, "", fmt.Errorf("open cache entry %s: %w", matched, err)
	}

	s.mu.Lock()
	if e, ok := s.entries[matched]; ok {
		e.lastAccess = time.Now()
	}
	s.mu.Unlock()
	return f, matched, nil
}

// match picks the entry to restore: the exact key if present, otherwise the
// most recently saved entry whose key starts with each restore key, tried in
// order.
func (s *DiskStore) match(key string, restoreKeys []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		return key
	}
	for _, prefix := range restoreKeys {
		var best *diskEntry
		for _, e := range s.entries {
			if !strings.HasPrefix(e.key, prefix) {
				continue
			}
			if best == nil || e.lastAccess.After(best.lastAccess) {
				best = e
			}
		}
		if best != nil {
			return best.key
		}
	}
	return ""
}

func (s *DiskStore) Save(ctx context.Context, key string, data io.Reader) error {
	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	tmp, err := os.CreateTemp(s.dir, "save-*")
	if err != nil {
		return fmt.Errorf("stage cache entry: %w", err)
	}
	size, err := io.Copy(tmp, data)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write cache entry %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write cache entry %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit cache entry %s: %w", key, err)
	}

	s.mu.Lock()
	s.entries[key] = &diskEntry{key: key, size: size, lastAccess: time.Now()}
	s.evictLocked(key)
	s.mu.Unlock()
	return nil
}

// evictLocked removes least recently used entries until the store fits in
// maxBytes. The entry named by keep is never evicted. Caller holds s.mu.
func (s *DiskStore) evictLocked(keep string) {
	if s.maxBytes <= 0 {
		return
	}
	total := int64(0)
	for _, e := range s.entries {
		total += e.size
	}
	for total > s.maxBytes {
		var victim *diskEntry
		for _, e := range s.entries {
			if e.key == keep {
				continue
			}
			if victim == nil || e.lastAccess.Before(victim.lastAccess) {
				victim = e
			}
		}
		if victim == nil {
			return
		}
		os.Remove(s.path(victim.key))
		delete(s.entries, victim.key)
		total -= victim.size
	}
}

func (s *DiskStore) Close() error { return nil }
