package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/conveyorci/conveyor/internal/cache"
	"github.com/conveyorci/conveyor/pkg/types"
)

// CacheAccess is the slice of the cache store actions need.
type CacheAccess interface {
	Restore(ctx context.Context, key string, restoreKeys []string) (io.ReadCloser, string, error)
	Save(ctx context.Context, key string, data io.Reader) error
}

// ArtifactStore is the slice of the blob bucket actions need.
type ArtifactStore interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) (int64, error)
	URI(key string) string
}

// checkoutAction clones a git repository into the job workspace.
//
// Inputs: repository (required), ref (optional branch, tag, or commit).
func checkoutAction(ctx context.Context, sc *StepContext) error {
	repo := sc.With["repository"]
	if repo == "" {
		return fmt.Errorf("core/checkout: repository input is required")
	}
	if sc.Exec == nil {
		return fmt.Errorf("core/checkout: no executor available")
	}

	code, err := sc.Exec(ctx, []string{"git", "clone", "--quiet", repo, "."}, nil)
	if err != nil {
		return fmt.Errorf("core/checkout: clone: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("core/checkout: clone exited with code %d", code)
	}

	if ref := sc.With["ref"]; ref != "" {
		code, err := sc.Exec(ctx, []string{"git", "checkout", "--quiet", ref}, nil)
		if err != nil {
			return fmt.Errorf("core/checkout: checkout %s: %w", ref, err)
		}
		if code != 0 {
			return fmt.Errorf("core/checkout: checkout %s exited with code %d", ref, code)
		}
	}
	return nil
}

// cacheAction restores or saves a cache entry explicitly, for pipelines that
// want finer control than the job-level cache block.
//
// Inputs: key (required), mode ("restore" or "save", default "restore"),
// paths (required for save), restore-keys (restore only).
func cacheAction(ctx context.Context, sc *StepContext) error {
	if sc.Cache == nil {
		return fmt.Errorf("core/cache: no cache backend configured")
	}
	key := sc.With["key"]
	if key == "" {
		return fmt.Errorf("core/cache: key input is required")
	}

	mode := sc.With["mode"]
	if mode == "" {
		mode = "restore"
	}

	switch mode {
	case "restore":
		restoreKeys := splitList(sc.With["restore-keys"])
		rc, matched, err := sc.Cache.Restore(ctx, key, restoreKeys)
		if errors.Is(err, cache.ErrMiss) {
			sc.logf(types.LogLevelInfo, "cache miss for %s", key)
			return nil
		}
		if err != nil {
			return fmt.Errorf("core/cache: restore: %w", err)
		}
		defer rc.Close()
		if err := cache.Extract(sc.Workdir, rc); err != nil {
			return fmt.Errorf("core/cache: extract: %w", err)
		}
		sc.logf(types.LogLevelInfo, "cache restored from %s", matched)
		return nil

	case "save":
		paths := splitList(sc.With["paths"])
		if len(paths) == 0 {
			return fmt.Errorf("core/cache: paths input is required for save")
		}
		var buf bytes.Buffer
		if err := cache.Archive(sc.Workdir, paths, &buf); err != nil {
			return fmt.Errorf("core/cache: archive: %w", err)
		}
		if err := sc.Cache.Save(ctx, key, &buf); err != nil {
			return fmt.Errorf("core/cache: save: %w", err)
		}
		sc.logf(types.LogLevelInfo, "cache saved as %s (%d bytes)", key, buf.Len())
		return nil

	default:
		return fmt.Errorf("core/cache: unknown mode %q", mode)
	}
}

// artifactAction uploads files from the workspace to the artifact bucket.
//
// Inputs: path (required file or directory), name (optional, defaults to the
// path).
func artifactAction(ctx context.Context, sc *StepContext) error {
	if sc.Artifacts == nil {
		return fmt.Errorf("core/artifact: no artifact store configured")
	}
	path := sc.With["path"]
	if path == "" {
		return fmt.Errorf("core/artifact: path input is required")
	}
	name := sc.With["name"]
	if name == "" {
		name = strings.Trim(strings.ReplaceAll(path, "/", "-"), "-")
	}

	if _, err := os.Lstat(filepath.Join(sc.Workdir, path)); err != nil {
		return fmt.Errorf("core/artifact: path %s: %w", path, err)
	}
	var buf bytes.Buffer
	if err := cache.Archive(sc.Workdir, []string{path}, &buf); err != nil {
		return fmt.Errorf("core/artifact: archive %s: %w", path, err)
	}

	key := fmt.Sprintf("%s/%s/%s.tgz", sc.RunID, sc.Job, name)
	size, err := sc.Artifacts.Put(ctx, key, &buf, "application/gzip")
	if err != nil {
		return fmt.Errorf("core/artifact: upload %s: %w", name, err)
	}
	sc.logf(types.LogLevelInfo, "artifact %s uploaded to %s (%d bytes)", name, sc.Artifacts.URI(key), size)
	return nil
}

// splitList splits a with-input on commas and newlines, trimming whitespace.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var parts []string
	for _, field := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '\n'
	}) {
		field = strings.TrimSpace(field)
		if field != "" {
			parts = append(parts, field)
		}
	}
	return parts
}
