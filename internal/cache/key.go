package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// ComputeKey derives a cache key from a static prefix, the contents of the
// named files, and a set of environment discriminators. Paths are resolved
// relative to baseDir. A missing file contributes a fixed absence marker
// rather than failing, so a repository without a lockfile still produces a
// stable key.
func ComputeKey(prefix string, baseDir string, files []string, env map[string]string) (string, error) {
	h := sha256.New()

	for _, name := range files {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, name)
		}
		fmt.Fprintf(h, "file:%s\n", name)
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				io.WriteString(h, "absent\n")
				continue
			}
			return "", fmt.Errorf("hash %s: %w", name, err)
		}
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", fmt.Errorf("hash %s: %w", name, err)
		}
		f.Close()
		io.WriteString(h, "\n")
	}

	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(h, "env:%s=%s\n", k, env[k])
	}

	digest := hex.EncodeToString(h.Sum(nil))
	return prefix + "-" + digest[:32], nil
}
