package cache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestComputeKey(t *testing.T) {
	dir := t.TempDir()
	lockfile := filepath.Join(dir, "go.sum")
	if err := os.WriteFile(lockfile, []byte("module v1.0.0 h1:abc\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	base, err := ComputeKey("go-mod", dir, []string{"go.sum"}, map[string]string{"GOOS": "linux"})
	if err != nil {
		t.Fatalf("ComputeKey: %v", err)
	}
	if !strings.HasPrefix(base, "go-mod-") {
		t.Errorf("key %q missing prefix", base)
	}

	t.Run("stable across calls", func(t *testing.T) {
		again, err := ComputeKey("go-mod", dir, []string{"go.sum"}, map[string]string{"GOOS": "linux"})
		if err != nil {
			t.Fatal(err)
		}
		if again != base {
			t.Errorf("key changed without input change: %q vs %q", again, base)
		}
	})

	t.Run("file content changes key", func(t *testing.T) {
		if err := os.WriteFile(lockfile, []byte("module v1.1.0 h1:def\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		changed, err := ComputeKey("go-mod", dir, []string{"go.sum"}, map[string]string{"GOOS": "linux"})
		if err != nil {
			t.Fatal(err)
		}
		if changed == base {
			t.Error("key unchanged after file content change")
		}
	})

	t.Run("env discriminator changes key", func(t *testing.T) {
		linux, err := ComputeKey("go-mod", dir, []string{"go.sum"}, map[string]string{"GOOS": "linux"})
		if err != nil {
			t.Fatal(err)
		}
		darwin, err := ComputeKey("go-mod", dir, []string{"go.sum"}, map[string]string{"GOOS": "darwin"})
		if err != nil {
			t.Fatal(err)
		}
		if linux == darwin {
			t.Error("key unchanged across env discriminator values")
		}
	})

	t.Run("missing file yields stable key", func(t *testing.T) {
		first, err := ComputeKey("npm", dir, []string{"package-lock.json"}, nil)
		if err != nil {
			t.Fatalf("missing key file should not fail: %v", err)
		}
		second, err := ComputeKey("npm", dir, []string{"package-lock.json"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if first != second {
			t.Error("missing-file key not stable")
		}
	})
}
