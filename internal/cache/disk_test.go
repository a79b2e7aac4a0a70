package cache

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func saveString(t *testing.T, s Store, key, value string) {
	t.Helper()
	if err := s.Save(context.Background(), key, strings.NewReader(value)); err != nil {
		t.Fatalf("save %s: %v", key, err)
	}
}

func restoreString(t *testing.T, s Store, key string, restoreKeys []string) (string, string) {
	t.Helper()
	rc, matched, err := s.Restore(context.Background(), key, restoreKeys)
	if err != nil {
		t.Fatalf("restore %s: %v", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return string(data), matched
}

func TestDiskStoreRoundTrip(t *testing.T) {
	s, err := NewDiskStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}

	saveString(t, s, "go-mod-aaaa", "cached payload")

	got, matched := restoreString(t, s, "go-mod-aaaa", nil)
	if got != "cached payload" {
		t.Errorf("payload = %q", got)
	}
	if matched != "go-mod-aaaa" {
		t.Errorf("matched = %q, want exact key", matched)
	}
}

func TestDiskStoreMiss(t *testing.T) {
	s, err := NewDiskStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = s.Restore(context.Background(), "nope", []string{"also-nope"})
	if !errors.Is(err, ErrMiss) {
		t.Errorf("err = %v, want ErrMiss", err)
	}
}

func TestDiskStoreRestoreKeys(t *testing.T) {
	s, err := NewDiskStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}

	saveString(t, s, "go-mod-old11111", "old")
	time.Sleep(10 * time.Millisecond)
	saveString(t, s, "go-mod-new22222", "new")
	saveString(t, s, "npm-zzzz", "other tool")

	t.Run("exact hit wins over prefix", func(t *testing.T) {
		got, matched := restoreString(t, s, "go-mod-old11111", []string{"go-mod-"})
		if got != "old" || matched != "go-mod-old11111" {
			t.Errorf("got %q via %q", got, matched)
		}
	})

	t.Run("prefix fallback picks most recent", func(t *testing.T) {
		got, matched := restoreString(t, s, "go-mod-absent", []string{"go-mod-"})
		if got != "new" {
			t.Errorf("payload = %q, want most recently saved match", got)
		}
		if matched != "go-mod-new22222" {
			t.Errorf("matched = %q", matched)
		}
	})

	t.Run("prefixes tried in order", func(t *testing.T) {
		_, matched := restoreString(t, s, "npm-absent", []string{"npm-", "go-mod-"})
		if matched != "npm-zzzz" {
			t.Errorf("matched = %q, want first prefix's entry", matched)
		}
	})
}

func TestDiskStoreEviction(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, 25)
	if err != nil {
		t.Fatal(err)
	}

	saveString(t, s, "first", strings.Repeat("a", 10))
	time.Sleep(10 * time.Millisecond)
	saveString(t, s, "second", strings.Repeat("b", 10))
	time.Sleep(10 * time.Millisecond)

	// Touch "first" so "second" becomes the LRU victim.
	rc, _, err := s.Restore(context.Background(), "first", nil)
	if err != nil {
		t.Fatal(err)
	}
	rc.Close()
	time.Sleep(10 * time.Millisecond)

	saveString(t, s, "third", strings.Repeat("c", 10))

	if _, _, err := s.Restore(context.Background(), "second", nil); !errors.Is(err, ErrMiss) {
		t.Errorf("second should be evicted, got err = %v", err)
	}
	if _, matched := restoreString(t, s, "first", nil); matched != "first" {
		t.Error("recently used entry evicted")
	}
	if _, matched := restoreString(t, s, "third", nil); matched != "third" {
		t.Error("just-written entry evicted")
	}
}

func TestDiskStoreAdoptsExistingEntries(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	saveString(t, s, "persisted", "survives restart")

	reopened, err := NewDiskStore(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := restoreString(t, reopened, "persisted", nil)
	if got != "survives restart" {
		t.Errorf("payload after reopen = %q", got)
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "node_modules", "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "node_modules", "pkg", "index.js"), []byte("module.exports = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "build.log"), []byte("ok\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := Archive(src, []string{"node_modules", "build.log", "missing-dir"}, &buf); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	dst := t.TempDir()
	if err := Extract(dst, &buf); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dst, "node_modules", "pkg", "index.js"))
	if err != nil {
		t.Fatalf("extracted file missing: %v", err)
	}
	if string(data) != "module.exports = 1\n" {
		t.Errorf("extracted content = %q", data)
	}
	if _, err := os.Stat(filepath.Join(dst, "build.log")); err != nil {
		t.Errorf("top-level file missing: %v", err)
	}
}

func TestExtractRejectsEscapingPaths(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte("x")
	if err := tw.WriteHeader(&tar.Header{Name: "../escape", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	if err := Extract(t.TempDir(), &buf); err == nil {
		t.Error("expected error for entry escaping target dir")
	}
}
