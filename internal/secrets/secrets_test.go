package secrets

import (
	"context"
	"errors"
	"testing"
)

func testProvider(t *testing.T) *StaticProvider {
	t.Helper()
	p, err := NewStaticProvider([]Entry{
		{Name: "DEPLOY_TOKEN", Value: "tok-12345", Jobs: []string{"deploy"}},
		{Name: "SCAN_KEY", Value: "scan-secret", Jobs: []string{"scan1", "scan2"}},
	})
	if err != nil {
		t.Fatalf("NewStaticProvider failed: %v", err)
	}
	return p
}

func TestStaticProvider_Resolve(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()

	t.Run("granted scope resolves", func(t *testing.T) {
		got, err := p.Resolve(ctx, []string{"DEPLOY_TOKEN"}, "deploy")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if got["DEPLOY_TOKEN"] != "tok-12345" {
			t.Errorf("unexpected value %q", got["DEPLOY_TOKEN"])
		}
	})

	t.Run("out of scope is denied", func(t *testing.T) {
		_, err := p.Resolve(ctx, []string{"DEPLOY_TOKEN"}, "build")
		if !errors.Is(err, ErrAccessDenied) {
			t.Errorf("expected ErrAccessDenied, got %v", err)
		}
	})

	t.Run("unknown secret", func(t *testing.T) {
		_, err := p.Resolve(ctx, []string{"GHOST"}, "deploy")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("one denied name fails the whole request", func(t *testing.T) {
		_, err := p.Resolve(ctx, []string{"SCAN_KEY", "DEPLOY_TOKEN"}, "scan1")
		if !errors.Is(err, ErrAccessDenied) {
			t.Errorf("expected ErrAccessDenied, got %v", err)
		}
	})
}

func TestNewStaticProvider_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
	}{
		{"empty name", []Entry{{Value: "x", Jobs: []string{"a"}}}},
		{"duplicate", []Entry{
			{Name: "A", Value: "1", Jobs: []string{"a"}},
			{Name: "A", Value: "2", Jobs: []string{"a"}},
		}},
		{"value and from-env", []Entry{{Name: "A", Value: "x", FromEnv: "HOME", Jobs: []string{"a"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewStaticProvider(tt.entries); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRedactor(t *testing.T) {
	r := NewRedactor([]string{"tok-12345", "scan-secret", ""})

	tests := []struct {
		in   string
		want string
	}{
		{"pushing with token tok-12345", "pushing with token ***"},
		{"tok-12345 scan-secret tok-12345", "*** *** ***"},
		{"nothing to hide", "nothing to hide"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := r.Redact(tt.in); got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedactor_NoValues(t *testing.T) {
	r := NewRedactor(nil)
	if got := r.Redact("plain"); got != "plain" {
		t.Errorf("Redact with no values should be identity, got %q", got)
	}
}
