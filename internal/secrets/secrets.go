// Package secrets resolves named secrets into job-scoped values.
package secrets

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by Provider implementations.
var (
	// ErrAccessDenied means a job requested a secret outside its granted
	// scope. Fatal to that job, local to it.
	ErrAccessDenied = errors.New("secret access denied")

	// ErrNotFound means a requested secret is not configured at all.
	ErrNotFound = errors.New("secret not found")
)

// Provider resolves secret names into values for a given scope (the
// requesting job's name). Values are resolved fresh per job invocation and
// must never be persisted; callers discard the returned map when the job
// process exits.
type Provider interface {
	// Resolve returns name->value for every requested name. It fails with
	// ErrAccessDenied (wrapped) if any name is outside the scope's grants,
	// and ErrNotFound (wrapped) if any name is unknown.
	Resolve(ctx context.Context, names []string, scope string) (map[string]string, error)
}

func deniedErr(name, scope string) error {
	return fmt.Errorf("secret %q is not granted to job %q: %w", name, scope, ErrAccessDenied)
}

func notFoundErr(name string) error {
	return fmt.Errorf("secret %q: %w", name, ErrNotFound)
}
