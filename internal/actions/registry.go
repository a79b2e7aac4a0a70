// Package actions implements reusable pipeline steps invoked via `uses:`.
// The registry is consulted when a pipeline is loaded, so a reference to an
// unknown action fails validation instead of a run.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/conveyorci/conveyor/pkg/types"
)

// ErrUnknownAction is returned by Lookup for unregistered names.
var ErrUnknownAction = errors.New("unknown action")

// ExecFunc runs a command inside the job's workspace through the job's
// runner, with output flowing to the job's log sink. The env map is merged
// over the step environment.
type ExecFunc func(ctx context.Context, argv []string, env map[string]string) (int, error)

// StepContext carries everything an action may need. Cache and Artifacts are
// nil when the daemon runs without the corresponding backend; actions that
// need them must check.
type StepContext struct {
	RunID   string
	Job     string
	Workdir string

	// With holds the step's `with:` inputs.
	With map[string]string

	// Env is the step's resolved environment.
	Env map[string]string

	Exec      ExecFunc
	Cache     CacheAccess
	Artifacts ArtifactStore

	// Logf writes a line to the job log.
	Logf func(level types.LogLevel, format string, args ...any)
}

func (sc *StepContext) logf(level types.LogLevel, format string, args ...any) {
	if sc.Logf != nil {
		sc.Logf(level, format, args...)
	}
}

// Action is the body of a reusable step. A returned error fails the step.
type Action func(ctx context.Context, sc *StepContext) error

// Registry maps action names to implementations.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates a registry pre-populated with the builtin actions.
func NewRegistry() *Registry {
	r := &Registry{actions: make(map[string]Action)}
	r.actions["core/checkout"] = checkoutAction
	r.actions["core/cache"] = cacheAction
	r.actions["core/artifact"] = artifactAction
	return r
}

// Register adds an action. Names are immutable once registered.
func (r *Registry) Register(name string, action Action) error {
	if name == "" {
		return fmt.Errorf("action name is empty")
	}
	if action == nil {
		return fmt.Errorf("action %s is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		return fmt.Errorf("action %s already registered", name)
	}
	r.actions[name] = action
	return nil
}

// Has reports whether the action name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// Lookup returns the action for a name.
func (r *Registry) Lookup(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	action, ok := r.actions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	return action, nil
}

// Names returns the registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
