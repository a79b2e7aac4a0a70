// Package trigger decides whether inbound events start pipeline runs.
package trigger

import (
	"sync"

	"github.com/conveyorci/conveyor/internal/pipeline"
	"github.com/conveyorci/conveyor/pkg/types"
)

// Evaluator matches inbound events against the trigger rules of the
// registered pipeline definitions. A non-match is a no-op, never an error.
type Evaluator struct {
	mu    sync.RWMutex
	defs  []*pipeline.Definition
	byKey map[string]*pipeline.Definition
}

// NewEvaluator creates an evaluator over the given definitions.
func NewEvaluator(defs ...*pipeline.Definition) *Evaluator {
	e := &Evaluator{byKey: make(map[string]*pipeline.Definition)}
	for _, def := range defs {
		e.Register(def)
	}
	return e
}

// Register adds a definition. Registering a definition with an existing
// name replaces it.
func (e *Evaluator) Register(def *pipeline.Definition) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.byKey[def.Name]; exists {
		for i, d := range e.defs {
			if d.Name == def.Name {
				e.defs[i] = def
				break
			}
		}
	} else {
		e.defs = append(e.defs, def)
	}
	e.byKey[def.Name] = def
}

// Definitions returns all registered definitions in registration order.
func (e *Evaluator) Definitions() []*pipeline.Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*pipeline.Definition, len(e.defs))
	copy(out, e.defs)
	return out
}

// Definition returns the named definition, if registered.
func (e *Evaluator) Definition(name string) (*pipeline.Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.byKey[name]
	return def, ok
}

// Match returns the first definition whose trigger rules accept the event,
// or nil if no rule matches. Manual dispatch always matches: it targets a
// pipeline by name and ignores branch restrictions entirely.
func (e *Evaluator) Match(ev types.TriggerEvent) *pipeline.Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if ev.Kind == types.EventManual {
		if ev.Pipeline != "" {
			return e.byKey[ev.Pipeline]
		}
		if len(e.defs) > 0 {
			return e.defs[0]
		}
		return nil
	}

	for _, def := range e.defs {
		if ruleMatches(def, ev) {
			return def
		}
	}
	return nil
}

func ruleMatches(def *pipeline.Definition, ev types.TriggerEvent) bool {
	switch ev.Kind {
	case types.EventPush:
		return def.On.Push != nil && def.On.Push.Matches(ev.Branch)
	case types.EventPullRequest:
		return def.On.PullRequest != nil && def.On.PullRequest.Matches(ev.Branch)
	}
	return false
}
