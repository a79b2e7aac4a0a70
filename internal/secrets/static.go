package secrets

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Entry declares one secret: its value source and which jobs may read it.
// Exactly one of Value and FromEnv should be set. An empty Jobs list grants
// the secret to no job (deny by default).
type Entry struct {
	Name    string   `yaml:"name"`
	Value   string   `yaml:"value,omitempty"`
	FromEnv string   `yaml:"from-env,omitempty"`
	Jobs    []string `yaml:"jobs"`
}

type grant struct {
	value string
	jobs  map[string]bool
}

// StaticProvider serves secrets from a fixed set of entries, typically
// loaded from a secrets file at startup. Safe for concurrent use: the grant
// table is immutable after construction.
type StaticProvider struct {
	grants map[string]grant
}

// NewStaticProvider builds a provider from entries, resolving from-env
// sources once at construction.
func NewStaticProvider(entries []Entry) (*StaticProvider, error) {
	grants := make(map[string]grant, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("secret entry with empty name")
		}
		if _, dup := grants[e.Name]; dup {
			return nil, fmt.Errorf("duplicate secret %q", e.Name)
		}

		value := e.Value
		if e.FromEnv != "" {
			if value != "" {
				return nil, fmt.Errorf("secret %q: value and from-env are mutually exclusive", e.Name)
			}
			value = os.Getenv(e.FromEnv)
		}

		jobs := make(map[string]bool, len(e.Jobs))
		for _, j := range e.Jobs {
			jobs[j] = true
		}
		grants[e.Name] = grant{value: value, jobs: jobs}
	}
	return &StaticProvider{grants: grants}, nil
}

// LoadFile reads a secrets file (a YAML list of entries) and builds a
// provider from it.
func LoadFile(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}
	return NewStaticProvider(entries)
}

// Resolve implements Provider. Scope checks run before existence is
// revealed for granted names; an unknown name still reports ErrNotFound.
func (p *StaticProvider) Resolve(ctx context.Context, names []string, scope string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		g, ok := p.grants[name]
		if !ok {
			return nil, notFoundErr(name)
		}
		if !g.jobs[scope] {
			return nil, deniedErr(name, scope)
		}
		out[name] = g.value
	}
	return out, nil
}

var _ Provider = (*StaticProvider)(nil)
