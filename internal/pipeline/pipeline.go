// Package pipeline provides pipeline definition loading, validation, and the
// job dependency graph.
package pipeline

import (
	"fmt"
)

// Definition is a validated pipeline: trigger rules plus an ordered set of jobs.
// Job order is the declaration order in the source document; the scheduler
// relies on it for deterministic dispatch.
type Definition struct {
	Name string            `json:"name"`
	On   Triggers          `json:"on"`
	Env  map[string]string `json:"env,omitempty"`
	Jobs []*Job            `json:"jobs"`

	byName map[string]*Job
	graph  *Graph
}

// Job returns the named job, if declared.
func (d *Definition) Job(name string) (*Job, bool) {
	j, ok := d.byName[name]
	return j, ok
}

// Graph returns the dependency graph built at load time.
func (d *Definition) Graph() *Graph {
	return d.graph
}

// Triggers holds the trigger rules for a pipeline. A nil rule means the
// corresponding event kind never starts a run; manual dispatch is always
// accepted regardless.
type Triggers struct {
	Push        *BranchFilter `yaml:"push" json:"push,omitempty"`
	PullRequest *BranchFilter `yaml:"pull_request" json:"pull_request,omitempty"`
	Manual      *ManualRule   `yaml:"manual" json:"manual,omitempty"`
}

// BranchFilter restricts a trigger rule to a set of branch names.
// An empty list matches any branch.
type BranchFilter struct {
	Branches []string `yaml:"branches" json:"branches,omitempty"`
}

// Matches reports whether the filter accepts the branch (exact-string match).
func (f *BranchFilter) Matches(branch string) bool {
	if len(f.Branches) == 0 {
		return true
	}
	for _, b := range f.Branches {
		if b == branch {
			return true
		}
	}
	return false
}

// ManualRule marks a pipeline as manually dispatchable. It carries no
// configuration today; it exists so definitions can declare the trigger
// explicitly.
type ManualRule struct{}

// Job is a named unit of work: an ordered list of steps plus its dependencies.
type Job struct {
	Name     string            `yaml:"-" json:"name"`
	RunsOn   string            `yaml:"runs-on" json:"runs_on"`
	Needs    []string          `yaml:"needs" json:"needs,omitempty"`
	If       string            `yaml:"if" json:"if,omitempty"`
	Optional bool              `yaml:"optional" json:"optional,omitempty"`
	Env      map[string]string `yaml:"env" json:"env,omitempty"`
	Secrets  []string          `yaml:"secrets" json:"secrets,omitempty"`
	Cache    *CacheSpec        `yaml:"cache" json:"cache,omitempty"`
	Image    string            `yaml:"image" json:"image,omitempty"` // container image for kubernetes runs-on
	Steps    []Step            `yaml:"steps" json:"steps"`
}

// Step is a single unit of work within a job: either a reusable action
// reference (Uses) or a literal shell command (Run), never both.
type Step struct {
	Name string            `yaml:"name" json:"name"`
	Uses string            `yaml:"uses" json:"uses,omitempty"`
	Run  string            `yaml:"run" json:"run,omitempty"`
	With map[string]string `yaml:"with" json:"with,omitempty"`
	Env  map[string]string `yaml:"env" json:"env,omitempty"`
}

// CacheSpec declares the cache inputs for a job. The key is a stable hash of
// the listed files plus the values of the listed environment variables,
// prefixed with Key.
type CacheSpec struct {
	Key         string   `yaml:"key" json:"key"`
	KeyFiles    []string `yaml:"key-files" json:"key_files,omitempty"`
	Env         []string `yaml:"env" json:"env,omitempty"`
	Paths       []string `yaml:"paths" json:"paths"`
	RestoreKeys []string `yaml:"restore-keys" json:"restore_keys,omitempty"`
}

// ValidationError describes a malformed pipeline definition. It is fatal:
// no run is started for a definition that fails validation.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

func validationErrorf(path, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Path: path, Message: fmt.Sprintf(format, args...)}
}

// ActionResolver reports whether a "uses:" action identifier is registered.
// Unknown actions are rejected at load time rather than at execution time.
type ActionResolver interface {
	Has(name string) bool
}
