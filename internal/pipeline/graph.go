package pipeline

import (
	"strings"

	"github.com/conveyorci/conveyor/pkg/types"
)

// Graph is the dependency structure between a pipeline's jobs. It is built
// once at load time, after the needs relation has been proven acyclic, and
// is read-only afterwards.
type Graph struct {
	order      []string            // declaration order
	needs      map[string][]string // job -> direct dependencies
	dependents map[string][]string // job -> direct dependents, declaration order
	index      map[string]int      // job -> declaration position
}

// newGraph builds the graph and rejects cycles via Kahn's algorithm.
func newGraph(def *Definition) (*Graph, error) {
	g := &Graph{
		needs:      make(map[string][]string, len(def.Jobs)),
		dependents: make(map[string][]string, len(def.Jobs)),
		index:      make(map[string]int, len(def.Jobs)),
	}

	for i, job := range def.Jobs {
		g.order = append(g.order, job.Name)
		g.needs[job.Name] = job.Needs
		g.index[job.Name] = i
	}
	for _, job := range def.Jobs {
		for _, dep := range job.Needs {
			g.dependents[dep] = append(g.dependents[dep], job.Name)
		}
	}

	// Kahn's algorithm: seed with zero-indegree jobs in declaration order.
	indegree := make(map[string]int, len(g.order))
	for _, name := range g.order {
		indegree[name] = len(g.needs[name])
	}
	var queue []string
	for _, name := range g.order {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	processed := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range g.dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed != len(g.order) {
		var cyclic []string
		for _, name := range g.order {
			if indegree[name] > 0 {
				cyclic = append(cyclic, name)
			}
		}
		return nil, validationErrorf("$.jobs", "dependency cycle involving: %s", strings.Join(cyclic, ", "))
	}

	return g, nil
}

// Jobs returns all job names in declaration order.
func (g *Graph) Jobs() []string {
	return g.order
}

// Needs returns the direct dependencies of a job.
func (g *Graph) Needs(job string) []string {
	return g.needs[job]
}

// Dependents returns the direct dependents of a job in declaration order.
func (g *Graph) Dependents(job string) []string {
	return g.dependents[job]
}

// ReadyJobs returns, in declaration order, the jobs whose status is pending
// and whose every dependency has succeeded. Declaration order here is what
// makes dispatch deterministic across identical runs.
func (g *Graph) ReadyJobs(status map[string]types.JobStatus) []string {
	var ready []string
	for _, name := range g.order {
		if status[name] != types.JobStatusPending {
			continue
		}
		ok := true
		for _, dep := range g.needs[name] {
			if status[dep] != types.JobStatusSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, name)
		}
	}
	return ready
}

// TransitiveDependents returns every job downstream of the given job,
// directly or indirectly, in declaration order.
func (g *Graph) TransitiveDependents(job string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(name string) {
		for _, dep := range g.dependents[name] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(job)

	var result []string
	for _, name := range g.order {
		if seen[name] {
			result = append(result, name)
		}
	}
	return result
}
