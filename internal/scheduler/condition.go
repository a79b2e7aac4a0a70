package scheduler

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/conveyorci/conveyor/pkg/types"
)

// maxConditionLength bounds `if:` expressions; anything longer is rejected
// rather than compiled.
const maxConditionLength = 4096

// ConditionEvaluator evaluates job `if:` expressions. Programs are compiled
// once per distinct expression and cached.
type ConditionEvaluator struct {
	mu       sync.RWMutex
	compiled map[string]*vm.Program
}

// NewConditionEvaluator creates an evaluator with an empty program cache.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{compiled: make(map[string]*vm.Program)}
}

// ConditionEnv builds the evaluation environment for a job condition: the
// triggering event plus the statuses of jobs that already finished.
func ConditionEnv(ev types.TriggerEvent, jobStatuses map[string]types.JobStatus) map[string]interface{} {
	jobs := make(map[string]interface{}, len(jobStatuses))
	for name, status := range jobStatuses {
		jobs[name] = map[string]interface{}{"status": string(status)}
	}
	return map[string]interface{}{
		"event": map[string]interface{}{
			"kind":   string(ev.Kind),
			"branch": ev.Branch,
			"commit": ev.Commit,
			"actor":  ev.Actor,
		},
		"branch": ev.Branch,
		"jobs":   jobs,
	}
}

// Evaluate runs the expression and coerces the result to a boolean. An empty
// expression is true: a job without `if:` always runs.
func (e *ConditionEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	if expression == "" {
		return true, nil
	}
	if len(expression) > maxConditionLength {
		return false, fmt.Errorf("condition exceeds maximum length of %d characters", maxConditionLength)
	}

	e.mu.RLock()
	prog, ok := e.compiled[expression]
	e.mu.RUnlock()

	if !ok {
		var err error
		prog, err = expr.Compile(expression)
		if err != nil {
			return false, fmt.Errorf("compile condition %q: %w", expression, err)
		}
		e.mu.Lock()
		e.compiled[expression] = prog
		e.mu.Unlock()
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", expression, err)
	}

	switch v := result.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case string:
		return v != "", nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("condition %q returned %T, expected bool", expression, result)
	}
}
