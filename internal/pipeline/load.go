package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

var (
	schemaOnce sync.Once
	defSchema  *jsonschema.Schema
	schemaErr  error
)

func definitionSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("pipeline.json", strings.NewReader(definitionSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add pipeline schema: %w", err)
			return
		}
		defSchema, schemaErr = compiler.Compile("pipeline.json")
	})
	return defSchema, schemaErr
}

// rawDefinition mirrors the document layout. Jobs stays a yaml.Node so the
// mapping's declaration order survives decoding.
type rawDefinition struct {
	Name string            `yaml:"name"`
	On   Triggers          `yaml:"on"`
	Env  map[string]string `yaml:"env"`
	Jobs yaml.Node         `yaml:"jobs"`
}

// LoadFile reads and validates a pipeline definition from disk.
func LoadFile(path string, actions ActionResolver) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline %s: %w", path, err)
	}
	return Load(data, actions)
}

// Load parses, validates, and builds the dependency graph for a pipeline
// definition. It fails with a *ValidationError on any malformed input:
// schema violations, duplicate job names, unresolved needs references,
// unknown actions, or dependency cycles. A nil ActionResolver skips the
// action check.
func Load(data []byte, actions ActionResolver) (*Definition, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var raw rawDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, validationErrorf("$", "invalid YAML: %v", err)
	}

	def := &Definition{
		Name:   raw.Name,
		On:     raw.On,
		Env:    raw.Env,
		byName: make(map[string]*Job),
	}

	if err := decodeJobs(&raw.Jobs, def); err != nil {
		return nil, err
	}

	for _, job := range def.Jobs {
		if err := validateJob(def, job, actions); err != nil {
			return nil, err
		}
	}

	graph, err := newGraph(def)
	if err != nil {
		return nil, err
	}
	def.graph = graph

	return def, nil
}

// validateSchema checks the document shape against the embedded JSON schema.
func validateSchema(data []byte) error {
	schema, err := definitionSchema()
	if err != nil {
		return err
	}

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return validationErrorf("$", "invalid YAML: %v", err)
	}

	// Round-trip through JSON so the schema validator sees the value types
	// it expects. Non-string mapping keys fail here, which is fine: the
	// schema would reject them anyway.
	buf, err := json.Marshal(doc)
	if err != nil {
		return validationErrorf("$", "document is not schema-checkable: %v", err)
	}
	var normalized interface{}
	if err := json.Unmarshal(buf, &normalized); err != nil {
		return validationErrorf("$", "normalize document: %v", err)
	}

	if err := schema.Validate(normalized); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			leaf := leafCause(verr)
			return &ValidationError{
				Path:    "$" + strings.ReplaceAll(leaf.InstanceLocation, "/", "."),
				Message: leaf.Message,
			}
		}
		return validationErrorf("$", "%v", err)
	}
	return nil
}

// leafCause descends to the most specific validation failure.
func leafCause(err *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(err.Causes) > 0 {
		err = err.Causes[0]
	}
	return err
}

// decodeJobs walks the jobs mapping node in declaration order.
func decodeJobs(node *yaml.Node, def *Definition) error {
	if node.Kind != yaml.MappingNode {
		return validationErrorf("$.jobs", "jobs must be a mapping")
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode := node.Content[i]
		valNode := node.Content[i+1]

		name := keyNode.Value
		if _, exists := def.byName[name]; exists {
			return validationErrorf("$.jobs."+name, "duplicate job name")
		}

		job := &Job{}
		if err := valNode.Decode(job); err != nil {
			return validationErrorf("$.jobs."+name, "decode job: %v", err)
		}
		job.Name = name

		def.Jobs = append(def.Jobs, job)
		def.byName[name] = job
	}

	if len(def.Jobs) == 0 {
		return validationErrorf("$.jobs", "pipeline declares no jobs")
	}
	return nil
}

func validateJob(def *Definition, job *Job, actions ActionResolver) error {
	path := "$.jobs." + job.Name

	for _, dep := range job.Needs {
		if dep == job.Name {
			return validationErrorf(path+".needs", "job depends on itself")
		}
		if _, ok := def.byName[dep]; !ok {
			return validationErrorf(path+".needs", "needs undeclared job %q", dep)
		}
	}

	for i, step := range job.Steps {
		stepPath := fmt.Sprintf("%s.steps[%d]", path, i)
		switch {
		case step.Run == "" && step.Uses == "":
			return validationErrorf(stepPath, "step must set either run or uses")
		case step.Run != "" && step.Uses != "":
			return validationErrorf(stepPath, "step must set only one of run and uses")
		case step.Run != "" && len(step.With) > 0:
			return validationErrorf(stepPath, "with parameters are only valid on uses steps")
		}
		if step.Uses != "" && actions != nil && !actions.Has(step.Uses) {
			return validationErrorf(stepPath+".uses", "unknown action %q", step.Uses)
		}
	}

	return nil
}
