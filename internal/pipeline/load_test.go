package pipeline

import (
	"errors"
	"strings"
	"testing"
)

const validPipelineYAML = `
name: main
on:
  push:
    branches: [master]
  pull_request:
    branches: [master]
  manual: {}
env:
  CI: "true"
jobs:
  build:
    runs-on: linux
    steps:
      - name: compile
        run: make build
  scan1:
    runs-on: linux
    needs: [build]
    steps:
      - name: lint
        run: make lint
  scan2:
    runs-on: linux
    needs: [build]
    steps:
      - name: vuln
        run: make vuln-scan
  test:
    runs-on: linux
    needs: [scan1, scan2]
    steps:
      - name: unit
        run: make test
  deploy:
    runs-on: linux
    needs: [test]
    secrets: [DEPLOY_TOKEN]
    steps:
      - name: release
        run: make deploy
`

type fakeResolver map[string]bool

func (r fakeResolver) Has(name string) bool { return r[name] }

func TestLoad_Valid(t *testing.T) {
	def, err := Load([]byte(validPipelineYAML), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if def.Name != "main" {
		t.Errorf("expected name %q, got %q", "main", def.Name)
	}
	if def.On.Push == nil || !def.On.Push.Matches("master") {
		t.Error("push trigger should match master")
	}
	if def.On.Push.Matches("feature") {
		t.Error("push trigger should not match feature")
	}

	want := []string{"build", "scan1", "scan2", "test", "deploy"}
	if len(def.Jobs) != len(want) {
		t.Fatalf("expected %d jobs, got %d", len(want), len(def.Jobs))
	}
	for i, name := range want {
		if def.Jobs[i].Name != name {
			t.Errorf("job %d: expected %q, got %q (declaration order lost)", i, name, def.Jobs[i].Name)
		}
	}

	deploy, ok := def.Job("deploy")
	if !ok {
		t.Fatal("deploy job not found")
	}
	if len(deploy.Secrets) != 1 || deploy.Secrets[0] != "DEPLOY_TOKEN" {
		t.Errorf("deploy secrets = %v", deploy.Secrets)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			"cycle",
			`
name: p
jobs:
  a:
    runs-on: linux
    needs: [b]
    steps: [{run: "true"}]
  b:
    runs-on: linux
    needs: [a]
    steps: [{run: "true"}]
`,
		},
		{
			"self dependency",
			`
name: p
jobs:
  a:
    runs-on: linux
    needs: [a]
    steps: [{run: "true"}]
`,
		},
		{
			"unknown needs reference",
			`
name: p
jobs:
  a:
    runs-on: linux
    needs: [ghost]
    steps: [{run: "true"}]
`,
		},
		{
			"missing runs-on",
			`
name: p
jobs:
  a:
    steps: [{run: "true"}]
`,
		},
		{
			"step with run and uses",
			`
name: p
jobs:
  a:
    runs-on: linux
    steps: [{run: "true", uses: core/checkout}]
`,
		},
		{
			"step with neither run nor uses",
			`
name: p
jobs:
  a:
    runs-on: linux
    steps: [{name: empty}]
`,
		},
		{
			"no jobs",
			`
name: p
jobs: {}
`,
		},
		{
			"missing name",
			`
jobs:
  a:
    runs-on: linux
    steps: [{run: "true"}]
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.yaml), nil)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected *ValidationError, got %T: %v", err, err)
			}
		})
	}
}

func TestLoad_UnknownAction(t *testing.T) {
	doc := `
name: p
jobs:
  a:
    runs-on: linux
    steps:
      - name: fetch
        uses: core/checkout
      - name: mystery
        uses: core/teleport
`
	resolver := fakeResolver{"core/checkout": true}

	_, err := Load([]byte(doc), resolver)
	if err == nil {
		t.Fatal("expected unknown action error")
	}
	if !strings.Contains(err.Error(), "core/teleport") {
		t.Errorf("error should name the unknown action, got: %v", err)
	}

	// Same document passes once the action is registered.
	resolver["core/teleport"] = true
	if _, err := Load([]byte(doc), resolver); err != nil {
		t.Errorf("Load with complete resolver failed: %v", err)
	}
}

func TestLoad_DuplicateJobNames(t *testing.T) {
	doc := `
name: p
jobs:
  a:
    runs-on: linux
    steps: [{run: "true"}]
  a:
    runs-on: linux
    steps: [{run: "false"}]
`
	_, err := Load([]byte(doc), nil)
	if err == nil {
		t.Fatal("expected duplicate job name error")
	}
}
