package pipeline

// definitionSchemaJSON is the JSON Schema applied to pipeline documents
// before structural validation. It catches shape errors (wrong types,
// missing required fields) with useful paths; reference and cycle checks
// happen afterwards in Load.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "pipeline.json",
  "type": "object",
  "required": ["name", "jobs"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "on": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "push": {"$ref": "#/$defs/branchFilter"},
        "pull_request": {"$ref": "#/$defs/branchFilter"},
        "manual": {"type": ["object", "null"]}
      }
    },
    "env": {"$ref": "#/$defs/stringMap"},
    "jobs": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {"$ref": "#/$defs/job"}
    }
  },
  "$defs": {
    "branchFilter": {
      "type": ["object", "null"],
      "additionalProperties": false,
      "properties": {
        "branches": {"type": "array", "items": {"type": "string"}}
      }
    },
    "stringMap": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "job": {
      "type": "object",
      "required": ["runs-on", "steps"],
      "additionalProperties": false,
      "properties": {
        "runs-on": {"type": "string", "minLength": 1},
        "needs": {"type": "array", "items": {"type": "string"}},
        "if": {"type": "string"},
        "optional": {"type": "boolean"},
        "env": {"$ref": "#/$defs/stringMap"},
        "secrets": {"type": "array", "items": {"type": "string"}},
        "image": {"type": "string"},
        "cache": {
          "type": "object",
          "required": ["key", "paths"],
          "additionalProperties": false,
          "properties": {
            "key": {"type": "string", "minLength": 1},
            "key-files": {"type": "array", "items": {"type": "string"}},
            "env": {"type": "array", "items": {"type": "string"}},
            "paths": {"type": "array", "minItems": 1, "items": {"type": "string"}},
            "restore-keys": {"type": "array", "items": {"type": "string"}}
          }
        },
        "steps": {
          "type": "array",
          "minItems": 1,
          "items": {"$ref": "#/$defs/step"}
        }
      }
    },
    "step": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string"},
        "uses": {"type": "string"},
        "run": {"type": "string"},
        "with": {"$ref": "#/$defs/stringMap"},
        "env": {"$ref": "#/$defs/stringMap"}
      }
    }
  }
}`
