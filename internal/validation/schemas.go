package validation

// Schema identifiers.
const (
	SchemaTrackBody = "https://e2ekit.dev/schemas/track.json"
	SchemaRecord    = "https://e2ekit.dev/schemas/failed-cleanup.json"
	SchemaPipeline  = "https://e2ekit.dev/schemas/pipeline.json"
)

// trackBodySchemaJSON describes POST /track bodies and tracking-file lines.
// Extra keys are metadata and allowed.
const trackBodySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["sessionId", "type", "id"],
  "properties": {
    "sessionId": { "type": "string", "minLength": 1 },
    "type":      { "type": "string", "minLength": 1 },
    "id":        { "type": ["string", "number"], "minLength": 1 },
    "createdAt": { "type": "string" }
  }
}`

const recordSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["sessionId", "timestamp", "resources", "provider"],
  "properties": {
    "sessionId": { "type": "string", "minLength": 1 },
    "timestamp": { "type": "string", "format": "date-time" },
    "resources": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "id"],
        "properties": {
          "type":     { "type": "string", "minLength": 1 },
          "id":       { "type": "string", "minLength": 1 },
          "metadata": { "type": "object" },
          "deleted":  { "type": "boolean" }
        }
      }
    },
    "provider": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": { "enum": ["none", "sql", "objectstore", "rest", ""] }
      },
      "not": {
        "anyOf": [
          { "required": ["password"] },
          { "required": ["token"] },
          { "required": ["secret_key"] }
        ]
      }
    },
    "typeMap": { "type": "object", "additionalProperties": { "type": "string" } },
    "errors":  { "type": ["array", "null"], "items": { "type": "string" } }
  }
}`

const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "name":       { "type": "string" },
    "on_failure": { "$ref": "#/$defs/policy" },
    "variables":  { "type": "object" },
    "viewports": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "preset": { "type": "string" },
          "width":  { "type": "integer", "minimum": 1 },
          "height": { "type": "integer", "minimum": 1 }
        },
        "additionalProperties": false
      }
    },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["file"],
        "properties": {
          "id":         { "type": "string" },
          "file":       { "type": "string", "minLength": 1 },
          "depends_on": { "type": "array", "items": { "type": "string" } },
          "on_failure": { "$ref": "#/$defs/policy" },
          "variables":  { "type": "object" },
          "condition":  { "type": "string" }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "policy": { "enum": ["skip", "fail", "ignore", ""] }
  }
}`

var builtinSchemas = map[string]string{
	SchemaTrackBody: trackBodySchemaJSON,
	SchemaRecord:    recordSchemaJSON,
	SchemaPipeline:  pipelineSchemaJSON,
}
