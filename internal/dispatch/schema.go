package dispatch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Payload schemas, one per command family. Fields are camelCase on the wire.
const (
	schemaDockerList = `{
  "type": "object",
  "properties": {"all": {"type": "boolean"}}
}`

	schemaDockerAction = `{
  "type": "object",
  "required": ["containerId"],
  "properties": {
    "containerId": {"type": "string", "minLength": 1, "maxLength": 128},
    "timeoutSeconds": {"type": "integer", "minimum": 0, "maximum": 600}
  }
}`

	schemaDockerLogs = `{
  "type": "object",
  "required": ["containerId"],
  "properties": {
    "containerId": {"type": "string", "minLength": 1, "maxLength": 128},
    "tail": {"type": "integer", "minimum": 1, "maximum": 100000}
  }
}`

	schemaService = `{
  "type": "object",
  "required": ["serviceName"],
  "properties": {
    "serviceName": {"type": "string", "minLength": 1, "maxLength": 256}
  }
}`

	schemaLogRead = `{
  "type": "object",
  "required": ["path"],
  "properties": {
    "path": {"type": "string", "minLength": 1},
    "offsetBytes": {"type": "integer"},
    "maxBytes": {"type": "integer", "minimum": 1}
  }
}`

	schemaLogTail = `{
  "type": "object",
  "required": ["path"],
  "properties": {
    "path": {"type": "string", "minLength": 1},
    "durationSeconds": {"type": "integer", "minimum": 1, "maximum": 3600},
    "pollMs": {"type": "integer", "minimum": 50, "maximum": 60000},
    "chunkBytes": {"type": "integer", "minimum": 1}
  }
}`

	schemaScriptRun = `{
  "type": "object",
  "required": ["shell"],
  "properties": {
    "shell": {"type": "string", "enum": ["bash", "sh", "powershell", "pwsh", "cmd"]},
    "content": {"type": "string"},
    "scriptId": {"type": "string"},
    "args": {"type": "array", "items": {"type": "string"}},
    "timeoutSeconds": {"type": "integer", "minimum": 1}
  }
}`

	schemaTerminalOpen = `{
  "type": "object",
  "required": ["shell"],
  "properties": {
    "shell": {"type": "string", "enum": ["bash", "sh", "powershell", "pwsh", "cmd"]},
    "workingDir": {"type": "string"}
  }
}`

	schemaTerminalInput = `{
  "type": "object",
  "required": ["sessionId", "data"],
  "properties": {
    "sessionId": {"type": "string", "minLength": 1},
    "data": {"type": "string"}
  }
}`

	schemaTerminalClose = `{
  "type": "object",
  "required": ["sessionId"],
  "properties": {"sessionId": {"type": "string", "minLength": 1}}
}`

	schemaFileList = `{
  "type": "object",
  "required": ["path"],
  "properties": {
    "path": {"type": "string", "minLength": 1},
    "showHidden": {"type": "boolean"}
  }
}`

	schemaFileDownload = `{
  "type": "object",
  "required": ["path"],
  "properties": {
    "path": {"type": "string", "minLength": 1},
    "chunkSize": {"type": "integer", "minimum": 1},
    "offsetBytes": {"type": "integer", "minimum": 0},
    "endOffsetInclusive": {"type": "integer", "minimum": 0},
    "compress": {"type": "boolean"}
  }
}`

	schemaPathOnly = `{
  "type": "object",
  "required": ["path"],
  "properties": {"path": {"type": "string", "minLength": 1}}
}`
)

func compileSchemas() [kindCount]*gojsonschema.Schema {
	var out [kindCount]*gojsonschema.Schema
	for k := Kind(0); k < kindCount; k++ {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(kinds[k].schema))
		if err != nil {
			panic(fmt.Sprintf("dispatch: schema for %s does not compile: %v", kinds[k].name, err))
		}
		out[k] = s
	}
	return out
}

// validatePayload checks raw against the kind's schema. An empty payload is
// treated as an empty object.
func validatePayload(schema *gojsonschema.Schema, raw string) ([]byte, error) {
	doc := strings.TrimSpace(raw)
	if doc == "" {
		doc = "{}"
	}
	if !json.Valid([]byte(doc)) {
		return nil, validationf("", "payload must be valid JSON")
	}

	result, err := schema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return nil, validationf("", "payload must be valid JSON: %v", err)
	}
	if result.Valid() {
		return []byte(doc), nil
	}
	return nil, schemaError(result.Errors())
}

// errorRank orders schema errors so the most useful one is reported.
var errorRank = map[string]int{
	"invalid_type": 0,
	"required":     1,
	"enum":         2,
}

func schemaError(errs []gojsonschema.ResultError) *ValidationError {
	sort.SliceStable(errs, func(i, j int) bool {
		ri, ok := errorRank[errs[i].Type()]
		if !ok {
			ri = len(errorRank)
		}
		rj, ok := errorRank[errs[j].Type()]
		if !ok {
			rj = len(errorRank)
		}
		return ri < rj
	})

	e := errs[0]
	field := e.Field()
	switch e.Type() {
	case "required":
		prop, _ := e.Details()["property"].(string)
		return validationf(prop, "missing required field %q", prop)
	case "enum":
		return validationf(field, "unsupported %s %v", field, formatValue(e.Value()))
	case "invalid_type":
		if field == gojsonschema.STRING_CONTEXT_ROOT {
			return validationf("", "payload must be a JSON object")
		}
	}
	return validationf(field, "invalid field %q: %s", field, e.Description())
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprint(v)
}
