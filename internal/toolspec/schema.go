// Package toolspec implements the Tool Registry & Safety layer (spec.md
// §4.4): JSON-schema argument validation, command/path safety screening,
// code-mode/sys-mode scope enforcement, and plan-mode interception of
// mutating tool calls. Schema compilation is grounded on the now-removed
// pkg/pluginsdk's compileSchema/schemaCache pattern (re-derived here for
// tool arguments instead of plugin configs); safety screening builds on
// internal/tools/security's shell analysis and internal/tools/policy's
// allow/deny resolver.
package toolspec

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache memoizes compiled schemas by their raw JSON text, since the
// same tool's schema is validated against on every call.
var schemaCache sync.Map

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	key := name + "\x00" + string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// ValidateArgs validates a tool call's JSON arguments against its declared
// schema (required params, types, enums, additionalProperties:false per
// spec.md §4.4). An empty schema always validates.
func ValidateArgs(toolName string, schema json.RawMessage, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileSchema(toolName, schema)
	if err != nil {
		return fmt.Errorf("toolspec: compile schema for %s: %w", toolName, err)
	}

	var decoded any
	if len(args) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("toolspec: %s: arguments are not valid JSON: %w", toolName, err)
	}

	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("toolspec: %s: arguments failed schema validation: %w", toolName, err)
	}
	return nil
}
