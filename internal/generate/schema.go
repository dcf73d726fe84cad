package generate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const responseSchemaURL = "generation_response.json"

// responseSchema describes what a generator command may print on stdout.
const responseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "files": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "code": {"type": "string"},
    "path": {"type": "string", "minLength": 1},
    "error": {"type": "string"}
  },
  "anyOf": [
    {"required": ["files"]},
    {"required": ["code"]},
    {"required": ["error"]}
  ],
  "additionalProperties": false
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(responseSchemaURL, strings.NewReader(responseSchema)); err != nil {
			compileErr = err
			return
		}
		compiledSchema, compileErr = compiler.Compile(responseSchemaURL)
	})
	return compiledSchema, compileErr
}

// validateResponse checks raw generator output against the response schema.
func validateResponse(raw []byte) error {
	compiled, err := schema()
	if err != nil {
		return fmt.Errorf("compile response schema: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value interface{}
	if err := decoder.Decode(&value); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := compiled.Validate(value); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	return nil
}
