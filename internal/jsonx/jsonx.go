// Package jsonx decodes the JSON that LLMs actually produce: objects
// wrapped in prose or code fences, carrying keys nobody asked for.
package jsonx

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ExtractObject returns the first balanced {…} span in s. LLMs routinely
// wrap JSON in markdown or commentary; everything outside the span is
// discarded.
func ExtractObject(s string) (string, error) {
	raw := []byte(s)
	start := bytes.IndexByte(raw, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object found")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return string(raw[start : i+1]), nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object")
}

// Decode extracts the first object span from s and unmarshals it into dst.
// Unknown keys are discarded silently, matching how schema-constrained LLM
// output is consumed everywhere in the system.
func Decode(s string, dst any) error {
	span, err := ExtractObject(s)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(span), dst)
}

// DecodeValidated extracts, validates against a compiled schema, then
// unmarshals. Validation failures carry the schema location of the
// mismatch.
func DecodeValidated(s string, schema *jsonschema.Schema, dst any) error {
	span, err := ExtractObject(s)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal([]byte(span), &generic); err != nil {
		return err
	}
	if schema != nil {
		if err := schema.Validate(generic); err != nil {
			return fmt.Errorf("schema validation: %w", err)
		}
	}
	return json.Unmarshal([]byte(span), dst)
}

// MustCompile compiles a schema document at init time.
func MustCompile(name string, doc map[string]any) *jsonschema.Schema {
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(err)
	}
	return schema
}
