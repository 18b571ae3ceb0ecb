package jsonx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractObject(t *testing.T) {
	span, err := ExtractObject("Sure! Here's the plan:\n```json\n{\"a\": 1, \"b\": {\"c\": \"}\"}}\n```\nLet me know.")
	require.NoError(t, err)
	assert.Equal(t, `{"a": 1, "b": {"c": "}"}}`, span)
}

func TestExtractObjectEscapes(t *testing.T) {
	span, err := ExtractObject(`prefix {"s": "quote \" and brace }"} suffix`)
	require.NoError(t, err)
	assert.Equal(t, `{"s": "quote \" and brace }"}`, span)
}

func TestExtractObjectErrors(t *testing.T) {
	_, err := ExtractObject("no json here")
	assert.Error(t, err)
	_, err = ExtractObject(`{"open": true`)
	assert.Error(t, err)
}

func TestDecodeDiscardsExtraKeys(t *testing.T) {
	var out struct {
		Name string `json:"name"`
	}
	err := Decode(`The result: {"name": "dot", "surprise": [1,2,3]}`, &out)
	require.NoError(t, err)
	assert.Equal(t, "dot", out.Name)
}

func TestDecodeValidated(t *testing.T) {
	schema := MustCompile("t.json", map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
	})

	var out struct {
		Name string `json:"name"`
	}
	require.NoError(t, DecodeValidated(`{"name": "ok"}`, schema, &out))
	assert.Equal(t, "ok", out.Name)

	assert.Error(t, DecodeValidated(`{"wrong": 1}`, schema, &out))
}
