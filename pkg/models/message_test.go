package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTranscript(t *testing.T) {
	good := []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "echo"}, {ID: "c2", Name: "echo"}}},
		{Role: RoleTool, ToolCallID: "c1", Content: "r1"},
		{Role: RoleTool, ToolCallID: "c2", Content: "r2"},
		{Role: RoleAssistant, Content: "done"},
	}
	require.NoError(t, ValidateTranscript(good))
}

func TestValidateTranscriptRejections(t *testing.T) {
	assert.Error(t, ValidateTranscript([]Message{
		{Role: RoleUser, ToolCalls: []ToolCall{{ID: "c1"}}},
	}), "tool calls on a user message")

	assert.Error(t, ValidateTranscript([]Message{
		{Role: RoleUser, ToolCallID: "c1"},
	}), "tool call id on a user message")

	assert.Error(t, ValidateTranscript([]Message{
		{Role: RoleTool, ToolCallID: "c1", Content: "orphan"},
	}), "tool message with no preceding assistant call")

	assert.Error(t, ValidateTranscript([]Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1"}}},
		{Role: RoleUser, Content: "interrupt"},
		{Role: RoleTool, ToolCallID: "c1", Content: "late"},
	}), "tool result separated from its assistant message")
}

func TestParseArguments(t *testing.T) {
	call := ToolCall{Arguments: `{"text":"hello"}`}
	var args struct {
		Text string `json:"text"`
	}
	require.NoError(t, call.ParseArguments(&args))
	assert.Equal(t, "hello", args.Text)

	empty := ToolCall{}
	require.NoError(t, empty.ParseArguments(&args))
}
