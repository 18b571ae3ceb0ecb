package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerRedactsSecretValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Output: &buf})

	logger.Info(context.Background(), "storing credential",
		"blob", "srv:AAAABBBBCCCCDDDDEEEE",
		"token", "dbot-ABCD-EFGH-JKMN-PQRS")

	out := buf.String()
	assert.NotContains(t, out, "AAAABBBBCCCCDDDDEEEE")
	assert.NotContains(t, out, "ABCD-EFGH-JKMN-PQRS")
	assert.Contains(t, out, "[REDACTED]")
}

func TestLoggerCarriesCorrelationIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	ctx := WithUserID(WithAgentID(context.Background(), "a-1"), "u-1")
	logger.Info(ctx, "step finished")

	out := buf.String()
	assert.Contains(t, out, `"user_id":"u-1"`)
	assert.Contains(t, out, `"agent_id":"a-1"`)
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})

	logger.Info(context.Background(), "too quiet")
	assert.Empty(t, buf.String())

	logger.Warn(context.Background(), "loud enough")
	assert.Contains(t, buf.String(), "loud enough")
}

func TestRedactHelper(t *testing.T) {
	logger := NewNopLogger()
	masked := logger.Redact("key material sk-ant-REDACTED leaked")
	assert.NotContains(t, masked, "sk-ant-")
}
