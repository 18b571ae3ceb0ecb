package llm

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyKinds(t *testing.T) {
	cases := []struct {
		name   string
		status int
		err    string
		want   ErrorKind
	}{
		{"status 429", 429, "too many", KindRateLimited},
		{"status 500", 500, "boom", KindTransient},
		{"status 503", 503, "unavailable", KindTransient},
		{"status 401", 401, "nope", KindUnauthorized},
		{"status 403", 403, "nope", KindUnauthorized},
		{"rate limit text", 0, "Rate limit exceeded, slow down", KindRateLimited},
		{"too many requests text", 0, "429 Too Many Requests", KindRateLimited},
		{"invalid key", 0, "invalid api key provided", KindUnauthorized},
		{"timeout text", 0, "request timed out", KindTimeout},
		{"econnrefused", 0, "dial tcp: econnrefused", KindTransient},
		{"econnreset", 0, "read: econnreset by peer", KindTransient},
		{"enotfound", 0, "lookup api.example: enotfound", KindTransient},
		{"socket hang up", 0, "socket hang up", KindTransient},
		{"fetch failed", 0, "fetch failed", KindTransient},
		{"network", 0, "network unreachable", KindTransient},
		{"aborted", 0, "request aborted", KindTransient},
		{"unknown", 0, "something odd happened", KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(ProviderOpenAI, "m", tc.status, errors.New(tc.err))
			assert.Equal(t, tc.want, got.Kind)
		})
	}
}

func TestClassifyRetryable(t *testing.T) {
	assert.True(t, Classify(ProviderOpenAI, "m", 429, errors.New("x")).Retryable())
	assert.True(t, Classify(ProviderOpenAI, "m", 502, errors.New("x")).Retryable())
	assert.True(t, Classify(ProviderOpenAI, "m", 0, errors.New("timeout")).Retryable())
	assert.False(t, Classify(ProviderOpenAI, "m", 401, errors.New("x")).Retryable())
	assert.False(t, Classify(ProviderOpenAI, "m", 0, errors.New("weird")).Retryable())
}

func TestClassifyRetryAfter(t *testing.T) {
	e := Classify(ProviderDeepSeek, "m", 429, errors.New("rate limited, retry-after: 12"))
	assert.Equal(t, 12*time.Second, e.RetryAfter)

	e = Classify(ProviderDeepSeek, "m", 429, errors.New("plain 429"))
	assert.Zero(t, e.RetryAfter)
}

func TestContextWindowDefaults(t *testing.T) {
	assert.Equal(t, 64000, ContextWindow("deepseek-chat"))
	assert.Equal(t, 32000, ContextWindow("model-nobody-knows"))
}
