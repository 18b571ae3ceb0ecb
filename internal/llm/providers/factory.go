package providers

import (
	"errors"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/druidia-bot/dotbot/internal/llm"
)

// Factory is the llm.ClientFactory wired into the registry at startup.
func Factory(provider llm.Provider, apiKey, baseURL string) (llm.Client, error) {
	switch provider {
	case llm.ProviderAnthropic:
		return NewAnthropicClient(apiKey, baseURL), nil
	case llm.ProviderOpenAI, llm.ProviderDeepSeek, llm.ProviderGemini, llm.ProviderXAI, llm.ProviderLocal:
		return NewCompatClient(provider, apiKey, baseURL), nil
	default:
		return nil, errors.New("unknown provider " + string(provider))
	}
}

// statusCodeOf extracts the HTTP status from an Anthropic SDK error.
func statusCodeOf(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
