package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/pkg/models"
)

func newTestResilient(t *testing.T, keys map[string]string, fakes map[Provider]*fakeClient) *Resilient {
	t.Helper()
	registry := NewRegistry(keys, nil, fakeFactory(fakes))
	r := NewResilient(registry, observability.NewNopLogger(), nil)
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return r
}

func userMsg(s string) []models.Message {
	return []models.Message{{Role: models.RoleUser, Content: s}}
}

func TestFallbackOnRateLimit(t *testing.T) {
	fakes := map[Provider]*fakeClient{
		ProviderDeepSeek: {provider: ProviderDeepSeek, steps: []fakeStep{
			{err: errors.New("429 Too Many Requests")},
		}},
		ProviderGemini: {provider: ProviderGemini, steps: []fakeStep{
			{resp: &ChatResponse{Content: "from gemini", Provider: ProviderGemini}},
		}},
	}
	r := newTestResilient(t, map[string]string{"deepseek": "k", "gemini": "k"}, fakes)

	resp, err := r.Chat(context.Background(), RoleWorkhorse, userMsg("hi"), ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "from gemini", resp.Content)
	assert.Equal(t, ProviderGemini, resp.Provider)
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	fakes := map[Provider]*fakeClient{
		ProviderDeepSeek: {provider: ProviderDeepSeek, steps: []fakeStep{
			{err: errors.New("401 unauthorized: invalid api key")},
		}},
		ProviderGemini: {provider: ProviderGemini},
	}
	r := newTestResilient(t, map[string]string{"deepseek": "k", "gemini": "k"}, fakes)

	_, err := r.Chat(context.Background(), RoleWorkhorse, userMsg("hi"), ChatOptions{})
	require.Error(t, err)

	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, KindUnauthorized, lerr.Kind)
	// Gemini was never consulted.
	assert.Empty(t, fakes[ProviderGemini].calls)
}

func TestChainExhaustionReturnsOriginalError(t *testing.T) {
	fakes := map[Provider]*fakeClient{
		ProviderDeepSeek: {provider: ProviderDeepSeek, steps: []fakeStep{
			{err: errors.New("429 Too Many Requests")},
		}},
		ProviderGemini: {provider: ProviderGemini, steps: []fakeStep{
			{err: errors.New("503 service unavailable")},
		}},
		ProviderLocal: {provider: ProviderLocal, steps: []fakeStep{
			{err: errors.New("econnrefused")},
		}},
	}
	r := newTestResilient(t, map[string]string{"deepseek": "k", "gemini": "k"}, fakes)

	_, err := r.Chat(context.Background(), RoleWorkhorse, userMsg("hi"), ChatOptions{})
	require.Error(t, err)

	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, KindRateLimited, lerr.Kind, "original error survives exhaustion")
	assert.Equal(t, ProviderDeepSeek, lerr.Provider)
}

func TestFallbackUsesEntryModelUnlessCallerOverrode(t *testing.T) {
	fakes := map[Provider]*fakeClient{
		ProviderDeepSeek: {provider: ProviderDeepSeek, steps: []fakeStep{
			{err: errors.New("timeout")},
		}},
		ProviderGemini: {provider: ProviderGemini},
	}
	r := newTestResilient(t, map[string]string{"deepseek": "k", "gemini": "k"}, fakes)

	_, err := r.Chat(context.Background(), RoleWorkhorse, userMsg("hi"), ChatOptions{
		Temperature: 0.123, TemperatureSet: true,
	})
	require.NoError(t, err)

	gemCalls := fakes[ProviderGemini].calls
	require.Len(t, gemCalls, 1)
	assert.Equal(t, "gemini-3-flash", gemCalls[0].Model, "fallback entry supplies the model")
	assert.Equal(t, 0.123, gemCalls[0].Temperature, "explicit caller override preserved")
}

func TestStreamFallbackReplays(t *testing.T) {
	fakes := map[Provider]*fakeClient{
		ProviderDeepSeek: {provider: ProviderDeepSeek, steps: []fakeStep{
			{err: errors.New("socket hang up")},
		}},
		ProviderGemini: {provider: ProviderGemini, steps: []fakeStep{
			{resp: &ChatResponse{Content: "streamed", Provider: ProviderGemini}},
		}},
	}
	r := newTestResilient(t, map[string]string{"deepseek": "k", "gemini": "k"}, fakes)

	var got string
	resp, err := r.Stream(context.Background(), RoleWorkhorse, userMsg("hi"), ChatOptions{}, func(d string) { got += d })
	require.NoError(t, err)
	assert.Equal(t, "streamed", resp.Content)
	assert.Equal(t, "streamed", got)
}

func TestSelectorPrecedenceAndPurity(t *testing.T) {
	registry := NewRegistry(map[string]string{"deepseek": "k", "anthropic": "k"}, nil, fakeFactory(map[Provider]*fakeClient{}))

	sel, err := registry.SelectModel(Criteria{})
	require.NoError(t, err)
	assert.Equal(t, RoleWorkhorse, sel.Role)
	assert.Equal(t, ProviderDeepSeek, sel.Provider)

	sel, err = registry.SelectModel(Criteria{Role: RoleArchitect})
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, sel.Provider)

	sel, err = registry.SelectModel(Criteria{Role: RoleArchitect, PersonaRole: RoleLocal})
	require.NoError(t, err)
	assert.Equal(t, RoleLocal, sel.Role, "persona override wins over explicit role")

	sel, err = registry.SelectModel(Criteria{Offline: true})
	require.NoError(t, err)
	assert.Equal(t, ProviderLocal, sel.Provider)

	sel, err = registry.SelectModel(Criteria{HasLargeFiles: true})
	require.NoError(t, err)
	assert.Equal(t, RoleDeepContext, sel.Role)

	// Purity: identical inputs, identical outputs.
	for i := 0; i < 10; i++ {
		again, err := registry.SelectModel(Criteria{HasLargeFiles: true})
		require.NoError(t, err)
		assert.Equal(t, sel, again)
	}
}

func TestSelectorSkipsKeylessProviders(t *testing.T) {
	registry := NewRegistry(map[string]string{"openai": "k"}, nil, fakeFactory(map[Provider]*fakeClient{}))
	sel, err := registry.SelectModel(Criteria{Role: RoleAssistant})
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, sel.Provider)
}
