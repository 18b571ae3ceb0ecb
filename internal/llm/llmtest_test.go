package llm

import (
	"context"
	"sync"

	"github.com/druidia-bot/dotbot/pkg/models"
)

// fakeClient is a scriptable client used across the llm tests. Each call
// takes the next scripted step; the last step repeats once reached, and an
// empty script answers "ok".
type fakeClient struct {
	provider Provider

	mu    sync.Mutex
	steps []fakeStep
	calls []ChatOptions
}

type fakeStep struct {
	resp *ChatResponse
	err  error
}

func (f *fakeClient) Provider() Provider { return f.provider }

func (f *fakeClient) Chat(ctx context.Context, msgs []models.Message, opts ChatOptions) (*ChatResponse, error) {
	return f.step(opts)
}

func (f *fakeClient) Stream(ctx context.Context, msgs []models.Message, opts ChatOptions, onDelta StreamHandler) (*ChatResponse, error) {
	resp, err := f.step(opts)
	if err == nil && onDelta != nil && resp.Content != "" {
		onDelta(resp.Content)
	}
	return resp, err
}

func (f *fakeClient) step(opts ChatOptions) (*ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	if len(f.steps) == 0 {
		return &ChatResponse{Content: "ok", Provider: f.provider}, nil
	}
	next := f.steps[0]
	if len(f.steps) > 1 {
		f.steps = f.steps[1:]
	}
	return next.resp, next.err
}

// fakeFactory builds a registry factory over a fixed set of fakes.
func fakeFactory(fakes map[Provider]*fakeClient) ClientFactory {
	return func(provider Provider, apiKey, baseURL string) (Client, error) {
		if c, ok := fakes[provider]; ok {
			return c, nil
		}
		c := &fakeClient{provider: provider}
		fakes[provider] = c
		return c, nil
	}
}
