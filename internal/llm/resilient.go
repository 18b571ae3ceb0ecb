package llm

import (
	"context"
	"time"

	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// maxHonoredRetryAfter caps how long a Retry-After header may make us wait
// before walking the chain. Anything longer is treated as "walk now".
const maxHonoredRetryAfter = 30 * time.Second

// Resilient is the role-indexed client the rest of the system calls. Every
// request selects from the role's fallback chain and, on retryable runtime
// failure, walks the remaining entries before giving up.
type Resilient struct {
	registry *Registry
	logger   *observability.Logger
	metrics  *observability.Metrics

	// sleep is time.Sleep behind a context; injectable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewResilient wraps a registry. metrics may be nil.
func NewResilient(registry *Registry, logger *observability.Logger, metrics *observability.Metrics) *Resilient {
	return &Resilient{
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Registry exposes the underlying registry for selection-only callers.
func (r *Resilient) Registry() *Registry { return r.registry }

// Chat runs a chat call for a role with runtime fallback.
func (r *Resilient) Chat(ctx context.Context, role Role, msgs []models.Message, opts ChatOptions) (*ChatResponse, error) {
	return r.run(ctx, role, msgs, opts, nil)
}

// Stream runs a streaming call for a role with runtime fallback. A fallback
// replay re-issues the whole request against the next entry; deltas already
// forwarded from a failed attempt are not retracted.
func (r *Resilient) Stream(ctx context.Context, role Role, msgs []models.Message, opts ChatOptions, onDelta StreamHandler) (*ChatResponse, error) {
	return r.run(ctx, role, msgs, opts, onDelta)
}

func (r *Resilient) run(ctx context.Context, role Role, msgs []models.Message, opts ChatOptions, onDelta StreamHandler) (*ChatResponse, error) {
	chain, err := Chain(role)
	if err != nil {
		return nil, err
	}

	var original error
	tried := map[Provider]bool{}

	for _, entry := range chain {
		if tried[entry.Provider] || !r.registry.HasKey(entry.Provider) {
			continue
		}
		tried[entry.Provider] = true

		client, cerr := r.registry.Client(entry.Provider)
		if cerr != nil {
			if original == nil {
				original = cerr
			}
			continue
		}

		attempt := applyEntry(opts, entry)
		if r.metrics != nil {
			r.metrics.LLMRequests.WithLabelValues(string(role), string(entry.Provider)).Inc()
		}

		var resp *ChatResponse
		var callErr error
		if onDelta != nil {
			resp, callErr = client.Stream(ctx, msgs, attempt, onDelta)
		} else {
			resp, callErr = client.Chat(ctx, msgs, attempt)
		}
		if callErr == nil {
			return resp, nil
		}

		classified := asClassified(entry.Provider, attempt.Model, callErr)
		if original == nil {
			original = classified
		}
		if !classified.Retryable() {
			return nil, classified
		}

		r.logger.Warn(ctx, "llm call failed, walking fallback chain",
			"role", string(role),
			"provider", string(entry.Provider),
			"kind", string(classified.Kind))
		if r.metrics != nil {
			r.metrics.LLMFallbacks.WithLabelValues(string(role), string(entry.Provider)).Inc()
		}

		if wait := classified.RetryAfter; wait > 0 && wait <= maxHonoredRetryAfter {
			if serr := r.sleep(ctx, wait); serr != nil {
				return nil, Classify(entry.Provider, attempt.Model, 0, serr)
			}
		}
		if ctx.Err() != nil {
			return nil, Classify(entry.Provider, attempt.Model, 0, ctx.Err())
		}
	}

	if r.metrics != nil {
		r.metrics.LLMExhaustions.WithLabelValues(string(role)).Inc()
	}
	if original == nil {
		original = &Error{Kind: KindUnknown, Err: errNoUsableProvider(role)}
	}
	return nil, original
}

// applyEntry merges a chain entry into the caller's options, preserving
// fields the caller set explicitly.
func applyEntry(opts ChatOptions, entry ChainEntry) ChatOptions {
	if opts.Model == "" {
		opts.Model = entry.Model
	}
	if !opts.TemperatureSet {
		opts.Temperature = entry.Temperature
	}
	if !opts.MaxTokensSet {
		opts.MaxTokens = entry.MaxTokens
	}
	return opts
}

func asClassified(provider Provider, model string, err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return Classify(provider, model, 0, err)
}

type noProviderError struct{ role Role }

func (e noProviderError) Error() string {
	return "no usable provider in chain for role " + string(e.role)
}

func errNoUsableProvider(role Role) error { return noProviderError{role: role} }
