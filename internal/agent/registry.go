// Package agent implements the provider-neutral tool loop shared by every
// LLM-driven component: the orchestrator, the pipeline step runner, and the
// schedulers all drive models through it.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/invopop/jsonschema"

	"github.com/druidia-bot/dotbot/pkg/models"
)

// Handler executes one tool call. The returned string becomes the tool
// message content; a non-nil error is converted to an "Error: …" message
// and never aborts the loop.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool couples a definition with its handler and an optional usage hint
// appended to the description the model sees.
type Tool struct {
	Definition models.ToolDefinition
	Handler    Handler
	Hint       string
}

// ToolRegistry holds the tools available to a loop run.
type ToolRegistry struct {
	tools map[string]Tool
	order []string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: map[string]Tool{}}
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(t Tool) error {
	if t.Definition.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", t.Definition.Name)
	}
	if _, exists := r.tools[t.Definition.Name]; !exists {
		r.order = append(r.order, t.Definition.Name)
	}
	r.tools[t.Definition.Name] = t
	return nil
}

// RegisterFunc registers a tool whose parameter schema is derived from the
// args struct type via reflection.
func RegisterFunc[T any](r *ToolRegistry, name, description string, fn func(ctx context.Context, args T) (string, error)) error {
	schema := SchemaFor[T]()
	return r.Register(Tool{
		Definition: models.ToolDefinition{Name: name, Description: description, Parameters: schema},
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args T
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return "", fmt.Errorf("invalid arguments: %w", err)
				}
			}
			return fn(ctx, args)
		},
	})
}

// SchemaFor reflects a JSON schema for a struct type as the plain map the
// providers expect.
func SchemaFor[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	var zero T
	schema := reflector.Reflect(&zero)
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// Get returns a registered tool.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in registration order.
func (r *ToolRegistry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions returns the model-facing definitions, hints folded into the
// descriptions, in registration order.
func (r *ToolRegistry) Definitions() []models.ToolDefinition {
	out := make([]models.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		def := t.Definition
		if t.Hint != "" {
			def.Description += "\nHint: " + t.Hint
		}
		out = append(out, def)
	}
	return out
}

// Subset returns a new registry restricted to the given tool names. Unknown
// names are skipped; the result preserves this registry's ordering.
func (r *ToolRegistry) Subset(names []string) *ToolRegistry {
	allowed := map[string]bool{}
	for _, n := range names {
		allowed[n] = true
	}
	sub := NewToolRegistry()
	for _, name := range r.order {
		if allowed[name] {
			_ = sub.Register(r.tools[name])
		}
	}
	return sub
}

// Merge returns a registry containing this registry's tools plus the
// other's, with the other's winning on name collision.
func (r *ToolRegistry) Merge(other *ToolRegistry) *ToolRegistry {
	merged := NewToolRegistry()
	for _, name := range r.order {
		_ = merged.Register(r.tools[name])
	}
	if other != nil {
		for _, name := range other.order {
			_ = merged.Register(other.tools[name])
		}
	}
	return merged
}

// SortedNames returns the tool names sorted, for stable logging.
func (r *ToolRegistry) SortedNames() []string {
	out := r.Names()
	sort.Strings(out)
	return out
}
