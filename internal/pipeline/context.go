package pipeline

import (
	"context"

	"github.com/druidia-bot/dotbot/internal/agent"
	"github.com/druidia-bot/dotbot/internal/memory"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// Persona is a recruitable worker profile.
type Persona struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Summary     string   `json:"summary"`
	Body        string   `json:"body"`
	DefaultRole string   `json:"default_role,omitempty"`
	ToolIDs     []string `json:"tool_ids,omitempty"`
}

// Council is a named group of personas that review work together.
type Council struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	PersonaIDs []string `json:"persona_ids"`
	ReviewMode string   `json:"review_mode,omitempty"`
}

// ContextSource supplies the device-side context the pipeline builds on.
// The transport layer implements it against the local agent; tests supply
// fakes.
type ContextSource interface {
	Personas(ctx context.Context, deviceID string) ([]Persona, error)
	Councils(ctx context.Context, deviceID string) ([]Council, error)
	ToolManifest(ctx context.Context, deviceID string) (*agent.ToolRegistry, error)
	MemorySpines(ctx context.Context, deviceID string) ([]models.Spine, error)
	ResearchIndex(ctx context.Context, deviceID string) ([]memory.ResearchCacheEntry, error)
}

// taskContext is the gathered stage-1 material.
type taskContext struct {
	personas []Persona
	councils []Council
	manifest *agent.ToolRegistry
	spines   []models.Spine
	research []memory.ResearchCacheEntry
}

// buildContext runs stage 1. A disconnected agent degrades to an empty
// manifest rather than failing the pipeline.
func (p *Pipeline) buildContext(ctx context.Context, deviceID string) (*taskContext, error) {
	tc := &taskContext{manifest: agent.NewToolRegistry()}

	if personas, err := p.source.Personas(ctx, deviceID); err == nil {
		tc.personas = personas
	}
	if councils, err := p.source.Councils(ctx, deviceID); err == nil {
		tc.councils = councils
	}
	if manifest, err := p.source.ToolManifest(ctx, deviceID); err == nil && manifest != nil {
		tc.manifest = manifest
	} else if err != nil {
		p.logger.Warn(ctx, "tool manifest unavailable, running tool-less", "error", err.Error())
	}
	if spines, err := p.source.MemorySpines(ctx, deviceID); err == nil {
		tc.spines = spines
	}
	if research, err := p.source.ResearchIndex(ctx, deviceID); err == nil {
		tc.research = research
	}
	return tc, nil
}
