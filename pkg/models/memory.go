package models

import (
	"fmt"
	"time"
)

// SchemaField describes one attribute a mental model may populate.
type SchemaField struct {
	Key         string `json:"key"`
	Description string `json:"description,omitempty"`
}

// MentalModel is a persistent structured belief about an entity. Populated
// attribute keys are always a subset of the schema keys.
type MentalModel struct {
	ID            string            `json:"id"`
	Entity        string            `json:"entity"`
	Type          string            `json:"type"`
	Subtype       string            `json:"subtype,omitempty"`
	Schema        []SchemaField     `json:"schema"`
	Attributes    map[string]string `json:"attributes"`
	Relationships []string          `json:"relationships,omitempty"`
	Beliefs       []string          `json:"beliefs,omitempty"`
	OpenLoops     []string          `json:"open_loops,omitempty"`
	Constraints   []string          `json:"constraints,omitempty"`
	RecentDialog  []string          `json:"recent_dialog,omitempty"`
	Confidence    float64           `json:"confidence"`
	LastUpdated   time.Time         `json:"last_updated"`
}

// maxRecentDialog caps the dialog ring carried inside a model.
const maxRecentDialog = 20

// MemoryDelta is the only mutation path for a mental model.
type MemoryDelta struct {
	Additions  map[string]string `json:"additions,omitempty"`
	Deductions []string          `json:"deductions,omitempty"`
	Beliefs    []string          `json:"beliefs,omitempty"`
	OpenLoops  []string          `json:"open_loops,omitempty"`
	Dialog     []string          `json:"dialog,omitempty"`
	Summary    string            `json:"summary"`
}

// ApplyDelta folds a delta into the model. Additions must name schema keys;
// unknown keys are rejected so beliefs never drift outside the schema.
// Confidence rises by 0.05 per applied delta, capped at 1.
func (m *MentalModel) ApplyDelta(delta MemoryDelta, now time.Time) error {
	known := make(map[string]bool, len(m.Schema))
	for _, f := range m.Schema {
		known[f.Key] = true
	}
	for k := range delta.Additions {
		if !known[k] {
			return fmt.Errorf("delta addition %q is not a schema key of %s", k, m.Entity)
		}
	}

	if m.Attributes == nil {
		m.Attributes = map[string]string{}
	}
	for k, v := range delta.Additions {
		m.Attributes[k] = v
	}
	for _, k := range delta.Deductions {
		delete(m.Attributes, k)
	}
	m.Beliefs = append(m.Beliefs, delta.Beliefs...)
	m.OpenLoops = append(m.OpenLoops, delta.OpenLoops...)
	m.RecentDialog = append(m.RecentDialog, delta.Dialog...)
	if len(m.RecentDialog) > maxRecentDialog {
		m.RecentDialog = m.RecentDialog[len(m.RecentDialog)-maxRecentDialog:]
	}

	m.Confidence += 0.05
	if m.Confidence > 1 {
		m.Confidence = 1
	}
	m.LastUpdated = now
	return nil
}

// Spine is the short summary of a model used in prompts without loading
// the whole thing.
type Spine struct {
	ID         string  `json:"id"`
	Entity     string  `json:"entity"`
	Type       string  `json:"type"`
	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence"`
}

// Spine renders the prompt-sized summary of the model.
func (m *MentalModel) Spine() Spine {
	summary := m.Entity
	if len(m.Beliefs) > 0 {
		summary = m.Beliefs[len(m.Beliefs)-1]
	}
	return Spine{
		ID:         m.ID,
		Entity:     m.Entity,
		Type:       m.Type,
		Summary:    summary,
		Confidence: m.Confidence,
	}
}
