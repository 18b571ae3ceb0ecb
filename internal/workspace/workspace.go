// Package workspace manages the per-agent directory tree under
// agent-workspaces/: persona, plan, intake knowledge, and outputs.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/druidia-bot/dotbot/pkg/models"
)

// File names inside a workspace.
const (
	PersonaFile = "agent_persona.json"
	PlanFile    = "plan.json"
	IntakeFile  = "intake_knowledge.md"
)

// Workspace is one agent task's directory.
type Workspace struct {
	AgentID string
	Root    string
}

// Manager creates, opens, and garbage-collects workspaces.
type Manager struct {
	root      string
	retention time.Duration
	now       func() time.Time
}

// NewManager points at the agent-workspaces directory. retention is how
// long a finished workspace survives before GC.
func NewManager(root string, retention time.Duration) (*Manager, error) {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	return &Manager{root: root, retention: retention, now: time.Now}, nil
}

// Create builds the directory skeleton for an agent.
func (m *Manager) Create(agentID string) (*Workspace, error) {
	ws := &Workspace{AgentID: agentID, Root: filepath.Join(m.root, agentID)}
	for _, dir := range []string{
		ws.Root,
		filepath.Join(ws.Root, "workspace", "research"),
		filepath.Join(ws.Root, "workspace", "output"),
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	return ws, nil
}

// Open returns an existing workspace.
func (m *Manager) Open(agentID string) (*Workspace, error) {
	root := filepath.Join(m.root, agentID)
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("workspace for agent %s not found", agentID)
	}
	return &Workspace{AgentID: agentID, Root: root}, nil
}

// List returns the agent ids that have workspaces.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// GC removes workspaces whose persona reports a terminal status and whose
// last modification is older than the retention window. Returns removed
// agent ids.
func (m *Manager) GC() ([]string, error) {
	agents, err := m.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	cutoff := m.now().Add(-m.retention)
	for _, id := range agents {
		ws := &Workspace{AgentID: id, Root: filepath.Join(m.root, id)}
		persona, err := ws.ReadPersona()
		if err != nil {
			continue
		}
		switch persona.Status {
		case models.AgentCompleted, models.AgentFailed, models.AgentCancelled:
		default:
			continue
		}
		info, err := os.Stat(filepath.Join(ws.Root, PersonaFile))
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(ws.Root); err == nil {
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// WritePersona persists the persona atomically.
func (w *Workspace) WritePersona(p *models.AgentPersona) error {
	return w.writeJSON(PersonaFile, p)
}

// ReadPersona loads the persona.
func (w *Workspace) ReadPersona() (*models.AgentPersona, error) {
	var p models.AgentPersona
	if err := w.readJSON(PersonaFile, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// WritePlan persists the plan atomically. Called after every tool result,
// so recovery can resume at the last completed step.
func (w *Workspace) WritePlan(p *models.Plan) error {
	p.UpdatedAt = time.Now().UTC()
	return w.writeJSON(PlanFile, p)
}

// ReadPlan loads the plan. An empty or partially written file reads as
// not-ready; callers retry.
func (w *Workspace) ReadPlan() (*models.Plan, error) {
	var p models.Plan
	if err := w.readJSON(PlanFile, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// WriteIntake stores the intake knowledge document.
func (w *Workspace) WriteIntake(content string) error {
	return os.WriteFile(filepath.Join(w.Root, IntakeFile), []byte(content), 0o600)
}

// ReadIntake loads the intake knowledge document, empty when absent.
func (w *Workspace) ReadIntake() string {
	data, err := os.ReadFile(filepath.Join(w.Root, IntakeFile))
	if err != nil {
		return ""
	}
	return string(data)
}

// Listing returns the workspace's relative file paths for briefings.
func (w *Workspace) Listing() []string {
	var out []string
	_ = filepath.Walk(w.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if rel, rerr := filepath.Rel(w.Root, path); rerr == nil {
			out = append(out, rel)
		}
		return nil
	})
	return out
}

// OutputDir is where steps write their results.
func (w *Workspace) OutputDir() string {
	return filepath.Join(w.Root, "workspace", "output")
}

// ResearchDir is where steps stash intermediate research.
func (w *Workspace) ResearchDir() string {
	return filepath.Join(w.Root, "workspace", "research")
}

func (w *Workspace) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(w.Root, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (w *Workspace) readJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(w.Root, name))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%s is empty", name)
	}
	return json.Unmarshal(data, v)
}
