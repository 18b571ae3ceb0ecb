// Package pipeline is the multi-phase task runner behind Dot: it recruits
// a persona, plans, executes steps with per-step tool sets, re-plans
// between steps, and survives restarts through the workspace.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/druidia-bot/dotbot/pkg/models"
)

// Task is one in-flight agent task tracked by the registry.
type Task struct {
	ID        string
	DeviceID  string
	UserID    string
	Prompt    string
	PersonaID string
	CreatedAt time.Time

	mu        sync.Mutex
	status    models.AgentStatus
	cancel    context.CancelFunc
	injection []string
}

// Status returns the current status.
func (t *Task) Status() models.AgentStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus transitions the task unless it is already cancelled: once
// cancelled, no internal completion may overwrite the status. Reports
// whether the write happened.
func (t *Task) SetStatus(s models.AgentStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == models.AgentCancelled {
		return false
	}
	t.status = s
	return true
}

// Inject queues a mid-flight user message for the running agent.
func (t *Task) Inject(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.injection = append(t.injection, msg)
}

// DrainInjections returns and clears the queued messages.
func (t *Task) DrainInjections() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.injection
	t.injection = nil
	return out
}

// Registry tracks in-flight tasks by agent id and device id.
type Registry struct {
	mu       sync.Mutex
	byID     map[string]*Task
	byDevice map[string]map[string]*Task
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     map[string]*Task{},
		byDevice: map[string]map[string]*Task{},
	}
}

// Add registers a spawned task with its abort handle.
func (r *Registry) Add(task *Task, cancel context.CancelFunc) {
	task.mu.Lock()
	task.cancel = cancel
	if task.status == "" {
		task.status = models.AgentRunning
	}
	task.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[task.ID] = task
	if r.byDevice[task.DeviceID] == nil {
		r.byDevice[task.DeviceID] = map[string]*Task{}
	}
	r.byDevice[task.DeviceID][task.ID] = task
}

// Get returns a task by agent id.
func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	return t, ok
}

// Has reports whether an agent id is tracked.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// ForDevice returns the tasks registered to a device.
func (r *Registry) ForDevice(deviceID string) []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, len(r.byDevice[deviceID]))
	for _, t := range r.byDevice[deviceID] {
		out = append(out, t)
	}
	return out
}

// Remove drops a finished task from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if set := r.byDevice[t.DeviceID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byDevice, t.DeviceID)
		}
	}
}

// Cancel marks a task cancelled and fires its abort handle. Idempotent;
// the cancelled status can never be overwritten afterwards.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	t, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return false
	}

	t.mu.Lock()
	t.status = models.AgentCancelled
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// CancelAllForRestart cancels every task on a device and returns their
// prompts so the caller can re-dispatch after reboot.
func (r *Registry) CancelAllForRestart(deviceID string) []string {
	tasks := r.ForDevice(deviceID)
	prompts := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if r.Cancel(t.ID) {
			prompts = append(prompts, t.Prompt)
		}
	}
	return prompts
}
