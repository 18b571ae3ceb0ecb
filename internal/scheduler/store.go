package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/druidia-bot/dotbot/pkg/models"
)

// Store persists scheduled tasks in scheduled-tasks.json.
type Store struct {
	mu    sync.Mutex
	path  string
	tasks map[string]*models.ScheduledTask
}

type taskFile struct {
	Tasks []*models.ScheduledTask `json:"tasks"`
}

// NewStore opens the task file, tolerating a missing or malformed one.
func NewStore(path string) *Store {
	s := &Store{path: path, tasks: map[string]*models.ScheduledTask{}}
	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var file taskFile
	if err := json.Unmarshal(data, &file); err != nil {
		return s
	}
	for _, t := range file.Tasks {
		s.tasks[t.ID] = t
	}
	return s
}

// Create adds a task, minting its id and first run time.
func (s *Store) Create(t *models.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = models.TaskActive
	}
	if t.NextRunAt.IsZero() {
		if err := Advance(t, nowFn()); err != nil {
			return err
		}
	}
	s.tasks[t.ID] = t
	return s.flush()
}

// Get returns a task by id.
func (s *Store) Get(id string) (*models.ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// List returns all tasks.
func (s *Store) List() []*models.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// Update persists a mutated task.
func (s *Store) Update(t *models.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return fmt.Errorf("scheduled task %s not found", t.ID)
	}
	s.tasks[t.ID] = t
	return s.flush()
}

// Delete removes a task.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return s.flush()
}

func (s *Store) flush() error {
	file := taskFile{Tasks: make([]*models.ScheduledTask, 0, len(s.tasks))}
	for _, t := range s.tasks {
		file.Tasks = append(file.Tasks, t)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
