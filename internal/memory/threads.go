// Package memory persists conversation threads, mental models, and the
// research cache under the install dir's memory/ tree.
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/druidia-bot/dotbot/pkg/models"
)

// ThreadStore keeps append-only conversation threads. Hot threads live in
// threads/; archived ones move to threads/archive/ and drop out of the hot
// set but stay keyword-searchable.
type ThreadStore struct {
	mu   sync.Mutex
	root string
	now  func() time.Time
}

// NewThreadStore opens (creating if needed) the thread tree under
// memoryDir.
func NewThreadStore(memoryDir string) (*ThreadStore, error) {
	s := &ThreadStore{root: memoryDir, now: time.Now}
	for _, dir := range []string{s.hotDir(), s.archiveDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *ThreadStore) hotDir() string     { return filepath.Join(s.root, "threads") }
func (s *ThreadStore) archiveDir() string { return filepath.Join(s.root, "threads", "archive") }

func (s *ThreadStore) pathFor(id string, archived bool) string {
	if archived {
		return filepath.Join(s.archiveDir(), id+".json")
	}
	return filepath.Join(s.hotDir(), id+".json")
}

// Create starts a new thread with the given topic.
func (s *ThreadStore) Create(topic string) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &models.Thread{
		ID:         uuid.NewString(),
		Topic:      topic,
		LastActive: s.now().UTC(),
	}
	if err := s.write(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Get loads a thread from the hot set or the archive.
func (s *ThreadStore) Get(id string) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// Append adds messages to a thread and bumps its activity time. Existing
// messages are never rewritten.
func (s *ThreadStore) Append(id string, msgs ...models.Message) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if t.Archived {
		return nil, fmt.Errorf("thread %s is archived", id)
	}
	t.Messages = append(t.Messages, msgs...)
	t.LastActive = s.now().UTC()
	if err := s.write(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Hot returns the unarchived threads sorted by recency, newest first.
func (s *ThreadStore) Hot() ([]*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.hotDir())
	if err != nil {
		return nil, err
	}
	var out []*models.Thread
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		t, err := s.readFile(filepath.Join(s.hotDir(), e.Name()))
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive.After(out[j].LastActive) })
	return out, nil
}

// Archive moves a thread out of the hot set.
func (s *ThreadStore) Archive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hot := s.pathFor(id, false)
	if _, err := os.Stat(hot); err != nil {
		return fmt.Errorf("thread %s not in hot set: %w", id, err)
	}
	t, err := s.readFile(hot)
	if err != nil {
		return err
	}
	t.Archived = true
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.pathFor(id, true), data, 0o600); err != nil {
		return err
	}
	return os.Remove(hot)
}

// SearchArchive returns archived threads whose topic or message text
// contains the keyword, case-insensitively.
func (s *ThreadStore) SearchArchive(keyword string) ([]*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	needle := strings.ToLower(keyword)
	entries, err := os.ReadDir(s.archiveDir())
	if err != nil {
		return nil, err
	}
	var out []*models.Thread
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		t, err := s.readFile(filepath.Join(s.archiveDir(), e.Name()))
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(t.Topic), needle) {
			out = append(out, t)
			continue
		}
		for _, m := range t.Messages {
			if strings.Contains(strings.ToLower(m.Content), needle) {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

func (s *ThreadStore) read(id string) (*models.Thread, error) {
	if t, err := s.readFile(s.pathFor(id, false)); err == nil {
		return t, nil
	}
	t, err := s.readFile(s.pathFor(id, true))
	if err != nil {
		return nil, fmt.Errorf("thread %s not found", id)
	}
	return t, nil
}

func (s *ThreadStore) readFile(path string) (*models.Thread, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t models.Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *ThreadStore) write(t *models.Thread) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	path := s.pathFor(t.ID, t.Archived)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
