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

// MentalModelStore keeps the structured beliefs. The index file maps entity
// names to model ids so prompts can resolve references cheaply.
type MentalModelStore struct {
	mu   sync.Mutex
	root string
	now  func() time.Time
}

type modelIndex struct {
	Models map[string]string `json:"models"` // entity (lowercased) -> id
}

// NewMentalModelStore opens the model tree under memoryDir.
func NewMentalModelStore(memoryDir string) (*MentalModelStore, error) {
	s := &MentalModelStore{root: memoryDir, now: time.Now}
	if err := os.MkdirAll(s.dir(), 0o700); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MentalModelStore) dir() string       { return filepath.Join(s.root, "models") }
func (s *MentalModelStore) indexPath() string { return filepath.Join(s.root, "index.json") }
func (s *MentalModelStore) pathFor(id string) string {
	return filepath.Join(s.dir(), id+".json")
}

// Create registers a new model for an entity.
func (s *MentalModelStore) Create(entity, modelType, subtype string, schema []models.SchemaField) (*models.MentalModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &models.MentalModel{
		ID:          uuid.NewString(),
		Entity:      entity,
		Type:        modelType,
		Subtype:     subtype,
		Schema:      schema,
		Attributes:  map[string]string{},
		Confidence:  0.3,
		LastUpdated: s.now().UTC(),
	}
	if err := s.write(m); err != nil {
		return nil, err
	}
	idx := s.loadIndex()
	idx.Models[strings.ToLower(entity)] = m.ID
	if err := s.writeIndex(idx); err != nil {
		return nil, err
	}
	return m, nil
}

// Get loads a model by id.
func (s *MentalModelStore) Get(id string) (*models.MentalModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// FindByEntity resolves an entity name through the index.
func (s *MentalModelStore) FindByEntity(entity string) (*models.MentalModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.loadIndex()
	id, ok := idx.Models[strings.ToLower(entity)]
	if !ok {
		return nil, fmt.Errorf("no mental model for %q", entity)
	}
	return s.read(id)
}

// ApplyDelta is the only mutation path for a stored model.
func (s *MentalModelStore) ApplyDelta(id string, delta models.MemoryDelta) (*models.MentalModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if err := m.ApplyDelta(delta, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := s.write(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Delete removes a model and its index entry.
func (s *MentalModelStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.read(id)
	if err != nil {
		return err
	}
	idx := s.loadIndex()
	delete(idx.Models, strings.ToLower(m.Entity))
	if err := s.writeIndex(idx); err != nil {
		return err
	}
	return os.Remove(s.pathFor(id))
}

// Spines returns every model's prompt summary, sorted by entity.
func (s *MentalModelStore) Spines() ([]models.Spine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.loadIndex()
	out := make([]models.Spine, 0, len(idx.Models))
	for _, id := range idx.Models {
		m, err := s.read(id)
		if err != nil {
			continue
		}
		out = append(out, m.Spine())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out, nil
}

func (s *MentalModelStore) loadIndex() modelIndex {
	idx := modelIndex{Models: map[string]string{}}
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		return idx
	}
	if err := json.Unmarshal(data, &idx); err != nil || idx.Models == nil {
		idx.Models = map[string]string{}
	}
	return idx
}

func (s *MentalModelStore) writeIndex(idx modelIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.indexPath())
}

func (s *MentalModelStore) read(id string) (*models.MentalModel, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		return nil, fmt.Errorf("mental model %s not found", id)
	}
	var m models.MentalModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *MentalModelStore) write(m *models.MentalModel) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.pathFor(m.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.pathFor(m.ID))
}
