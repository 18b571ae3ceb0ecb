package memory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ResearchCacheEntry is one cached research artifact.
type ResearchCacheEntry struct {
	Filename  string    `json:"filename"`
	Topic     string    `json:"topic"`
	CreatedAt time.Time `json:"created_at"`
}

// ResearchCache indexes the markdown files agents produce during research
// so the tailor can point Dot at prior work.
type ResearchCache struct {
	mu   sync.Mutex
	root string
	now  func() time.Time
}

type researchIndex struct {
	Entries []ResearchCacheEntry `json:"entries"`
}

// NewResearchCache opens the research-cache tree under memoryDir.
func NewResearchCache(memoryDir string) (*ResearchCache, error) {
	c := &ResearchCache{root: filepath.Join(memoryDir, "research-cache"), now: time.Now}
	if err := os.MkdirAll(c.root, 0o700); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ResearchCache) indexPath() string { return filepath.Join(c.root, "index.json") }

// Put stores a markdown artifact and indexes it.
func (c *ResearchCache) Put(filename, topic, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !strings.HasSuffix(filename, ".md") {
		filename += ".md"
	}
	if err := os.WriteFile(filepath.Join(c.root, filename), []byte(content), 0o600); err != nil {
		return err
	}

	idx := c.loadIndex()
	replaced := false
	for i := range idx.Entries {
		if idx.Entries[i].Filename == filename {
			idx.Entries[i].Topic = topic
			idx.Entries[i].CreatedAt = c.now().UTC()
			replaced = true
			break
		}
	}
	if !replaced {
		idx.Entries = append(idx.Entries, ResearchCacheEntry{
			Filename:  filename,
			Topic:     topic,
			CreatedAt: c.now().UTC(),
		})
	}
	return c.writeIndex(idx)
}

// Get reads a cached artifact.
func (c *ResearchCache) Get(filename string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(c.root, filename))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Index returns the entries, newest first.
func (c *ResearchCache) Index() []ResearchCacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.loadIndex()
	sort.Slice(idx.Entries, func(i, j int) bool {
		return idx.Entries[i].CreatedAt.After(idx.Entries[j].CreatedAt)
	})
	return idx.Entries
}

func (c *ResearchCache) loadIndex() researchIndex {
	var idx researchIndex
	data, err := os.ReadFile(c.indexPath())
	if err != nil {
		return idx
	}
	_ = json.Unmarshal(data, &idx)
	return idx
}

func (c *ResearchCache) writeIndex(idx researchIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.indexPath())
}
