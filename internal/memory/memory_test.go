package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/druidia-bot/dotbot/pkg/models"
)

func TestThreadAppendAndHotSet(t *testing.T) {
	store, err := NewThreadStore(t.TempDir())
	require.NoError(t, err)

	th, err := store.Create("deploy planning")
	require.NoError(t, err)

	_, err = store.Append(th.ID,
		models.Message{Role: models.RoleUser, Content: "when do we ship?"},
		models.Message{Role: models.RoleAssistant, Content: "Friday."},
	)
	require.NoError(t, err)

	loaded, err := store.Get(th.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Messages, 2)

	hot, err := store.Hot()
	require.NoError(t, err)
	require.Len(t, hot, 1)
	assert.Equal(t, th.ID, hot[0].ID)
}

func TestThreadArchiveAndSearch(t *testing.T) {
	store, err := NewThreadStore(t.TempDir())
	require.NoError(t, err)

	th, err := store.Create("kubernetes migration")
	require.NoError(t, err)
	_, err = store.Append(th.ID, models.Message{Role: models.RoleUser, Content: "move the ingress to the new cluster"})
	require.NoError(t, err)

	require.NoError(t, store.Archive(th.ID))

	hot, err := store.Hot()
	require.NoError(t, err)
	assert.Empty(t, hot, "archived threads leave the hot set")

	found, err := store.SearchArchive("ingress")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, th.ID, found[0].ID)

	none, err := store.SearchArchive("zeppelin")
	require.NoError(t, err)
	assert.Empty(t, none)

	// Archived threads refuse appends.
	_, err = store.Append(th.ID, models.Message{Role: models.RoleUser, Content: "more"})
	assert.Error(t, err)
}

func TestMentalModelLifecycle(t *testing.T) {
	store, err := NewMentalModelStore(t.TempDir())
	require.NoError(t, err)

	m, err := store.Create("Jordan", "person", "colleague", []models.SchemaField{{Key: "role"}, {Key: "timezone"}})
	require.NoError(t, err)

	updated, err := store.ApplyDelta(m.ID, models.MemoryDelta{
		Additions: map[string]string{"role": "SRE"},
		Beliefs:   []string{"prefers async updates"},
		Summary:   "intro call",
	})
	require.NoError(t, err)
	assert.Equal(t, "SRE", updated.Attributes["role"])
	assert.Greater(t, updated.Confidence, m.Confidence)

	byEntity, err := store.FindByEntity("jordan")
	require.NoError(t, err)
	assert.Equal(t, m.ID, byEntity.ID)

	spines, err := store.Spines()
	require.NoError(t, err)
	require.Len(t, spines, 1)
	assert.Equal(t, "prefers async updates", spines[0].Summary)

	require.NoError(t, store.Delete(m.ID))
	_, err = store.FindByEntity("Jordan")
	assert.Error(t, err)
}

func TestMentalModelDeltaRejectsUnknownKey(t *testing.T) {
	store, err := NewMentalModelStore(t.TempDir())
	require.NoError(t, err)
	m, err := store.Create("proj", "project", "", []models.SchemaField{{Key: "status"}})
	require.NoError(t, err)

	_, err = store.ApplyDelta(m.ID, models.MemoryDelta{Additions: map[string]string{"budget": "1"}})
	assert.Error(t, err)

	// The stored model is untouched.
	loaded, err := store.Get(m.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.Attributes)
}

func TestResearchCache(t *testing.T) {
	cache, err := NewResearchCache(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, cache.Put("k8s-notes", "kubernetes", "# Notes\ncontent"))
	got, err := cache.Get("k8s-notes.md")
	require.NoError(t, err)
	assert.Contains(t, got, "content")

	idx := cache.Index()
	require.Len(t, idx, 1)
	assert.Equal(t, "k8s-notes.md", idx[0].Filename)

	// Re-putting the same filename replaces rather than duplicates.
	require.NoError(t, cache.Put("k8s-notes.md", "kubernetes v2", "updated"))
	assert.Len(t, cache.Index(), 1)
	assert.Equal(t, "kubernetes v2", cache.Index()[0].Topic)
}
