package memory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeThreadID(t *testing.T) {
	assert.Equal(t, "abc123", SanitizeThreadID("abc123"))
	assert.Equal(t, "abc_123__xyz", SanitizeThreadID("abc/123::xyz"))
}

func TestSessionStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSessionStore(dir)
	require.NoError(t, err)

	mem, err := NewPersistentMemory(filepath.Join(dir, "memory.md"))
	require.NoError(t, err)
	require.NoError(t, mem.SetCurrentTask("ship the feature", []string{"no regressions"}))
	require.NoError(t, mem.RecordBehavior("edited file", false))

	nb, err := NewNotebook(filepath.Join(dir, "notebook.json"))
	require.NoError(t, err)
	require.NoError(t, nb.SetCurrentActivity("writing tests"))
	require.NoError(t, nb.AddAttention("inference note", SourceInference, PriorityMedium))
	require.NoError(t, nb.AddAttention("user note", SourceUserInstruction, PriorityHigh))

	require.NoError(t, store.Save("thread-1", mem, nb))

	snap, ok, err := store.Load("thread-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "thread-1", snap.ThreadID)
	assert.Equal(t, "ship the feature", snap.Memory.CurrentTask.MainGoal)
	assert.Equal(t, "writing tests", snap.Notebook.CurrentActivity)
	// Only inference-sourced attention items are snapshotted.
	require.Len(t, snap.Notebook.InferenceAttention, 1)
	assert.Equal(t, "inference note", snap.Notebook.InferenceAttention[0].Content)
}

func TestSessionStoreLoadMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSessionStore(dir)
	require.NoError(t, err)

	snap, ok, err := store.Load("never-saved")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, snap)
}

func TestSessionStoreHasSession(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSessionStore(dir)
	require.NoError(t, err)

	mem, _ := NewPersistentMemory(filepath.Join(dir, "memory.md"))
	nb, _ := NewNotebook(filepath.Join(dir, "notebook.json"))

	assert.False(t, store.HasSession("thread-2"))
	require.NoError(t, store.Save("thread-2", mem, nb))
	assert.True(t, store.HasSession("thread-2"))
}

func TestSessionStoreCleanupKeepsMostRecent(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSessionStore(dir)
	require.NoError(t, err)

	mem, _ := NewPersistentMemory(filepath.Join(dir, "memory.md"))
	nb, _ := NewNotebook(filepath.Join(dir, "notebook.json"))

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Save(threadName(i), mem, nb))
	}
	require.NoError(t, store.Cleanup(2))

	ids, err := store.ListThreads()
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestRestoreSnapshotMergesInferenceAttentionSkippingDuplicates(t *testing.T) {
	dir := t.TempDir()
	mem, err := NewPersistentMemory(filepath.Join(dir, "memory.md"))
	require.NoError(t, err)
	nb, err := NewNotebook(filepath.Join(dir, "notebook.json"))
	require.NoError(t, err)

	require.NoError(t, nb.AddAttention("already present", SourceInference, PriorityMedium))

	snap := &SessionSnapshot{
		ThreadID: "thread-3",
		Memory:   MemorySnapshot{CurrentTask: &TaskObjective{MainGoal: "restored goal"}},
		Notebook: NotebookSnapshot{
			CurrentActivity: "restored activity",
			InferenceAttention: []AttentionItem{
				{Content: "already present", Source: SourceInference, Priority: PriorityMedium},
				{Content: "new from snapshot", Source: SourceInference, Priority: PriorityMedium},
			},
		},
	}

	require.NoError(t, RestoreSnapshot(mem, nb, snap))

	assert.Equal(t, "restored goal", mem.CurrentTask.MainGoal)
	assert.Equal(t, "restored activity", nb.CurrentActivity)

	contents := make(map[string]bool)
	for _, a := range nb.Attention {
		contents[a.Content] = true
	}
	assert.True(t, contents["already present"])
	assert.True(t, contents["new from snapshot"])
	assert.Len(t, nb.Attention, 2, "duplicate content must not be merged twice")
}

func threadName(i int) string {
	return "thread-" + string(rune('a'+i))
}
