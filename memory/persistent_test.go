package memory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T) (*PersistentMemory, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "memory.md")
	m, err := NewPersistentMemory(path)
	require.NoError(t, err)
	return m, path
}

func TestPersistentMemoryAddTurnAccumulates(t *testing.T) {
	m, _ := newTestMemory(t)
	require.NoError(t, m.AddTurn(RoleEndUser, "hello"))
	require.NoError(t, m.AddTurn(RoleAssistant, "hi there"))

	snap := m.HistorySnapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "hello", snap[0].Content)
	assert.Equal(t, "hi there", snap[1].Content)
}

func TestPersistentMemorySaveLoadRoundTrip(t *testing.T) {
	m, path := newTestMemory(t)
	require.NoError(t, m.RecordUserInstruction("never touch the auth module"))
	require.NoError(t, m.SetCurrentTask("ship the feature", []string{"no new deps"}))
	require.NoError(t, m.RecordDecision("used a worker pool", "avoid goroutine leaks"))
	require.NoError(t, m.RecordBehavior("edited auth.go", true))

	reloaded, err := NewPersistentMemory(path)
	require.NoError(t, err)

	require.Len(t, reloaded.UserInstructions, 1)
	assert.Equal(t, "never touch the auth module", reloaded.UserInstructions[0].Text)

	require.NotNil(t, reloaded.CurrentTask)
	assert.Equal(t, "ship the feature", reloaded.CurrentTask.MainGoal)
	assert.Equal(t, []string{"no new deps"}, reloaded.CurrentTask.Constraints)

	require.Len(t, reloaded.Decisions, 1)
	assert.Equal(t, "used a worker pool", reloaded.Decisions[0].What)

	require.Len(t, reloaded.BehaviorLog, 1)
	assert.True(t, reloaded.BehaviorLog[0].WasCorrected)
}

func TestPersistentMemoryClearAll(t *testing.T) {
	m, path := newTestMemory(t)
	require.NoError(t, m.RecordUserInstruction("keep this scoped"))
	require.NoError(t, m.AddTurn(RoleEndUser, "a turn"))

	require.NoError(t, m.ClearAll())

	reloaded, err := NewPersistentMemory(path)
	require.NoError(t, err)
	assert.Empty(t, reloaded.UserInstructions)
	assert.Empty(t, reloaded.History, "ClearAll wipes the in-memory window but History is not persisted to the section file")
}

func TestPersistentMemoryBuildContextIncludesSections(t *testing.T) {
	m, _ := newTestMemory(t)
	require.NoError(t, m.RecordUserInstruction("use table tests"))
	require.NoError(t, m.SetCurrentTask("fix the bug", nil))
	require.NoError(t, m.AddTurn(RoleEndUser, "please help"))

	ctx := m.BuildContext()
	assert.Contains(t, ctx, "User Instructions")
	assert.Contains(t, ctx, "use table tests")
	assert.Contains(t, ctx, "Current Task")
	assert.Contains(t, ctx, "fix the bug")
	assert.Contains(t, ctx, "Recent Conversation")
}

func TestPersistentMemoryHistoryTokenUsage(t *testing.T) {
	m, _ := newTestMemory(t)
	require.NoError(t, m.AddTurn(RoleEndUser, "a reasonably long message for estimating tokens"))
	assert.Positive(t, m.HistoryTokenUsage())
}

func TestPersistentMemoryMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	m, err := NewPersistentMemory(filepath.Join(dir, "does-not-exist-yet.md"))
	require.NoError(t, err)
	assert.Empty(t, m.UserInstructions)
}
