package memory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveAppendAndReadRecent(t *testing.T) {
	dir := t.TempDir()
	a := NewArchive(filepath.Join(dir, "conv.archive.jsonl"))

	require.NoError(t, a.Append(NewTurn(RoleEndUser, "first")))
	require.NoError(t, a.Append(NewTurn(RoleAssistant, "second")))
	require.NoError(t, a.Append(NewTurn(RoleEndUser, "third")))

	recent, err := a.ReadRecent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "second", recent[0].Content)
	assert.Equal(t, "third", recent[1].Content)
}

func TestArchiveSearchIsCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	a := NewArchive(filepath.Join(dir, "conv.archive.jsonl"))
	require.NoError(t, a.Append(NewTurn(RoleAssistant, "Refactored the Parser module")))
	require.NoError(t, a.Append(NewTurn(RoleAssistant, "unrelated entry")))

	hits, err := a.Search("parser")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Content, "Parser")
}

func TestArchiveSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conv.archive.jsonl")
	a := NewArchive(path)
	require.NoError(t, a.Append(NewTurn(RoleEndUser, "valid entry")))

	appendRaw(t, path, "{not valid json\n")
	appendRaw(t, path, `{"timestamp":"not-a-time","role":"user","content":"bad ts"}`+"\n")

	all, err := a.ReadRecent(10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "valid entry", all[0].Content)
}

func TestArchiveCountAndReadAt(t *testing.T) {
	dir := t.TempDir()
	a := NewArchive(filepath.Join(dir, "conv.archive.jsonl"))
	require.NoError(t, a.Append(NewTurn(RoleEndUser, "one")))
	require.NoError(t, a.Append(NewTurn(RoleEndUser, "two")))

	count, err := a.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	turn, ok, err := a.ReadAt(1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "two", turn.Content)

	_, ok, err = a.ReadAt(5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArchiveOnMissingFile(t *testing.T) {
	dir := t.TempDir()
	a := NewArchive(filepath.Join(dir, "nonexistent.archive.jsonl"))
	turns, err := a.ReadRecent(5)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func appendRaw(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(data)
	require.NoError(t, err)
}
