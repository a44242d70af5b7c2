package memory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaycode/turnguard/internal/xerrors"
)

// MemorySnapshot is the session-scoped slice of PersistentMemory that gets
// persisted per thread.
type MemorySnapshot struct {
	CurrentTask *TaskObjective  `json:"current_task"`
	BehaviorLog []BehaviorEntry `json:"behavior_log"`
}

// NotebookSnapshot is the session-scoped slice of Notebook that gets
// persisted per thread. Only inference-sourced attention items are kept:
// user-instruction and mistake-sourced attention items are derived and
// re-created from the archive/memory file on resume.
type NotebookSnapshot struct {
	CurrentActivity    string          `json:"current_activity"`
	Completed          []CompletedItem `json:"completed"`
	InferenceAttention []AttentionItem `json:"inference_attention"`
}

// SessionSnapshot is the combined per-thread snapshot file (C4).
type SessionSnapshot struct {
	ThreadID string           `json:"thread_id"`
	SavedAt  time.Time        `json:"saved_at"`
	Memory   MemorySnapshot   `json:"memory"`
	Notebook NotebookSnapshot `json:"notebook"`
}

// SessionStore manages per-thread session snapshot files under
// {sessionsDir}/{sanitized_thread_id}.json.
//
// Grounded on original_source/src/memory/session_store.rs for the snapshot
// shape and restore-merge semantics; the thread-id sanitization rule is
// SPEC_FULL §3's own (replace any char outside [A-Za-z0-9_-] with '_'),
// distinct from the teacher's SHA-256 workdir hashing (which solves a
// different problem — isolating projects, not filenames for opaque ids).
type SessionStore struct {
	sessionsDir string
}

var threadIDSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeThreadID implements the filesystem-safe mapping from SPEC_FULL §3.
func SanitizeThreadID(threadID string) string {
	return threadIDSanitizer.ReplaceAllString(threadID, "_")
}

// NewSessionStore creates the sessions directory (if needed) under
// projectDir.
func NewSessionStore(projectDir string) (*SessionStore, error) {
	dir := filepath.Join(projectDir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.IO, "create sessions directory", err)
	}
	return &SessionStore{sessionsDir: dir}, nil
}

func (s *SessionStore) sessionPath(threadID string) string {
	return filepath.Join(s.sessionsDir, SanitizeThreadID(threadID)+".json")
}

// Save writes the current session-scoped state for threadID, overwriting
// any previous snapshot (idempotent).
func (s *SessionStore) Save(threadID string, mem *PersistentMemory, nb *Notebook) error {
	mem.Mu.RLock()
	memSnap := MemorySnapshot{CurrentTask: mem.CurrentTask, BehaviorLog: append([]BehaviorEntry(nil), mem.BehaviorLog...)}
	mem.Mu.RUnlock()

	nb.Mu.RLock()
	var inference []AttentionItem
	for _, a := range nb.Attention {
		if a.Source == SourceInference {
			inference = append(inference, a)
		}
	}
	nbSnap := NotebookSnapshot{
		CurrentActivity:    nb.CurrentActivity,
		Completed:          append([]CompletedItem(nil), nb.Completed...),
		InferenceAttention: inference,
	}
	nb.Mu.RUnlock()

	snap := SessionSnapshot{
		ThreadID: threadID,
		SavedAt:  time.Now().UTC(),
		Memory:   memSnap,
		Notebook: nbSnap,
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.Serialization, "marshal session snapshot", err)
	}
	if err := atomicWriteFile(s.sessionPath(threadID), data, 0o644); err != nil {
		return xerrors.Wrap(xerrors.MemoryIO, "save session snapshot", err)
	}
	return nil
}

// Load returns the snapshot for threadID, or (nil, false, nil) if absent or
// unparseable — a parse error is logged as a warning and treated as absent,
// never blocking startup.
func (s *SessionStore) Load(threadID string) (*SessionSnapshot, bool, error) {
	data, err := readIfExists(s.sessionPath(threadID))
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.IO, "read session snapshot", err)
	}
	if data == nil {
		return nil, false, nil
	}
	var snap SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Msg("failed to parse session snapshot; treating as absent")
		return nil, false, nil
	}
	return &snap, true, nil
}

// HasSession reports whether a snapshot file exists for threadID.
func (s *SessionStore) HasSession(threadID string) bool {
	_, err := os.Stat(s.sessionPath(threadID))
	return err == nil
}

// ListThreads returns all thread ids with a saved snapshot.
func (s *SessionStore) ListThreads() ([]string, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.IO, "list sessions directory", err)
	}
	var ids []string
	for _, e := range entries {
		if name, ok := stripJSONSuffix(e.Name()); ok {
			ids = append(ids, name)
		}
	}
	return ids, nil
}

func stripJSONSuffix(name string) (string, bool) {
	const suffix = ".json"
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		return name[:len(name)-len(suffix)], true
	}
	return "", false
}

// Cleanup deletes the oldest session files by mtime beyond the most recent
// keep entries.
func (s *SessionStore) Cleanup(keep int) error {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		return xerrors.Wrap(xerrors.IO, "list sessions directory for cleanup", err)
	}

	type fileMTime struct {
		path    string
		modTime time.Time
	}
	var files []fileMTime
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileMTime{path: filepath.Join(s.sessionsDir, e.Name()), modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	if len(files) > keep {
		toRemove := files[:len(files)-keep]
		for _, f := range toRemove {
			_ = os.Remove(f.path)
		}
		log.Info().Int("count", len(toRemove)).Msg("cleaned up old session files")
	}
	return nil
}

// RestoreSnapshot applies a loaded snapshot to memory and notebook:
//  1. replace memory's current task and behavior log,
//  2. replace notebook's current activity and completed list,
//  3. merge inference-sourced attention items, skipping content duplicates,
//  4. persist both.
func RestoreSnapshot(mem *PersistentMemory, nb *Notebook, snap *SessionSnapshot) error {
	mem.Mu.Lock()
	mem.CurrentTask = snap.Memory.CurrentTask
	mem.BehaviorLog = snap.Memory.BehaviorLog
	mem.Mu.Unlock()

	nb.Mu.Lock()
	nb.CurrentActivity = snap.Notebook.CurrentActivity
	nb.Completed = snap.Notebook.Completed
	for _, item := range snap.Notebook.InferenceAttention {
		dup := false
		for _, existing := range nb.Attention {
			if existing.Content == item.Content {
				dup = true
				break
			}
		}
		if !dup {
			nb.Attention = append(nb.Attention, item)
		}
	}
	nb.Mu.Unlock()

	if err := mem.Save(); err != nil {
		return err
	}
	if err := nb.Save(); err != nil {
		return err
	}
	log.Info().Str("thread_id", snap.ThreadID).Msg("restored session state")
	return nil
}
