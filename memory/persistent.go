package memory

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/relaycode/turnguard/internal/xerrors"
)

// UserInstruction is an append-only record of something the end user said
// explicitly.
type UserInstruction struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// TaskObjective is the single active task; replaced wholesale, never
// appended to.
type TaskObjective struct {
	MainGoal    string    `json:"main_goal"`
	Constraints []string  `json:"constraints"`
	StartedAt   time.Time `json:"started_at"`
}

// Decision is an append-only record of a choice made during the session.
type Decision struct {
	What      string    `json:"what"`
	Why       string    `json:"why"`
	Timestamp time.Time `json:"timestamp"`
}

// BehaviorEntry logs one observed assistant action and whether it was
// subsequently corrected.
type BehaviorEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Action       string    `json:"action"`
	WasCorrected bool      `json:"was_corrected"`
}

// PersistentMemory is C2: session-scoped state plus the in-memory
// conversation-history window, serialized to a human-readable text file.
//
// Grounded on original_source/src/memory/persistent.rs for field set and
// build_context composition; the save path follows SPEC_FULL §4.2's
// explicit atomic write -> fsync -> rename requirement (a deliberate
// departure from the original's direct truncate-write, since the spec is
// authoritative here), using the teacher's agent/session.go atomic-rename
// idiom.
type PersistentMemory struct {
	Mu sync.RWMutex

	path    string
	archive *Archive

	UserInstructions []UserInstruction
	CurrentTask      *TaskObjective
	Decisions        []Decision
	BehaviorLog      []BehaviorEntry
	History          []Turn
}

// archivePathFor derives the sibling archive path for a memory file path,
// per SPEC_FULL §6: "memory.archive.jsonl" alongside "memory.md".
func archivePathFor(memoryFilePath string) string {
	ext := ".md"
	base := memoryFilePath
	if strings.HasSuffix(base, ext) {
		base = strings.TrimSuffix(base, ext)
	}
	return base + ".archive.jsonl"
}

// NewPersistentMemory opens the memory file at path (loading existing
// content if present) and wires its sibling archive file.
func NewPersistentMemory(path string) (*PersistentMemory, error) {
	m := &PersistentMemory{
		path:    path,
		archive: NewArchive(archivePathFor(path)),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Archive exposes the conversation archive so callers (e.g. the tool
// dispatcher's search_history) can read it directly.
func (m *PersistentMemory) Archive() *Archive { return m.archive }

// AddTurn archives the turn, then pushes it onto the in-memory window.
// Archive-then-memory-push ordering matches the original's add_turn.
func (m *PersistentMemory) AddTurn(role Role, content string) error {
	t := NewTurn(role, content)
	if err := m.archive.Append(t); err != nil {
		return err
	}
	m.Mu.Lock()
	m.History = append(m.History, t)
	m.Mu.Unlock()
	return nil
}

// RecordUserInstruction appends an explicit user instruction and persists.
func (m *PersistentMemory) RecordUserInstruction(text string) error {
	m.Mu.Lock()
	m.UserInstructions = append(m.UserInstructions, UserInstruction{Timestamp: time.Now().UTC(), Text: text})
	m.Mu.Unlock()
	return m.Save()
}

// SetCurrentTask replaces the single active task wholesale.
func (m *PersistentMemory) SetCurrentTask(mainGoal string, constraints []string) error {
	m.Mu.Lock()
	m.CurrentTask = &TaskObjective{MainGoal: mainGoal, Constraints: constraints, StartedAt: time.Now().UTC()}
	m.Mu.Unlock()
	return m.Save()
}

// RecordDecision appends a decision and persists.
func (m *PersistentMemory) RecordDecision(what, why string) error {
	m.Mu.Lock()
	m.Decisions = append(m.Decisions, Decision{What: what, Why: why, Timestamp: time.Now().UTC()})
	m.Mu.Unlock()
	return m.Save()
}

// RecordBehavior appends a behavior-log entry and persists.
func (m *PersistentMemory) RecordBehavior(action string, wasCorrected bool) error {
	m.Mu.Lock()
	m.BehaviorLog = append(m.BehaviorLog, BehaviorEntry{Timestamp: time.Now().UTC(), Action: action, WasCorrected: wasCorrected})
	m.Mu.Unlock()
	return m.Save()
}

// HistoryTokenUsage sums the token estimates of the in-memory window.
func (m *PersistentMemory) HistoryTokenUsage() int {
	m.Mu.RLock()
	defer m.Mu.RUnlock()
	total := 0
	for _, t := range m.History {
		total += t.Tokens
	}
	return total
}

// HistorySnapshot returns a copy of the in-memory conversation window.
func (m *PersistentMemory) HistorySnapshot() []Turn {
	m.Mu.RLock()
	defer m.Mu.RUnlock()
	return append([]Turn(nil), m.History...)
}

// ReplaceHistory atomically swaps the in-memory window. It takes the write
// lock itself, and sync.RWMutex is not reentrant, so callers must not
// already hold the lock.
func (m *PersistentMemory) ReplaceHistory(newHistory []Turn) {
	m.Mu.Lock()
	m.History = newHistory
	m.Mu.Unlock()
}

// BuildContext renders user instructions, current task, the five most
// recent decisions, and the recent in-memory conversation window into a
// labeled prompt section.
func (m *PersistentMemory) BuildContext() string {
	m.Mu.RLock()
	defer m.Mu.RUnlock()

	var b strings.Builder

	if len(m.UserInstructions) > 0 {
		b.WriteString("=== User Instructions ===\n")
		for _, ui := range m.UserInstructions {
			fmt.Fprintf(&b, "- %s\n", ui.Text)
		}
		b.WriteString("\n")
	}

	if m.CurrentTask != nil {
		b.WriteString("=== Current Task ===\n")
		fmt.Fprintf(&b, "Goal: %s\n", m.CurrentTask.MainGoal)
		for _, c := range m.CurrentTask.Constraints {
			fmt.Fprintf(&b, "Constraint: %s\n", c)
		}
		b.WriteString("\n")
	}

	if len(m.Decisions) > 0 {
		b.WriteString("=== Key Decisions ===\n")
		start := 0
		if len(m.Decisions) > 5 {
			start = len(m.Decisions) - 5
		}
		for _, d := range m.Decisions[start:] {
			fmt.Fprintf(&b, "- %s (%s)\n", d.What, d.Why)
		}
		b.WriteString("\n")
	}

	if len(m.History) > 0 {
		b.WriteString("=== Recent Conversation ===\n")
		for _, t := range m.History {
			fmt.Fprintf(&b, "[%s] %s\n", t.Role, t.Content)
		}
	}

	return b.String()
}

// ClearAll resets every field (including the in-memory history window) and
// rewrites the file atomically. This is the "per-thread clean slate"
// operation from SPEC_FULL §3.
func (m *PersistentMemory) ClearAll() error {
	m.Mu.Lock()
	m.UserInstructions = nil
	m.CurrentTask = nil
	m.Decisions = nil
	m.BehaviorLog = nil
	m.History = nil
	m.Mu.Unlock()
	return m.Save()
}

// --- text-file section persistence ---

const (
	sectionUserInstructions = "User Instructions"
	sectionCurrentTask      = "Current Task"
	sectionKeyDecisions     = "Key Decisions"
	sectionBehaviorLog      = "Behavior Log"
)

// Save serializes memory to its section-headed text file, atomically.
func (m *PersistentMemory) Save() error {
	m.Mu.RLock()
	data := m.render()
	m.Mu.RUnlock()

	if err := atomicWriteFile(m.path, []byte(data), 0o644); err != nil {
		return xerrors.Wrap(xerrors.MemoryIO, "save persistent memory", err)
	}
	return nil
}

func (m *PersistentMemory) render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n", sectionUserInstructions)
	for _, ui := range m.UserInstructions {
		fmt.Fprintf(&b, "- [%s] %s\n", ui.Timestamp.Format(time.RFC3339), ui.Text)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "# %s\n", sectionCurrentTask)
	if m.CurrentTask != nil {
		fmt.Fprintf(&b, "Goal: %s\n", m.CurrentTask.MainGoal)
		fmt.Fprintf(&b, "Started: %s\n", m.CurrentTask.StartedAt.Format(time.RFC3339))
		for _, c := range m.CurrentTask.Constraints {
			fmt.Fprintf(&b, "Constraint: %s\n", c)
		}
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "# %s\n", sectionKeyDecisions)
	for _, d := range m.Decisions {
		fmt.Fprintf(&b, "- [%s] %s | %s\n", d.Timestamp.Format(time.RFC3339), d.What, d.Why)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "# %s\n", sectionBehaviorLog)
	for _, be := range m.BehaviorLog {
		corrected := "false"
		if be.WasCorrected {
			corrected = "true"
		}
		fmt.Fprintf(&b, "- [%s] %s | corrected=%s\n", be.Timestamp.Format(time.RFC3339), be.Action, corrected)
	}
	b.WriteString("\n")

	return b.String()
}

// load parses the section-headed text file defensively: unknown sections
// are ignored and malformed lines are dropped silently, matching the
// original's defensive markdown parser.
func (m *PersistentMemory) load() error {
	f, err := os.Open(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return xerrors.Wrap(xerrors.MemoryIO, "open persistent memory file", err)
	}
	defer f.Close()

	var current string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "# ") {
			current = strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			continue
		}
		switch current {
		case sectionUserInstructions:
			if ts, text, ok := parseBracketedLine(trimmed); ok {
				m.UserInstructions = append(m.UserInstructions, UserInstruction{Timestamp: ts, Text: text})
			}
		case sectionCurrentTask:
			m.applyCurrentTaskLine(trimmed)
		case sectionKeyDecisions:
			if ts, rest, ok := parseBracketedLine(trimmed); ok {
				what, why, _ := strings.Cut(rest, " | ")
				m.Decisions = append(m.Decisions, Decision{What: what, Why: why, Timestamp: ts})
			}
		case sectionBehaviorLog:
			if ts, rest, ok := parseBracketedLine(trimmed); ok {
				action, flag, _ := strings.Cut(rest, " | ")
				m.BehaviorLog = append(m.BehaviorLog, BehaviorEntry{
					Timestamp:    ts,
					Action:       action,
					WasCorrected: strings.Contains(flag, "corrected=true"),
				})
			}
		default:
			// Unknown section: ignored.
		}
	}
	return nil
}

func (m *PersistentMemory) applyCurrentTaskLine(line string) {
	if m.CurrentTask == nil {
		m.CurrentTask = &TaskObjective{}
	}
	switch {
	case strings.HasPrefix(line, "Goal: "):
		m.CurrentTask.MainGoal = strings.TrimPrefix(line, "Goal: ")
	case strings.HasPrefix(line, "Started: "):
		if t, err := time.Parse(time.RFC3339, strings.TrimPrefix(line, "Started: ")); err == nil {
			m.CurrentTask.StartedAt = t
		}
	case strings.HasPrefix(line, "Constraint: "):
		m.CurrentTask.Constraints = append(m.CurrentTask.Constraints, strings.TrimPrefix(line, "Constraint: "))
	}
}

// parseBracketedLine parses "- [RFC3339] rest" lines, dropping malformed
// ones (missing dash/brackets, unparseable timestamp) silently.
func parseBracketedLine(line string) (time.Time, string, bool) {
	if !strings.HasPrefix(line, "- [") {
		return time.Time{}, "", false
	}
	rest := strings.TrimPrefix(line, "- [")
	idx := strings.Index(rest, "] ")
	if idx < 0 {
		return time.Time{}, "", false
	}
	tsStr := rest[:idx]
	content := rest[idx+2:]
	ts, err := time.Parse(time.RFC3339, tsStr)
	if err != nil {
		return time.Time{}, "", false
	}
	return ts, content, true
}
