package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/relaycode/turnguard/internal/xerrors"
)

// Priority is the urgency tag on an attention item.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// AttentionSource records why an attention item exists.
type AttentionSource string

const (
	SourceUserInstruction AttentionSource = "user_instruction"
	SourceMistake         AttentionSource = "mistake"
	SourceInference       AttentionSource = "inference"
)

const (
	maxCompleted = 20
	maxAttention = 30
	maxMistakes  = 15
)

// CompletedItem is a bounded-FIFO record of finished work.
type CompletedItem struct {
	Timestamp    time.Time `json:"timestamp"`
	What         string    `json:"what"`
	Significance string    `json:"significance"`
}

// AttentionItem is a deduped-by-content, bounded-FIFO, priority-tagged note.
type AttentionItem struct {
	Content string          `json:"content"`
	Source  AttentionSource `json:"source"`
	Priority Priority       `json:"priority"`
	AddedAt time.Time       `json:"added_at"`
}

// MistakeEntry is a bounded-FIFO record of a corrected assistant mistake.
type MistakeEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	WhatHappened string    `json:"what_happened"`
	HowCorrected string    `json:"how_corrected"`
	Lesson       string    `json:"lesson"`
}

// NotebookSummary is a compact view of Notebook state, e.g. for a UI.
type NotebookSummary struct {
	CurrentActivity   string    `json:"current_activity"`
	CompletedCount    int       `json:"completed_count"`
	AttentionCount    int       `json:"attention_count"`
	HighPriorityCount int       `json:"high_priority_count"`
	MistakesCount     int       `json:"mistakes_count"`
	LastUpdated       time.Time `json:"last_updated"`
}

// notebookFile is the on-disk JSON shape (path is never serialized).
type notebookFile struct {
	CurrentActivity string          `json:"current_activity"`
	Completed       []CompletedItem `json:"completed"`
	Attention       []AttentionItem `json:"attention"`
	Mistakes        []MistakeEntry  `json:"mistakes"`
	LastUpdated     time.Time       `json:"last_updated"`
}

// Notebook is C3: the supervisor's own session-scoped structured scratchpad,
// distinct from and never compacted alongside conversation history.
//
// Grounded verbatim on original_source/src/memory/notebook.rs: FIFO caps,
// dedup-by-content, the to_prompt_string rendering policy, and the
// mistake-derives-attention invariant.
type Notebook struct {
	Mu sync.RWMutex

	path string

	CurrentActivity string
	Completed       []CompletedItem
	Attention       []AttentionItem
	Mistakes        []MistakeEntry
	LastUpdated     time.Time
}

// NewNotebook opens (loading if present) the notebook JSON file at path.
func NewNotebook(path string) (*Notebook, error) {
	n := &Notebook{path: path}
	if err := n.load(); err != nil {
		return nil, err
	}
	return n, nil
}

// SetCurrentActivity sets (or, with "", clears) the current activity.
func (n *Notebook) SetCurrentActivity(text string) error {
	n.Mu.Lock()
	n.CurrentActivity = text
	n.Mu.Unlock()
	return n.Save()
}

// ClearActivity clears the current activity.
func (n *Notebook) ClearActivity() error {
	return n.SetCurrentActivity("")
}

// AddCompleted appends a completed item, evicting the oldest beyond the cap
// of 20 (FIFO).
func (n *Notebook) AddCompleted(what, significance string) error {
	n.Mu.Lock()
	n.Completed = append(n.Completed, CompletedItem{Timestamp: time.Now().UTC(), What: what, Significance: significance})
	if len(n.Completed) > maxCompleted {
		n.Completed = n.Completed[len(n.Completed)-maxCompleted:]
	}
	n.Mu.Unlock()
	return n.Save()
}

// AddAttention inserts an attention item, deduping by content (a second
// insert with the same content is a silent no-op) and evicting the oldest
// beyond the cap of 30.
func (n *Notebook) AddAttention(content string, source AttentionSource, priority Priority) error {
	if priority == "" {
		priority = PriorityMedium
	}
	if source == "" {
		source = SourceInference
	}
	n.Mu.Lock()
	for _, a := range n.Attention {
		if a.Content == content {
			n.Mu.Unlock()
			return nil
		}
	}
	n.Attention = append(n.Attention, AttentionItem{Content: content, Source: source, Priority: priority, AddedAt: time.Now().UTC()})
	if len(n.Attention) > maxAttention {
		n.Attention = n.Attention[len(n.Attention)-maxAttention:]
	}
	n.Mu.Unlock()
	return n.Save()
}

// RemoveAttention removes the attention item with the given content, if any.
func (n *Notebook) RemoveAttention(content string) error {
	n.Mu.Lock()
	out := n.Attention[:0]
	for _, a := range n.Attention {
		if a.Content != content {
			out = append(out, a)
		}
	}
	n.Attention = out
	n.Mu.Unlock()
	return n.Save()
}

// RecordMistake appends a mistake (FIFO cap 15), then — per the derived-
// attention invariant (SPEC_FULL §3) — inserts "Avoid: {lesson}" as a
// High-priority, Mistake-sourced attention item before the final save.
func (n *Notebook) RecordMistake(whatHappened, howCorrected, lesson string) error {
	n.Mu.Lock()
	n.Mistakes = append(n.Mistakes, MistakeEntry{
		Timestamp:    time.Now().UTC(),
		WhatHappened: whatHappened,
		HowCorrected: howCorrected,
		Lesson:       lesson,
	})
	if len(n.Mistakes) > maxMistakes {
		n.Mistakes = n.Mistakes[len(n.Mistakes)-maxMistakes:]
	}
	n.Mu.Unlock()

	// Derived invariant: insert before save. AddAttention already saves, so
	// the final explicit Save below is a harmless second write that
	// guarantees the mistake itself (not just the derived attention item)
	// is on disk even if AddAttention's dedup short-circuited its own save.
	avoid := fmt.Sprintf("Avoid: %s", lesson)
	if err := n.AddAttention(avoid, SourceMistake, PriorityHigh); err != nil {
		return err
	}
	return n.Save()
}

// ClearAll resets every field and persists.
func (n *Notebook) ClearAll() error {
	n.Mu.Lock()
	n.CurrentActivity = ""
	n.Completed = nil
	n.Attention = nil
	n.Mistakes = nil
	n.Mu.Unlock()
	return n.Save()
}

// ToPromptString renders the notebook for inclusion in a supervisor prompt:
// current activity, up to 5 most recent completed items, attention items
// high-priority first then medium (low is omitted to save tokens), and up
// to 3 most recent mistakes. Returns "" if there is nothing to show.
func (n *Notebook) ToPromptString() string {
	n.Mu.RLock()
	defer n.Mu.RUnlock()

	var b strings.Builder

	if n.CurrentActivity != "" {
		fmt.Fprintf(&b, "**Current activity:** %s\n", n.CurrentActivity)
	}

	if len(n.Completed) > 0 {
		b.WriteString("Recently completed:\n")
		recent := lastN(n.Completed, 5)
		for i := len(recent) - 1; i >= 0; i-- {
			fmt.Fprintf(&b, "- %s (%s)\n", recent[i].What, recent[i].Significance)
		}
	}

	var high, medium []AttentionItem
	for _, a := range n.Attention {
		switch a.Priority {
		case PriorityHigh:
			high = append(high, a)
		case PriorityMedium:
			medium = append(medium, a)
		}
	}
	if len(high) > 0 || len(medium) > 0 {
		b.WriteString("Attention:\n")
		for _, a := range high {
			fmt.Fprintf(&b, "- [high] %s\n", a.Content)
		}
		for _, a := range medium {
			fmt.Fprintf(&b, "- [medium] %s\n", a.Content)
		}
	}

	if len(n.Mistakes) > 0 {
		b.WriteString("Past mistakes:\n")
		recent := lastN(n.Mistakes, 3)
		for i := len(recent) - 1; i >= 0; i-- {
			m := recent[i]
			fmt.Fprintf(&b, "- %s -> %s (lesson: %s)\n", m.WhatHappened, m.HowCorrected, m.Lesson)
		}
	}

	return b.String()
}

// Summary returns a compact view suitable for UI display.
func (n *Notebook) Summary() NotebookSummary {
	n.Mu.RLock()
	defer n.Mu.RUnlock()

	high := 0
	for _, a := range n.Attention {
		if a.Priority == PriorityHigh {
			high++
		}
	}
	return NotebookSummary{
		CurrentActivity:   n.CurrentActivity,
		CompletedCount:    len(n.Completed),
		AttentionCount:    len(n.Attention),
		HighPriorityCount: high,
		MistakesCount:     len(n.Mistakes),
		LastUpdated:       n.LastUpdated,
	}
}

func lastN[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Save persists the notebook as JSON, atomically.
func (n *Notebook) Save() error {
	n.Mu.Lock()
	n.LastUpdated = time.Now().UTC()
	file := notebookFile{
		CurrentActivity: n.CurrentActivity,
		Completed:       n.Completed,
		Attention:       n.Attention,
		Mistakes:        n.Mistakes,
		LastUpdated:     n.LastUpdated,
	}
	n.Mu.Unlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.Serialization, "marshal notebook", err)
	}
	if err := atomicWriteFile(n.path, data, 0o644); err != nil {
		return xerrors.Wrap(xerrors.MemoryIO, "save notebook", err)
	}
	return nil
}

func (n *Notebook) load() error {
	data, err := readIfExists(n.path)
	if err != nil {
		return xerrors.Wrap(xerrors.MemoryIO, "open notebook file", err)
	}
	if data == nil {
		return nil
	}
	var file notebookFile
	if err := json.Unmarshal(data, &file); err != nil {
		// Malformed notebook file: treat as absent rather than fail startup.
		return nil
	}
	n.CurrentActivity = file.CurrentActivity
	n.Completed = file.Completed
	n.Attention = file.Attention
	n.Mistakes = file.Mistakes
	n.LastUpdated = file.LastUpdated
	return nil
}
