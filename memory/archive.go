package memory

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/relaycode/turnguard/internal/xerrors"
)

// Archive is the append-only JSONL conversation log (C1). It is never
// mutated by supervision logic, only appended to and read.
//
// Grounded on original_source/src/memory/persistent.rs: add_turn's
// archive-then-memory-push ordering, search_history's substring scan, and
// the lenient archive-line parser that silently skips malformed lines
// (including a partially-written last line).
type Archive struct {
	path string
	mu   sync.Mutex
}

// NewArchive opens (without yet creating) the archive file at path.
func NewArchive(path string) *Archive {
	return &Archive{path: path}
}

type archiveRecord struct {
	Timestamp string `json:"timestamp"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// Append writes one JSONL record. Infallible beyond I/O: a write failure is
// reported but never panics.
func (a *Archive) Append(t Turn) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec := archiveRecord{
		Timestamp: t.Timestamp.Format(RFC3339Milli),
		Role:      string(t.Role),
		Content:   t.Content,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Wrap(xerrors.Serialization, "marshal archive record", err)
	}

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.IO, "open archive for append", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return xerrors.Wrap(xerrors.IO, "append archive record", err)
	}
	return nil
}

// readAll loads every parseable turn in the archive, skipping malformed or
// partially-written lines silently.
func (a *Archive) readAll() ([]Turn, error) {
	f, err := os.Open(a.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.IO, "open archive", err)
	}
	defer f.Close()

	var out []Turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec archiveRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		ts, err := parseLenientTime(rec.Timestamp)
		if err != nil {
			continue
		}
		out = append(out, Turn{
			Timestamp: ts,
			Role:      Role(rec.Role),
			Content:   rec.Content,
			Tokens:    estimateTokens(rec.Content),
		})
	}
	return out, nil
}

// Search performs a case-insensitive substring match over content.
func (a *Archive) Search(query string) ([]Turn, error) {
	all, err := a.readAll()
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var hits []Turn
	for _, t := range all {
		if strings.Contains(strings.ToLower(t.Content), q) {
			hits = append(hits, t)
		}
	}
	return hits, nil
}

// ReadRecent returns up to n of the most recent turns, oldest first.
func (a *Archive) ReadRecent(n int) ([]Turn, error) {
	all, err := a.readAll()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		n = 0
	}
	if n > len(all) {
		n = len(all)
	}
	return all[len(all)-n:], nil
}

// ReadAt returns the turn at 0-based index i.
func (a *Archive) ReadAt(i int) (Turn, bool, error) {
	all, err := a.readAll()
	if err != nil {
		return Turn{}, false, err
	}
	if i < 0 || i >= len(all) {
		return Turn{}, false, nil
	}
	return all[i], true, nil
}

// Count returns the total number of parseable turns in the archive.
func (a *Archive) Count() (int, error) {
	all, err := a.readAll()
	if err != nil {
		return 0, err
	}
	return len(all), nil
}
