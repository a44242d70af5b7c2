package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/relaycode/turnguard/memory"
	"github.com/relaycode/turnguard/shell"
	"github.com/relaycode/turnguard/tools"
)

const (
	searchHistoryCap    = 10
	searchPreviewChars  = 500
	readRecentCap       = 20
	globResultCap       = 20
	defaultReadLines    = 100
)

// dispatchTool implements C10's tool dispatcher table (SPEC_FULL §4.10).
// Every tool call is synchronous and returns a single (possibly truncated)
// string fed back to the next LLM iteration.
func dispatchTool(ctx context.Context, name, rawArgs string, mem *memory.PersistentMemory, nb *memory.Notebook, workDir string) string {
	arg := unquoteArg(rawArgs)

	switch name {
	case "search_history":
		return toolSearchHistory(mem, arg)
	case "read_recent":
		return toolReadRecent(mem, arg)
	case "read_turn":
		return toolReadTurn(mem, arg)
	case "history_stats":
		return toolHistoryStats(mem)
	case "update_notebook":
		return toolUpdateNotebook(nb, rawArgs)
	case "set_activity":
		return toolSetActivity(nb, arg)
	case "clear_activity":
		return toolClearActivity(nb)
	case "add_completed":
		return toolAddCompleted(nb, arg)
	case "add_attention":
		return toolAddAttention(nb, arg)
	case "notebook_mistake":
		return toolNotebookMistake(nb, arg)
	case "read_file":
		return toolReadFile(workDir, arg)
	case "glob":
		return toolGlob(workDir, arg)
	case "shell", "rg", "grep", "ls":
		return toolShell(ctx, workDir, name, arg)
	default:
		return fmt.Sprintf("error: unknown tool %q", name)
	}
}

func toolSearchHistory(mem *memory.PersistentMemory, query string) string {
	hits, err := mem.Archive().Search(query)
	if err != nil {
		return "error: " + err.Error()
	}
	if len(hits) > searchHistoryCap {
		hits = hits[:searchHistoryCap]
	}
	var b strings.Builder
	for _, t := range hits {
		fmt.Fprintf(&b, "[%s] %s: %s\n", t.Timestamp.Format("2006-01-02T15:04:05"), t.Role, truncateChars(t.Content, searchPreviewChars))
	}
	if b.Len() == 0 {
		return "no matches"
	}
	return b.String()
}

func toolReadRecent(mem *memory.PersistentMemory, arg string) string {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n <= 0 {
		n = readRecentCap
	}
	if n > readRecentCap {
		n = readRecentCap
	}
	turns, err := mem.Archive().ReadRecent(n)
	if err != nil {
		return "error: " + err.Error()
	}
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "[%s] %s: %s\n", t.Timestamp.Format("2006-01-02T15:04:05"), t.Role, t.Content)
	}
	return b.String()
}

func toolReadTurn(mem *memory.PersistentMemory, arg string) string {
	i, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return "error: invalid index"
	}
	t, ok, err := mem.Archive().ReadAt(i)
	if err != nil {
		return "error: " + err.Error()
	}
	if !ok {
		return "error: no such turn"
	}
	return fmt.Sprintf("[%s] %s: %s", t.Timestamp.Format("2006-01-02T15:04:05"), t.Role, t.Content)
}

func toolHistoryStats(mem *memory.PersistentMemory) string {
	total, err := mem.Archive().Count()
	if err != nil {
		return "error: " + err.Error()
	}
	inMemory := len(mem.HistorySnapshot())
	tokens := mem.HistoryTokenUsage()
	return fmt.Sprintf("total=%d in_memory=%d in_memory_tokens=%d", total, inMemory, tokens)
}

// notebookUpdateBody is the optional-field JSON body accepted by
// update_notebook.
type notebookUpdateBody struct {
	CurrentActivity *string `json:"current_activity"`
	AddCompleted    *string `json:"add_completed"`
	AddAttention    *string `json:"add_attention"`
	RecordMistake   *string `json:"record_mistake"`
}

func toolUpdateNotebook(nb *memory.Notebook, rawArgs string) string {
	text := strings.TrimSpace(rawArgs)
	var body notebookUpdateBody
	if err := json.Unmarshal([]byte(unquoteArg(text)), &body); err != nil {
		// Non-JSON: fall back to treating the whole argument as the new
		// current activity.
		if err := nb.SetCurrentActivity(unquoteArg(text)); err != nil {
			return "error: " + err.Error()
		}
		return "ok: activity set"
	}

	var results []string
	if body.CurrentActivity != nil {
		if err := nb.SetCurrentActivity(*body.CurrentActivity); err != nil {
			return "error: " + err.Error()
		}
		results = append(results, "activity set")
	}
	if body.AddCompleted != nil {
		what, sig, _ := strings.Cut(*body.AddCompleted, "|")
		if err := nb.AddCompleted(strings.TrimSpace(what), strings.TrimSpace(sig)); err != nil {
			return "error: " + err.Error()
		}
		results = append(results, "completed added")
	}
	if body.AddAttention != nil {
		content, priority := parseAttentionArg(*body.AddAttention)
		if err := nb.AddAttention(content, memory.SourceInference, priority); err != nil {
			return "error: " + err.Error()
		}
		results = append(results, "attention added")
	}
	if body.RecordMistake != nil {
		parts := strings.SplitN(*body.RecordMistake, "|", 3)
		for len(parts) < 3 {
			parts = append(parts, "")
		}
		if err := nb.RecordMistake(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2])); err != nil {
			return "error: " + err.Error()
		}
		results = append(results, "mistake recorded")
	}
	if len(results) == 0 {
		return "ok: no-op"
	}
	return "ok: " + strings.Join(results, ", ")
}

func toolSetActivity(nb *memory.Notebook, arg string) string {
	if err := nb.SetCurrentActivity(arg); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func toolClearActivity(nb *memory.Notebook) string {
	if err := nb.ClearActivity(); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func toolAddCompleted(nb *memory.Notebook, arg string) string {
	what, significance, _ := strings.Cut(arg, "|")
	if err := nb.AddCompleted(strings.TrimSpace(what), strings.TrimSpace(significance)); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func toolAddAttention(nb *memory.Notebook, arg string) string {
	content, priority := parseAttentionArg(arg)
	if err := nb.AddAttention(content, memory.SourceInference, priority); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func parseAttentionArg(arg string) (content string, priority memory.Priority) {
	content, prioStr, _ := strings.Cut(arg, "|")
	content = strings.TrimSpace(content)
	switch strings.ToLower(strings.TrimSpace(prioStr)) {
	case "high":
		priority = memory.PriorityHigh
	case "low":
		priority = memory.PriorityLow
	default:
		priority = memory.PriorityMedium
	}
	return content, priority
}

func toolNotebookMistake(nb *memory.Notebook, arg string) string {
	parts := strings.SplitN(arg, "|", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	if err := nb.RecordMistake(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2])); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func toolReadFile(workDir, arg string) string {
	path, offset, limit := parseReadFileArg(arg)
	full, err := tools.ValidatePath(workDir, path)
	if err != nil {
		return "error: " + err.Error()
	}

	f, err := os.Open(full)
	if err != nil {
		return "error: " + err.Error()
	}
	defer f.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if line < offset {
			continue
		}
		if line >= offset+limit {
			break
		}
		fmt.Fprintf(&b, "%d\t%s\n", line, scanner.Text())
	}
	return b.String()
}

func parseReadFileArg(arg string) (path string, offset, limit int) {
	parts := strings.SplitN(arg, "|", 3)
	path = strings.TrimSpace(parts[0])
	offset, limit = 1, defaultReadLines
	if len(parts) > 1 {
		if v, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil && v > 0 {
			offset = v
		}
	}
	if len(parts) > 2 {
		if v, err := strconv.Atoi(strings.TrimSpace(parts[2])); err == nil && v > 0 {
			limit = v
		}
	}
	return path, offset, limit
}

func toolGlob(workDir, pattern string) string {
	matches, err := doublestar.Glob(os.DirFS(workDir), pattern)
	if err != nil {
		return "error: " + err.Error()
	}
	if len(matches) > globResultCap {
		matches = matches[:globResultCap]
	}
	if len(matches) == 0 {
		return "no matches"
	}
	return strings.Join(matches, "\n")
}

func toolShell(ctx context.Context, workDir, name, arg string) string {
	var command string
	switch name {
	case "shell":
		command = arg
	default:
		command = name + " " + arg
	}
	out, err := shell.Run(ctx, workDir, strings.TrimSpace(command))
	if err != nil {
		return "error: " + err.Error()
	}
	return out
}

// unquoteArg strips one layer of matching straight-double-quotes, if
// present — tool arguments arrive as the raw text between the call's
// parentheses, which conventionally quotes string-valued single arguments.
func unquoteArg(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func truncateChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
