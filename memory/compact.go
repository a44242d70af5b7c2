package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/relaycode/turnguard/internal/tokens"
)

// Summarizer is the minimal LLM dependency the Compactor needs. It is
// defined here (rather than imported from the llm package) so memory has no
// import-cycle dependency on llm; llm.Client satisfies this interface.
type Summarizer interface {
	Call(ctx context.Context, prompt string) (string, error)
}

const (
	// SummaryPrefix marks a history turn as an LLM- or fallback-generated
	// checkpoint summary, so later compaction passes never re-summarize a
	// summary and real-user-message retention logic can exclude it.
	SummaryPrefix = "[Conversation summary] "

	// ToolResultsSummaryPrefix marks a collapsed run of tool-result content.
	ToolResultsSummaryPrefix = "[Compacted tool results summary] "

	// MaxRetainedUserTokens bounds how much of the recent real user messages
	// survive a history compaction, regardless of context-window size.
	MaxRetainedUserTokens = 20000

	// DefaultToolResultBudget is the token budget CompactToolResultsIfNeeded
	// uses when the caller does not supply one.
	DefaultToolResultBudget = 6000

	fallbackSummaryMessageCount = 5
	fallbackSummaryTruncateCols = 80
)

// IsSummaryMessage reports whether content is itself a previously generated
// summary (of either kind), so it can be excluded from "real" message
// accounting during a subsequent compaction pass.
func IsSummaryMessage(content string) bool {
	return strings.HasPrefix(content, SummaryPrefix) || strings.HasPrefix(content, ToolResultsSummaryPrefix)
}

// CompactionThreshold returns the token count at or above which
// CompactHistoryIfNeeded will trigger, for a given model context window:
// ceil(window * 9 / 10), i.e. 90%.
func CompactionThreshold(contextWindow int) int {
	return (contextWindow*9 + 9) / 10
}

// CompactHistoryIfNeeded checks the in-memory conversation window against
// the 90%-of-context-window threshold and, if exceeded, replaces older turns
// with a single summary turn while retaining recent real end-user messages
// (up to MaxRetainedUserTokens, oldest-first, truncating the oldest
// overshooting retained message with an ellipsis rather than dropping it).
//
// Grounded on original_source/src/memory/compact.rs: the 90% threshold
// (superseding the stale 95% figure in the since-removed context_manager.rs
// path), the fixed checkpoint prompt, the fallback summary on LLM failure,
// and the 20,000-token real-user-message retention cap.
func CompactHistoryIfNeeded(ctx context.Context, mem *PersistentMemory, contextWindow int, summarizer Summarizer) error {
	// The write lock is held for the whole run, summarization included, so
	// no other writer can change the window between reading and replacing it.
	mem.Mu.Lock()
	defer mem.Mu.Unlock()

	used := 0
	for _, t := range mem.History {
		used += t.Tokens
	}
	threshold := CompactionThreshold(contextWindow)
	if used < threshold {
		return nil
	}

	history := append([]Turn(nil), mem.History...)
	if len(history) == 0 {
		return nil
	}

	summaryText, err := summarizeHistory(ctx, history, summarizer)
	if err != nil {
		log.Warn().Err(err).Msg("history summarization failed; using fallback summary")
	}

	summaryTurn := NewTurn(RoleSupervisor, SummaryPrefix+summaryText)

	retained := retainRecentUserMessages(history, MaxRetainedUserTokens)

	// Retained real user messages first, oldest-first, then the summary
	// turn appended last (SPEC_FULL §4.6 step 4).
	newHistory := make([]Turn, 0, len(retained)+1)
	newHistory = append(newHistory, retained...)
	newHistory = append(newHistory, summaryTurn)

	mem.History = newHistory
	log.Info().Int("used_tokens", used).Int("threshold", threshold).Int("retained", len(retained)).Msg("compacted conversation history")
	return nil
}

func summarizeHistory(ctx context.Context, history []Turn, summarizer Summarizer) (string, error) {
	var b strings.Builder
	b.WriteString("Summarize this conversation so far in a few sentences, preserving the user's goals, constraints, and any decisions made:\n\n")
	for _, t := range history {
		if IsSummaryMessage(t.Content) {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", t.Role, t.Content)
	}

	if summarizer != nil {
		summary, err := summarizer.Call(ctx, b.String())
		if err == nil && strings.TrimSpace(summary) != "" {
			return summary, nil
		}
		if err == nil {
			err = fmt.Errorf("summarizer returned empty summary")
		}
		return fallbackSummary(history), err
	}
	return fallbackSummary(history), fmt.Errorf("no summarizer configured")
}

// fallbackSummary is used when the LLM call fails or is unavailable: the
// count of real user messages, plus the last few messages each truncated to
// 80 display columns, joined into a terse stand-in summary (SPEC_FULL §4.6
// step 3).
func fallbackSummary(history []Turn) string {
	userCount := 0
	for _, t := range history {
		if t.Role == RoleEndUser && !IsSummaryMessage(t.Content) {
			userCount++
		}
	}

	recent := lastN(history, fallbackSummaryMessageCount)
	var b strings.Builder
	fmt.Fprintf(&b, "%d user message(s). Recent: ", userCount)
	for i, t := range recent {
		if i > 0 {
			b.WriteString(" | ")
		}
		fmt.Fprintf(&b, "%s: %s", t.Role, firstNCols(t.Content, fallbackSummaryTruncateCols))
	}
	return b.String()
}

// retainRecentUserMessages walks history newest-first collecting real
// end-user messages (skipping summaries) until maxTokens would be exceeded,
// then returns them oldest-first. The oldest retained message is truncated
// with an ellipsis if including it whole would overshoot the budget.
func retainRecentUserMessages(history []Turn, maxTokens int) []Turn {
	var picked []Turn
	total := 0
	for i := len(history) - 1; i >= 0; i-- {
		t := history[i]
		if t.Role != RoleEndUser || IsSummaryMessage(t.Content) {
			continue
		}
		if total+t.Tokens > maxTokens {
			remaining := maxTokens - total
			if remaining <= 0 {
				break
			}
			truncated := truncateToTokenBudget(t.Content, remaining)
			t.Content = truncated + " ..."
			t.Tokens = tokens.Estimate(t.Content)
			picked = append(picked, t)
			break
		}
		total += t.Tokens
		picked = append(picked, t)
	}
	// picked is newest-first; reverse to oldest-first.
	for l, r := 0, len(picked)-1; l < r; l, r = l+1, r-1 {
		picked[l], picked[r] = picked[r], picked[l]
	}
	return picked
}

func truncateToTokenBudget(content string, budgetTokens int) string {
	maxChars := budgetTokens * tokens.CharsPerToken
	if maxChars < 0 {
		maxChars = 0
	}
	return firstNCols(content, maxChars)
}

// CompactToolResultsIfNeeded collapses a run of raw tool-result strings into
// a single joined blob, or — if that blob exceeds budget tokens (default
// DefaultToolResultBudget) — a single LLM-generated summary marked with
// ToolResultsSummaryPrefix. On summarization failure the original joined
// blob is returned untouched (never blocks the tool-call loop).
func CompactToolResultsIfNeeded(ctx context.Context, summarizer Summarizer, results []string, budget int) string {
	if budget <= 0 {
		budget = DefaultToolResultBudget
	}
	combined := strings.Join(results, "\n---\n")
	if tokens.Estimate(combined) <= budget {
		return combined
	}
	if summarizer == nil {
		return combined
	}

	prompt := "Summarize these tool results concisely, preserving any facts or file contents the assistant will need:\n\n" + combined
	summary, err := summarizer.Call(ctx, prompt)
	if err != nil || strings.TrimSpace(summary) == "" {
		log.Warn().Err(err).Msg("tool result summarization failed; leaving results unsummarized")
		return combined
	}
	return ToolResultsSummaryPrefix + summary
}
