// Package supervisor implements C10: the supervisor agent loop that
// inspects assistant turns for violations, evaluates pending requests, and
// extracts structure from raw user input — each by composing a prompt
// (memory.ContextBuilder), calling the LLM, and parsing the response
// (rules package), with an in-between synchronous tool-call sub-loop for
// violation detection.
//
// Grounded on original_source/src/gugugaga_agent/mod.rs for the three
// entry points and the tool-call loop shape.
package supervisor

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaycode/turnguard/llm"
	"github.com/relaycode/turnguard/memory"
	"github.com/relaycode/turnguard/rules"
)

const (
	toolResultBudget = 6000
	// maxToolIterations bounds the tool-call sub-loop so a model that keeps
	// emitting tool calls can never run the supervision turn forever.
	maxToolIterations = 8
)

var toolCallPattern = regexp.MustCompile(`TOOL:\s*(\w+)\s*\((.+)\)`)

// Agent is C10's entry point set, bound to one session's state.
type Agent struct {
	Memory        *memory.PersistentMemory
	Notebook      *memory.Notebook
	Context       *memory.ContextBuilder
	LLM           *llm.Client
	ContextWindow int
	WorkDir       string
}

// NewAgent wires an Agent from already-constructed session state.
func NewAgent(mem *memory.PersistentMemory, nb *memory.Notebook, client *llm.Client, contextWindow int, workDir string) *Agent {
	return &Agent{
		Memory:        mem,
		Notebook:      nb,
		Context:       memory.NewContextBuilder(mem, nb),
		LLM:           client,
		ContextWindow: contextWindow,
		WorkDir:       workDir,
	}
}

// DetectViolation is C10's main entry point: it compacts history if needed,
// then runs the tool-call sub-loop until the LLM responds with a parseable
// check result (as opposed to another tool call), or the iteration cap is
// hit.
func (a *Agent) DetectViolation(ctx context.Context, finalAgentMessage string, sink EventSink) (rules.CheckResult, error) {
	emitThinking(sink, "thinking", "reviewing assistant turn", 0)

	// CompactHistoryIfNeeded holds the memory write lock for its whole run,
	// including the summarization call, so no other writer (such as the
	// interceptor's user-input pump adding a turn) can change the window
	// between the read and the replace.
	if err := memory.CompactHistoryIfNeeded(ctx, a.Memory, a.ContextWindow, a.LLM); err != nil {
		log.Warn().Err(err).Msg("history compaction failed")
	}

	var toolResults []string

	for iteration := 0; iteration < maxToolIterations; iteration++ {
		prompt := a.Context.ForViolationDetection(finalAgentMessage)
		if len(toolResults) > 0 {
			prompt += "\n=== Tool call results ===\n" + strings.Join(toolResults, "\n---\n")
		}

		start := time.Now()
		thinking, response, err := a.LLM.CallWithThinking(ctx, prompt)
		duration := time.Since(start)
		if err != nil {
			return rules.CheckResult{}, err
		}
		if thinking != "" {
			emitThinking(sink, "thought", thinking, duration.Milliseconds())
		}

		if toolName, toolArgs, ok := parseToolCall(response); ok {
			emitToolCall(sink, "started", toolName, toolArgs, "", 0, true)
			toolStart := time.Now()
			result := dispatchTool(ctx, toolName, toolArgs, a.Memory, a.Notebook, a.WorkDir)
			toolDuration := time.Since(toolStart)
			emitToolCall(sink, "completed", toolName, toolArgs, result, toolDuration.Milliseconds(), !strings.HasPrefix(result, "error:"))

			toolResults = append(toolResults, result)
			combined := memory.CompactToolResultsIfNeeded(ctx, a.LLM, toolResults, toolResultBudget)
			toolResults = []string{combined}
			continue
		}

		check := rules.ParseCheckResponse(response)
		check.Thinking = thinking
		return check, nil
	}

	log.Warn().Int("iterations", maxToolIterations).Msg("supervision tool loop hit iteration cap")
	return rules.CheckResult{Violation: nil, Summary: "tool loop exceeded iteration cap"}, nil
}

// EvaluateRequest is a secondary entry point: a single LLM call evaluating
// a pending assistant request against user intent.
func (a *Agent) EvaluateRequest(ctx context.Context, requestContent string) (rules.EvaluationResult, error) {
	prompt := a.Context.ForEvaluation(requestContent)
	response, err := a.LLM.Call(ctx, prompt)
	if err != nil {
		return rules.EvaluationResult{}, err
	}
	return rules.ParseEvaluationResponse(response), nil
}

// AnalyzeUserInput is a secondary entry point: a single LLM call extracting
// structure from a raw user message, with no memory/notebook context.
func (a *Agent) AnalyzeUserInput(ctx context.Context, userInput string) (rules.UserInputAnalysis, error) {
	prompt := a.Context.ForUserInputAnalysis(userInput)
	response, err := a.LLM.Call(ctx, prompt)
	if err != nil {
		return rules.UserInputAnalysis{}, err
	}
	return rules.ParseUserInputAnalysis(response), nil
}

// parseToolCall recognizes a "TOOL: name(args)" line in response (greedy
// args, so a trailing ")" inside args is included rather than terminating
// the match early).
func parseToolCall(response string) (name, args string, ok bool) {
	m := toolCallPattern.FindStringSubmatch(response)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}
