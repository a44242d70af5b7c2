package memory

import (
	"fmt"
	"strings"
)

// ContextBuilder composes PersistentMemory (and, where applicable, Notebook)
// state into the three distinct supervisor prompts.
//
// Grounded on original_source/src/memory/context.rs: each of the three
// builders has a distinct composition, and for_user_input_analysis
// deliberately omits notebook/memory context entirely — it is a standalone
// extraction prompt, not an evaluation prompt, confirmed by the original
// never threading memory/notebook references into that branch.
type ContextBuilder struct {
	memory   *PersistentMemory
	notebook *Notebook
}

// NewContextBuilder wires a ContextBuilder. notebook may be nil if the
// caller has none to offer (e.g. during early startup).
func NewContextBuilder(mem *PersistentMemory, nb *Notebook) *ContextBuilder {
	return &ContextBuilder{memory: mem, notebook: nb}
}

const violationToolList = `Available tools (call at most one per line as TOOL: name(args)):
- search_history(query) - substring search over the full conversation archive
- read_recent(n) - read the n most recent archived turns (at most 20)
- read_turn(index) - read a single archived turn by 0-based index
- history_stats() - archive turn count, in-memory turn count and in-memory token usage
- update_notebook(json) - JSON object with any of current_activity, add_completed ("what|significance"), add_attention ("content|priority"), record_mistake ("what|corrected|lesson"); non-JSON text sets the current activity
- set_activity(text) - set the notebook's current activity
- clear_activity() - clear the notebook's current activity
- add_completed("what|significance") - record a completed item
- add_attention("content|priority") - record an attention item (priority high, medium or low)
- notebook_mistake("what|corrected|lesson") - record a corrected mistake
- read_file("path" or "path|offset|limit") - read lines of a file in the project working directory (default lines 1-100)
- glob(pattern) - list files matching a glob pattern
- shell(command), rg(args), grep(args), ls(args) - run a whitelisted read-only shell command`

const violationOutputContract = `Respond with a single JSON object:
{"result": "ok"|"violation", "summary": string, "type": string, "description": string, "correction": string}
"type" must be one of: fallback, ignored_instruction, unauthorized_change, unnecessary_interaction, over_engineering, used_builtin_todo.
"type", "description", and "correction" only apply when "result" is "violation"; leave them empty otherwise.
If no JSON can be produced, a line starting with "OK:" means no violation, and a line
of the form "VIOLATION: <type> - <description> - <correction>" means a violation was found.`

// ForViolationDetection builds the prompt used to check one assistant turn
// for a violation of user intent.
func (c *ContextBuilder) ForViolationDetection(agentMessage string) string {
	var b strings.Builder
	b.WriteString("You are supervising a coding assistant. Check its latest message for violations of user intent.\n\n")
	b.WriteString(c.memory.BuildContext())
	if c.notebook != nil {
		if n := c.notebook.ToPromptString(); n != "" {
			b.WriteString("=== Notebook ===\n")
			b.WriteString(n)
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "=== Assistant's Latest Message ===\n%s\n\n", agentMessage)
	b.WriteString(violationToolList)
	b.WriteString("\n\n")
	b.WriteString(violationOutputContract)
	return b.String()
}

// ForEvaluation builds the prompt used to evaluate a pending assistant
// request (e.g. a tool call or plan) before it is allowed through.
func (c *ContextBuilder) ForEvaluation(requestContent string) string {
	var b strings.Builder
	b.WriteString("You are supervising a coding assistant. Evaluate whether its pending request is consistent with user intent.\n\n")
	b.WriteString(c.memory.BuildContext())
	if c.notebook != nil {
		if n := c.notebook.ToPromptString(); n != "" {
			b.WriteString("=== Notebook ===\n")
			b.WriteString(n)
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "=== Pending Request ===\n%s\n\n", requestContent)
	b.WriteString(`Respond with a single JSON object:
{"action": "auto_reply"|"correct"|"forward_to_user", "content": string}
Use "auto_reply" when the request can be answered on the user's behalf, "correct" when
the assistant should be redirected instead, and "forward_to_user" when the user must
decide. "content" carries the reply or correction text, and is empty for forward_to_user.`)
	return b.String()
}

// ForUserInputAnalysis builds a standalone extraction prompt for a raw user
// message: no memory or notebook context is included, by design — this is
// purely about pulling structure (instructions, task, constraints) out of
// text the user just typed, not about evaluating assistant behavior against
// accumulated state.
func (c *ContextBuilder) ForUserInputAnalysis(userInput string) string {
	var b strings.Builder
	b.WriteString("Extract structured information from this user message.\n\n")
	fmt.Fprintf(&b, "=== User Message ===\n%s\n\n", userInput)
	b.WriteString(`Respond with a single JSON object:
{"main_goal": string, "constraints": [string], "explicit_instructions": [string]}`)
	return b.String()
}
