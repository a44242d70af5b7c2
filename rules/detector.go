package rules

import (
	"regexp"
	"strings"
)

// Detector is C9: a fast regex pre-filter run against streaming assistant
// deltas, independent of any LLM round trip. It is deliberately narrower
// than the full LLM-based violation check — used only to short-circuit
// obvious cases during streaming, before full supervision at the turn
// boundary.
//
// Grounded on original_source/src/rules/violations.rs's pattern bank.
// Per the recorded Open Question decision, only the English-language
// fallback patterns are ported (the original's Chinese-language patterns
// have no bearing on an English-only deployment target), and the
// original's buggy "don't"-instruction heuristic — which splits the
// instruction string on the literal runes 'd','o','n','\'','t',' ' rather
// than on word boundaries, turning "don't modify config" into nonsense
// fragments like "c", "nfig" — is not ported at all.
type Detector struct {
	fallbackPatterns    []*regexp.Regexp
	builtinTodoPatterns []*regexp.Regexp
}

// issueTrackerMarker is the literal string that, when present, suppresses a
// UsedBuiltinTodo finding: the assistant is already using the external
// tracker, so a structurally similar "update_plan"-looking string is
// assumed to be a reference to that tracker rather than an actual
// builtin-todo invocation.
const issueTrackerMarker = "issue_tracker"

func compileFallbackPatterns() []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`(?i)for\s+now[,\s]+(?:I'll|we'll|let's)\s+(?:just|simply)`),
		regexp.MustCompile(`(?i)(?:simplified|basic)\s+(?:version|implementation)`),
		regexp.MustCompile(`(?i)(?:skip|omit|leave\s+out)\s+.{0,30}\s+for\s+now`),
		regexp.MustCompile(`(?i)(?:I'll|we'll|let's)\s+(?:skip|omit)`),
		regexp.MustCompile(`(?i)placeholder\s+(?:for\s+now|implementation)`),
		regexp.MustCompile(`(?i)TODO:\s*implement`),
		regexp.MustCompile(`(?i)not\s+(?:yet\s+)?implemented`),
	}
}

func compileBuiltinTodoPatterns() []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`(?i)update_plan`),
		regexp.MustCompile(`(?i)"?tool"?\s*:\s*"?update_plan"?`),
	}
}

// NewDetector builds a Detector with the fixed pattern bank compiled once.
func NewDetector() *Detector {
	return &Detector{
		fallbackPatterns:    compileFallbackPatterns(),
		builtinTodoPatterns: compileBuiltinTodoPatterns(),
	}
}

// Check scans agentOutput against the pattern bank, returning at most one
// violation per kind.
func (d *Detector) Check(agentOutput string) []Violation {
	var violations []Violation

	for _, p := range d.fallbackPatterns {
		if p.MatchString(agentOutput) {
			violations = append(violations, Violation{
				Kind:        Fallback,
				Description: "matched fallback pattern: " + p.String(),
				Correction:  "Implement the full solution rather than a placeholder, simplified version or deferral.",
			})
			break
		}
	}

	if DetectBuiltinPlanUsage(agentOutput) {
		violations = append(violations, Violation{
			Kind:        UsedBuiltinTodo,
			Description: "used update_plan instead of the external issue tracker",
			Correction:  "Track tasks in the external issue tracker instead of update_plan.",
		})
	}

	return violations
}

// DetectBuiltinPlanUsage reports whether agentMessage invokes the
// assistant's own built-in plan/todo tool without a disclaimer marker
// indicating the external tracker was used instead.
func DetectBuiltinPlanUsage(agentMessage string) bool {
	hasUpdatePlan := false
	for _, p := range compiledBuiltinTodoOnce() {
		if p.MatchString(agentMessage) {
			hasUpdatePlan = true
			break
		}
	}
	return hasUpdatePlan && !strings.Contains(agentMessage, issueTrackerMarker)
}

var sharedBuiltinTodoPatterns []*regexp.Regexp

func compiledBuiltinTodoOnce() []*regexp.Regexp {
	if sharedBuiltinTodoPatterns == nil {
		sharedBuiltinTodoPatterns = compileBuiltinTodoPatterns()
	}
	return sharedBuiltinTodoPatterns
}
