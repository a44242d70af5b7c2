// Package rules implements the response parser (C8) and the regex-based
// violation pre-filter (C9): turning free-text LLM output into structured
// decisions the supervisor can act on, and flagging obvious violations
// without waiting on an LLM round trip.
//
// Grounded on original_source/src/rules/violations.rs (pattern bank) and
// original_source/src/gugugaga_agent/responder.rs (three-layer parse
// strategy, exact JSON/text schemas).
package rules

import "strings"

// ViolationKind is the closed set of violation categories the supervisor
// can report. Unknown strings from the LLM collapse to Fallback.
type ViolationKind string

const (
	Fallback               ViolationKind = "fallback"
	IgnoredInstruction     ViolationKind = "ignored_instruction"
	UnauthorizedChange     ViolationKind = "unauthorized_change"
	UnnecessaryInteraction ViolationKind = "unnecessary_interaction"
	OverEngineering        ViolationKind = "over_engineering"
	// UsedBuiltinTodo is a legacy category: the assistant used its own
	// built-in plan/todo tool instead of the project's external issue
	// tracker. Kept as an explicit match arm (the original's violation-type
	// parser omitted this arm entirely, silently collapsing it to
	// Fallback — a completeness gap this port fixes).
	UsedBuiltinTodo ViolationKind = "used_builtin_todo"
)

// normalizeKindString upper-cases and collapses spaces to underscores, so
// "Ignored instruction" and "IGNORED_INSTRUCTION" parse identically.
func normalizeKindString(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "_"))
}

// ParseViolationKind maps a (case/spacing-insensitive) LLM-supplied type
// string to a ViolationKind, defaulting unknown values to Fallback.
func ParseViolationKind(s string) ViolationKind {
	switch normalizeKindString(s) {
	case "FALLBACK":
		return Fallback
	case "IGNORED_INSTRUCTION":
		return IgnoredInstruction
	case "UNAUTHORIZED_CHANGE":
		return UnauthorizedChange
	case "UNNECESSARY_INTERACTION":
		return UnnecessaryInteraction
	case "OVER_ENGINEERING":
		return OverEngineering
	case "USED_BUILTIN_TODO":
		return UsedBuiltinTodo
	default:
		return Fallback
	}
}

// Violation is a single detected deviation from user intent.
type Violation struct {
	Kind        ViolationKind
	Description string
	Correction  string
}

// CheckResult is the never-fails output of parsing a violation-check
// response: either no violation (Violation == nil) with a summary, or a
// violation plus its summary.
type CheckResult struct {
	Violation *Violation
	Summary   string
	Thinking  string
}

// EvaluationAction is the outcome of parsing an evaluation response.
type EvaluationAction string

const (
	ActionAutoReply      EvaluationAction = "auto_reply"
	ActionCorrect        EvaluationAction = "correct"
	ActionForwardToUser  EvaluationAction = "forward_to_user"
)

// EvaluationResult is the parsed outcome of an evaluate_request call.
type EvaluationResult struct {
	Action  EvaluationAction
	Content string
}

// UserInputAnalysis is the parsed outcome of an analyze_user_input call.
type UserInputAnalysis struct {
	MainGoal              string
	Constraints           []string
	ExplicitInstructions  []string
}
