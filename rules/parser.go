package rules

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// ---- wire schemas the LLM is asked to produce ----

type checkResponseJSON struct {
	Result      string  `json:"result"`
	Summary     *string `json:"summary"`
	Type        *string `json:"type"`
	Description *string `json:"description"`
	Correction  *string `json:"correction"`
}

type evalResponseJSON struct {
	Action  string  `json:"action"`
	Content *string `json:"content"`
}

type userInputJSON struct {
	MainGoal              *string  `json:"main_goal"`
	Constraints           []string `json:"constraints"`
	ExplicitInstructions  []string `json:"explicit_instructions"`
}

// ParseCheckResponse implements C8's violation-check parsing contract: it
// never fails. Three layers are tried in order — full JSON decode, a
// balanced-brace JSON substring extracted from the text, and finally a
// legacy text-pattern fallback.
func ParseCheckResponse(response string) CheckResult {
	text := strings.TrimSpace(response)

	if result, ok := tryJSONCheck(text); ok {
		return result
	}
	if sub, ok := extractJSONObject(text); ok {
		if result, ok := tryJSONCheck(sub); ok {
			return result
		}
	}
	return fallbackTextCheck(text)
}

func tryJSONCheck(text string) (CheckResult, bool) {
	var parsed checkResponseJSON
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return CheckResult{}, false
	}
	if parsed.Result == "" {
		return CheckResult{}, false
	}

	switch strings.ToLower(parsed.Result) {
	case "ok", "pass", "normal":
		return CheckResult{Violation: nil, Summary: strOr(parsed.Summary, "Check complete")}, true

	case "violation", "violated", "fail":
		kind := Fallback
		if parsed.Type != nil {
			kind = ParseViolationKind(*parsed.Type)
		}
		description := strOr(parsed.Description, "Violation detected")
		correction := description
		if parsed.Correction != nil {
			correction = *parsed.Correction
		}
		return CheckResult{
			Summary: strOr(parsed.Summary, description),
			Violation: &Violation{
				Kind:        kind,
				Description: description,
				Correction:  correction,
			},
		}, true

	default:
		// Unknown result value: treat as no violation rather than fail.
		return CheckResult{Violation: nil, Summary: strOr(parsed.Summary, "Check complete")}, true
	}
}

func fallbackTextCheck(text string) CheckResult {
	if strings.HasPrefix(text, "OK:") || strings.HasPrefix(text, "OK：") {
		summary := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(text, "OK:"), "OK："))
		if summary == "" {
			summary = "Check complete"
		}
		return CheckResult{Violation: nil, Summary: summary}
	}

	if idx := strings.Index(text, "VIOLATION:"); idx >= 0 {
		after := strings.TrimSpace(text[idx+len("VIOLATION:"):])
		return parseViolationText(after)
	}

	if text == "" {
		return CheckResult{Violation: nil, Summary: "Check complete"}
	}
	return CheckResult{Violation: nil, Summary: firstNRunes(text, 200)}
}

// parseViolationText parses "<TYPE> <sep> <rest>" where sep is one of
// '-', '–', ':', then splits rest on the *last* " - " into
// description/correction.
func parseViolationText(text string) CheckResult {
	typeStr, rest, ok := splitOnFirstSeparator(text, "-–:")
	if !ok {
		typeStr, rest = "FALLBACK", text
	}
	kind := ParseViolationKind(typeStr)

	description := rest
	correction := rest
	if sep := strings.LastIndex(rest, " - "); sep >= 0 {
		desc := strings.TrimSpace(rest[:sep])
		corr := strings.TrimSpace(rest[sep+3:])
		if corr != "" {
			description, correction = desc, corr
		}
	}

	return CheckResult{
		Summary: description,
		Violation: &Violation{
			Kind:        kind,
			Description: description,
			Correction:  correction,
		},
	}
}

// splitOnFirstSeparator splits text at the first rune in seps, returning
// (before, after, true). If no separator rune is found, returns ("", "", false).
func splitOnFirstSeparator(text string, seps string) (string, string, bool) {
	idx := strings.IndexAny(text, seps)
	if idx < 0 {
		return "", "", false
	}
	_, size := utf8.DecodeRuneInString(text[idx:])
	before := strings.TrimSpace(text[:idx])
	after := strings.TrimSpace(text[idx+size:])
	return before, after, true
}

// ParseEvaluationResponse implements C8's evaluation-response parsing:
// JSON-first, then text-pattern fallback (AUTO_REPLY: / CORRECT:),
// defaulting to ForwardToUser.
func ParseEvaluationResponse(response string) EvaluationResult {
	text := strings.TrimSpace(response)

	var parsed evalResponseJSON
	if err := json.Unmarshal([]byte(text), &parsed); err == nil && parsed.Action != "" {
		return evalFromJSON(parsed)
	}
	if sub, ok := extractJSONObject(text); ok {
		var parsed evalResponseJSON
		if err := json.Unmarshal([]byte(sub), &parsed); err == nil && parsed.Action != "" {
			return evalFromJSON(parsed)
		}
	}

	upper := strings.ToUpper(text)
	if strings.HasPrefix(upper, "AUTO_REPLY:") {
		return EvaluationResult{Action: ActionAutoReply, Content: strings.TrimSpace(text[len("AUTO_REPLY:"):])}
	}
	if strings.HasPrefix(upper, "CORRECT:") {
		return EvaluationResult{Action: ActionCorrect, Content: strings.TrimSpace(text[len("CORRECT:"):])}
	}
	return EvaluationResult{Action: ActionForwardToUser}
}

func evalFromJSON(parsed evalResponseJSON) EvaluationResult {
	content := ""
	if parsed.Content != nil {
		content = *parsed.Content
	}
	switch strings.ToUpper(parsed.Action) {
	case "AUTO_REPLY":
		return EvaluationResult{Action: ActionAutoReply, Content: content}
	case "CORRECT":
		return EvaluationResult{Action: ActionCorrect, Content: content}
	default:
		return EvaluationResult{Action: ActionForwardToUser}
	}
}

// ParseUserInputAnalysis implements C8's user-input-analysis parsing:
// JSON-first, JSON-substring second, empty result as the final fallback.
func ParseUserInputAnalysis(response string) UserInputAnalysis {
	text := strings.TrimSpace(response)

	var parsed userInputJSON
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		return userInputFromJSON(parsed)
	}
	if sub, ok := extractJSONObject(text); ok {
		var parsed userInputJSON
		if err := json.Unmarshal([]byte(sub), &parsed); err == nil {
			return userInputFromJSON(parsed)
		}
	}
	return UserInputAnalysis{}
}

func userInputFromJSON(parsed userInputJSON) UserInputAnalysis {
	goal := ""
	if parsed.MainGoal != nil {
		goal = *parsed.MainGoal
	}
	return UserInputAnalysis{
		MainGoal:             goal,
		Constraints:          parsed.Constraints,
		ExplicitInstructions: parsed.ExplicitInstructions,
	}
}

// extractJSONObject finds the first balanced {...} substring in text,
// tracking string state and backslash escapes so braces inside string
// literals don't throw off the depth count.
func extractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escapeNext := false

	for i := start; i < len(text); i++ {
		ch := text[i]
		if escapeNext {
			escapeNext = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escapeNext = true
		case ch == '"':
			inString = !inString
		case ch == '{' && !inString:
			depth++
		case ch == '}' && !inString:
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func strOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

func firstNRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
