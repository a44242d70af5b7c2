package llm

import (
	"regexp"
	"strings"
)

var thinkPattern = regexp.MustCompile(`(?s)<think>(.*?)</think>`)

const unterminatedThinkOpen = "<think>"

// ExtractThink splits raw model output into its thinking and response
// portions per SPEC_FULL §4.7: a single dot-matches-newline regex for the
// terminated case, and — if an unterminated "<think>" opens the content —
// everything after it is thinking and the response is empty.
func ExtractThink(content string) (thinking, response string) {
	if loc := thinkPattern.FindStringSubmatchIndex(content); loc != nil {
		thinking = content[loc[2]:loc[3]]
		response = content[:loc[0]] + content[loc[1]:]
		return thinking, response
	}

	if idx := strings.Index(content, unterminatedThinkOpen); idx >= 0 {
		return content[idx+len(unterminatedThinkOpen):], ""
	}

	return "", content
}
