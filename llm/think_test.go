package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractThinkTerminated(t *testing.T) {
	thinking, response := ExtractThink("<think>pondering the options</think>Here is the answer.")
	assert.Equal(t, "pondering the options", thinking)
	assert.Equal(t, "Here is the answer.", response)
}

func TestExtractThinkTerminatedMultiline(t *testing.T) {
	thinking, response := ExtractThink("<think>line one\nline two</think>answer")
	assert.Equal(t, "line one\nline two", thinking)
	assert.Equal(t, "answer", response)
}

func TestExtractThinkUnterminated(t *testing.T) {
	thinking, response := ExtractThink("<think>still going, never closes")
	assert.Equal(t, "still going, never closes", thinking)
	assert.Equal(t, "", response)
}

func TestExtractThinkNoThinkTag(t *testing.T) {
	thinking, response := ExtractThink("just a plain response")
	assert.Equal(t, "", thinking)
	assert.Equal(t, "just a plain response", response)
}

func TestExtractThinkSurroundingContentPreserved(t *testing.T) {
	thinking, response := ExtractThink("before <think>middle</think> after")
	assert.Equal(t, "middle", thinking)
	assert.Equal(t, "before  after", response)
}
