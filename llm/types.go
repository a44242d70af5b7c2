// Package llm implements the supervisor's own LLM client (C7): OpenAI
// chat-completions wire format, config/credential resolution, non-streaming
// calls, and <think> extraction. There is no streaming (SSE) call.
//
// Grounded on the teacher's llm package (client.go, stream.go, retry.go,
// types.go) for the HTTP/retry/SSE idiom, narrowed to chat-completions only
// — the supervisor never needs function-calling tool defs from its own LLM,
// since its own tool dispatch is a free-text "TOOL: name(args)" convention
// (C10), not an OpenAI tools array.
package llm

// Message is one chat-completions message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the request body for the OpenAI chat completions API.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream,omitempty"`
}

// Usage tracks token consumption as reported by the API.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// APIResponse is the raw non-streaming response from the chat completions
// endpoint.
type APIResponse struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

