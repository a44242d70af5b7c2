package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaycode/turnguard/internal/xerrors"
)

const (
	maxResponseTokens  = 2048
	callTemperature    = 0.1
	defaultHTTPTimeout = 120 * time.Second
)

// Client is C7's non-streaming OpenAI chat-completions client; it has no
// streaming call.
//
// Grounded on the teacher's llm.OpenAIClient for shape and the retry idiom
// in retry.go; narrowed to the one wire format and one model the supervisor
// needs.
type Client struct {
	model      string
	baseURL    string
	credential string
	http       *http.Client
}

// NewClient builds a Client against the resolved model/baseURL/credential
// (see ResolveEndpoint and ResolveCredential).
func NewClient(model, baseURL, credential string) *Client {
	return &Client{
		model:      model,
		baseURL:    baseURL,
		credential: credential,
		http:       &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// Call performs a non-streaming request and returns only the response
// portion (after <think> extraction); the thinking portion, if any, is
// logged but discarded. Call satisfies memory.Summarizer.
func (c *Client) Call(ctx context.Context, prompt string) (string, error) {
	_, response, err := c.CallWithThinking(ctx, prompt)
	return response, err
}

// CallWithThinking performs a non-streaming request and returns both the
// thinking and response portions.
func (c *Client) CallWithThinking(ctx context.Context, prompt string) (thinking, response string, err error) {
	raw, err := c.callRaw(ctx, prompt)
	if err != nil {
		return "", "", err
	}
	thinking, response = ExtractThink(raw)
	if thinking != "" {
		log.Debug().Str("thinking", thinking).Msg("llm thinking")
	}
	return thinking, response, nil
}

func (c *Client) callRaw(ctx context.Context, prompt string) (string, error) {
	reqBody := ChatRequest{
		Model:       c.model,
		Messages:    []Message{{Role: "user", Content: prompt}},
		MaxTokens:   maxResponseTokens,
		Temperature: callTemperature,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", xerrors.Wrap(xerrors.Serialization, "marshal chat request", err)
	}

	resp, err := doWithRetry(ctx, defaultRetryConfig(), func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.credential)
		return c.http.Do(req)
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", xerrors.Wrap(xerrors.IO, "read chat response", err)
	}

	var apiResp APIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", xerrors.Wrap(xerrors.Serialization, "unmarshal chat response", err)
	}
	if len(apiResp.Choices) == 0 {
		return "", xerrors.New(xerrors.LlmEvaluation, "no choices in chat response")
	}
	return apiResp.Choices[0].Message.Content, nil
}
