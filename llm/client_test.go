package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycode/turnguard/internal/xerrors"
)

func TestClientCallReturnsResponseContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-cred", r.Header.Get("Authorization"))

		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)

		resp := APIResponse{Choices: []Choice{{Message: Message{Content: "<think>reasoning</think>the answer"}}}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient("test-model", srv.URL, "test-cred")
	response, err := client.Call(context.Background(), "what is the answer?")
	require.NoError(t, err)
	assert.Equal(t, "the answer", response)
}

func TestClientCallWithThinkingSeparatesBothParts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := APIResponse{Choices: []Choice{{Message: Message{Content: "<think>step by step</think>final"}}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient("test-model", srv.URL, "test-cred")
	thinking, response, err := client.CallWithThinking(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "step by step", thinking)
	assert.Equal(t, "final", response)
}

func TestClientCallNoChoicesIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(APIResponse{Choices: nil})
	}))
	defer srv.Close()

	client := NewClient("test-model", srv.URL, "test-cred")
	_, err := client.Call(context.Background(), "prompt")
	assert.Error(t, err)
}

func TestClientCallAuthErrorDoesNotRetry(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("bad credential"))
	}))
	defer srv.Close()

	client := NewClient("test-model", srv.URL, "bad-cred")
	_, err := client.Call(context.Background(), "prompt")
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "401 must not be retried")

	kind, ok := xerrors.KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, xerrors.Auth, kind)
}
