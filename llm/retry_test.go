package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig() retryConfig {
	return retryConfig{maxRetries: 3, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond}
}

func TestDoWithRetrySucceedsAfterTransientErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := doWithRetry(context.Background(), fastRetryConfig(), func() (*http.Response, error) {
		return http.Get(srv.URL)
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 3, attempts)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDoWithRetryExhaustsAndFails(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := retryConfig{maxRetries: 2, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond}
	_, err := doWithRetry(context.Background(), cfg, func() (*http.Response, error) {
		return http.Get(srv.URL)
	})
	require.Error(t, err)
	assert.Equal(t, cfg.maxRetries+1, attempts)
}

func TestDoWithRetryAuthErrorStopsImmediately(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := doWithRetry(context.Background(), fastRetryConfig(), func() (*http.Response, error) {
		return http.Get(srv.URL)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestBackoffDelayRespectsMaxDelay(t *testing.T) {
	d := backoffDelay(10, time.Second, 3*time.Second)
	assert.LessOrEqual(t, d, 3*time.Second)
}

func TestParseRetryAfter(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Retry-After": []string{"2"}}}
	assert.Equal(t, 2*time.Second, parseRetryAfter(resp))

	resp2 := &http.Response{Header: http.Header{}}
	assert.Equal(t, time.Duration(0), parseRetryAfter(resp2))
}
