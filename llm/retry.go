package llm

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/relaycode/turnguard/internal/xerrors"
)

// retryConfig holds retry parameters for HTTP requests.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func defaultRetryConfig() retryConfig {
	return retryConfig{
		maxRetries: 5,
		baseDelay:  2 * time.Second,
		maxDelay:   60 * time.Second,
	}
}

// doWithRetry executes doReq with exponential-backoff retry on 429/5xx,
// honoring the Retry-After header as a floor on the next delay. Adapted from
// the teacher's llm/retry.go; non-2xx responses here are reported as
// xerrors.LlmEvaluation per SPEC_FULL §4.7 rather than a bare fmt.Errorf.
func doWithRetry(ctx context.Context, cfg retryConfig, doReq func() (*http.Response, error)) (*http.Response, error) {
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, cfg.baseDelay, cfg.maxDelay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := doReq()
		if err != nil {
			if attempt < cfg.maxRetries {
				continue
			}
			return nil, xerrors.Wrap(xerrors.LlmEvaluation, "http request", err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil

		case resp.StatusCode == 401 || resp.StatusCode == 403:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, xerrors.New(xerrors.Auth, fmt.Sprintf("authentication error (HTTP %d): %s", resp.StatusCode, string(body)))

		case resp.StatusCode == 429, resp.StatusCode >= 500:
			if retryAfter := parseRetryAfter(resp); retryAfter > 0 && retryAfter < cfg.maxDelay {
				if next := backoffDelay(attempt, cfg.baseDelay, cfg.maxDelay); retryAfter > next {
					cfg.baseDelay = retryAfter
				}
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if attempt < cfg.maxRetries {
				continue
			}
			return nil, xerrors.New(xerrors.LlmEvaluation, fmt.Sprintf("HTTP %d after %d retries: %s", resp.StatusCode, cfg.maxRetries, string(body)))

		default:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, xerrors.New(xerrors.LlmEvaluation, fmt.Sprintf("API error (HTTP %d): %s", resp.StatusCode, string(body)))
		}
	}

	return nil, xerrors.New(xerrors.LlmEvaluation, "exhausted retries")
}

func backoffDelay(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt)))
	delay += time.Duration(rand.Intn(1000)) * time.Millisecond
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func parseRetryAfter(resp *http.Response) time.Duration {
	val := resp.Header.Get("Retry-After")
	if val == "" {
		return 0
	}
	seconds, err := strconv.Atoi(val)
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
