package httpclient

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastClient(maxRetries int) *Client {
	return New(
		WithMaxRetries(maxRetries),
		WithBaseDelay(time.Millisecond),
		WithRetryStrategy(func(statusCode int) RetryStrategy {
			if statusCode == http.StatusServiceUnavailable || statusCode == http.StatusTooManyRequests {
				return SmartRetry
			}
			return NoRetry
		}),
	)
}

func TestDo_SuccessSingleAttempt(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := fastClient(3).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, attempts)
}

func TestDo_NonRetryableStatusReturnsResponse(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "compilation failed: missing \\begin{document}", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := fastClient(3).Do(req)
	require.NoError(t, err, "an answered request is not a transport error")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, 1, attempts, "4xx must not retry")

	// The body stays readable so callers can surface the diagnostic.
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "missing \\begin{document}")
}

func TestDo_RetriesAndReplaysBody(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body), "attempt %d must carry the body", attempts)
		if attempts == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodPost, server.URL, strings.NewReader("payload"))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("payload")), nil
	}

	resp, err := fastClient(3).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, attempts)
}

func TestDo_ExhaustedRetriesReturnLastResponse(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "still busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := fastClient(2).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 3, attempts, "initial attempt plus two retries")
}

func TestDo_TransportErrorHasNoResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := fastClient(3).Do(req)
	require.Error(t, err)
	assert.Nil(t, resp)
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"absent", "", 0},
		{"seconds", "7", 7 * time.Second},
		{"zero", "0", 0},
		{"garbage", "soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.value != "" {
				h.Set("Retry-After", tt.value)
			}
			assert.Equal(t, tt.want, parseRetryAfter(h))
		})
	}
}

func TestCalculateDelay(t *testing.T) {
	c := New(WithBaseDelay(time.Second))

	assert.Equal(t, 9*time.Second, c.calculateDelay(SmartRetry, 0, 9*time.Second), "Retry-After wins")
	assert.Greater(t, c.calculateDelay(SmartRetry, 1, 0), 2*time.Second, "exponential backoff")
	assert.Equal(t, 2*time.Second, c.calculateDelay(ConservativeRetry, 0, 0))
	assert.Equal(t, time.Duration(0), c.calculateDelay(ConservativeRetry, 2, 0), "conservative gives up after two attempts")
	assert.Equal(t, time.Duration(0), c.calculateDelay(NoRetry, 0, 0))
}
