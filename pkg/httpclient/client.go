// Package httpclient provides a retrying HTTP client shared by the LLM
// providers, the tool gateway, and the typesetting client.
//
// Retry behavior is status-driven: rate limits and transient server errors
// back off (honoring Retry-After when present), everything else returns
// immediately.
package httpclient

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"
)

type RetryStrategy int

const (
	NoRetry RetryStrategy = iota
	ConservativeRetry
	SmartRetry
)

type RetryStrategyFunc func(statusCode int) RetryStrategy

type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	strategyFunc RetryStrategyFunc
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithMaxRetries(max int) Option {
	return func(c *Client) {
		c.maxRetries = max
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

func WithRetryStrategy(strategyFunc RetryStrategyFunc) Option {
	return func(c *Client) {
		c.strategyFunc = strategyFunc
	}
}

func New(opts ...Option) *Client {
	client := &Client{
		client:       &http.Client{Timeout: 60 * time.Second},
		maxRetries:   3,
		baseDelay:    2 * time.Second,
		strategyFunc: DefaultRetryStrategy,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusServiceUnavailable:
		return SmartRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// Do executes the request, retrying per the configured strategy. Whenever
// the server answered, the final response is returned with a nil error,
// whatever its status; callers inspect resp.StatusCode and own closing the
// body. A non-nil error means no response exists (transport failure, or the
// body could not be recreated for a retry). The request must carry GetBody
// when a body is present so retries can replay it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, strategy, retryAfter, err := c.attemptRequest(req)
		if err != nil {
			return nil, err
		}
		if strategy == NoRetry || attempt >= c.maxRetries {
			return resp, nil
		}

		delay := c.calculateDelay(strategy, attempt, retryAfter)
		if delay <= 0 {
			return resp, nil
		}

		resp.Body.Close()
		slog.Debug("retrying HTTP request",
			"url", req.URL.String(),
			"attempt", attempt+1,
			"delay", delay)
		time.Sleep(delay)
	}
}

func (c *Client) attemptRequest(req *http.Request) (*http.Response, RetryStrategy, time.Duration, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, NoRetry, 0, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, NoRetry, 0, nil
	}

	return resp, c.strategyFunc(resp.StatusCode), parseRetryAfter(resp.Header), nil
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func (c *Client) calculateDelay(strategy RetryStrategy, attempt int, retryAfter time.Duration) time.Duration {
	switch strategy {
	case SmartRetry:
		if retryAfter > 0 {
			return retryAfter
		}
		exponentialDelay := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
		jitter := time.Duration(float64(exponentialDelay) * 0.1)
		return exponentialDelay + jitter

	case ConservativeRetry:
		if attempt >= 2 {
			return 0
		}
		return time.Duration(2+attempt) * time.Second

	default:
		return 0
	}
}
