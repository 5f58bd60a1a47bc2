// Package typeset renders LaTeX sources to PDF through an external
// compilation service.
package typeset

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/applyforge/applyforge/pkg/config"
	"github.com/applyforge/applyforge/pkg/httpclient"
)

const (
	defaultTimeout = 90 * time.Second
	maxErrorBody   = 4 << 10
)

// Client talks to one typesetting endpoint. Calls are independent and safe
// to issue concurrently.
type Client struct {
	url  string
	http *httpclient.Client
}

func NewClient(cfg config.TypesetConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("typeset: service URL is required")
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	return &Client{
		url: cfg.URL,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(retries),
		),
	}, nil
}

// Compile submits a LaTeX document and returns the rendered PDF bytes. Any
// non-2xx response is a hard failure carrying the service's error output,
// which typically includes the LaTeX log excerpt.
func (c *Client) Compile(ctx context.Context, source string) ([]byte, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("typeset: empty source")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("typeset: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-latex")
	req.Header.Set("Accept", "application/pdf")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(source)), nil
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("typeset: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("typeset: compilation failed with HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	pdf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("typeset: reading response: %w", err)
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF")) {
		return nil, fmt.Errorf("typeset: service returned %d bytes that are not a PDF document", len(pdf))
	}
	return pdf, nil
}
