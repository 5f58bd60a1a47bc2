package typeset

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyforge/applyforge/pkg/config"
)

const sampleSource = `\documentclass{article}\begin{document}Hello\end{document}`

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(config.TypesetConfig{URL: url, Timeout: 5})
	require.NoError(t, err)
	return c
}

func TestCompile_ReturnsPDF(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, sampleSource, string(body))
		assert.Equal(t, "application/x-latex", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.5 fake document"))
	}))
	defer server.Close()

	pdf, err := newClient(t, server.URL).Compile(context.Background(), sampleSource)
	require.NoError(t, err)
	assert.True(t, len(pdf) > 4)
}

func TestCompile_CompilationErrorIsHardFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "! Undefined control sequence. l.3 \\badmacro", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	_, err := newClient(t, server.URL).Compile(context.Background(), sampleSource)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 422")
	assert.Contains(t, err.Error(), "Undefined control sequence")
}

func TestCompile_RejectsNonPDFResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>login required</html>"))
	}))
	defer server.Close()

	_, err := newClient(t, server.URL).Compile(context.Background(), sampleSource)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a PDF")
}

func TestCompile_EmptySource(t *testing.T) {
	_, err := newClient(t, "http://localhost:1").Compile(context.Background(), "   ")
	require.Error(t, err)
}

func TestCompile_RetriesTransientServerErrors(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, sampleSource, string(body), "retry must replay the request body")
		_, _ = w.Write([]byte("%PDF-1.5"))
	}))
	defer server.Close()

	c, err := NewClient(config.TypesetConfig{URL: server.URL, Timeout: 5, MaxRetries: 2})
	require.NoError(t, err)

	pdf, err := c.Compile(context.Background(), sampleSource)
	require.NoError(t, err)
	assert.NotEmpty(t, pdf)
	assert.Equal(t, 2, attempts)
}

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient(config.TypesetConfig{})
	require.Error(t, err)
}
