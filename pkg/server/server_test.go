package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyforge/applyforge/pkg/pipeline"
)

// passRunner advances every stage straight to done.
type passRunner struct{}

func (passRunner) Run(ctx context.Context, sess *pipeline.Session) (pipeline.StageResult, error) {
	next := map[pipeline.Stage]pipeline.Stage{
		pipeline.StageScraping:         pipeline.StageExtractingInfo,
		pipeline.StageExtractingInfo:   pipeline.StageGeneratingResume,
		pipeline.StageGeneratingResume: pipeline.StageGeneratingLatex,
		pipeline.StageGeneratingLatex:  pipeline.StageGeneratingPDF,
		pipeline.StageGeneratingPDF:    pipeline.StageSavingAssets,
		pipeline.StageSavingAssets:     pipeline.StageReadyToUse,
	}
	return pipeline.StageResult{Next: next[sess.Stage]}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	orchestrator, err := pipeline.NewOrchestrator(pipeline.NewInMemoryStore(), passRunner{})
	require.NoError(t, err)
	t.Cleanup(orchestrator.Close)

	s, err := New(":0", orchestrator)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func submit(t *testing.T, ts *httptest.Server, body string) pipeline.Session {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/applications", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var sess pipeline.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	return sess
}

func getSession(t *testing.T, ts *httptest.Server, id string) (pipeline.Session, int) {
	t.Helper()
	resp, err := http.Get(ts.URL + "/v1/applications/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()

	var sess pipeline.Session
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	}
	return sess, resp.StatusCode
}

func TestSubmitAndGet(t *testing.T) {
	ts := newTestServer(t)

	sess := submit(t, ts, `{"ownerId": "owner-1", "sourceUrl": "https://ex.com/jobs/42"}`)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, pipeline.StatusProcessing, sess.Status)

	require.Eventually(t, func() bool {
		got, code := getSession(t, ts, sess.ID)
		return code == http.StatusOK && got.Status == pipeline.StatusDone
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubmit_InvalidBody(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/applications", "application/json", bytes.NewBufferString(`{not json`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/v1/applications", "application/json", bytes.NewBufferString(`{"ownerId": "o"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGet_Missing(t *testing.T) {
	ts := newTestServer(t)
	_, code := getSession(t, ts, "nope")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestList(t *testing.T) {
	ts := newTestServer(t)
	submit(t, ts, `{"ownerId": "owner-1", "sourceUrl": "https://ex.com/jobs/1"}`)
	submit(t, ts, `{"ownerId": "owner-1", "sourceUrl": "https://ex.com/jobs/2"}`)

	resp, err := http.Get(ts.URL + "/v1/applications?owner=owner-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sessions []pipeline.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	assert.Len(t, sessions, 2)

	resp, err = http.Get(ts.URL + "/v1/applications")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "owner is required")
}

func TestRetry_NotFailedConflicts(t *testing.T) {
	ts := newTestServer(t)
	sess := submit(t, ts, `{"ownerId": "owner-1", "sourceUrl": "https://ex.com/jobs/42"}`)

	require.Eventually(t, func() bool {
		got, _ := getSession(t, ts, sess.ID)
		return got.Status == pipeline.StatusDone
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Post(ts.URL+"/v1/applications/"+sess.ID+"/retry", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDelete(t *testing.T) {
	ts := newTestServer(t)
	sess := submit(t, ts, `{"ownerId": "owner-1", "sourceUrl": "https://ex.com/jobs/42"}`)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/applications/"+sess.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, code := getSession(t, ts, sess.ID)
	assert.Equal(t, http.StatusNotFound, code)
}
