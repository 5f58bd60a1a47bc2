package artifacts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStore_StableFilenames(t *testing.T) {
	s := newStore(t)
	const sid = "sess-1"

	require.NoError(t, s.SaveJobData(sid, map[string]any{"title": "Go Engineer"}))
	require.NoError(t, s.SaveForm(sid, map[string]any{"fields": []string{"name"}}))
	require.NoError(t, s.SaveResume(sid, "tailored resume"))
	require.NoError(t, s.SaveLatex(sid, `\documentclass{article}`))
	require.NoError(t, s.SavePDF(sid, []byte("%PDF-1.5")))
	require.NoError(t, s.SaveCandidate(sid, 1, []byte("draft one"), map[string]any{"score": 40}))
	require.NoError(t, s.SaveCandidate(sid, 2, []byte("draft two"), map[string]any{"score": 95}))
	require.NoError(t, s.SaveVariant(sid, 1, []byte("%PDF-1.5 v1")))

	names, err := s.List(sid)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"candidate_01.txt",
		"candidate_02.txt",
		"evaluation_01.json",
		"evaluation_02.json",
		"form.json",
		"job.json",
		"resume.pdf",
		"resume.tex",
		"resume.txt",
		"variant_01.pdf",
	}, names)
}

func TestStore_ReadBack(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SaveLatex("sess-1", `\documentclass{article}`))
	require.NoError(t, s.SavePDF("sess-1", []byte("%PDF-1.5")))

	source, err := s.ReadLatex("sess-1")
	require.NoError(t, err)
	assert.Equal(t, `\documentclass{article}`, source)

	pdf, err := s.ReadPDF("sess-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.5"), pdf)
}

func TestStore_ClearDownstreamKeepsJobData(t *testing.T) {
	s := newStore(t)
	const sid = "sess-1"
	require.NoError(t, s.SaveJobData(sid, map[string]any{"title": "x"}))
	require.NoError(t, s.SaveResume(sid, "resume"))
	require.NoError(t, s.SavePDF(sid, []byte("%PDF-1.5")))
	require.NoError(t, s.SaveCandidate(sid, 1, []byte("c"), map[string]any{"score": 1}))

	require.NoError(t, s.ClearDownstream(sid))

	names, err := s.List(sid)
	require.NoError(t, err)
	assert.Equal(t, []string{"job.json"}, names)
}

func TestStore_Delete(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SaveResume("sess-1", "resume"))
	require.NoError(t, s.Delete("sess-1"))

	_, err := os.Stat(filepath.Join(s.root, "sess-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_RejectsPathTraversal(t *testing.T) {
	s := newStore(t)
	_, err := s.SessionDir("../escape")
	require.Error(t, err)
	require.Error(t, s.Delete("a/b"))
}

func TestStore_ListMissingSession(t *testing.T) {
	s := newStore(t)
	names, err := s.List("nope")
	require.NoError(t, err)
	assert.Empty(t, names)
}
