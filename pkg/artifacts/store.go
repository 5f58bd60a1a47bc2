// Package artifacts persists per-session stage outputs on disk under stable,
// predictable filenames so humans and the presentation layer can locate them
// without a database round trip.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Fixed filenames inside a session directory. Numbered artifacts use the
// two-digit patterns below.
const (
	FileJobData  = "job.json"
	FileForm     = "form.json"
	FileResume   = "resume.txt"
	FileLatex    = "resume.tex"
	FilePDF      = "resume.pdf"
	patCandidate = "candidate_%02d.txt"
	patEval      = "evaluation_%02d.json"
	patVariant   = "variant_%02d.pdf"
)

// Store manages one directory tree, one subdirectory per session.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("artifacts: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: creating root: %w", err)
	}
	return &Store{root: root}, nil
}

// SessionDir returns the session's directory, creating it on first use.
func (s *Store) SessionDir(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) {
		return "", fmt.Errorf("artifacts: invalid session id %q", sessionID)
	}
	dir := filepath.Join(s.root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifacts: creating session dir: %w", err)
	}
	return dir, nil
}

func (s *Store) write(sessionID, name string, data []byte) error {
	dir, err := s.SessionDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("artifacts: writing %s: %w", name, err)
	}
	return nil
}

func (s *Store) read(sessionID, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, sessionID, name))
	if err != nil {
		return nil, fmt.Errorf("artifacts: reading %s: %w", name, err)
	}
	return data, nil
}

// SaveJSON marshals v with indentation into the named file.
func (s *Store) SaveJSON(sessionID, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("artifacts: encoding %s: %w", name, err)
	}
	return s.write(sessionID, name, data)
}

func (s *Store) SaveJobData(sessionID string, v any) error {
	return s.SaveJSON(sessionID, FileJobData, v)
}

func (s *Store) SaveForm(sessionID string, v any) error {
	return s.SaveJSON(sessionID, FileForm, v)
}

func (s *Store) SaveResume(sessionID, text string) error {
	return s.write(sessionID, FileResume, []byte(text))
}

func (s *Store) SaveLatex(sessionID, source string) error {
	return s.write(sessionID, FileLatex, []byte(source))
}

func (s *Store) SavePDF(sessionID string, pdf []byte) error {
	return s.write(sessionID, FilePDF, pdf)
}

// SaveCandidate persists one refinement candidate and its evaluation under
// the candidate's 1-based iteration number.
func (s *Store) SaveCandidate(sessionID string, iteration int, artifact []byte, evaluation any) error {
	if err := s.write(sessionID, fmt.Sprintf(patCandidate, iteration), artifact); err != nil {
		return err
	}
	return s.SaveJSON(sessionID, fmt.Sprintf(patEval, iteration), evaluation)
}

func (s *Store) SaveVariant(sessionID string, iteration int, pdf []byte) error {
	return s.write(sessionID, fmt.Sprintf(patVariant, iteration), pdf)
}

func (s *Store) ReadPDF(sessionID string) ([]byte, error) {
	return s.read(sessionID, FilePDF)
}

func (s *Store) ReadLatex(sessionID string) (string, error) {
	data, err := s.read(sessionID, FileLatex)
	return string(data), err
}

// List returns the session's artifact filenames in lexical order.
func (s *Store) List(sessionID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("artifacts: listing session: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ClearDownstream removes everything a retry invalidates: all generated
// outputs and refinement records. The raw extracted job data survives so the
// retried run can skip re-scraping when possible.
func (s *Store) ClearDownstream(sessionID string) error {
	names, err := s.List(sessionID)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == FileJobData {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, sessionID, name)); err != nil {
			return fmt.Errorf("artifacts: clearing %s: %w", name, err)
		}
	}
	return nil
}

// Delete removes the whole session directory.
func (s *Store) Delete(sessionID string) error {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) {
		return fmt.Errorf("artifacts: invalid session id %q", sessionID)
	}
	return os.RemoveAll(filepath.Join(s.root, sessionID))
}
