// Package pipeline implements the per-session orchestrator: a strict
// forward stage machine turning a job-posting URL into a tailored,
// typeset application, with URL dedup, explicit retry, and soft delete.
package pipeline

import (
	"time"
)

// Stage is one step of the pipeline state machine, in strict forward order.
// agentic-scraping is a conditional branch entered only when the initial
// extraction finds no application form.
type Stage string

const (
	StageScraping        Stage = "scraping"
	StageExtractingInfo  Stage = "extracting-info"
	StageAgenticScraping Stage = "agentic-scraping"
	StageGeneratingResume Stage = "generating-resume"
	StageGeneratingLatex Stage = "generating-latex"
	StageGeneratingPDF   Stage = "generating-pdf"
	StageSavingAssets    Stage = "saving-assets"
	StageReadyToUse      Stage = "ready-to-use"
)

// Status is the session's processing state. awaiting-input is a side state:
// the session re-enters its current stage once input arrives.
type Status string

const (
	StatusProcessing    Status = "processing"
	StatusAwaitingInput Status = "awaiting-input"
	StatusDone          Status = "done"
	StatusFailed        Status = "failed"
)

// JobData is the structured job posting extracted from scraped HTML.
type JobData struct {
	Title        string   `json:"title"`
	Company      string   `json:"company"`
	Location     string   `json:"location,omitempty"`
	Description  string   `json:"description"`
	Requirements []string `json:"requirements,omitempty"`
}

// Present reports whether enough job data exists to tailor a resume.
func (j *JobData) Present() bool {
	return j != nil && j.Title != "" && j.Description != ""
}

// FormField is one input of the application form.
type FormField struct {
	Name     string   `json:"name"`
	Label    string   `json:"label,omitempty"`
	Type     string   `json:"type,omitempty"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
}

// ApplicationForm is the application form discovered on the posting.
type ApplicationForm struct {
	URL    string      `json:"url,omitempty"`
	Fields []FormField `json:"fields"`
}

func (f *ApplicationForm) Present() bool {
	return f != nil && len(f.Fields) > 0
}

// SessionData holds every stage artifact reference the pipeline produces.
// Mutated only by the orchestrator at stage boundaries.
type SessionData struct {
	RawHTML string           `json:"rawHtml,omitempty"`
	Job     *JobData         `json:"job,omitempty"`
	Form    *ApplicationForm `json:"form,omitempty"`

	Resume string `json:"resume,omitempty"`
	Latex  string `json:"latex,omitempty"`
	PDF    bool   `json:"pdf,omitempty"` // rendered document exists in the artifact store

	// Candidate resume texts from the refinement loop, iteration order.
	// Index of the winning candidate is BestCandidate (1-based).
	Candidates    []string `json:"candidates,omitempty"`
	BestCandidate int      `json:"bestCandidate,omitempty"`

	// Variant LaTeX sources keyed by candidate iteration, for non-primary
	// candidates that survived latex generation.
	VariantLatex map[int]string `json:"variantLatex,omitempty"`

	// Form answers: generated by the pipeline, then overlaid with any
	// user-provided answers collected while awaiting input.
	Answers         map[string]string `json:"answers,omitempty"`
	ProvidedAnswers map[string]string `json:"providedAnswers,omitempty"`
	PendingFields   []string          `json:"pendingFields,omitempty"`
}

// clearDownstream drops everything a retry invalidates. Raw HTML and the
// extracted job data survive so the retried run can re-extract cheaply.
func (d *SessionData) clearDownstream() {
	d.Resume = ""
	d.Latex = ""
	d.PDF = false
	d.Candidates = nil
	d.BestCandidate = 0
	d.VariantLatex = nil
	d.Answers = nil
	d.ProvidedAnswers = nil
	d.PendingFields = nil
}

// Session is one job-application attempt, owned by one tenant.
type Session struct {
	ID          string       `json:"id"`
	OwnerID     string       `json:"ownerId"`
	SourceURL   string       `json:"sourceUrl"`
	Stage       Stage        `json:"stage"`
	Status      Status       `json:"status"`
	Reason      string       `json:"reason,omitempty"`
	RetryCount  int          `json:"retryCount"`
	LastRetryAt *time.Time   `json:"lastRetryAt,omitempty"`
	Data        *SessionData `json:"data"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	DeletedAt   *time.Time   `json:"deletedAt,omitempty"`
}

func (s *Session) Deleted() bool {
	return s.DeletedAt != nil
}

func (s *Session) Terminal() bool {
	return s.Status == StatusDone || s.Status == StatusFailed
}

// SessionEvent notifies listeners that a session's state changed. Listeners
// must treat it as "state has changed", not as a diff of specific fields.
type SessionEvent struct {
	SessionID string
	Stage     Stage
	Status    Status
}
