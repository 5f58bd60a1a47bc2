package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/applyforge/applyforge/pkg/agent"
	"github.com/applyforge/applyforge/pkg/artifacts"
	"github.com/applyforge/applyforge/pkg/config"
	"github.com/applyforge/applyforge/pkg/httpclient"
	"github.com/applyforge/applyforge/pkg/pool"
	"github.com/applyforge/applyforge/pkg/protocol"
	"github.com/applyforge/applyforge/pkg/refine"
	"github.com/applyforge/applyforge/pkg/typeset"
)

// maxHTMLChars bounds how much scraped HTML reaches a model prompt.
const maxHTMLChars = 60_000

// Agents holds the per-role runtimes driving the pipeline stages.
type Agents struct {
	Extractor *agent.Agent // structured job/form extraction from HTML
	Scraper   *agent.Agent // freeform fallback crawl with browser tools
	Producer  *agent.Agent // tailored-resume producer
	Critic    *agent.Agent // resume critic
	Latex     *agent.Agent // resume-to-LaTeX conversion
	Answerer  *agent.Agent // application-form answering
}

// Fetcher retrieves a page's HTML. The default implementation is a plain
// retrying HTTP GET; agentic browsing happens in its own stage.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

type httpFetcher struct {
	client *httpclient.Client
}

func (f *httpFetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetching %s: HTTP %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Runtime implements StageRunner against real collaborators.
type Runtime struct {
	agents     Agents
	typesetter *typeset.Client
	store      *artifacts.Store
	fetch      Fetcher
	pages      *pool.Pool[string, string]
	refineCfg  config.RefineConfig
	variants   int
}

var _ StageRunner = (*Runtime)(nil)

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

func WithFetcher(f Fetcher) RuntimeOption {
	return func(r *Runtime) {
		r.fetch = f
	}
}

func NewRuntime(agents Agents, typesetter *typeset.Client, store *artifacts.Store, cfg config.PipelineConfig, opts ...RuntimeOption) (*Runtime, error) {
	if agents.Extractor == nil || agents.Producer == nil || agents.Critic == nil || agents.Latex == nil {
		return nil, fmt.Errorf("extractor, producer, critic and latex agents are required")
	}
	if typesetter == nil {
		return nil, fmt.Errorf("typesetter is required")
	}
	if store == nil {
		return nil, fmt.Errorf("artifact store is required")
	}

	poolSize := cfg.GatewayPoolSize
	if poolSize <= 0 {
		poolSize = 16
	}
	pages, err := pool.New[string, string](poolSize, func(url string, _ string) {
		slog.Debug("evicting cached page", "url", url)
	})
	if err != nil {
		return nil, err
	}

	variants := cfg.VariantParallelism
	if variants <= 0 {
		variants = 4
	}

	r := &Runtime{
		agents:     agents,
		typesetter: typesetter,
		store:      store,
		fetch:      &httpFetcher{client: httpclient.New()},
		pages:      pages,
		refineCfg:  cfg.Refine,
		variants:   variants,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Runtime) Run(ctx context.Context, sess *Session) (StageResult, error) {
	if sess.Data == nil {
		sess.Data = &SessionData{}
	}

	switch sess.Stage {
	case StageScraping:
		return r.scrape(ctx, sess)
	case StageExtractingInfo:
		return r.extract(ctx, sess)
	case StageAgenticScraping:
		return r.agenticScrape(ctx, sess)
	case StageGeneratingResume:
		return r.generateResume(ctx, sess)
	case StageGeneratingLatex:
		return r.generateLatex(ctx, sess)
	case StageGeneratingPDF:
		return r.generatePDF(ctx, sess)
	case StageSavingAssets:
		return r.saveAssets(ctx, sess)
	default:
		return StageResult{}, fmt.Errorf("stage %q is not runnable", sess.Stage)
	}
}

// scrape obtains the posting's raw HTML. Inline HTML from intake wins;
// otherwise the page is fetched, with an LRU cache absorbing re-submissions
// and retries of the same URL.
func (r *Runtime) scrape(ctx context.Context, sess *Session) (StageResult, error) {
	if strings.TrimSpace(sess.Data.RawHTML) != "" {
		return StageResult{Next: StageExtractingInfo}, nil
	}

	if cached, ok := r.pages.Get(sess.SourceURL); ok {
		sess.Data.RawHTML = cached
		return StageResult{Next: StageExtractingInfo}, nil
	}

	html, err := r.fetch.Fetch(ctx, sess.SourceURL)
	if err != nil {
		return StageResult{}, fmt.Errorf("scraping %s failed: %w", sess.SourceURL, err)
	}
	if strings.TrimSpace(html) == "" {
		return StageResult{}, fmt.Errorf("no scrapable content at %s", sess.SourceURL)
	}

	r.pages.Set(sess.SourceURL, html)
	sess.Data.RawHTML = html
	return StageResult{Next: StageExtractingInfo}, nil
}

type extraction struct {
	Job  *JobData         `json:"job,omitempty" jsonschema_description:"Structured job posting, omitted when the page carries none"`
	Form *ApplicationForm `json:"form,omitempty" jsonschema_description:"Application form found on the page, omitted when absent"`
}

// extract pulls structured job data and the application form out of the raw
// HTML. When the session already holds partial data from an earlier page,
// the append-or-replace heuristic reconciles the two extractions.
func (r *Runtime) extract(ctx context.Context, sess *Session) (StageResult, error) {
	if strings.TrimSpace(sess.Data.RawHTML) == "" {
		return StageResult{}, fmt.Errorf("no scraped content to extract from")
	}

	messages := []protocol.Message{
		protocol.SystemMessage("You extract structured job-posting data and application forms from raw HTML. Only report what is actually present on the page."),
		protocol.UserMessage("Extract the job posting and any application form from this page:\n\n" + truncate(sess.Data.RawHTML, maxHTMLChars)),
	}

	var out extraction
	if err := r.agents.Extractor.RunStructuredAs(ctx, messages, agent.SchemaFor[extraction](), &out); err != nil {
		return StageResult{}, fmt.Errorf("extraction failed: %w", err)
	}

	hadPartial := sess.Data.Job.Present() || sess.Data.Form.Present()
	if hadPartial {
		mergeExtraction(sess.Data, &SessionData{Job: out.Job, Form: out.Form})
	} else {
		sess.Data.Job = out.Job
		sess.Data.Form = out.Form
	}

	if !sess.Data.Job.Present() {
		return StageResult{}, fmt.Errorf("no scrapable job content found at %s", sess.SourceURL)
	}
	if err := r.store.SaveJobData(sess.ID, sess.Data.Job); err != nil {
		return StageResult{}, err
	}

	if !sess.Data.Form.Present() {
		return StageResult{Next: StageAgenticScraping}, nil
	}
	return StageResult{Next: StageGeneratingResume}, nil
}

// agenticScrape is the fallback crawl: a freeform browsing agent hunts for
// the application form the static page did not carry, then the extractor
// structures its findings.
func (r *Runtime) agenticScrape(ctx context.Context, sess *Session) (StageResult, error) {
	if r.agents.Scraper == nil {
		return StageResult{}, fmt.Errorf("no application form found and no fallback crawler is configured")
	}

	messages := []protocol.Message{
		protocol.SystemMessage("You are a web crawler locating job application forms. Use the available tools to navigate from the posting to its application page, then report every form field you find with its name, label, type, and whether it is required."),
		protocol.UserMessage(fmt.Sprintf("Find the application form for this posting: %s (%s at %s)",
			sess.SourceURL, sess.Data.Job.Title, sess.Data.Job.Company)),
	}

	final, err := r.agents.Scraper.RunFreeform(ctx, messages)
	if err != nil {
		return StageResult{}, fmt.Errorf("fallback crawl failed: %w", err)
	}

	var out extraction
	structMsgs := []protocol.Message{
		protocol.SystemMessage("Structure the application form described in the crawler's report. Report only fields the crawler actually found."),
		protocol.UserMessage(final.Content),
	}
	if err := r.agents.Extractor.RunStructuredAs(ctx, structMsgs, agent.SchemaFor[extraction](), &out); err != nil {
		return StageResult{}, fmt.Errorf("form structuring failed: %w", err)
	}

	if !out.Form.Present() {
		return StageResult{}, fmt.Errorf("no application form found after fallback crawl of %s", sess.SourceURL)
	}
	sess.Data.Form = out.Form
	return StageResult{Next: StageGeneratingResume}, nil
}

type resumeDraft struct {
	Resume string `json:"resume" jsonschema_description:"Complete tailored resume as plain text"`
}

// generateResume runs the producer/critic refinement loop and persists every
// candidate and evaluation for audit. The winner becomes the session's
// primary resume; the rest stay available as variants.
func (r *Runtime) generateResume(ctx context.Context, sess *Session) (StageResult, error) {
	jobContext := describeJob(sess.Data.Job)

	producer := refine.NewAgentProducer(r.agents.Producer,
		"You tailor resumes to job postings. Produce a complete, truthful resume emphasizing the experience this posting asks for.",
		"Tailor a resume for this posting:\n\n"+jobContext,
		agent.SchemaFor[resumeDraft]())
	critic := refine.NewAgentCritic(r.agents.Critic,
		"You are a strict hiring reviewer scoring how well a resume matches a job posting.",
		"The posting under review:\n\n"+jobContext)

	result, err := refine.Run(ctx, producer, critic, r.refineCfg.TargetScore, r.refineCfg.MaxIterations)
	if err != nil {
		return StageResult{}, fmt.Errorf("resume refinement failed: %w", err)
	}

	sess.Data.Candidates = make([]string, 0, len(result.History))
	for _, c := range result.History {
		var draft resumeDraft
		if err := agent.DecodeLoose(c.Artifact, &draft); err != nil {
			return StageResult{}, fmt.Errorf("candidate %d is malformed: %w", c.Iteration, err)
		}
		sess.Data.Candidates = append(sess.Data.Candidates, draft.Resume)

		if err := r.store.SaveCandidate(sess.ID, c.Iteration, []byte(draft.Resume), refine.Evaluation{
			Score:    c.Score,
			Critique: c.Critique,
		}); err != nil {
			return StageResult{}, err
		}
	}

	sess.Data.BestCandidate = result.Best.Iteration
	sess.Data.Resume = sess.Data.Candidates[result.Best.Iteration-1]
	if err := r.store.SaveResume(sess.ID, sess.Data.Resume); err != nil {
		return StageResult{}, err
	}
	return StageResult{Next: StageGeneratingLatex}, nil
}

type latexDoc struct {
	Source string `json:"source" jsonschema_description:"Complete compilable LaTeX document"`
}

// generateLatex converts the primary resume to LaTeX, then the remaining
// candidates concurrently. Only the primary conversion is load-bearing;
// variant failures drop the variant.
func (r *Runtime) generateLatex(ctx context.Context, sess *Session) (StageResult, error) {
	primary, err := r.latexFor(ctx, sess.Data.Resume)
	if err != nil {
		return StageResult{}, fmt.Errorf("latex generation failed: %w", err)
	}
	sess.Data.Latex = primary
	if err := r.store.SaveLatex(sess.ID, primary); err != nil {
		return StageResult{}, err
	}

	variantLatex := make(map[int]string)
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(r.variants)
	for i, text := range sess.Data.Candidates {
		iteration := i + 1
		if iteration == sess.Data.BestCandidate {
			continue
		}
		g.Go(func() error {
			source, err := r.latexFor(ctx, text)
			if err != nil {
				slog.Warn("dropping resume variant, latex generation failed",
					"session_id", sess.ID,
					"candidate", iteration,
					"error", err)
				return nil
			}
			mu.Lock()
			variantLatex[iteration] = source
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sess.Data.VariantLatex = variantLatex
	return StageResult{Next: StageGeneratingPDF}, nil
}

func (r *Runtime) latexFor(ctx context.Context, resume string) (string, error) {
	messages := []protocol.Message{
		protocol.SystemMessage("You convert plain-text resumes into clean, compilable LaTeX documents using the article class. Output must compile with pdflatex without extra packages beyond the standard distribution."),
		protocol.UserMessage("Convert this resume to LaTeX:\n\n" + resume),
	}

	var doc latexDoc
	if err := r.agents.Latex.RunStructuredAs(ctx, messages, agent.SchemaFor[latexDoc](), &doc); err != nil {
		return "", err
	}
	if strings.TrimSpace(doc.Source) == "" {
		return "", fmt.Errorf("empty latex source")
	}
	return doc.Source, nil
}

// generatePDF typesets the primary resume plus every surviving variant
// concurrently, one compile call per candidate. A variant compile failure
// drops that variant; a primary failure fails the stage.
func (r *Runtime) generatePDF(ctx context.Context, sess *Session) (StageResult, error) {
	var g errgroup.Group
	g.SetLimit(r.variants)

	var primaryPDF []byte
	g.Go(func() error {
		pdf, err := r.typesetter.Compile(ctx, sess.Data.Latex)
		if err != nil {
			return fmt.Errorf("primary resume failed to typeset: %w", err)
		}
		primaryPDF = pdf
		return nil
	})

	for iteration, source := range sess.Data.VariantLatex {
		g.Go(func() error {
			pdf, err := r.typesetter.Compile(ctx, source)
			if err != nil {
				slog.Warn("dropping resume variant, typesetting failed",
					"session_id", sess.ID,
					"candidate", iteration,
					"error", err)
				return nil
			}
			return r.store.SaveVariant(sess.ID, iteration, pdf)
		})
	}

	if err := g.Wait(); err != nil {
		return StageResult{}, err
	}

	if err := r.store.SavePDF(sess.ID, primaryPDF); err != nil {
		return StageResult{}, err
	}
	sess.Data.PDF = true
	return StageResult{Next: StageSavingAssets}, nil
}

type formAnswers struct {
	Answers map[string]string `json:"answers" jsonschema_description:"Answer per form field name; omit fields that cannot be answered from the provided material"`
}

// saveAssets answers the application form from the tailored resume and job
// data, parking the session in awaiting-input when required fields cannot
// be answered. User-provided answers always win over generated ones.
func (r *Runtime) saveAssets(ctx context.Context, sess *Session) (StageResult, error) {
	form := sess.Data.Form
	if !form.Present() {
		return StageResult{Next: StageReadyToUse}, nil
	}

	answers := sess.Data.Answers
	if answers == nil {
		generated, err := r.answerForm(ctx, sess)
		if err != nil {
			return StageResult{}, fmt.Errorf("form answering failed: %w", err)
		}
		answers = generated
	}
	for name, value := range sess.Data.ProvidedAnswers {
		answers[name] = value
	}
	sess.Data.Answers = answers

	var missing []string
	for _, field := range form.Fields {
		if field.Required && strings.TrimSpace(answers[field.Name]) == "" {
			missing = append(missing, field.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return StageResult{Questions: missing}, nil
	}

	if err := r.store.SaveForm(sess.ID, map[string]any{
		"form":    form,
		"answers": answers,
	}); err != nil {
		return StageResult{}, err
	}
	return StageResult{Next: StageReadyToUse}, nil
}

func (r *Runtime) answerForm(ctx context.Context, sess *Session) (map[string]string, error) {
	if r.agents.Answerer == nil {
		return map[string]string{}, nil
	}

	var fields strings.Builder
	for _, f := range sess.Data.Form.Fields {
		fmt.Fprintf(&fields, "- %s (%s, required=%t)\n", f.Name, f.Type, f.Required)
		if len(f.Options) > 0 {
			fmt.Fprintf(&fields, "  options: %s\n", strings.Join(f.Options, ", "))
		}
	}

	messages := []protocol.Message{
		protocol.SystemMessage("You fill job application forms using only the candidate's resume and the job posting. Never invent personal data; leave a field out when the material does not answer it."),
		protocol.UserMessage(fmt.Sprintf("Job posting:\n%s\n\nResume:\n%s\n\nForm fields:\n%s",
			describeJob(sess.Data.Job), sess.Data.Resume, fields.String())),
	}

	var out formAnswers
	if err := r.agents.Answerer.RunStructuredAs(ctx, messages, agent.SchemaFor[formAnswers](), &out); err != nil {
		return nil, err
	}
	if out.Answers == nil {
		out.Answers = map[string]string{}
	}
	return out.Answers, nil
}

func describeJob(job *JobData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\nCompany: %s\n", job.Title, job.Company)
	if job.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", job.Location)
	}
	fmt.Fprintf(&b, "\n%s\n", job.Description)
	if len(job.Requirements) > 0 {
		b.WriteString("\nRequirements:\n")
		for _, req := range job.Requirements {
			fmt.Fprintf(&b, "- %s\n", req)
		}
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
