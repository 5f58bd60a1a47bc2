package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StageResult is one stage's outcome. A non-empty Questions list parks the
// session in awaiting-input at its current stage instead of advancing.
type StageResult struct {
	Next      Stage
	Questions []string
}

// StageRunner executes the session's current stage, mutating sess.Data in
// place. The orchestrator owns persistence and stage transitions.
type StageRunner interface {
	Run(ctx context.Context, sess *Session) (StageResult, error)
}

// ArtifactCleaner clears persisted stage outputs. Satisfied by
// artifacts.Store.
type ArtifactCleaner interface {
	ClearDownstream(sessionID string) error
}

// SubmitRequest is the job intake payload.
type SubmitRequest struct {
	OwnerID   string `json:"ownerId"`
	SourceURL string `json:"sourceUrl"`
	RawHTML   string `json:"rawHtml,omitempty"`
	ForceNew  bool   `json:"forceNew,omitempty"`
}

// Orchestrator multiplexes many sessions over one process. Stages of a
// single session run strictly sequentially; different sessions run
// concurrently. Session records are mutated only here.
type Orchestrator struct {
	store   Store
	runner  StageRunner
	cleaner ArtifactCleaner
	events  chan SessionEvent

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithArtifactCleaner wires the on-disk artifact store so retries clear
// persisted downstream outputs alongside session state.
func WithArtifactCleaner(c ArtifactCleaner) OrchestratorOption {
	return func(o *Orchestrator) {
		o.cleaner = c
	}
}

func NewOrchestrator(store Store, runner StageRunner, opts ...OrchestratorOption) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("stage runner is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:  store,
		runner: runner,
		events: make(chan SessionEvent, 64),
		locks:  make(map[string]*sync.Mutex),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Events is the session-updated stream. Slow consumers drop events rather
// than stall the pipeline.
func (o *Orchestrator) Events() <-chan SessionEvent {
	return o.events
}

// Submit enqueues a job URL. An existing live session of the same owner
// matching the URL (exactly or by normalized prefix) is resumed instead of
// duplicated, unless ForceNew is set. Returns immediately; processing is
// asynchronous.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*Session, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("ownerId is required")
	}
	if req.SourceURL == "" {
		return nil, fmt.Errorf("sourceUrl is required")
	}

	if !req.ForceNew {
		existing, err := o.store.ListByOwner(ctx, req.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("dedup lookup failed: %w", err)
		}
		if dup := findDuplicate(existing, req.SourceURL); dup != nil {
			return o.resume(ctx, dup, req.RawHTML)
		}
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		OwnerID:   req.OwnerID,
		SourceURL: req.SourceURL,
		Stage:     StageScraping,
		Status:    StatusProcessing,
		Data:      &SessionData{RawHTML: req.RawHTML},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("session created",
		"session_id", sess.ID,
		"owner_id", sess.OwnerID,
		"source_url", sess.SourceURL)
	o.emit(sess)
	o.schedule(sess.ID)
	return sess, nil
}

// resume reattaches an inbound submission to a deduplicated session. Fresh
// HTML is stashed for the extraction stage's merge heuristic. The session
// lock serializes the update against the drive loop, which read-modify-writes
// the same record one stage at a time; the dedup snapshot is stale by the
// time the lock is held, so the record is re-read first.
func (o *Orchestrator) resume(ctx context.Context, sess *Session, rawHTML string) (*Session, error) {
	lock := o.sessionLock(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := o.store.Get(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	slog.Info("session resumed via dedup",
		"session_id", sess.ID,
		"stage", sess.Stage,
		"status", sess.Status)

	if rawHTML != "" {
		if sess.Data == nil {
			sess.Data = &SessionData{}
		}
		sess.Data.RawHTML = rawHTML
		sess.UpdatedAt = time.Now().UTC()
		if err := o.store.Update(ctx, sess); err != nil {
			return nil, fmt.Errorf("failed to update session: %w", err)
		}
	}

	// A processing session may have lost its worker (process restart);
	// scheduling is idempotent since every step re-reads state under the
	// session lock and exits on anything non-processing.
	if sess.Status == StatusProcessing {
		o.schedule(sess.ID)
	}
	return sess, nil
}

// Retry re-enters a failed session: stage rewinds to extracting-info, all
// downstream artifacts are cleared, and the retry counter advances. Never
// implicit; only callers trigger it.
func (o *Orchestrator) Retry(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Deleted() {
		return nil, ErrSessionNotFound
	}
	if sess.Status != StatusFailed {
		return nil, fmt.Errorf("session %s is %s, only failed sessions can be retried", sessionID, sess.Status)
	}

	now := time.Now().UTC()
	sess.Stage = StageExtractingInfo
	sess.Status = StatusProcessing
	sess.Reason = ""
	sess.RetryCount++
	sess.LastRetryAt = &now
	sess.UpdatedAt = now
	if sess.Data == nil {
		sess.Data = &SessionData{}
	}
	sess.Data.clearDownstream()

	if o.cleaner != nil {
		if err := o.cleaner.ClearDownstream(sessionID); err != nil {
			return nil, fmt.Errorf("failed to clear artifacts: %w", err)
		}
	}
	if err := o.store.Update(ctx, sess); err != nil {
		return nil, err
	}

	slog.Info("session retry",
		"session_id", sess.ID,
		"retry_count", sess.RetryCount)
	o.emit(sess)
	o.schedule(sess.ID)
	return sess, nil
}

// ProvideInput resumes an awaiting-input session with user answers for the
// pending clarification fields.
func (o *Orchestrator) ProvideInput(ctx context.Context, sessionID string, answers map[string]string) (*Session, error) {
	sess, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Deleted() {
		return nil, ErrSessionNotFound
	}
	if sess.Status != StatusAwaitingInput {
		return nil, fmt.Errorf("session %s is %s, not awaiting input", sessionID, sess.Status)
	}

	if sess.Data.ProvidedAnswers == nil {
		sess.Data.ProvidedAnswers = make(map[string]string)
	}
	for k, v := range answers {
		sess.Data.ProvidedAnswers[k] = v
	}
	sess.Data.PendingFields = nil
	sess.Status = StatusProcessing
	sess.UpdatedAt = time.Now().UTC()

	if err := o.store.Update(ctx, sess); err != nil {
		return nil, err
	}
	o.emit(sess)
	o.schedule(sess.ID)
	return sess, nil
}

func (o *Orchestrator) Get(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Deleted() {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (o *Orchestrator) List(ctx context.Context, ownerID string) ([]*Session, error) {
	return o.store.ListByOwner(ctx, ownerID)
}

// Delete soft-deletes: the session disappears from listing and dedup but
// its record and on-disk artifacts remain.
func (o *Orchestrator) Delete(ctx context.Context, sessionID string) error {
	return o.store.SoftDelete(ctx, sessionID)
}

// Close stops accepting work and waits for in-flight sessions to reach a
// persistable state.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
	close(o.events)
}

func (o *Orchestrator) sessionLock(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[id] = lock
	}
	return lock
}

// schedule runs the session's drive loop on its own goroutine.
func (o *Orchestrator) schedule(id string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.drive(o.ctx, id); err != nil {
			slog.Error("session drive aborted",
				"session_id", id,
				"error", err)
		}
	}()
}

// drive advances the session stage by stage until it leaves processing. The
// session lock is held per step, not across the whole run, so submit-time
// updates (resume stashing fresh HTML) interleave between stages instead of
// racing them. Each step re-reads the record under the lock, which also
// makes duplicate scheduling harmless.
func (o *Orchestrator) drive(ctx context.Context, id string) error {
	lock := o.sessionLock(id)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		lock.Lock()
		processing, err := o.step(ctx, id)
		lock.Unlock()
		if err != nil || !processing {
			return err
		}
	}
}

// step runs one stage transition. It persists the mutation first, then
// notifies listeners, and reports whether the session is still processing.
func (o *Orchestrator) step(ctx context.Context, id string) (bool, error) {
	sess, err := o.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if sess.Status != StatusProcessing {
		return false, nil
	}

	result, runErr := o.runner.Run(ctx, sess)

	sess.UpdatedAt = time.Now().UTC()
	switch {
	case runErr != nil:
		sess.Status = StatusFailed
		sess.Reason = runErr.Error()
		slog.Error("stage failed",
			"session_id", sess.ID,
			"stage", sess.Stage,
			"error", runErr)
	case len(result.Questions) > 0:
		sess.Status = StatusAwaitingInput
		sess.Data.PendingFields = result.Questions
		slog.Info("session awaiting input",
			"session_id", sess.ID,
			"stage", sess.Stage,
			"fields", result.Questions)
	default:
		slog.Debug("stage complete",
			"session_id", sess.ID,
			"stage", sess.Stage,
			"next", result.Next)
		sess.Stage = result.Next
		if sess.Stage == StageReadyToUse {
			sess.Status = StatusDone
		}
	}

	if err := o.store.Update(ctx, sess); err != nil {
		return false, fmt.Errorf("failed to persist session %s: %w", sess.ID, err)
	}
	o.emit(sess)
	return sess.Status == StatusProcessing, nil
}

func (o *Orchestrator) emit(sess *Session) {
	event := SessionEvent{SessionID: sess.ID, Stage: sess.Stage, Status: sess.Status}
	select {
	case o.events <- event:
	default:
		slog.Debug("dropping session event, consumer too slow", "session_id", sess.ID)
	}
}
