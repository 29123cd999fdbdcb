package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agency_portal_backend/internal/bids/domain"
	"agency_portal_backend/internal/bids/repository"
	"agency_portal_backend/internal/events"
	"agency_portal_backend/platform/logger"

	"github.com/google/uuid"
)

// JobKind names the two kinds of background run.
type JobKind string

const (
	JobDocuments JobKind = events.RunKindDocuments
	JobEnvelope  JobKind = events.RunKindEnvelope
)

// Job is the serializable description of one background run. StartedAt
// identifies the run on the proposal row: only the run whose start time is
// stored there may write progress.
type Job struct {
	RunID              uuid.UUID `json:"runId"`
	Kind               JobKind   `json:"kind"`
	ProposalID         uuid.UUID `json:"proposalId"`
	OrganizationID     uuid.UUID `json:"organizationId"`
	StartedAt          time.Time `json:"startedAt"`
	DocumentTypes      []string  `json:"documentTypes,omitempty"`
	Envelope           int       `json:"envelope,omitempty"`
	CustomInstructions string    `json:"customInstructions,omitempty"`
	PriorContext       string    `json:"priorContext,omitempty"`
}

// initialState rebuilds the state a run was begun with.
func (j Job) initialState() domain.ProcessingState {
	state := domain.IdleState()
	if j.Kind == JobEnvelope {
		_ = state.Begin(domain.ProcessingStatusGenerating, domain.StageGeneratingProposal, progressEnvelope, "", j.StartedAt)
	} else {
		_ = state.Begin(domain.ProcessingStatusExtracting, domain.StageUploadingFiles, progressQueued, "", j.StartedAt)
	}
	return state
}

// DocumentOutcome is the result of one requested document type.
type DocumentOutcome struct {
	DocumentType string
	Status       domain.DocumentStatus
	Error        string
}

// RunOutcome reports how a run ended. Status is the run-terminal signal;
// Documents carries the per-unit outcomes, which may fail while the run
// itself completes.
type RunOutcome struct {
	RunID      uuid.UUID
	Kind       JobKind
	ProposalID uuid.UUID
	Status     domain.ProcessingStatus
	Error      string
	Documents  []DocumentOutcome
	// Superseded is set when another run or the stale-run reaper took over
	// the proposal before this run finished. Documents the run could no
	// longer write are reported as generating.
	Superseded bool
}

// FailedDocuments lists the document types that ended in error.
func (o RunOutcome) FailedDocuments() []string {
	var failed []string
	for _, d := range o.Documents {
		if d.Status == domain.DocumentStatusError {
			failed = append(failed, d.DocumentType)
		}
	}
	return failed
}

// HasFailures reports whether the run or any of its units failed.
func (o RunOutcome) HasFailures() bool {
	return o.Status == domain.ProcessingStatusError || len(o.FailedDocuments()) > 0
}

// ErrDetached is returned by Wait on handles of runs executed elsewhere.
var ErrDetached = errors.New("run executes on a background worker")

// RunHandle lets callers observe a dispatched run.
type RunHandle struct {
	RunID    uuid.UUID
	done     chan struct{}
	outcome  RunOutcome
	detached bool
}

func newRunHandle(runID uuid.UUID) *RunHandle {
	return &RunHandle{RunID: runID, done: make(chan struct{})}
}

// NewDetachedHandle returns a handle for a run handed to another process.
func NewDetachedHandle(runID uuid.UUID) *RunHandle {
	return &RunHandle{RunID: runID, detached: true}
}

// Detached reports whether the run executes outside this process.
func (h *RunHandle) Detached() bool { return h.detached }

// Done is closed once the run reached a terminal state. It is nil for
// detached handles.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finished or ctx is done.
func (h *RunHandle) Wait(ctx context.Context) (RunOutcome, error) {
	if h.detached {
		return RunOutcome{}, ErrDetached
	}
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return RunOutcome{}, ctx.Err()
	}
}

func (h *RunHandle) finish(o RunOutcome) {
	h.outcome = o
	close(h.done)
}

// Runner executes a job to completion.
type Runner interface {
	Run(ctx context.Context, job Job) RunOutcome
}

// Dispatcher hands a begun run to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) (*RunHandle, error)
}

// InlineDispatcher executes runs on goroutines of this process.
type InlineDispatcher struct {
	runner Runner
	wg     sync.WaitGroup
}

// NewInlineDispatcher creates a dispatcher that runs jobs in-process.
func NewInlineDispatcher(runner Runner) *InlineDispatcher {
	return &InlineDispatcher{runner: runner}
}

// Dispatch starts the job and returns immediately. The run keeps the
// request's values but not its cancellation.
func (d *InlineDispatcher) Dispatch(ctx context.Context, job Job) (*RunHandle, error) {
	h := newRunHandle(job.RunID)
	runCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		h.finish(d.runner.Run(runCtx, job))
	}()
	return h, nil
}

// Wait blocks until every dispatched run finished or ctx is done. Runs
// still going when ctx ends keep running; Wait only stops waiting for them.
func (d *InlineDispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// errSuperseded stops a run that lost ownership of its proposal.
var errSuperseded = errors.New("run superseded")

// run is the per-run bookkeeping shared by the documents and envelope flows.
type run struct {
	svc   *Service
	job   Job
	state domain.ProcessingState
	log   *logger.Logger
	// dbCtx outlives cancellation of the caller so terminal writes land.
	dbCtx      context.Context
	superseded bool
	began      time.Time
}

func (s *Service) newRun(ctx context.Context, job Job) *run {
	return &run{
		svc:   s,
		job:   job,
		state: job.initialState(),
		log:   s.log.WithContext(ctx).WithRun(job.ProposalID.String(), job.RunID.String()),
		dbCtx: context.WithoutCancel(ctx),
		began: s.now(),
	}
}

// advance moves the run to a checkpoint and persists it. A failed write is
// logged and the run continues; only loss of ownership stops it.
func (r *run) advance(status domain.ProcessingStatus, stage domain.ProcessingStage, progress int, message string) error {
	if r.superseded {
		return errSuperseded
	}
	if err := r.state.Advance(status, stage, progress, message); err != nil {
		return err
	}
	return r.persist()
}

func (r *run) persist() error {
	err := r.svc.repo.UpdateProcessingState(r.dbCtx, r.job.ProposalID, r.state)
	switch {
	case errors.Is(err, repository.ErrRunSuperseded):
		return r.loseOwnership()
	case err != nil:
		r.log.DatabaseError("update processing state", err)
		return nil
	}

	stage := ""
	if r.state.Stage != nil {
		stage = string(*r.state.Stage)
	}
	r.log.StageAdvanced(string(r.state.Status), stage, r.state.Progress)
	r.svc.observe(r.dbCtx, r.job, r.state)
	return nil
}

// loseOwnership marks the run as superseded. Nothing it writes afterwards
// reaches the proposal or its documents.
func (r *run) loseOwnership() error {
	if !r.superseded {
		r.superseded = true
		r.log.Warn("bid run lost ownership of proposal, stopping")
	}
	return errSuperseded
}

// complete writes the successful terminal state.
func (r *run) complete(message string) {
	if r.superseded {
		return
	}
	if err := r.state.Complete(message, r.svc.now()); err != nil {
		r.log.Error("cannot complete bid run", "error", err)
		return
	}
	_ = r.persist()
}

// fail writes the error terminal state.
func (r *run) fail(reason string) {
	if r.superseded {
		return
	}
	if err := r.state.Fail(reason, r.svc.now()); err != nil {
		r.log.Error("cannot fail bid run", "error", err)
		return
	}
	_ = r.persist()
}

// outcome builds the run result once a terminal state was written.
func (r *run) outcome(docs []DocumentOutcome) RunOutcome {
	o := RunOutcome{
		RunID:      r.job.RunID,
		Kind:       r.job.Kind,
		ProposalID: r.job.ProposalID,
		Status:     r.state.Status,
		Documents:  docs,
		Superseded: r.superseded,
	}
	if r.state.Error != nil {
		o.Error = *r.state.Error
	}
	return o
}

// failureMessage renders an adapter error for users.
func failureMessage(err error, timeout time.Duration) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("generation timed out after %s", timeout)
	case errors.Is(err, context.Canceled):
		return "generation was cancelled"
	case err == nil:
		return "generation failed"
	}
	return err.Error()
}
