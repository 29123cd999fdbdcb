// Package service orchestrates bid proposal processing: document
// generation runs, envelope runs and the proposal data they work on.
package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"agency_portal_backend/internal/adapters/storage"
	"agency_portal_backend/internal/bids/agent"
	"agency_portal_backend/internal/bids/domain"
	"agency_portal_backend/internal/bids/extraction"
	"agency_portal_backend/internal/bids/repository"
	"agency_portal_backend/internal/events"
	"agency_portal_backend/platform/apperr"
	"agency_portal_backend/platform/logger"
	"agency_portal_backend/platform/sanitize"

	"github.com/google/uuid"
)

// Progress checkpoints of a run.
const (
	progressQueued       = 10
	progressExtracting   = 20
	progressEmails       = 25
	progressAnalyzing    = 30
	progressClientType   = 35
	progressBudget       = 40
	progressEnvelope     = 50
	progressDocsStart    = 50
	progressDocsEnd      = 90
	progressFinalizing   = 95
	defaultGenTimeout    = 3 * time.Minute
	maxUploadNameRunes   = 255
	proposalFolderPrefix = "bids"
)

// Repository is the persistence the orchestrator needs.
type Repository interface {
	CreateProposal(ctx context.Context, params repository.CreateProposalParams) (repository.Proposal, error)
	GetProposal(ctx context.Context, id, orgID uuid.UUID) (repository.Proposal, error)
	GetProposalByID(ctx context.Context, id uuid.UUID) (repository.Proposal, error)
	UpdateProposalContext(ctx context.Context, id, orgID uuid.UUID, params repository.UpdateContextParams) (repository.Proposal, error)

	TryBeginProcessing(ctx context.Context, id uuid.UUID, state domain.ProcessingState) error
	TryBeginEnvelopeRun(ctx context.Context, id uuid.UUID, n domain.Envelope, state domain.ProcessingState) error
	UpdateProcessingState(ctx context.Context, id uuid.UUID, state domain.ProcessingState) error

	SetEnvelopeStatus(ctx context.Context, id uuid.UUID, n domain.Envelope, status domain.EnvelopeStatus) error
	SaveEnvelopeResult(ctx context.Context, id uuid.UUID, n domain.Envelope, result repository.EnvelopeResult) error
	SetClientType(ctx context.Context, id uuid.UUID, clientType domain.ClientType) error
	SaveAdoptedBudget(ctx context.Context, id uuid.UUID, data []byte, at time.Time) error

	UpsertDocumentByType(ctx context.Context, proposalID uuid.UUID, documentType, title string) (repository.Document, error)
	UpdateDocumentStatus(ctx context.Context, proposalID uuid.UUID, runStartedAt time.Time, documentType string, status domain.DocumentStatus, content, errorMessage *string) error
	FailGeneratingDocuments(ctx context.Context, proposalID uuid.UUID, runStartedAt time.Time, message string) (int64, error)
	ListDocumentsByProposal(ctx context.Context, proposalID uuid.UUID) ([]repository.Document, error)

	CreateSourceFile(ctx context.Context, file repository.SourceFile) (repository.SourceFile, error)
	ListSourceFiles(ctx context.Context, proposalID uuid.UUID) ([]repository.SourceFile, error)
}

// Extractor turns stored source files into text.
type Extractor interface {
	ExtractAll(ctx context.Context, files []extraction.File) ([]extraction.Extracted, error)
}

// FileStore keeps uploaded source files.
type FileStore interface {
	UploadFile(ctx context.Context, folder, fileName, contentType string, reader io.Reader, size int64) (string, error)
	DeleteObject(ctx context.Context, fileKey string) error
	GetMaxFileSize() int64
}

// ProgressObserver is called after every persisted state change of a run.
type ProgressObserver func(proposalID uuid.UUID, state domain.ProcessingState)

// Options tunes the orchestrator.
type Options struct {
	// GenerationTimeout bounds each generation call.
	GenerationTimeout time.Duration
	// StrictCompletion ends a documents run in error when any document failed.
	StrictCompletion bool
}

// Service provides the bid proposal business logic.
type Service struct {
	repo       Repository
	catalog    *domain.Catalog
	extractor  Extractor
	generator  agent.Generator
	files      FileStore
	dispatcher Dispatcher
	bus        events.Bus
	observer   ProgressObserver
	opts       Options
	log        *logger.Logger
	now        func() time.Time
}

// New creates the service. Runs are dispatched in-process until
// SetDispatcher installs another dispatcher.
func New(repo Repository, catalog *domain.Catalog, extractor Extractor, generator agent.Generator, log *logger.Logger, opts Options) *Service {
	if catalog == nil {
		catalog = domain.DefaultCatalog()
	}
	if log == nil {
		log = logger.Nop()
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = defaultGenTimeout
	}
	s := &Service{
		repo:      repo,
		catalog:   catalog,
		extractor: extractor,
		generator: generator,
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
	s.dispatcher = NewInlineDispatcher(s)
	return s
}

// SetDispatcher replaces the run dispatcher.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// Drain waits for runs executing in this process. Queue dispatchers hand
// runs to the worker, so there is nothing to wait for.
func (s *Service) Drain(ctx context.Context) error {
	inline, ok := s.dispatcher.(*InlineDispatcher)
	if !ok {
		return nil
	}
	return inline.Wait(ctx)
}

// SetEventBus enables progress and run-finished events.
func (s *Service) SetEventBus(bus events.Bus) {
	s.bus = bus
}

// SetFileStore enables source file uploads.
func (s *Service) SetFileStore(fs FileStore) {
	s.files = fs
}

// SetProgressObserver installs a hook called on every persisted checkpoint.
func (s *Service) SetProgressObserver(o ProgressObserver) {
	s.observer = o
}

// Catalog returns the document-type catalog.
func (s *Service) Catalog() *domain.Catalog {
	return s.catalog
}

// Run implements Runner for dispatchers and the queue worker.
func (s *Service) Run(ctx context.Context, job Job) RunOutcome {
	if job.Kind == JobEnvelope {
		return s.RunEnvelope(ctx, job)
	}
	return s.RunDocuments(ctx, job)
}

func (s *Service) observe(ctx context.Context, job Job, state domain.ProcessingState) {
	if s.observer != nil {
		s.observer(job.ProposalID, state)
	}
	if s.bus == nil {
		return
	}
	ev := events.BidProgressUpdated{
		BaseEvent:      events.NewBaseEvent(s.now()),
		ProposalID:     job.ProposalID,
		OrganizationID: job.OrganizationID,
		RunID:          job.RunID.String(),
		Status:         string(state.Status),
		Progress:       state.Progress,
	}
	if state.Stage != nil {
		ev.Stage = string(*state.Stage)
	}
	if state.Message != nil {
		ev.Message = *state.Message
	}
	s.bus.Publish(ctx, ev)
}

func (s *Service) publishFinished(ctx context.Context, r *run, proposalTitle string, o RunOutcome) {
	if s.bus == nil || o.Superseded {
		return
	}
	failed := o.FailedDocuments()
	s.bus.Publish(ctx, events.BidRunFinished{
		BaseEvent:       events.NewBaseEvent(s.now()),
		ProposalID:      o.ProposalID,
		OrganizationID:  r.job.OrganizationID,
		RunID:           o.RunID.String(),
		Kind:            string(o.Kind),
		Envelope:        r.job.Envelope,
		ProposalTitle:   proposalTitle,
		Status:          string(o.Status),
		Error:           o.Error,
		DocumentsTotal:  len(o.Documents),
		DocumentsFailed: len(failed),
		FailedDocuments: failed,
		DurationSeconds: s.now().Sub(r.began).Seconds(),
	})
}

// ── Proposals ────────────────────────────────────────────────────────────────

// CreateProposal creates a proposal in the idle state.
func (s *Service) CreateProposal(ctx context.Context, params repository.CreateProposalParams) (repository.Proposal, error) {
	params.Title = sanitize.Text(params.Title)
	params.ClientName = sanitize.Text(params.ClientName)
	params.CustomInstructions = sanitize.TextPtr(params.CustomInstructions)
	params.CompetitiveNotes = sanitize.TextPtr(params.CompetitiveNotes)
	if params.OrganizationID == uuid.Nil {
		return repository.Proposal{}, apperr.Validation("organizationId is required")
	}
	if params.Title == "" {
		return repository.Proposal{}, apperr.Validation("title is required")
	}
	params.SelectedServices = cleanList(params.SelectedServices)
	return s.repo.CreateProposal(ctx, params)
}

// GetProposal loads a proposal within the tenant.
func (s *Service) GetProposal(ctx context.Context, orgID, proposalID uuid.UUID) (repository.Proposal, error) {
	return s.repo.GetProposal(ctx, proposalID, orgID)
}

// UpdateContext replaces the user-supplied generation context.
func (s *Service) UpdateContext(ctx context.Context, orgID, proposalID uuid.UUID, params repository.UpdateContextParams) (repository.Proposal, error) {
	params.ClientName = sanitize.Text(params.ClientName)
	params.CustomInstructions = sanitize.TextPtr(params.CustomInstructions)
	params.CompetitiveNotes = sanitize.TextPtr(params.CompetitiveNotes)
	params.SelectedServices = cleanList(params.SelectedServices)
	return s.repo.UpdateProposalContext(ctx, proposalID, orgID, params)
}

// StatusView is what polling clients read until the run is terminal.
type StatusView struct {
	ProposalID      uuid.UUID
	Processing      domain.ProcessingState
	Envelope1Status domain.EnvelopeStatus
	Envelope2Status domain.EnvelopeStatus
	Documents       []repository.Document
}

// GetStatus returns the processing state together with every document record.
func (s *Service) GetStatus(ctx context.Context, orgID, proposalID uuid.UUID) (StatusView, error) {
	p, err := s.repo.GetProposal(ctx, proposalID, orgID)
	if err != nil {
		return StatusView{}, err
	}
	docs, err := s.repo.ListDocumentsByProposal(ctx, proposalID)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		ProposalID:      p.ID,
		Processing:      p.Processing,
		Envelope1Status: p.Envelope1.Status,
		Envelope2Status: p.Envelope2.Status,
		Documents:       docs,
	}, nil
}

// ListDocuments returns the proposal's document records.
func (s *Service) ListDocuments(ctx context.Context, orgID, proposalID uuid.UUID) ([]repository.Document, error) {
	if _, err := s.repo.GetProposal(ctx, proposalID, orgID); err != nil {
		return nil, err
	}
	return s.repo.ListDocumentsByProposal(ctx, proposalID)
}

// ── Source files ─────────────────────────────────────────────────────────────

// UploadParams describes one uploaded source file.
type UploadParams struct {
	FileName    string
	ContentType string
	Size        int64
	Reader      io.Reader
}

// UploadSourceFile stores a solicitation document and records it.
func (s *Service) UploadSourceFile(ctx context.Context, orgID, proposalID uuid.UUID, params UploadParams) (repository.SourceFile, error) {
	if s.files == nil {
		return repository.SourceFile{}, apperr.Unavailable("file storage is not configured")
	}
	if _, err := s.repo.GetProposal(ctx, proposalID, orgID); err != nil {
		return repository.SourceFile{}, err
	}

	name := strings.TrimSpace(params.FileName)
	if name == "" || len([]rune(name)) > maxUploadNameRunes {
		return repository.SourceFile{}, apperr.Validation("file name is required and must be at most 255 characters")
	}
	contentType := storage.NormalizeContentType(params.ContentType, name)
	if err := storage.ValidateContentType(contentType); err != nil {
		return repository.SourceFile{}, apperr.Validation(err.Error())
	}
	if err := storage.ValidateFileSize(params.Size, s.files.GetMaxFileSize()); err != nil {
		return repository.SourceFile{}, apperr.Validation(err.Error())
	}

	folder := fmt.Sprintf("%s/%s/%s", proposalFolderPrefix, orgID, proposalID)
	key, err := s.files.UploadFile(ctx, folder, name, contentType, params.Reader, params.Size)
	if err != nil {
		return repository.SourceFile{}, apperr.Wrap(apperr.KindUnavailable, "failed to store file", err)
	}

	file, err := s.repo.CreateSourceFile(ctx, repository.SourceFile{
		ID:         uuid.New(),
		ProposalID: proposalID,
		FileName:   name,
		MimeType:   contentType,
		SizeBytes:  params.Size,
		StorageKey: key,
	})
	if err != nil {
		if delErr := s.files.DeleteObject(context.WithoutCancel(ctx), key); delErr != nil {
			s.log.Error("failed to remove orphaned upload", "key", key, "error", delErr)
		}
		return repository.SourceFile{}, err
	}
	return file, nil
}

// ListSourceFiles returns the proposal's uploaded files.
func (s *Service) ListSourceFiles(ctx context.Context, orgID, proposalID uuid.UUID) ([]repository.SourceFile, error) {
	if _, err := s.repo.GetProposal(ctx, proposalID, orgID); err != nil {
		return nil, err
	}
	return s.repo.ListSourceFiles(ctx, proposalID)
}

// extractSources extracts every source file of the proposal, reporting the
// PDF/document batch and the email batch as separate stages.
func (s *Service) extractSources(ctx context.Context, r *run, status domain.ProcessingStatus, report bool) (string, error) {
	files, err := s.repo.ListSourceFiles(r.dbCtx, r.job.ProposalID)
	if err != nil {
		return "", fmt.Errorf("failed to load source files: %w", err)
	}

	refs := make([]extraction.File, 0, len(files))
	for _, f := range files {
		refs = append(refs, extraction.File{ID: f.ID, FileName: f.FileName, MimeType: f.MimeType, StorageKey: f.StorageKey})
	}
	documents, emails := extraction.Split(refs)

	if report {
		msg := fmt.Sprintf("Extracting text from %d document(s)", len(documents))
		if len(refs) == 0 {
			msg = "No source files uploaded"
		}
		if err := r.advance(status, extraction.StageFor(refs), progressExtracting, msg); err != nil {
			return "", err
		}
	}
	if len(refs) == 0 || s.extractor == nil {
		return "", nil
	}

	var extracted []extraction.Extracted
	if len(documents) > 0 {
		out, err := s.extractor.ExtractAll(ctx, documents)
		if err != nil {
			return "", err
		}
		extracted = append(extracted, out...)
	}
	if len(emails) > 0 {
		if report {
			msg := fmt.Sprintf("Extracting %d email(s)", len(emails))
			if err := r.advance(status, extraction.StageFor(emails), progressEmails, msg); err != nil {
				return "", err
			}
		}
		out, err := s.extractor.ExtractAll(ctx, emails)
		if err != nil {
			return "", err
		}
		extracted = append(extracted, out...)
	}

	if skipped := len(refs) - len(extracted); skipped > 0 {
		r.log.Warn("some source files were skipped", "skipped", skipped, "total", len(refs))
	}
	return extraction.Combine(extracted), nil
}

// generate calls the generator under the per-call timeout. A generator that
// panics or ignores its context is reported as a failure of this call only.
func (s *Service) generate(ctx context.Context, gc agent.GenerationContext) (*agent.GenerationResult, error) {
	if s.generator == nil {
		return nil, apperr.Unavailable("document generation is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.GenerationTimeout)
	defer cancel()

	type result struct {
		res *agent.GenerationResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("generator panic: %v", p)}
			}
		}()
		res, err := s.generator.Complete(ctx, gc)
		if err == nil && res == nil {
			err = agent.ErrEmptyOutput
		}
		done <- result{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.res, r.err
	}
}

func snapshot(p repository.Proposal) agent.ProposalSnapshot {
	snap := agent.ProposalSnapshot{
		Title:            p.Title,
		ClientName:       p.ClientName,
		SelectedServices: p.SelectedServices,
	}
	if p.ClientType != nil {
		snap.ClientType = string(*p.ClientType)
	}
	if p.CustomInstructions != nil {
		snap.CustomInstructions = *p.CustomInstructions
	}
	if p.CompetitiveNotes != nil {
		snap.CompetitiveNotes = *p.CompetitiveNotes
	}
	return snap
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
