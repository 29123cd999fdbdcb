package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"agency_portal_backend/internal/bids/agent"
	"agency_portal_backend/internal/bids/domain"
	"agency_portal_backend/internal/bids/extraction"
	"agency_portal_backend/internal/bids/repository"
	"agency_portal_backend/platform/apperr"

	"github.com/google/uuid"
)

// fakeRepo keeps proposals in memory and applies the same run guards as the
// SQL repository: begin only from idle or terminal, and state writes only
// from the run that owns the proposal.
type fakeRepo struct {
	mu        sync.Mutex
	proposals map[uuid.UUID]*repository.Proposal
	docs      map[uuid.UUID][]*repository.Document
	files     map[uuid.UUID][]repository.SourceFile

	listFilesErr     error
	upsertErr        error
	saveEnvelopeErr  error
	failGeneratingN  int
	beginCalls       int
	envelopeStatuses []domain.EnvelopeStatus
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		proposals: make(map[uuid.UUID]*repository.Proposal),
		docs:      make(map[uuid.UUID][]*repository.Document),
		files:     make(map[uuid.UUID][]repository.SourceFile),
	}
}

func (f *fakeRepo) addProposal(orgID uuid.UUID) *repository.Proposal {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &repository.Proposal{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Title:          "City park renovation",
		ClientName:     "City of Springfield",
		Processing:     domain.IdleState(),
		Envelope1:      repository.EnvelopeSlot{Status: domain.EnvelopeStatusDraft},
		Envelope2:      repository.EnvelopeSlot{Status: domain.EnvelopeStatusDraft},
		CreatedAt:      time.Now(),
	}
	f.proposals[p.ID] = p
	return p
}

func (f *fakeRepo) addFile(proposalID uuid.UUID, name, mimeType string) repository.SourceFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	file := repository.SourceFile{
		ID:         uuid.New(),
		ProposalID: proposalID,
		FileName:   name,
		MimeType:   mimeType,
		StorageKey: "bids/" + name,
	}
	f.files[proposalID] = append(f.files[proposalID], file)
	return file
}

func (f *fakeRepo) proposal(id uuid.UUID) repository.Proposal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.proposals[id]
}

func (f *fakeRepo) document(proposalID uuid.UUID, documentType string) (repository.Document, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.docs[proposalID] {
		if d.DocumentType == documentType {
			return *d, true
		}
	}
	return repository.Document{}, false
}

// takeOver simulates another run beginning on the proposal.
func (f *fakeRepo) takeOver(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.proposals[id]
	started := time.Now().Add(time.Hour)
	p.Processing.StartedAt = &started
}

func (f *fakeRepo) CreateProposal(_ context.Context, params repository.CreateProposalParams) (repository.Proposal, error) {
	p := f.addProposal(params.OrganizationID)
	f.mu.Lock()
	defer f.mu.Unlock()
	p.Title = params.Title
	p.ClientName = params.ClientName
	p.CustomInstructions = params.CustomInstructions
	p.CompetitiveNotes = params.CompetitiveNotes
	p.SelectedServices = params.SelectedServices
	return *p, nil
}

func (f *fakeRepo) GetProposal(_ context.Context, id, orgID uuid.UUID) (repository.Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[id]
	if !ok || p.OrganizationID != orgID {
		return repository.Proposal{}, apperr.NotFound("bid proposal not found")
	}
	return *p, nil
}

func (f *fakeRepo) GetProposalByID(_ context.Context, id uuid.UUID) (repository.Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[id]
	if !ok {
		return repository.Proposal{}, apperr.NotFound("bid proposal not found")
	}
	return *p, nil
}

func (f *fakeRepo) UpdateProposalContext(_ context.Context, id, orgID uuid.UUID, params repository.UpdateContextParams) (repository.Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[id]
	if !ok || p.OrganizationID != orgID {
		return repository.Proposal{}, apperr.NotFound("bid proposal not found")
	}
	p.ClientName = params.ClientName
	p.CustomInstructions = params.CustomInstructions
	p.CompetitiveNotes = params.CompetitiveNotes
	p.SelectedServices = params.SelectedServices
	return *p, nil
}

func (f *fakeRepo) TryBeginProcessing(_ context.Context, id uuid.UUID, state domain.ProcessingState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beginCalls++
	p, ok := f.proposals[id]
	if !ok {
		return apperr.NotFound("bid proposal not found")
	}
	if !p.Processing.CanStartRun() {
		return apperr.Conflict("a processing run is already active for this proposal")
	}
	p.Processing = state
	return nil
}

func (f *fakeRepo) TryBeginEnvelopeRun(ctx context.Context, id uuid.UUID, n domain.Envelope, state domain.ProcessingState) error {
	if err := f.TryBeginProcessing(ctx, id, state); err != nil {
		return err
	}
	return f.SetEnvelopeStatus(ctx, id, n, domain.EnvelopeStatusGenerating)
}

func (f *fakeRepo) UpdateProcessingState(_ context.Context, id uuid.UUID, state domain.ProcessingState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[id]
	if !ok || state.StartedAt == nil || p.Processing.StartedAt == nil {
		return repository.ErrRunSuperseded
	}
	if !p.Processing.StartedAt.Equal(*state.StartedAt) || !p.Processing.Status.IsActive() {
		return repository.ErrRunSuperseded
	}
	p.Processing = state
	return nil
}

func (f *fakeRepo) SetEnvelopeStatus(_ context.Context, id uuid.UUID, n domain.Envelope, status domain.EnvelopeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[id]
	if !ok {
		return apperr.NotFound("bid proposal not found")
	}
	f.envelopeStatuses = append(f.envelopeStatuses, status)
	if n == domain.EnvelopeCost {
		p.Envelope2.Status = status
	} else {
		p.Envelope1.Status = status
	}
	return nil
}

func (f *fakeRepo) SaveEnvelopeResult(_ context.Context, id uuid.UUID, n domain.Envelope, result repository.EnvelopeResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveEnvelopeErr != nil {
		return f.saveEnvelopeErr
	}
	p := f.proposals[id]
	content := result.Content
	at := result.GeneratedAt
	slot := repository.EnvelopeSlot{Status: domain.EnvelopeStatusCompleted, Content: &content, GeneratedAt: &at}
	if n == domain.EnvelopeTechnical {
		p.Envelope1 = slot
		return nil
	}
	p.Envelope2 = slot
	pricing := result.Pricing
	if pricing == nil {
		pricing = &repository.Pricing{}
	}
	p.ProposedPrice = pricing.ProposedPrice
	p.PriceSource = pricing.PriceSource
	p.PricingNotes = pricing.PricingNotes
	if len(result.AdoptedBudget) > 0 {
		p.AdoptedBudgetData = result.AdoptedBudget
	}
	return nil
}

func (f *fakeRepo) SetClientType(_ context.Context, id uuid.UUID, clientType domain.ClientType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ct := clientType
	f.proposals[id].ClientType = &ct
	return nil
}

func (f *fakeRepo) SaveAdoptedBudget(_ context.Context, id uuid.UUID, data []byte, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.proposals[id]
	p.AdoptedBudgetData = json.RawMessage(data)
	p.AdoptedBudgetUpdatedAt = &at
	return nil
}

func (f *fakeRepo) UpsertDocumentByType(_ context.Context, proposalID uuid.UUID, documentType, title string) (repository.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return repository.Document{}, f.upsertErr
	}
	for _, d := range f.docs[proposalID] {
		if d.DocumentType == documentType {
			d.Title = title
			d.Status = domain.DocumentStatusGenerating
			d.Content = nil
			d.ErrorMessage = nil
			return *d, nil
		}
	}
	d := &repository.Document{
		ID:           uuid.New(),
		ProposalID:   proposalID,
		DocumentType: documentType,
		Title:        title,
		Status:       domain.DocumentStatusGenerating,
		CreatedAt:    time.Now(),
	}
	f.docs[proposalID] = append(f.docs[proposalID], d)
	return *d, nil
}

// ownedBy reports whether the run that began at startedAt still owns the
// proposal. Callers hold f.mu.
func (f *fakeRepo) ownedBy(proposalID uuid.UUID, startedAt time.Time) bool {
	p, ok := f.proposals[proposalID]
	if !ok || p.Processing.StartedAt == nil {
		return false
	}
	return p.Processing.StartedAt.Equal(startedAt) && p.Processing.Status.IsActive()
}

func (f *fakeRepo) UpdateDocumentStatus(_ context.Context, proposalID uuid.UUID, runStartedAt time.Time, documentType string, status domain.DocumentStatus, content, errorMessage *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ownedBy(proposalID, runStartedAt) {
		return repository.ErrRunSuperseded
	}
	for _, d := range f.docs[proposalID] {
		if d.DocumentType != documentType {
			continue
		}
		d.Status = status
		d.Content = nil
		d.ErrorMessage = nil
		switch status {
		case domain.DocumentStatusCompleted:
			d.Content = content
			now := time.Now()
			d.GeneratedAt = &now
		case domain.DocumentStatusError:
			d.ErrorMessage = errorMessage
		}
		return nil
	}
	return apperr.NotFound("bid document not found")
}

func (f *fakeRepo) FailGeneratingDocuments(_ context.Context, proposalID uuid.UUID, runStartedAt time.Time, message string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ownedBy(proposalID, runStartedAt) {
		return 0, repository.ErrRunSuperseded
	}
	f.failGeneratingN++
	var n int64
	for _, d := range f.docs[proposalID] {
		if d.Status == domain.DocumentStatusGenerating {
			msg := message
			d.Status = domain.DocumentStatusError
			d.Content = nil
			d.ErrorMessage = &msg
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) ListDocumentsByProposal(_ context.Context, proposalID uuid.UUID) ([]repository.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]repository.Document, 0, len(f.docs[proposalID]))
	for _, d := range f.docs[proposalID] {
		out = append(out, *d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeRepo) CreateSourceFile(_ context.Context, file repository.SourceFile) (repository.SourceFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[file.ProposalID] = append(f.files[file.ProposalID], file)
	return file, nil
}

func (f *fakeRepo) ListSourceFiles(_ context.Context, proposalID uuid.UUID) ([]repository.SourceFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listFilesErr != nil {
		return nil, f.listFilesErr
	}
	return append([]repository.SourceFile(nil), f.files[proposalID]...), nil
}

// fakeExtractor returns canned text per file name.
type fakeExtractor struct {
	texts map[string]string
}

func (e *fakeExtractor) ExtractAll(_ context.Context, files []extraction.File) ([]extraction.Extracted, error) {
	out := make([]extraction.Extracted, 0, len(files))
	for _, f := range files {
		text, ok := e.texts[f.FileName]
		if !ok {
			continue
		}
		out = append(out, extraction.Extracted{File: f, Kind: extraction.KindText, Content: text})
	}
	return out, nil
}

// fakeGenerator delegates to fn and records every call.
type fakeGenerator struct {
	mu    sync.Mutex
	calls []agent.GenerationContext
	fn    func(ctx context.Context, gc agent.GenerationContext) (*agent.GenerationResult, error)
}

func (g *fakeGenerator) Complete(ctx context.Context, gc agent.GenerationContext) (*agent.GenerationResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, gc)
	g.mu.Unlock()
	if g.fn == nil {
		return &agent.GenerationResult{Content: "generated"}, nil
	}
	return g.fn(ctx, gc)
}

func (g *fakeGenerator) callsFor(task agent.Task) []agent.GenerationContext {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []agent.GenerationContext
	for _, c := range g.calls {
		if c.Task == task {
			out = append(out, c)
		}
	}
	return out
}

// docKey names the document a generation context asks for.
func docKey(gc agent.GenerationContext) string {
	if gc.DocumentType == nil {
		return ""
	}
	return gc.DocumentType.Key
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, Job) (*RunHandle, error) {
	return nil, errors.New("queue unavailable")
}

// progressLog records every persisted state of a run.
type progressLog struct {
	mu     sync.Mutex
	states []domain.ProcessingState
}

func (l *progressLog) observe(_ uuid.UUID, state domain.ProcessingState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, state)
}

func (l *progressLog) snapshot() []domain.ProcessingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.ProcessingState(nil), l.states...)
}
