package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"agency_portal_backend/internal/bids/agent"
	"agency_portal_backend/internal/bids/domain"
	"agency_portal_backend/internal/bids/repository"
	"agency_portal_backend/platform/apperr"

	"github.com/google/uuid"
)

// GenerateDocuments begins a documents run: every requested type gets a
// record in generating before the call returns, and the generation itself
// is dispatched to the background. Unknown types fail before anything is
// written.
func (s *Service) GenerateDocuments(ctx context.Context, orgID, proposalID uuid.UUID, documentTypes []string) ([]repository.Document, *RunHandle, error) {
	types, err := s.catalog.Resolve(documentTypes)
	if err != nil {
		return nil, nil, apperr.Validation(err.Error())
	}

	proposal, err := s.repo.GetProposal(ctx, proposalID, orgID)
	if err != nil {
		return nil, nil, err
	}
	if !proposal.Processing.CanStartRun() {
		return nil, nil, apperr.Conflict("a processing run is already active for this proposal")
	}

	now := s.now()
	state := proposal.Processing
	if err := state.Begin(domain.ProcessingStatusExtracting, domain.StageUploadingFiles, progressQueued,
		fmt.Sprintf("Preparing %d document(s)", len(types)), now); err != nil {
		return nil, nil, apperr.Conflict(err.Error())
	}

	keys := make([]string, len(types))
	for i, dt := range types {
		keys[i] = dt.Key
	}
	job := Job{
		RunID:          uuid.New(),
		Kind:           JobDocuments,
		ProposalID:     proposalID,
		OrganizationID: orgID,
		StartedAt:      now,
		DocumentTypes:  keys,
	}

	if err := s.repo.TryBeginProcessing(ctx, proposalID, state); err != nil {
		return nil, nil, err
	}
	s.observe(ctx, job, state)

	docs := make([]repository.Document, 0, len(types))
	for _, dt := range types {
		doc, err := s.repo.UpsertDocumentByType(ctx, proposalID, dt.Key, dt.Title)
		if err != nil {
			s.abortBegun(ctx, job, state, "failed to prepare document records")
			return nil, nil, err
		}
		docs = append(docs, doc)
	}

	handle, err := s.dispatcher.Dispatch(ctx, job)
	if err != nil {
		s.abortBegun(ctx, job, state, "failed to schedule document generation")
		return nil, nil, apperr.Wrap(apperr.KindUnavailable, "failed to schedule document generation", err)
	}
	return docs, handle, nil
}

// abortBegun closes a run that was begun but never dispatched.
func (s *Service) abortBegun(ctx context.Context, job Job, state domain.ProcessingState, reason string) {
	r := s.newRun(ctx, job)
	r.state = state
	if job.Kind == JobEnvelope {
		s.abortEnvelope(r, reason)
		return
	}
	s.abortDocuments(r, nil, reason)
}

// RunDocuments executes a begun documents run. Each document type succeeds
// or fails on its own; the run always ends in a terminal state, written
// only after every type has an outcome.
func (s *Service) RunDocuments(ctx context.Context, job Job) (outcome RunOutcome) {
	r := s.newRun(ctx, job)
	outcomes := make([]DocumentOutcome, 0, len(job.DocumentTypes))
	title := ""

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("bid documents run panicked", "panic", p, "stack", string(debug.Stack()))
			outcome = s.abortDocuments(r, outcomes, "internal error during document generation")
		}
		s.publishFinished(r.dbCtx, r, title, outcome)
	}()

	proposal, err := s.repo.GetProposalByID(r.dbCtx, job.ProposalID)
	if err != nil {
		r.log.Error("bid documents run cannot load proposal", "error", err)
		return s.abortDocuments(r, outcomes, "proposal could not be loaded")
	}
	title = proposal.Title

	types, err := s.catalog.Resolve(job.DocumentTypes)
	if err != nil {
		return s.abortDocuments(r, outcomes, err.Error())
	}

	text, err := s.extractSources(ctx, r, domain.ProcessingStatusExtracting, true)
	if err != nil {
		return s.stopDocuments(r, outcomes, err)
	}

	if err := r.advance(domain.ProcessingStatusGenerating, domain.StageAnalyzingContent, progressAnalyzing,
		"Analyzing solicitation content"); err != nil {
		return s.stopDocuments(r, outcomes, err)
	}

	if err := r.advance(domain.ProcessingStatusGenerating, domain.StageDetectingClientType, progressClientType,
		"Detecting client type"); err != nil {
		return s.stopDocuments(r, outcomes, err)
	}
	if proposal.ClientType == nil && strings.TrimSpace(text) != "" {
		ct := domain.DetectClientType(text)
		if err := s.repo.SetClientType(r.dbCtx, proposal.ID, ct); err != nil {
			r.log.DatabaseError("set client type", err)
		} else {
			proposal.ClientType = &ct
		}
	}

	budget := proposal.AdoptedBudgetData
	if needsBudget(types) && !proposal.HasAdoptedBudget() {
		if err := r.advance(domain.ProcessingStatusGenerating, domain.StageResearchingBudget, progressBudget,
			"Researching the client's budget"); err != nil {
			return s.stopDocuments(r, outcomes, err)
		}
		budget = s.researchBudget(ctx, r, proposal, text)
	}

	for i, dt := range types {
		progress := progressDocsStart + (progressDocsEnd-progressDocsStart)*i/len(types)
		msg := fmt.Sprintf("Generating %s (%d of %d)", dt.Title, i+1, len(types))
		if err := r.advance(domain.ProcessingStatusGenerating, domain.StageGeneratingIntelligence, progress, msg); err != nil {
			return s.stopDocuments(r, outcomes, err)
		}
		outcomes = append(outcomes, s.generateDocument(ctx, r, proposal, dt, text, budget))
	}

	if err := r.advance(domain.ProcessingStatusGenerating, domain.StageFinalizing, progressFinalizing,
		"Finalizing documents"); err != nil {
		return s.stopDocuments(r, outcomes, err)
	}

	failed := 0
	for _, o := range outcomes {
		if o.Status == domain.DocumentStatusError {
			failed++
		}
	}
	if s.opts.StrictCompletion && failed > 0 {
		r.fail(fmt.Sprintf("%d of %d documents failed", failed, len(types)))
	} else {
		r.complete(fmt.Sprintf("Generated %d of %d documents", len(types)-failed, len(types)))
	}
	return r.outcome(outcomes)
}

func (s *Service) researchBudget(ctx context.Context, r *run, proposal repository.Proposal, text string) json.RawMessage {
	res, err := s.generate(ctx, agent.GenerationContext{
		Task:          agent.TaskBudget,
		Proposal:      snapshot(proposal),
		ExtractedText: text,
	})
	if err != nil {
		r.log.Warn("budget research failed, continuing without budget data", "error", err)
		return proposal.AdoptedBudgetData
	}
	if err := s.repo.SaveAdoptedBudget(r.dbCtx, proposal.ID, res.AdoptedBudget, s.now()); err != nil {
		r.log.DatabaseError("save adopted budget", err)
	}
	return res.AdoptedBudget
}

func (s *Service) generateDocument(ctx context.Context, r *run, proposal repository.Proposal, dt domain.DocumentType, text string, budget json.RawMessage) DocumentOutcome {
	docType := dt
	res, err := s.generate(ctx, agent.GenerationContext{
		Task:          agent.TaskDocument,
		Proposal:      snapshot(proposal),
		DocumentType:  &docType,
		ExtractedText: text,
		AdoptedBudget: budget,
	})
	if err != nil {
		msg := failureMessage(err, s.opts.GenerationTimeout)
		r.log.Warn("bid document generation failed", "documentType", dt.Key, "error", err)
		return s.markDocumentFailed(r, dt.Key, msg)
	}

	content := res.Content
	err = s.repo.UpdateDocumentStatus(r.dbCtx, proposal.ID, r.job.StartedAt, dt.Key, domain.DocumentStatusCompleted, &content, nil)
	switch {
	case errors.Is(err, repository.ErrRunSuperseded):
		_ = r.loseOwnership()
		return unsettled(dt.Key)
	case err != nil:
		r.log.DatabaseError("save generated document", err)
		return s.markDocumentFailed(r, dt.Key, "failed to save the generated document")
	}
	return DocumentOutcome{DocumentType: dt.Key, Status: domain.DocumentStatusCompleted}
}

func (s *Service) markDocumentFailed(r *run, documentType, msg string) DocumentOutcome {
	if r.superseded {
		return unsettled(documentType)
	}
	err := s.repo.UpdateDocumentStatus(r.dbCtx, r.job.ProposalID, r.job.StartedAt, documentType, domain.DocumentStatusError, nil, &msg)
	switch {
	case errors.Is(err, repository.ErrRunSuperseded):
		_ = r.loseOwnership()
		return unsettled(documentType)
	case err != nil:
		r.log.DatabaseError("mark document failed", err)
	}
	return DocumentOutcome{DocumentType: documentType, Status: domain.DocumentStatusError, Error: msg}
}

// unsettled reports a document whose record now belongs to another run.
func unsettled(documentType string) DocumentOutcome {
	return DocumentOutcome{DocumentType: documentType, Status: domain.DocumentStatusGenerating}
}

// stopDocuments ends a run whose checkpoint could not be written. A run
// that lost ownership leaves the records to whoever owns them now.
func (s *Service) stopDocuments(r *run, outcomes []DocumentOutcome, err error) RunOutcome {
	if errors.Is(err, errSuperseded) {
		return r.outcome(outcomes)
	}
	r.log.Error("bid documents run failed", "error", err)
	return s.abortDocuments(r, outcomes, err.Error())
}

// abortDocuments fails every document still generating and the run itself.
func (s *Service) abortDocuments(r *run, outcomes []DocumentOutcome, reason string) RunOutcome {
	if r.superseded {
		return r.outcome(outcomes)
	}
	_, err := s.repo.FailGeneratingDocuments(r.dbCtx, r.job.ProposalID, r.job.StartedAt, reason)
	switch {
	case errors.Is(err, repository.ErrRunSuperseded):
		_ = r.loseOwnership()
		return r.outcome(outcomes)
	case err != nil:
		r.log.DatabaseError("fail generating documents", err)
	}
	r.fail(reason)

	done := make(map[string]struct{}, len(outcomes))
	for _, o := range outcomes {
		done[o.DocumentType] = struct{}{}
	}
	for _, key := range r.job.DocumentTypes {
		if _, ok := done[key]; ok {
			continue
		}
		done[key] = struct{}{}
		outcomes = append(outcomes, DocumentOutcome{DocumentType: key, Status: domain.DocumentStatusError, Error: reason})
	}
	return r.outcome(outcomes)
}

func needsBudget(types []domain.DocumentType) bool {
	for _, dt := range types {
		if dt.NeedsBudget {
			return true
		}
	}
	return false
}
