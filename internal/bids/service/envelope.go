package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"agency_portal_backend/internal/bids/agent"
	"agency_portal_backend/internal/bids/domain"
	"agency_portal_backend/internal/bids/repository"
	"agency_portal_backend/platform/apperr"

	"github.com/google/uuid"
)

// StartEnvelope begins an envelope run and dispatches it. The envelope is
// moved to generating together with the processing state.
func (s *Service) StartEnvelope(ctx context.Context, orgID, proposalID uuid.UUID, envelope int, customInstructions, priorContext string) (*RunHandle, error) {
	job, state, err := s.beginEnvelope(ctx, orgID, proposalID, envelope, customInstructions, priorContext)
	if err != nil {
		return nil, err
	}

	handle, err := s.dispatcher.Dispatch(ctx, job)
	if err != nil {
		s.abortBegun(ctx, job, state, "failed to schedule envelope generation")
		return nil, apperr.Wrap(apperr.KindUnavailable, "failed to schedule envelope generation", err)
	}
	return handle, nil
}

// GenerateEnvelope begins an envelope run and executes it in the caller's
// goroutine. It has two outcomes: the envelope completed with the run, or
// the envelope back in draft with the run in error.
func (s *Service) GenerateEnvelope(ctx context.Context, orgID, proposalID uuid.UUID, envelope int, customInstructions, priorContext string) (RunOutcome, error) {
	job, _, err := s.beginEnvelope(ctx, orgID, proposalID, envelope, customInstructions, priorContext)
	if err != nil {
		return RunOutcome{}, err
	}
	return s.RunEnvelope(ctx, job), nil
}

func (s *Service) beginEnvelope(ctx context.Context, orgID, proposalID uuid.UUID, envelope int, customInstructions, priorContext string) (Job, domain.ProcessingState, error) {
	n, err := domain.ParseEnvelope(envelope)
	if err != nil {
		return Job{}, domain.ProcessingState{}, apperr.Validation(err.Error())
	}

	proposal, err := s.repo.GetProposal(ctx, proposalID, orgID)
	if err != nil {
		return Job{}, domain.ProcessingState{}, err
	}
	if !proposal.Processing.CanStartRun() {
		return Job{}, domain.ProcessingState{}, apperr.Conflict("a processing run is already active for this proposal")
	}

	now := s.now()
	state := proposal.Processing
	if err := state.Begin(domain.ProcessingStatusGenerating, domain.StageGeneratingProposal, progressEnvelope,
		fmt.Sprintf("Generating the %s", n.Label()), now); err != nil {
		return Job{}, domain.ProcessingState{}, apperr.Conflict(err.Error())
	}

	job := Job{
		RunID:              uuid.New(),
		Kind:               JobEnvelope,
		ProposalID:         proposalID,
		OrganizationID:     orgID,
		StartedAt:          now,
		Envelope:           int(n),
		CustomInstructions: customInstructions,
		PriorContext:       priorContext,
	}
	if err := s.repo.TryBeginEnvelopeRun(ctx, proposalID, n, state); err != nil {
		return Job{}, domain.ProcessingState{}, err
	}
	s.observe(ctx, job, state)
	return job, state, nil
}

// RunEnvelope executes a begun envelope run. Whatever goes wrong, the
// envelope ends in draft and the run in error; its previous content is
// left untouched.
func (s *Service) RunEnvelope(ctx context.Context, job Job) (outcome RunOutcome) {
	r := s.newRun(ctx, job)
	n := domain.Envelope(job.Envelope)
	title := ""

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("bid envelope run panicked", "panic", p, "stack", string(debug.Stack()))
			outcome = s.abortEnvelope(r, "internal error during envelope generation")
		}
		s.publishFinished(r.dbCtx, r, title, outcome)
	}()

	if _, err := domain.ParseEnvelope(job.Envelope); err != nil {
		return s.abortEnvelope(r, err.Error())
	}

	proposal, err := s.repo.GetProposalByID(r.dbCtx, job.ProposalID)
	if err != nil {
		r.log.Error("bid envelope run cannot load proposal", "error", err)
		return s.abortEnvelope(r, "proposal could not be loaded")
	}
	title = proposal.Title

	text, err := s.extractSources(ctx, r, domain.ProcessingStatusGenerating, false)
	if err != nil {
		r.log.Error("bid envelope run cannot read source files", "error", err)
		return s.abortEnvelope(r, "failed to read source files")
	}

	gc := agent.GenerationContext{
		Task:               agent.TaskEnvelope,
		Proposal:           snapshot(proposal),
		Envelope:           n,
		ExtractedText:      text,
		CustomInstructions: job.CustomInstructions,
		PriorContext:       job.PriorContext,
	}
	if n == domain.EnvelopeCost {
		gc.AdoptedBudget = proposal.AdoptedBudgetData
	}

	res, err := s.generate(ctx, gc)
	if err != nil {
		r.log.Warn("bid envelope generation failed", "envelope", job.Envelope, "error", err)
		return s.abortEnvelope(r, failureMessage(err, s.opts.GenerationTimeout))
	}

	if err := r.advance(domain.ProcessingStatusGenerating, domain.StageFinalizing, progressFinalizing,
		fmt.Sprintf("Saving the %s", n.Label())); err != nil {
		if errors.Is(err, errSuperseded) {
			return r.outcome(nil)
		}
		return s.abortEnvelope(r, err.Error())
	}

	result := repository.EnvelopeResult{Content: res.Content, GeneratedAt: s.now()}
	if n == domain.EnvelopeCost {
		if res.Pricing != nil {
			result.Pricing = &repository.Pricing{
				ProposedPrice: res.Pricing.ProposedPrice,
				PriceSource:   res.Pricing.PriceSource,
				PricingNotes:  res.Pricing.PricingNotes,
			}
		}
		result.AdoptedBudget = res.AdoptedBudget
	}
	if err := s.repo.SaveEnvelopeResult(r.dbCtx, job.ProposalID, n, result); err != nil {
		r.log.DatabaseError("save envelope result", err)
		return s.abortEnvelope(r, fmt.Sprintf("failed to save the %s", n.Label()))
	}

	r.complete(fmt.Sprintf("Generated the %s", n.Label()))
	return r.outcome(nil)
}

// abortEnvelope reverts the envelope to draft and fails the run.
func (s *Service) abortEnvelope(r *run, reason string) RunOutcome {
	if r.superseded {
		return r.outcome(nil)
	}
	if err := s.repo.SetEnvelopeStatus(r.dbCtx, r.job.ProposalID, domain.Envelope(r.job.Envelope), domain.EnvelopeStatusDraft); err != nil {
		r.log.DatabaseError("revert envelope to draft", err)
	}
	r.fail(reason)
	return r.outcome(nil)
}
