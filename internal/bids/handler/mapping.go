package handler

import (
	"agency_portal_backend/internal/bids/domain"
	"agency_portal_backend/internal/bids/repository"
	"agency_portal_backend/internal/bids/service"
	"agency_portal_backend/internal/bids/transport"
)

func toProcessingResponse(s domain.ProcessingState) transport.ProcessingStateResponse {
	resp := transport.ProcessingStateResponse{
		Status:      string(s.Status),
		Progress:    s.Progress,
		Message:     s.Message,
		Error:       s.Error,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
	}
	if s.Stage != nil {
		stage := string(*s.Stage)
		resp.Stage = &stage
	}
	return resp
}

func toEnvelopeResponse(e repository.EnvelopeSlot) transport.EnvelopeResponse {
	return transport.EnvelopeResponse{
		Status:      string(e.Status),
		Content:     e.Content,
		GeneratedAt: e.GeneratedAt,
	}
}

func toProposalResponse(p repository.Proposal) transport.ProposalResponse {
	resp := transport.ProposalResponse{
		ID:                 p.ID,
		Title:              p.Title,
		ClientName:         p.ClientName,
		CustomInstructions: p.CustomInstructions,
		CompetitiveNotes:   p.CompetitiveNotes,
		SelectedServices:   p.SelectedServices,
		Processing:         toProcessingResponse(p.Processing),
		Envelope1:          toEnvelopeResponse(p.Envelope1),
		Envelope2:          toEnvelopeResponse(p.Envelope2),
		Pricing: transport.PricingResponse{
			ProposedPrice: p.ProposedPrice,
			PriceSource:   p.PriceSource,
			PricingNotes:  p.PricingNotes,
		},
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if p.ClientType != nil {
		ct := string(*p.ClientType)
		resp.ClientType = &ct
	}
	if p.HasAdoptedBudget() {
		resp.AdoptedBudgetData = p.AdoptedBudgetData
	}
	if resp.SelectedServices == nil {
		resp.SelectedServices = []string{}
	}
	return resp
}

func toDocumentResponse(d repository.Document) transport.DocumentResponse {
	return transport.DocumentResponse{
		ID:           d.ID,
		DocumentType: d.DocumentType,
		Title:        d.Title,
		Status:       string(d.Status),
		Content:      d.Content,
		ErrorMessage: d.ErrorMessage,
		GeneratedAt:  d.GeneratedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func toDocumentResponses(docs []repository.Document) []transport.DocumentResponse {
	out := make([]transport.DocumentResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, toDocumentResponse(d))
	}
	return out
}

func toSourceFileResponse(f repository.SourceFile) transport.SourceFileResponse {
	return transport.SourceFileResponse{
		ID:        f.ID,
		FileName:  f.FileName,
		MimeType:  f.MimeType,
		SizeBytes: f.SizeBytes,
		CreatedAt: f.CreatedAt,
	}
}

func toStatusResponse(v service.StatusView) transport.StatusResponse {
	return transport.StatusResponse{
		ProposalID:      v.ProposalID,
		Processing:      toProcessingResponse(v.Processing),
		Envelope1Status: string(v.Envelope1Status),
		Envelope2Status: string(v.Envelope2Status),
		Documents:       toDocumentResponses(v.Documents),
	}
}
