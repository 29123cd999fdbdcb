// Package transport holds the HTTP request and response shapes of the bids module.
package transport

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ── Requests ──────────────────────────────────────────────────────────────────

// CreateProposalRequest is the request body for creating a bid proposal
type CreateProposalRequest struct {
	Title              string   `json:"title" validate:"required,min=1,max=500"`
	ClientName         string   `json:"clientName" validate:"max=500"`
	CustomInstructions *string  `json:"customInstructions" validate:"omitempty,max=10000"`
	CompetitiveNotes   *string  `json:"competitiveNotes" validate:"omitempty,max=10000"`
	SelectedServices   []string `json:"selectedServices" validate:"omitempty,max=50,dive,min=1,max=200"`
}

// UpdateContextRequest replaces the user-supplied generation context
type UpdateContextRequest struct {
	ClientName         string   `json:"clientName" validate:"max=500"`
	CustomInstructions *string  `json:"customInstructions" validate:"omitempty,max=10000"`
	CompetitiveNotes   *string  `json:"competitiveNotes" validate:"omitempty,max=10000"`
	SelectedServices   []string `json:"selectedServices" validate:"omitempty,max=50,dive,min=1,max=200"`
}

// GenerateDocumentsRequest selects the document types to generate
type GenerateDocumentsRequest struct {
	DocumentTypes []string `json:"documentTypes" validate:"required,min=1,max=20,dive,required,max=100"`
}

// GenerateEnvelopeRequest carries the per-call context of an envelope run
type GenerateEnvelopeRequest struct {
	CustomInstructions string `json:"customInstructions" validate:"max=10000"`
	PriorContext       string `json:"priorContext" validate:"max=50000"`
}

// ── Responses ─────────────────────────────────────────────────────────────────

// ProcessingStateResponse is the coarse progress of the proposal's current or last run
type ProcessingStateResponse struct {
	Status      string     `json:"status"`
	Stage       *string    `json:"stage"`
	Progress    int        `json:"progress"`
	Message     *string    `json:"message"`
	Error       *string    `json:"error"`
	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

// EnvelopeResponse is one of the two proposal halves
type EnvelopeResponse struct {
	Status      string     `json:"status"`
	Content     *string    `json:"content"`
	GeneratedAt *time.Time `json:"generatedAt"`
}

// PricingResponse is the pricing extracted from the cost envelope
type PricingResponse struct {
	ProposedPrice *float64 `json:"proposedPrice"`
	PriceSource   *string  `json:"priceSource"`
	PricingNotes  *string  `json:"pricingNotes"`
}

// ProposalResponse is the full bid proposal
type ProposalResponse struct {
	ID                 uuid.UUID               `json:"id"`
	Title              string                  `json:"title"`
	ClientName         string                  `json:"clientName"`
	ClientType         *string                 `json:"clientType"`
	CustomInstructions *string                 `json:"customInstructions"`
	CompetitiveNotes   *string                 `json:"competitiveNotes"`
	SelectedServices   []string                `json:"selectedServices"`
	Processing         ProcessingStateResponse `json:"processing"`
	Envelope1          EnvelopeResponse        `json:"envelope1"`
	Envelope2          EnvelopeResponse        `json:"envelope2"`
	Pricing            PricingResponse         `json:"pricing"`
	AdoptedBudgetData  json.RawMessage         `json:"adoptedBudgetData,omitempty"`
	CreatedAt          time.Time               `json:"createdAt"`
	UpdatedAt          time.Time               `json:"updatedAt"`
}

// DocumentResponse is one generated bid document
type DocumentResponse struct {
	ID           uuid.UUID  `json:"id"`
	DocumentType string     `json:"documentType"`
	Title        string     `json:"title"`
	Status       string     `json:"status"`
	Content      *string    `json:"content"`
	ErrorMessage *string    `json:"errorMessage"`
	GeneratedAt  *time.Time `json:"generatedAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// SourceFileResponse is one uploaded solicitation document
type SourceFileResponse struct {
	ID        uuid.UUID `json:"id"`
	FileName  string    `json:"fileName"`
	MimeType  string    `json:"mimeType"`
	SizeBytes int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}

// StatusResponse is the polling payload
type StatusResponse struct {
	ProposalID      uuid.UUID               `json:"proposalId"`
	Processing      ProcessingStateResponse `json:"processing"`
	Envelope1Status string                  `json:"envelope1Status"`
	Envelope2Status string                  `json:"envelope2Status"`
	Documents       []DocumentResponse      `json:"documents"`
}

// GenerateDocumentsAcceptedResponse is returned once a documents run was started
type GenerateDocumentsAcceptedResponse struct {
	RunID     uuid.UUID          `json:"runId"`
	Documents []DocumentResponse `json:"documents"`
}

// GenerateEnvelopeAcceptedResponse is returned once an envelope run was started
type GenerateEnvelopeAcceptedResponse struct {
	RunID    uuid.UUID `json:"runId"`
	Envelope int       `json:"envelope"`
	Status   string    `json:"status"`
}

// DocumentTypeResponse is one catalog entry
type DocumentTypeResponse struct {
	Key         string `json:"key"`
	Title       string `json:"title"`
	NeedsBudget bool   `json:"needsBudget"`
}

// ListResponse wraps list payloads
type ListResponse[T any] struct {
	Items []T `json:"items"`
}
