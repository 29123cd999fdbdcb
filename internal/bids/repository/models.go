package repository

import (
	"encoding/json"
	"time"

	"agency_portal_backend/internal/bids/domain"

	"github.com/google/uuid"
)

// ── Domain Models ─────────────────────────────────────────────────────────────

// Proposal is the database model for a bid proposal.
type Proposal struct {
	ID                 uuid.UUID
	OrganizationID     uuid.UUID
	Title              string
	ClientName         string
	ClientType         *domain.ClientType
	CustomInstructions *string
	CompetitiveNotes   *string
	SelectedServices   []string

	Processing domain.ProcessingState

	Envelope1 EnvelopeSlot
	Envelope2 EnvelopeSlot

	ProposedPrice          *float64
	PriceSource            *string
	PricingNotes           *string
	AdoptedBudgetData      json.RawMessage
	AdoptedBudgetUpdatedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EnvelopeSlot is one of the two primary proposal halves.
type EnvelopeSlot struct {
	Status      domain.EnvelopeStatus
	Content     *string
	GeneratedAt *time.Time
}

// Envelope returns the slot for n.
func (p Proposal) Envelope(n domain.Envelope) EnvelopeSlot {
	if n == domain.EnvelopeCost {
		return p.Envelope2
	}
	return p.Envelope1
}

// HasAdoptedBudget reports whether budget research already ran for the proposal.
func (p Proposal) HasAdoptedBudget() bool {
	return len(p.AdoptedBudgetData) > 0 && string(p.AdoptedBudgetData) != "null"
}

// Document is the database model for one generated bid document.
type Document struct {
	ID           uuid.UUID
	ProposalID   uuid.UUID
	DocumentType string
	Title        string
	Status       domain.DocumentStatus
	Content      *string
	ErrorMessage *string
	GeneratedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SourceFile is an uploaded solicitation document kept in object storage.
type SourceFile struct {
	ID         uuid.UUID
	ProposalID uuid.UUID
	FileName   string
	MimeType   string
	SizeBytes  int64
	StorageKey string
	CreatedAt  time.Time
}

// CreateProposalParams holds the fields a caller may set on a new proposal.
type CreateProposalParams struct {
	OrganizationID     uuid.UUID
	Title              string
	ClientName         string
	CustomInstructions *string
	CompetitiveNotes   *string
	SelectedServices   []string
}

// UpdateContextParams replaces the user-supplied generation context.
type UpdateContextParams struct {
	ClientName         string
	CustomInstructions *string
	CompetitiveNotes   *string
	SelectedServices   []string
}

// Pricing is the pricing data extracted from a cost proposal.
type Pricing struct {
	ProposedPrice *float64
	PriceSource   *string
	PricingNotes  *string
}

// EnvelopeResult is what a successful envelope run persists.
type EnvelopeResult struct {
	Content       string
	GeneratedAt   time.Time
	Pricing       *Pricing
	AdoptedBudget json.RawMessage
}

// StaleRunResult reports what MarkStaleRuns touched.
type StaleRunResult struct {
	Proposals int
	Documents int
}
