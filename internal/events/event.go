// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"context"

	"agency_portal_backend/platform/events"

	"github.com/google/uuid"
)

type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

var NewBaseEvent = events.NewBaseEvent

// On subscribes a callback for one bid event type.
func On[T Event](fn func(ctx context.Context, event T) error) Handler {
	return events.On(fn)
}

// =============================================================================
// Bid Domain Events
// =============================================================================

// Run kinds carried on bid events.
const (
	RunKindDocuments = "documents"
	RunKindEnvelope  = "envelope"
)

// BidProgressUpdated is published at every processing checkpoint of a run.
type BidProgressUpdated struct {
	BaseEvent
	ProposalID     uuid.UUID `json:"proposalId"`
	OrganizationID uuid.UUID `json:"organizationId"`
	RunID          string    `json:"runId"`
	Status         string    `json:"status"`
	Stage          string    `json:"stage"`
	Progress       int       `json:"progress"`
	Message        string    `json:"message,omitempty"`
}

func (e BidProgressUpdated) EventName() string { return "bids.progress.updated" }

// BidRunFinished is published once a run reached a terminal status.
type BidRunFinished struct {
	BaseEvent
	ProposalID      uuid.UUID `json:"proposalId"`
	OrganizationID  uuid.UUID `json:"organizationId"`
	RunID           string    `json:"runId"`
	Kind            string    `json:"kind"`
	Envelope        int       `json:"envelope,omitempty"`
	ProposalTitle   string    `json:"proposalTitle"`
	Status          string    `json:"status"`
	Error           string    `json:"error,omitempty"`
	DocumentsTotal  int       `json:"documentsTotal"`
	DocumentsFailed int       `json:"documentsFailed"`
	FailedDocuments []string  `json:"failedDocuments,omitempty"`
	DurationSeconds float64   `json:"durationSeconds"`
}

func (e BidRunFinished) EventName() string { return "bids.run.finished" }

// BidRunsReaped is published when interrupted runs were moved to error.
type BidRunsReaped struct {
	BaseEvent
	Proposals int `json:"proposals"`
	Documents int `json:"documents"`
}

func (e BidRunsReaped) EventName() string { return "bids.runs.reaped" }
