// Package domain provides core business rules for the bids bounded context.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// ProcessingStatus is the coarse status of a proposal's current or last run.
type ProcessingStatus string

const (
	ProcessingStatusIdle       ProcessingStatus = "idle"
	ProcessingStatusExtracting ProcessingStatus = "extracting"
	ProcessingStatusGenerating ProcessingStatus = "generating"
	ProcessingStatusCompleted  ProcessingStatus = "completed"
	ProcessingStatusError      ProcessingStatus = "error"
)

// ProcessingStage is the fine-grained step reported to polling clients.
type ProcessingStage string

const (
	StageUploadingFiles         ProcessingStage = "uploading_files"
	StageExtractingPDF          ProcessingStage = "extracting_pdf"
	StageExtractingEmail        ProcessingStage = "extracting_email"
	StageAnalyzingContent       ProcessingStage = "analyzing_content"
	StageDetectingClientType    ProcessingStage = "detecting_client_type"
	StageResearchingBudget      ProcessingStage = "researching_budget"
	StageGeneratingProposal     ProcessingStage = "generating_proposal"
	StageGeneratingIntelligence ProcessingStage = "generating_intelligence"
	StageFinalizing             ProcessingStage = "finalizing"
)

var knownStatuses = map[ProcessingStatus]struct{}{
	ProcessingStatusIdle:       {},
	ProcessingStatusExtracting: {},
	ProcessingStatusGenerating: {},
	ProcessingStatusCompleted:  {},
	ProcessingStatusError:      {},
}

var knownStages = map[ProcessingStage]struct{}{
	StageUploadingFiles:         {},
	StageExtractingPDF:          {},
	StageExtractingEmail:        {},
	StageAnalyzingContent:       {},
	StageDetectingClientType:    {},
	StageResearchingBudget:      {},
	StageGeneratingProposal:     {},
	StageGeneratingIntelligence: {},
	StageFinalizing:             {},
}

// IsKnownProcessingStatus reports whether s belongs to the status catalog.
func IsKnownProcessingStatus(s string) bool {
	_, ok := knownStatuses[ProcessingStatus(s)]
	return ok
}

// IsKnownProcessingStage reports whether s belongs to the stage catalog.
func IsKnownProcessingStage(s string) bool {
	_, ok := knownStages[ProcessingStage(s)]
	return ok
}

// IsTerminal returns true for statuses that end a run.
func (s ProcessingStatus) IsTerminal() bool {
	return s == ProcessingStatusCompleted || s == ProcessingStatusError
}

// IsActive returns true while a run is in flight.
func (s ProcessingStatus) IsActive() bool {
	return s == ProcessingStatusExtracting || s == ProcessingStatusGenerating
}

var (
	// ErrRunActive is returned when a new run is requested while another one is in flight.
	ErrRunActive = errors.New("a processing run is already active")
	// ErrRunTerminal is returned when a finished run is advanced.
	ErrRunTerminal = errors.New("processing run already finished")
	// ErrInvalidTransition is returned for transitions the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid processing transition")
)

// ProcessingState is the coarse progress record embedded on a proposal.
type ProcessingState struct {
	Status      ProcessingStatus
	Stage       *ProcessingStage
	Progress    int
	Message     *string
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// IdleState returns the state of a proposal that never ran.
func IdleState() ProcessingState {
	return ProcessingState{Status: ProcessingStatusIdle}
}

// CanStartRun reports whether a new run may start from the current state.
func (p ProcessingState) CanStartRun() bool {
	return p.Status == ProcessingStatusIdle || p.Status.IsTerminal()
}

// Begin starts a new run. The previous run's stage, message, error and
// timestamps are discarded; the run enters an active status directly.
func (p *ProcessingState) Begin(status ProcessingStatus, stage ProcessingStage, progress int, message string, now time.Time) error {
	if !p.CanStartRun() {
		return ErrRunActive
	}
	if !status.IsActive() {
		return fmt.Errorf("%w: cannot begin in status %q", ErrInvalidTransition, status)
	}
	st := stage
	p.Status = status
	p.Stage = &st
	p.Progress = clampProgress(progress)
	p.Message = optional(message)
	p.Error = nil
	started := now
	p.StartedAt = &started
	p.CompletedAt = nil
	return nil
}

// Advance moves an active run to the next checkpoint. Progress never regresses.
func (p *ProcessingState) Advance(status ProcessingStatus, stage ProcessingStage, progress int, message string) error {
	if p.Status.IsTerminal() {
		return ErrRunTerminal
	}
	if !p.Status.IsActive() || !status.IsActive() {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, p.Status, status)
	}
	st := stage
	p.Status = status
	p.Stage = &st
	if progress = clampProgress(progress); progress > p.Progress {
		p.Progress = progress
	}
	if message != "" {
		p.Message = optional(message)
	}
	return nil
}

// Complete ends the run successfully.
func (p *ProcessingState) Complete(message string, now time.Time) error {
	if !p.Status.IsActive() {
		return fmt.Errorf("%w: complete from %q", ErrInvalidTransition, p.Status)
	}
	st := StageFinalizing
	p.Status = ProcessingStatusCompleted
	p.Stage = &st
	p.Progress = 100
	if message != "" {
		p.Message = optional(message)
	}
	p.Error = nil
	done := now
	p.CompletedAt = &done
	return nil
}

// Fail ends the run with a human-readable error. Progress is left where the run stopped.
func (p *ProcessingState) Fail(reason string, now time.Time) error {
	if !p.Status.IsActive() {
		return fmt.Errorf("%w: fail from %q", ErrInvalidTransition, p.Status)
	}
	if reason == "" {
		reason = "processing failed"
	}
	p.Status = ProcessingStatusError
	p.Error = &reason
	done := now
	p.CompletedAt = &done
	return nil
}

// Validate checks the invariants that must hold for any persisted state.
func (p ProcessingState) Validate() error {
	if _, ok := knownStatuses[p.Status]; !ok {
		return fmt.Errorf("unknown processing status %q", p.Status)
	}
	if p.Stage != nil {
		if _, ok := knownStages[*p.Stage]; !ok {
			return fmt.Errorf("unknown processing stage %q", *p.Stage)
		}
	}
	if p.Progress < 0 || p.Progress > 100 {
		return fmt.Errorf("processing progress %d out of range", p.Progress)
	}
	if p.Status == ProcessingStatusIdle && (p.Stage != nil || p.Progress != 0) {
		return errors.New("idle state must have no stage and zero progress")
	}
	if p.Status.IsTerminal() != (p.CompletedAt != nil) {
		return errors.New("completedAt must be set exactly when the status is terminal")
	}
	if (p.Status == ProcessingStatusError) != (p.Error != nil) {
		return errors.New("processing error must be set exactly when the status is error")
	}
	return nil
}

func clampProgress(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
