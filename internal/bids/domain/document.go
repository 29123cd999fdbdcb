package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// DocumentStatus is the lifecycle status of a single generated bid document.
type DocumentStatus string

const (
	DocumentStatusGenerating DocumentStatus = "generating"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusError      DocumentStatus = "error"
)

// EnvelopeStatus tracks one of the two primary proposal halves.
type EnvelopeStatus string

const (
	EnvelopeStatusDraft      EnvelopeStatus = "draft"
	EnvelopeStatusGenerating EnvelopeStatus = "generating"
	EnvelopeStatusCompleted  EnvelopeStatus = "completed"
)

// Envelope identifies a primary proposal half.
type Envelope int

const (
	// EnvelopeTechnical is the technical proposal.
	EnvelopeTechnical Envelope = 1
	// EnvelopeCost is the cost proposal; it carries pricing and budget data.
	EnvelopeCost Envelope = 2
)

// ParseEnvelope accepts exactly 1 or 2.
func ParseEnvelope(n int) (Envelope, error) {
	switch Envelope(n) {
	case EnvelopeTechnical, EnvelopeCost:
		return Envelope(n), nil
	default:
		return 0, fmt.Errorf("envelope must be 1 or 2, got %d", n)
	}
}

// ParseEnvelopeString parses the path form of an envelope number.
func ParseEnvelopeString(raw string) (Envelope, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("envelope must be 1 or 2, got %q", raw)
	}
	return ParseEnvelope(n)
}

// Label returns a human-readable envelope name.
func (e Envelope) Label() string {
	switch e {
	case EnvelopeTechnical:
		return "technical proposal"
	case EnvelopeCost:
		return "cost proposal"
	default:
		return "envelope " + strconv.Itoa(int(e))
	}
}
