// Package email renders and delivers outbound notification emails.
package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agency_portal_backend/platform/config"
	"agency_portal_backend/platform/logger"
)

// BidRunSummary describes a finished bid run for the notification email.
type BidRunSummary struct {
	ProposalTitle   string
	RunKind         string
	EnvelopeLabel   string
	Status          string
	Error           string
	DocumentsTotal  int
	FailedDocuments []string
	Duration        time.Duration
	ProposalURL     string
}

// Succeeded reports whether the run and all of its documents completed.
func (s BidRunSummary) Succeeded() bool {
	return s.Status == "completed" && len(s.FailedDocuments) == 0
}

type Sender interface {
	SendBidRunFinishedEmail(ctx context.Context, toEmail string, summary BidRunSummary) error
}

type NoopSender struct{}

func (NoopSender) SendBidRunFinishedEmail(ctx context.Context, toEmail string, summary BidRunSummary) error {
	return nil
}

func bidRunSubject(s BidRunSummary) string {
	title := strings.TrimSpace(s.ProposalTitle)
	if title == "" {
		title = "untitled proposal"
	}
	what := "Documents"
	if s.EnvelopeLabel != "" {
		what = s.EnvelopeLabel
	}
	switch {
	case s.Status != "completed":
		return fmt.Sprintf(subjectBidRunFailedFmt, what, title)
	case len(s.FailedDocuments) > 0:
		return fmt.Sprintf(subjectBidRunPartialFmt, what, title)
	default:
		return fmt.Sprintf(subjectBidRunReadyFmt, what, title)
	}
}

// NewSender returns the SMTP sender, or a no-op sender when email is disabled.
func NewSender(cfg config.EmailConfig, log *logger.Logger) Sender {
	if !cfg.GetEmailEnabled() {
		log.Info("email notifications disabled")
		return NoopSender{}
	}
	return NewSMTPSender(
		cfg.GetSMTPHost(),
		cfg.GetSMTPPort(),
		cfg.GetSMTPUsername(),
		cfg.GetSMTPPassword(),
		cfg.GetEmailFromAddress(),
		cfg.GetEmailFromName(),
	)
}
