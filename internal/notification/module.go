// Package notification provides event handlers for sending notifications
// (emails and live event streams) in response to domain events.
// Domain modules publish events and never talk to SMTP or SSE directly.
package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agency_portal_backend/internal/bids/domain"
	"agency_portal_backend/internal/email"
	"agency_portal_backend/internal/events"
	apphttp "agency_portal_backend/internal/http"
	"agency_portal_backend/internal/notification/sse"
	"agency_portal_backend/platform/config"
	"agency_portal_backend/platform/logger"
)

const emailSendTimeout = 30 * time.Second

// Module handles all notification-related event subscriptions.
type Module struct {
	sender   email.Sender
	cfg      config.NotificationConfig
	notifyTo string
	sse      *sse.Service
	log      *logger.Logger
}

// New creates the module. An empty notifyTo disables run emails.
func New(sender email.Sender, cfg config.NotificationConfig, notifyTo string, log *logger.Logger) *Module {
	if sender == nil {
		sender = email.NoopSender{}
	}
	return &Module{
		sender:   sender,
		cfg:      cfg,
		notifyTo: strings.TrimSpace(notifyTo),
		sse:      sse.New(log),
		log:      log,
	}
}

// SSE exposes the live event stream service.
func (m *Module) SSE() *sse.Service {
	return m.sse
}

func (m *Module) Name() string {
	return "notifications"
}

// RegisterRoutes mounts the live event stream.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Protected.GET("/notifications/stream", m.sse.Handler())
}

// RegisterHandlers subscribes the module to the bid events it reacts to.
func (m *Module) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.BidProgressUpdated{}.EventName(), m)
	bus.Subscribe(events.BidRunFinished{}.EventName(), m)
	bus.Subscribe(events.BidRunsReaped{}.EventName(), events.On(m.handleRunsReaped))

	m.log.Info("notification module registered event handlers")
}

// Handle routes events to the appropriate handler method.
func (m *Module) Handle(ctx context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.BidProgressUpdated:
		return m.handleBidProgress(e)
	case events.BidRunFinished:
		return m.handleBidRunFinished(ctx, e)
	case events.BidRunsReaped:
		return m.handleRunsReaped(ctx, e)
	default:
		m.log.Warn("unhandled event type", "event", event.EventName())
		return nil
	}
}

func (m *Module) handleRunsReaped(_ context.Context, e events.BidRunsReaped) error {
	m.log.Warn("interrupted bid runs closed", "proposals", e.Proposals, "documents", e.Documents)
	return nil
}

func (m *Module) handleBidProgress(e events.BidProgressUpdated) error {
	m.sse.PublishToOrganization(e.OrganizationID, sse.Event{
		Type:       sse.EventBidProgress,
		ProposalID: e.ProposalID,
		Message:    e.Message,
		Data: map[string]any{
			"runId":    e.RunID,
			"status":   e.Status,
			"stage":    e.Stage,
			"progress": e.Progress,
		},
	})
	return nil
}

func (m *Module) handleBidRunFinished(ctx context.Context, e events.BidRunFinished) error {
	m.sse.PublishToOrganization(e.OrganizationID, sse.Event{
		Type:       sse.EventBidRunFinished,
		ProposalID: e.ProposalID,
		Message:    e.Error,
		Data: map[string]any{
			"runId":           e.RunID,
			"kind":            e.Kind,
			"envelope":        e.Envelope,
			"status":          e.Status,
			"documentsTotal":  e.DocumentsTotal,
			"documentsFailed": e.DocumentsFailed,
			"failedDocuments": e.FailedDocuments,
		},
	})

	if m.notifyTo == "" {
		m.log.Debug("bid run email skipped, no recipient configured", "proposalId", e.ProposalID)
		return nil
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emailSendTimeout)
	defer cancel()

	if err := m.sender.SendBidRunFinishedEmail(sendCtx, m.notifyTo, m.bidRunSummary(e)); err != nil {
		m.log.Error("failed to send bid run email", "error", err, "proposalId", e.ProposalID, "runId", e.RunID)
		return err
	}
	m.log.Info("bid run email sent", "proposalId", e.ProposalID, "runId", e.RunID)
	return nil
}

func (m *Module) bidRunSummary(e events.BidRunFinished) email.BidRunSummary {
	summary := email.BidRunSummary{
		ProposalTitle:   e.ProposalTitle,
		RunKind:         e.Kind,
		Status:          e.Status,
		Error:           e.Error,
		DocumentsTotal:  e.DocumentsTotal,
		FailedDocuments: e.FailedDocuments,
		Duration:        time.Duration(e.DurationSeconds * float64(time.Second)),
		ProposalURL:     m.proposalURL(e),
	}
	if e.Kind == events.RunKindEnvelope {
		if env, err := domain.ParseEnvelope(e.Envelope); err == nil {
			label := env.Label()
			summary.EnvelopeLabel = strings.ToUpper(label[:1]) + label[1:]
		}
	}
	return summary
}

func (m *Module) proposalURL(e events.BidRunFinished) string {
	if m.cfg == nil {
		return ""
	}
	base := strings.TrimRight(m.cfg.GetAppBaseURL(), "/")
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s/bids/%s", base, e.ProposalID)
}

var _ apphttp.Module = (*Module)(nil)
