// Package bids provides the bid proposal processing module.
package bids

import (
	"context"

	"agency_portal_backend/internal/adapters/storage"
	"agency_portal_backend/internal/bids/agent"
	"agency_portal_backend/internal/bids/domain"
	"agency_portal_backend/internal/bids/extraction"
	"agency_portal_backend/internal/bids/handler"
	"agency_portal_backend/internal/bids/repository"
	"agency_portal_backend/internal/bids/service"
	"agency_portal_backend/internal/events"
	apphttp "agency_portal_backend/internal/http"
	"agency_portal_backend/platform/config"
	"agency_portal_backend/platform/logger"
	"agency_portal_backend/platform/validator"
)

// Deps are the collaborators the module is built from.
type Deps struct {
	DB        repository.DBTX
	Extractor service.Extractor
	Generator agent.Generator
	Files     service.FileStore
	EventBus  events.Bus
	Validator *validator.Validator
	Logger    *logger.Logger
	Options   service.Options
}

// NewExtractor builds the source-file extraction service on top of the
// stored files.
func NewExtractor(cfg config.PipelineConfig, store *storage.MinIOStore, log *logger.Logger) service.Extractor {
	return extraction.NewService(store, nil, log,
		extraction.WithTimeout(cfg.GetExtractionTimeout()),
		extraction.WithConcurrency(cfg.GetExtractionConcurrency()),
	)
}

// NewGenerator returns nil when no model is configured; runs then fail with
// a clear message instead of the process refusing to start.
func NewGenerator(ctx context.Context, cfg config.AIConfig, log *logger.Logger) agent.Generator {
	writer, err := agent.NewFromConfig(ctx, cfg, log)
	if err != nil {
		log.Warn("document generation disabled", "provider", cfg.GetAIProvider(), "error", err)
		return nil
	}
	return writer
}

// Module represents the bids domain module
type Module struct {
	handler    *handler.Handler
	service    *service.Service
	repository *repository.Repository
}

// NewModule creates a new bids module with all dependencies wired
func NewModule(deps Deps) *Module {
	repo := repository.New(deps.DB)
	svc := service.New(repo, domain.DefaultCatalog(), deps.Extractor, deps.Generator, deps.Logger, deps.Options)
	if deps.Files != nil {
		svc.SetFileStore(deps.Files)
	}
	if deps.EventBus != nil {
		svc.SetEventBus(deps.EventBus)
	}
	return &Module{
		handler:    handler.New(svc, deps.Validator),
		service:    svc,
		repository: repo,
	}
}

// Name returns the module name for logging
func (m *Module) Name() string {
	return "bids"
}

// Service returns the service layer for external use
func (m *Module) Service() *service.Service {
	return m.service
}

// Repository exposes the store for the stale-run reaper.
func (m *Module) Repository() *repository.Repository {
	return m.repository
}

// SetDispatcher routes runs to a queue instead of in-process goroutines.
func (m *Module) SetDispatcher(d service.Dispatcher) {
	m.service.SetDispatcher(d)
}

// Drain waits for in-process runs until ctx is done.
func (m *Module) Drain(ctx context.Context) error {
	return m.service.Drain(ctx)
}

// RegisterRoutes registers the module's routes
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	if ctx.GenerationLimiter != nil {
		m.handler.SetGenerationLimiter(ctx.GenerationLimiter.RateLimit())
	}
	m.handler.RegisterRoutes(ctx.Protected.Group("/bids"))
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
