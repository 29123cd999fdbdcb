// Package handler exposes bid proposal processing over HTTP.
package handler

import (
	"context"
	"net/http"

	"agency_portal_backend/internal/bids/domain"
	"agency_portal_backend/internal/bids/repository"
	"agency_portal_backend/internal/bids/service"
	"agency_portal_backend/internal/bids/transport"
	"agency_portal_backend/platform/httpkit"
	"agency_portal_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
	msgInvalidID        = "invalid proposal id"
	formFileField       = "file"
)

// BidService is the orchestrator surface the handler needs.
type BidService interface {
	Catalog() *domain.Catalog
	CreateProposal(ctx context.Context, params repository.CreateProposalParams) (repository.Proposal, error)
	GetProposal(ctx context.Context, orgID, proposalID uuid.UUID) (repository.Proposal, error)
	UpdateContext(ctx context.Context, orgID, proposalID uuid.UUID, params repository.UpdateContextParams) (repository.Proposal, error)
	UploadSourceFile(ctx context.Context, orgID, proposalID uuid.UUID, params service.UploadParams) (repository.SourceFile, error)
	ListSourceFiles(ctx context.Context, orgID, proposalID uuid.UUID) ([]repository.SourceFile, error)
	GenerateDocuments(ctx context.Context, orgID, proposalID uuid.UUID, documentTypes []string) ([]repository.Document, *service.RunHandle, error)
	ListDocuments(ctx context.Context, orgID, proposalID uuid.UUID) ([]repository.Document, error)
	StartEnvelope(ctx context.Context, orgID, proposalID uuid.UUID, envelope int, customInstructions, priorContext string) (*service.RunHandle, error)
	GetStatus(ctx context.Context, orgID, proposalID uuid.UUID) (service.StatusView, error)
}

// Handler handles HTTP requests for bid proposals
type Handler struct {
	svc             BidService
	val             *validator.Validator
	generationLimit gin.HandlerFunc
}

// New creates a new bids handler
func New(svc BidService, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// SetGenerationLimiter installs middleware applied to the routes that start runs.
func (h *Handler) SetGenerationLimiter(mw gin.HandlerFunc) {
	h.generationLimit = mw
}

// RegisterRoutes registers the bid routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	generate := []gin.HandlerFunc{}
	if h.generationLimit != nil {
		generate = append(generate, h.generationLimit)
	}

	rg.GET("/document-types", h.ListDocumentTypes)
	rg.POST("", h.Create)
	rg.GET("/:id", h.GetByID)
	rg.PUT("/:id/context", h.UpdateContext)
	rg.POST("/:id/files", h.UploadFile)
	rg.GET("/:id/files", h.ListFiles)
	rg.POST("/:id/documents/generate", append(generate, h.GenerateDocuments)...)
	rg.GET("/:id/documents", h.ListDocuments)
	rg.POST("/:id/envelopes/:n/generate", append(generate, h.GenerateEnvelope)...)
	rg.GET("/:id/status", h.GetStatus)
}

// ListDocumentTypes handles GET /api/v1/bids/document-types
func (h *Handler) ListDocumentTypes(c *gin.Context) {
	types := h.svc.Catalog().All()
	items := make([]transport.DocumentTypeResponse, 0, len(types))
	for _, dt := range types {
		items = append(items, transport.DocumentTypeResponse{Key: dt.Key, Title: dt.Title, NeedsBudget: dt.NeedsBudget})
	}
	httpkit.OK(c, transport.ListResponse[transport.DocumentTypeResponse]{Items: items})
}

// Create handles POST /api/v1/bids
func (h *Handler) Create(c *gin.Context) {
	var req transport.CreateProposalRequest
	if !h.bindJSON(c, &req) {
		return
	}
	tenantID, ok := mustGetTenantID(c)
	if !ok {
		return
	}

	p, err := h.svc.CreateProposal(c.Request.Context(), repository.CreateProposalParams{
		OrganizationID:     tenantID,
		Title:              req.Title,
		ClientName:         req.ClientName,
		CustomInstructions: req.CustomInstructions,
		CompetitiveNotes:   req.CompetitiveNotes,
		SelectedServices:   req.SelectedServices,
	})
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.Created(c, toProposalResponse(p))
}

// GetByID handles GET /api/v1/bids/:id
func (h *Handler) GetByID(c *gin.Context) {
	tenantID, id, ok := h.scope(c)
	if !ok {
		return
	}
	p, err := h.svc.GetProposal(c.Request.Context(), tenantID, id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, toProposalResponse(p))
}

// UpdateContext handles PUT /api/v1/bids/:id/context
func (h *Handler) UpdateContext(c *gin.Context) {
	tenantID, id, ok := h.scope(c)
	if !ok {
		return
	}
	var req transport.UpdateContextRequest
	if !h.bindJSON(c, &req) {
		return
	}

	p, err := h.svc.UpdateContext(c.Request.Context(), tenantID, id, repository.UpdateContextParams{
		ClientName:         req.ClientName,
		CustomInstructions: req.CustomInstructions,
		CompetitiveNotes:   req.CompetitiveNotes,
		SelectedServices:   req.SelectedServices,
	})
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, toProposalResponse(p))
}

// UploadFile handles POST /api/v1/bids/:id/files (multipart, field "file")
func (h *Handler) UploadFile(c *gin.Context) {
	tenantID, id, ok := h.scope(c)
	if !ok {
		return
	}
	fh, err := c.FormFile(formFileField)
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "a multipart file field named \"file\" is required", nil)
		return
	}
	f, err := fh.Open()
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "unable to read uploaded file", nil)
		return
	}
	defer f.Close()

	file, err := h.svc.UploadSourceFile(c.Request.Context(), tenantID, id, service.UploadParams{
		FileName:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Reader:      f,
	})
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.Created(c, toSourceFileResponse(file))
}

// ListFiles handles GET /api/v1/bids/:id/files
func (h *Handler) ListFiles(c *gin.Context) {
	tenantID, id, ok := h.scope(c)
	if !ok {
		return
	}
	files, err := h.svc.ListSourceFiles(c.Request.Context(), tenantID, id)
	if httpkit.HandleError(c, err) {
		return
	}
	items := make([]transport.SourceFileResponse, 0, len(files))
	for _, f := range files {
		items = append(items, toSourceFileResponse(f))
	}
	httpkit.OK(c, transport.ListResponse[transport.SourceFileResponse]{Items: items})
}

// GenerateDocuments handles POST /api/v1/bids/:id/documents/generate
// The records come back in generating; clients poll the status route.
func (h *Handler) GenerateDocuments(c *gin.Context) {
	tenantID, id, ok := h.scope(c)
	if !ok {
		return
	}
	var req transport.GenerateDocumentsRequest
	if !h.bindJSON(c, &req) {
		return
	}

	docs, handle, err := h.svc.GenerateDocuments(c.Request.Context(), tenantID, id, req.DocumentTypes)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.Accepted(c, transport.GenerateDocumentsAcceptedResponse{
		RunID:     handle.RunID,
		Documents: toDocumentResponses(docs),
	})
}

// ListDocuments handles GET /api/v1/bids/:id/documents
func (h *Handler) ListDocuments(c *gin.Context) {
	tenantID, id, ok := h.scope(c)
	if !ok {
		return
	}
	docs, err := h.svc.ListDocuments(c.Request.Context(), tenantID, id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.ListResponse[transport.DocumentResponse]{Items: toDocumentResponses(docs)})
}

// GenerateEnvelope handles POST /api/v1/bids/:id/envelopes/:n/generate
func (h *Handler) GenerateEnvelope(c *gin.Context) {
	tenantID, id, ok := h.scope(c)
	if !ok {
		return
	}
	n, err := domain.ParseEnvelopeString(c.Param("n"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	var req transport.GenerateEnvelopeRequest
	if c.Request.ContentLength != 0 && !h.bindJSON(c, &req) {
		return
	}

	handle, err := h.svc.StartEnvelope(c.Request.Context(), tenantID, id, int(n), req.CustomInstructions, req.PriorContext)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.Accepted(c, transport.GenerateEnvelopeAcceptedResponse{
		RunID:    handle.RunID,
		Envelope: int(n),
		Status:   string(domain.EnvelopeStatusGenerating),
	})
}

// GetStatus handles GET /api/v1/bids/:id/status
func (h *Handler) GetStatus(c *gin.Context) {
	tenantID, id, ok := h.scope(c)
	if !ok {
		return
	}
	view, err := h.svc.GetStatus(c.Request.Context(), tenantID, id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, toStatusResponse(view))
}

func (h *Handler) bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return false
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, validator.FieldErrors(err))
		return false
	}
	return true
}

// scope resolves the caller's tenant and the proposal id from the path.
func (h *Handler) scope(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	tenantID, ok := mustGetTenantID(c)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidID, nil)
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, id, true
}

func mustGetTenantID(c *gin.Context) (uuid.UUID, bool) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return uuid.Nil, false
	}
	tenantID := identity.TenantID()
	if tenantID == uuid.Nil {
		httpkit.Error(c, http.StatusBadRequest, "tenant ID is required", nil)
		return uuid.Nil, false
	}
	return tenantID, true
}
