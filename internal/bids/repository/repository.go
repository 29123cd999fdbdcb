package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agency_portal_backend/internal/bids/domain"
	"agency_portal_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgx shared by *pgxpool.Pool, pgx.Tx and pgxmock.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	proposalNotFoundMsg = "bid proposal not found"
	runActiveMsg        = "a processing run is already active for this proposal"
)

// ErrRunSuperseded is returned when a run tries to write progress for a
// proposal whose state no longer belongs to it (a newer run started, or the
// stale-run reaper already closed it).
var ErrRunSuperseded = errors.New("processing run superseded")

// Repository provides database operations for bid proposals, their
// generated documents and uploaded source files.
type Repository struct {
	db DBTX
}

// New creates a new bids repository.
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

const proposalColumns = `
	id, organization_id, title, client_name, client_type,
	custom_instructions, competitive_notes, selected_services,
	processing_status, processing_stage, processing_progress,
	processing_message, processing_error, processing_started_at, processing_completed_at,
	envelope1_status, envelope1_content, envelope1_generated_at,
	envelope2_status, envelope2_content, envelope2_generated_at,
	proposed_price, price_source, pricing_notes,
	adopted_budget_data, adopted_budget_updated_at,
	created_at, updated_at`

const documentColumns = `
	id, proposal_id, document_type, title, status,
	content, error_message, generated_at, created_at, updated_at`

const sourceFileColumns = `
	id, proposal_id, file_name, mime_type, size_bytes, storage_key, created_at`

// ── Proposals ─────────────────────────────────────────────────────────────────

// CreateProposal inserts a new proposal in the idle state.
func (r *Repository) CreateProposal(ctx context.Context, params CreateProposalParams) (Proposal, error) {
	services := params.SelectedServices
	if services == nil {
		services = []string{}
	}
	query := `
		INSERT INTO bid_proposals (
			organization_id, title, client_name, custom_instructions, competitive_notes, selected_services
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING` + proposalColumns

	p, err := scanProposal(r.db.QueryRow(ctx, query,
		params.OrganizationID, params.Title, params.ClientName,
		params.CustomInstructions, params.CompetitiveNotes, services,
	))
	if err != nil {
		return Proposal{}, fmt.Errorf("failed to create bid proposal: %w", err)
	}
	return p, nil
}

// GetProposal loads a proposal scoped to an organization.
func (r *Repository) GetProposal(ctx context.Context, id, orgID uuid.UUID) (Proposal, error) {
	query := `SELECT` + proposalColumns + `
		FROM bid_proposals WHERE id = $1 AND organization_id = $2`

	p, err := scanProposal(r.db.QueryRow(ctx, query, id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Proposal{}, apperr.NotFound(proposalNotFoundMsg)
	}
	if err != nil {
		return Proposal{}, fmt.Errorf("failed to get bid proposal: %w", err)
	}
	return p, nil
}

// GetProposalByID loads a proposal without tenant scoping. Only used by
// background workers that received the id from a trusted task payload.
func (r *Repository) GetProposalByID(ctx context.Context, id uuid.UUID) (Proposal, error) {
	query := `SELECT` + proposalColumns + `
		FROM bid_proposals WHERE id = $1`

	p, err := scanProposal(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Proposal{}, apperr.NotFound(proposalNotFoundMsg)
	}
	if err != nil {
		return Proposal{}, fmt.Errorf("failed to get bid proposal: %w", err)
	}
	return p, nil
}

// UpdateProposalContext replaces the user-supplied generation context.
func (r *Repository) UpdateProposalContext(ctx context.Context, id, orgID uuid.UUID, params UpdateContextParams) (Proposal, error) {
	services := params.SelectedServices
	if services == nil {
		services = []string{}
	}
	query := `
		UPDATE bid_proposals SET
			client_name = $3,
			custom_instructions = $4,
			competitive_notes = $5,
			selected_services = $6,
			updated_at = now()
		WHERE id = $1 AND organization_id = $2
		RETURNING` + proposalColumns

	p, err := scanProposal(r.db.QueryRow(ctx, query,
		id, orgID, params.ClientName, params.CustomInstructions, params.CompetitiveNotes, services,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Proposal{}, apperr.NotFound(proposalNotFoundMsg)
	}
	if err != nil {
		return Proposal{}, fmt.Errorf("failed to update bid proposal context: %w", err)
	}
	return p, nil
}

// ── Processing state ──────────────────────────────────────────────────────────

const updateStateSQL = `
	UPDATE bid_proposals SET
		processing_status = $2,
		processing_stage = $3,
		processing_progress = $4,
		processing_message = $5,
		processing_error = $6,
		processing_started_at = $7,
		processing_completed_at = $8,
		updated_at = now()
	WHERE id = $1`

// TryBeginProcessing writes the initial state of a new run, but only if no
// other run is active. It is the optimistic run guard: two concurrent
// requests race on this single conditional UPDATE and exactly one wins.
func (r *Repository) TryBeginProcessing(ctx context.Context, id uuid.UUID, state domain.ProcessingState) error {
	query := updateStateSQL + ` AND processing_status IN ('idle', 'completed', 'error')`

	tag, err := r.db.Exec(ctx, query, stateArgs(id, state)...)
	if err != nil {
		return fmt.Errorf("failed to begin bid processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict(runActiveMsg)
	}
	return nil
}

// TryBeginEnvelopeRun is TryBeginProcessing for envelope runs: the run guard
// and the envelope's move to generating happen in the same statement.
func (r *Repository) TryBeginEnvelopeRun(ctx context.Context, id uuid.UUID, n domain.Envelope, state domain.ProcessingState) error {
	col, err := envelopeColumn(n, "status")
	if err != nil {
		return err
	}
	query := `
	UPDATE bid_proposals SET
		processing_status = $2,
		processing_stage = $3,
		processing_progress = $4,
		processing_message = $5,
		processing_error = $6,
		processing_started_at = $7,
		processing_completed_at = $8,
		` + col + ` = 'generating',
		updated_at = now()
	WHERE id = $1 AND processing_status IN ('idle', 'completed', 'error')`

	tag, err := r.db.Exec(ctx, query, stateArgs(id, state)...)
	if err != nil {
		return fmt.Errorf("failed to begin envelope run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict(runActiveMsg)
	}
	return nil
}

// UpdateProcessingState writes the state of the run identified by
// state.StartedAt. Writes from a run that no longer owns the proposal return
// ErrRunSuperseded and change nothing.
func (r *Repository) UpdateProcessingState(ctx context.Context, id uuid.UUID, state domain.ProcessingState) error {
	if state.StartedAt == nil {
		return fmt.Errorf("processing state has no start time")
	}
	query := updateStateSQL + `
		AND processing_started_at = $7
		AND processing_status IN ('extracting', 'generating')`

	tag, err := r.db.Exec(ctx, query, stateArgs(id, state)...)
	if err != nil {
		return fmt.Errorf("failed to update bid processing state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunSuperseded
	}
	return nil
}

func stateArgs(id uuid.UUID, state domain.ProcessingState) []any {
	var stage *string
	if state.Stage != nil {
		s := string(*state.Stage)
		stage = &s
	}
	return []any{
		id,
		string(state.Status),
		stage,
		state.Progress,
		state.Message,
		state.Error,
		pgTime(state.StartedAt),
		pgTime(state.CompletedAt),
	}
}

// pgTime truncates to the microsecond precision Postgres stores, so a
// timestamp read back compares equal to the one written.
func pgTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(time.Microsecond)
	return &v
}

// ── Envelopes ─────────────────────────────────────────────────────────────────

func envelopeColumn(n domain.Envelope, field string) (string, error) {
	if _, err := domain.ParseEnvelope(int(n)); err != nil {
		return "", apperr.Validation(err.Error())
	}
	return fmt.Sprintf("envelope%d_%s", int(n), field), nil
}

// SetEnvelopeStatus moves an envelope slot to status.
func (r *Repository) SetEnvelopeStatus(ctx context.Context, id uuid.UUID, n domain.Envelope, status domain.EnvelopeStatus) error {
	col, err := envelopeColumn(n, "status")
	if err != nil {
		return err
	}
	query := `UPDATE bid_proposals SET ` + col + ` = $2, updated_at = now() WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to set envelope status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(proposalNotFoundMsg)
	}
	return nil
}

// SaveEnvelopeResult persists a generated envelope and marks it completed.
// The cost envelope also stores pricing and, when present, adopted budget data.
func (r *Repository) SaveEnvelopeResult(ctx context.Context, id uuid.UUID, n domain.Envelope, result EnvelopeResult) error {
	if _, err := domain.ParseEnvelope(int(n)); err != nil {
		return apperr.Validation(err.Error())
	}
	generatedAt := pgTime(&result.GeneratedAt)

	var tag pgconn.CommandTag
	var err error
	if n == domain.EnvelopeTechnical {
		query := `
			UPDATE bid_proposals SET
				envelope1_status = 'completed',
				envelope1_content = $2,
				envelope1_generated_at = $3,
				updated_at = now()
			WHERE id = $1`
		tag, err = r.db.Exec(ctx, query, id, result.Content, generatedAt)
	} else {
		pricing := result.Pricing
		if pricing == nil {
			pricing = &Pricing{}
		}
		var budget []byte
		if len(result.AdoptedBudget) > 0 {
			budget = result.AdoptedBudget
		}
		query := `
			UPDATE bid_proposals SET
				envelope2_status = 'completed',
				envelope2_content = $2,
				envelope2_generated_at = $3,
				proposed_price = $4,
				price_source = $5,
				pricing_notes = $6,
				adopted_budget_data = COALESCE($7::jsonb, adopted_budget_data),
				adopted_budget_updated_at = CASE WHEN $7::jsonb IS NULL THEN adopted_budget_updated_at ELSE $3 END,
				updated_at = now()
			WHERE id = $1`
		tag, err = r.db.Exec(ctx, query, id, result.Content, generatedAt,
			pricing.ProposedPrice, pricing.PriceSource, pricing.PricingNotes, budget)
	}
	if err != nil {
		return fmt.Errorf("failed to save envelope %d: %w", int(n), err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(proposalNotFoundMsg)
	}
	return nil
}

// SetClientType stores the detected client type.
func (r *Repository) SetClientType(ctx context.Context, id uuid.UUID, clientType domain.ClientType) error {
	query := `UPDATE bid_proposals SET client_type = $2, updated_at = now() WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, id, string(clientType)); err != nil {
		return fmt.Errorf("failed to set client type: %w", err)
	}
	return nil
}

// SaveAdoptedBudget stores budget research output as JSON.
func (r *Repository) SaveAdoptedBudget(ctx context.Context, id uuid.UUID, data []byte, at time.Time) error {
	query := `
		UPDATE bid_proposals SET
			adopted_budget_data = $2::jsonb,
			adopted_budget_updated_at = $3,
			updated_at = now()
		WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, id, data, pgTime(&at)); err != nil {
		return fmt.Errorf("failed to save adopted budget: %w", err)
	}
	return nil
}

// ── Documents ─────────────────────────────────────────────────────────────────

// UpsertDocumentByType creates the (proposal, type) record or resets the
// existing one to generating. The unique constraint on (proposal_id,
// document_type) makes concurrent upserts converge on one row.
func (r *Repository) UpsertDocumentByType(ctx context.Context, proposalID uuid.UUID, documentType, title string) (Document, error) {
	query := `
		INSERT INTO bid_documents (proposal_id, document_type, title, status)
		VALUES ($1, $2, $3, 'generating')
		ON CONFLICT (proposal_id, document_type) DO UPDATE SET
			title = EXCLUDED.title,
			status = 'generating',
			content = NULL,
			error_message = NULL,
			updated_at = now()
		RETURNING` + documentColumns

	doc, err := scanDocument(r.db.QueryRow(ctx, query, proposalID, documentType, title))
	if err != nil {
		return Document{}, fmt.Errorf("failed to upsert bid document %s: %w", documentType, err)
	}
	return doc, nil
}

// runOwnerCTE selects the proposal row while the run that began at $2 still
// owns it. FOR SHARE holds off a competing begin until the write commits.
const runOwnerCTE = `
	WITH owner AS (
		SELECT id FROM bid_proposals
		WHERE id = $1
			AND processing_started_at = $2
			AND processing_status IN ('extracting', 'generating')
		FOR SHARE
	)`

// UpdateDocumentStatus records the outcome of one document's generation for
// the run that began at runStartedAt. Completed documents keep content and
// get generatedAt; errored documents keep only the message. A run that no
// longer owns the proposal gets ErrRunSuperseded and changes nothing.
func (r *Repository) UpdateDocumentStatus(ctx context.Context, proposalID uuid.UUID, runStartedAt time.Time, documentType string, status domain.DocumentStatus, content, errorMessage *string) error {
	switch status {
	case domain.DocumentStatusCompleted:
		errorMessage = nil
	case domain.DocumentStatusError:
		content = nil
	case domain.DocumentStatusGenerating:
		content, errorMessage = nil, nil
	default:
		return apperr.Validation(fmt.Sprintf("unknown document status %q", status))
	}

	query := runOwnerCTE + `, updated AS (
		UPDATE bid_documents SET
			status = $4,
			content = $5,
			error_message = $6,
			generated_at = CASE WHEN $4 = 'completed' THEN now() ELSE generated_at END,
			updated_at = now()
		WHERE proposal_id = (SELECT id FROM owner) AND document_type = $3
		RETURNING id
	)
	SELECT EXISTS (SELECT 1 FROM owner), EXISTS (SELECT 1 FROM updated)`

	var owned, updated bool
	err := r.db.QueryRow(ctx, query, proposalID, pgTime(&runStartedAt), documentType, string(status), content, errorMessage).
		Scan(&owned, &updated)
	if err != nil {
		return fmt.Errorf("failed to update bid document %s: %w", documentType, err)
	}
	if !owned {
		return ErrRunSuperseded
	}
	if !updated {
		return apperr.NotFound("bid document not found")
	}
	return nil
}

// FailGeneratingDocuments moves every document still generating to error.
// Used when the run that began at runStartedAt aborts before it reached
// those documents.
func (r *Repository) FailGeneratingDocuments(ctx context.Context, proposalID uuid.UUID, runStartedAt time.Time, message string) (int64, error) {
	query := runOwnerCTE + `, failed AS (
		UPDATE bid_documents SET status = 'error', content = NULL, error_message = $3, updated_at = now()
		WHERE proposal_id = (SELECT id FROM owner) AND status = 'generating'
		RETURNING id
	)
	SELECT EXISTS (SELECT 1 FROM owner), (SELECT count(*) FROM failed)`

	var owned bool
	var n int64
	if err := r.db.QueryRow(ctx, query, proposalID, pgTime(&runStartedAt), message).Scan(&owned, &n); err != nil {
		return 0, fmt.Errorf("failed to fail generating documents: %w", err)
	}
	if !owned {
		return 0, ErrRunSuperseded
	}
	return n, nil
}

// ListDocumentsByProposal returns a proposal's documents in creation order.
func (r *Repository) ListDocumentsByProposal(ctx context.Context, proposalID uuid.UUID) ([]Document, error) {
	query := `SELECT` + documentColumns + `
		FROM bid_documents WHERE proposal_id = $1
		ORDER BY created_at ASC, document_type ASC`

	rows, err := r.db.Query(ctx, query, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bid documents: %w", err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bid document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bid documents: %w", err)
	}
	return docs, nil
}

// ── Source files ──────────────────────────────────────────────────────────────

// CreateSourceFile records an uploaded solicitation document.
func (r *Repository) CreateSourceFile(ctx context.Context, file SourceFile) (SourceFile, error) {
	query := `
		INSERT INTO bid_source_files (proposal_id, file_name, mime_type, size_bytes, storage_key)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING` + sourceFileColumns

	var out SourceFile
	err := r.db.QueryRow(ctx, query, file.ProposalID, file.FileName, file.MimeType, file.SizeBytes, file.StorageKey).Scan(
		&out.ID, &out.ProposalID, &out.FileName, &out.MimeType, &out.SizeBytes, &out.StorageKey, &out.CreatedAt,
	)
	if err != nil {
		return SourceFile{}, fmt.Errorf("failed to create bid source file: %w", err)
	}
	return out, nil
}

// ListSourceFiles returns a proposal's uploaded files in upload order.
func (r *Repository) ListSourceFiles(ctx context.Context, proposalID uuid.UUID) ([]SourceFile, error) {
	query := `SELECT` + sourceFileColumns + `
		FROM bid_source_files WHERE proposal_id = $1 ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bid source files: %w", err)
	}
	defer rows.Close()

	files := make([]SourceFile, 0)
	for rows.Next() {
		var f SourceFile
		if err := rows.Scan(&f.ID, &f.ProposalID, &f.FileName, &f.MimeType, &f.SizeBytes, &f.StorageKey, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bid source file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bid source files: %w", err)
	}
	return files, nil
}

// ── Stale runs ────────────────────────────────────────────────────────────────

// MarkStaleRuns closes active runs whose last checkpoint was written before
// `before`. Every checkpoint bumps updated_at, so a long run that keeps
// advancing is never taken for a dead one. The proposal goes to error, envelopes left generating go back to draft and
// documents left generating go to error, all in one statement.
func (r *Repository) MarkStaleRuns(ctx context.Context, before time.Time, message string) (StaleRunResult, error) {
	query := `
		WITH stale AS (
			UPDATE bid_proposals SET
				processing_status = 'error',
				processing_error = $2,
				processing_completed_at = now(),
				envelope1_status = CASE WHEN envelope1_status = 'generating' THEN 'draft' ELSE envelope1_status END,
				envelope2_status = CASE WHEN envelope2_status = 'generating' THEN 'draft' ELSE envelope2_status END,
				updated_at = now()
			WHERE processing_status IN ('extracting', 'generating')
				AND updated_at < $1
			RETURNING id
		), docs AS (
			UPDATE bid_documents SET
				status = 'error',
				error_message = $2,
				updated_at = now()
			WHERE status = 'generating' AND proposal_id IN (SELECT id FROM stale)
			RETURNING id
		)
		SELECT (SELECT count(*) FROM stale), (SELECT count(*) FROM docs)`

	var proposals, documents int64
	if err := r.db.QueryRow(ctx, query, pgTime(&before), message).Scan(&proposals, &documents); err != nil {
		return StaleRunResult{}, fmt.Errorf("failed to mark stale bid runs: %w", err)
	}
	return StaleRunResult{Proposals: int(proposals), Documents: int(documents)}, nil
}

// ── Scanning ──────────────────────────────────────────────────────────────────

func scanProposal(row pgx.Row) (Proposal, error) {
	var (
		p           Proposal
		clientType  *string
		status      string
		stage       *string
		env1Status  string
		env2Status  string
		budgetBytes []byte
	)
	err := row.Scan(
		&p.ID, &p.OrganizationID, &p.Title, &p.ClientName, &clientType,
		&p.CustomInstructions, &p.CompetitiveNotes, &p.SelectedServices,
		&status, &stage, &p.Processing.Progress,
		&p.Processing.Message, &p.Processing.Error, &p.Processing.StartedAt, &p.Processing.CompletedAt,
		&env1Status, &p.Envelope1.Content, &p.Envelope1.GeneratedAt,
		&env2Status, &p.Envelope2.Content, &p.Envelope2.GeneratedAt,
		&p.ProposedPrice, &p.PriceSource, &p.PricingNotes,
		&budgetBytes, &p.AdoptedBudgetUpdatedAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return Proposal{}, err
	}

	if !domain.IsKnownProcessingStatus(status) {
		return Proposal{}, fmt.Errorf("unknown processing status %q", status)
	}
	p.Processing.Status = domain.ProcessingStatus(status)
	if stage != nil {
		if !domain.IsKnownProcessingStage(*stage) {
			return Proposal{}, fmt.Errorf("unknown processing stage %q", *stage)
		}
		st := domain.ProcessingStage(*stage)
		p.Processing.Stage = &st
	}
	if clientType != nil {
		ct := domain.ClientType(*clientType)
		p.ClientType = &ct
	}
	p.Envelope1.Status = domain.EnvelopeStatus(env1Status)
	p.Envelope2.Status = domain.EnvelopeStatus(env2Status)
	if len(budgetBytes) > 0 {
		p.AdoptedBudgetData = budgetBytes
	}
	if p.SelectedServices == nil {
		p.SelectedServices = []string{}
	}
	return p, nil
}

func scanDocument(row pgx.Row) (Document, error) {
	var (
		d      Document
		status string
	)
	err := row.Scan(
		&d.ID, &d.ProposalID, &d.DocumentType, &d.Title, &status,
		&d.Content, &d.ErrorMessage, &d.GeneratedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	d.Status = domain.DocumentStatus(status)
	return d, nil
}
