package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"agency_portal_backend/internal/bids/domain"
	"agency_portal_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func assertExpectations(t *testing.T, mock pgxmock.PgxPoolIface) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func activeState(now time.Time) domain.ProcessingState {
	state := domain.IdleState()
	_ = state.Begin(domain.ProcessingStatusExtracting, domain.StageUploadingFiles, 10, "Preparing documents", now)
	return state
}

var proposalColumnNames = []string{
	"id", "organization_id", "title", "client_name", "client_type",
	"custom_instructions", "competitive_notes", "selected_services",
	"processing_status", "processing_stage", "processing_progress",
	"processing_message", "processing_error", "processing_started_at", "processing_completed_at",
	"envelope1_status", "envelope1_content", "envelope1_generated_at",
	"envelope2_status", "envelope2_content", "envelope2_generated_at",
	"proposed_price", "price_source", "pricing_notes",
	"adopted_budget_data", "adopted_budget_updated_at",
	"created_at", "updated_at",
}

func ptr[T any](v T) *T { return &v }

func TestGetProposalScansRow(t *testing.T) {
	mock := newMock(t)
	repo := New(mock)

	id, orgID := uuid.New(), uuid.New()
	now := time.Now().UTC()

	rows := pgxmock.NewRows(proposalColumnNames).AddRow(
		id, orgID, "City RFP 24-17", "City of Springfield", ptr("public"),
		nil, ptr("Incumbent is Acme"), []string{"seo", "paid-social"},
		"completed", ptr("finalizing"), 100,
		ptr("done"), nil, ptr(now), ptr(now),
		"completed", ptr("technical body"), ptr(now),
		"draft", nil, nil,
		ptr(4200.0), ptr("rfp"), nil,
		[]byte(`{"ceiling":5000}`), ptr(now),
		now, now,
	)
	mock.ExpectQuery(`SELECT .* FROM bid_proposals WHERE id = \$1 AND organization_id = \$2`).
		WithArgs(id, orgID).
		WillReturnRows(rows)

	p, err := repo.GetProposal(context.Background(), id, orgID)
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}
	if p.Processing.Status != domain.ProcessingStatusCompleted || p.Processing.Progress != 100 {
		t.Fatalf("unexpected processing state %+v", p.Processing)
	}
	if p.Processing.Stage == nil || *p.Processing.Stage != domain.StageFinalizing {
		t.Fatalf("unexpected stage %v", p.Processing.Stage)
	}
	if p.ClientType == nil || *p.ClientType != domain.ClientTypePublic {
		t.Fatalf("unexpected client type %v", p.ClientType)
	}
	if p.Envelope(domain.EnvelopeTechnical).Status != domain.EnvelopeStatusCompleted {
		t.Fatalf("envelope 1 should be completed")
	}
	if p.Envelope(domain.EnvelopeCost).Content != nil {
		t.Fatalf("envelope 2 content should be empty")
	}
	if p.ProposedPrice == nil || *p.ProposedPrice != 4200 {
		t.Fatalf("unexpected price %v", p.ProposedPrice)
	}
	if !p.HasAdoptedBudget() {
		t.Fatalf("expected adopted budget data")
	}
	assertExpectations(t, mock)
}

func TestGetProposalNotFound(t *testing.T) {
	mock := newMock(t)
	repo := New(mock)

	mock.ExpectQuery(`FROM bid_proposals WHERE id = \$1 AND organization_id = \$2`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetProposal(context.Background(), uuid.New(), uuid.New())
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	assertExpectations(t, mock)
}

func TestTryBeginProcessing(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		wantKind apperr.Kind
	}{
		{"idle proposal starts", 1, apperr.KindUnknown},
		{"active run conflicts", 0, apperr.KindConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mock := newMock(t)
			repo := New(mock)

			mock.ExpectExec(`UPDATE bid_proposals SET .* WHERE id = \$1 AND processing_status IN \('idle', 'completed', 'error'\)`).
				WithArgs(anyArgs(8)...).
				WillReturnResult(pgxmock.NewResult("UPDATE", tc.affected))

			err := repo.TryBeginProcessing(context.Background(), uuid.New(), activeState(time.Now()))
			if tc.wantKind == apperr.KindUnknown && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantKind != apperr.KindUnknown && !apperr.Is(err, tc.wantKind) {
				t.Fatalf("expected %s, got %v", tc.wantKind, err)
			}
			assertExpectations(t, mock)
		})
	}
}

func TestTryBeginEnvelopeRunMarksEnvelope(t *testing.T) {
	mock := newMock(t)
	repo := New(mock)

	state := domain.IdleState()
	_ = state.Begin(domain.ProcessingStatusGenerating, domain.StageGeneratingProposal, 50, "", time.Now())

	mock.ExpectExec(`envelope2_status = 'generating'`).
		WithArgs(anyArgs(8)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := repo.TryBeginEnvelopeRun(context.Background(), uuid.New(), domain.EnvelopeCost, state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertExpectations(t, mock)
}

func TestTryBeginEnvelopeRunRejectsInvalidEnvelope(t *testing.T) {
	mock := newMock(t)
	repo := New(mock)

	err := repo.TryBeginEnvelopeRun(context.Background(), uuid.New(), domain.Envelope(3), activeState(time.Now()))
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected Validation, got %v", err)
	}
	assertExpectations(t, mock)
}

func TestGetProposalRejectsUnknownProcessingValues(t *testing.T) {
	tests := []struct {
		name   string
		status string
		stage  *string
	}{
		{"unknown status", "paused", ptr("finalizing")},
		{"unknown stage", "generating", ptr("thinking")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mock := newMock(t)
			repo := New(mock)

			id, orgID := uuid.New(), uuid.New()
			now := time.Now().UTC()
			rows := pgxmock.NewRows(proposalColumnNames).AddRow(
				id, orgID, "City RFP 24-17", "City of Springfield", nil,
				nil, nil, []string{},
				tc.status, tc.stage, 50,
				nil, nil, ptr(now), nil,
				"draft", nil, nil,
				"draft", nil, nil,
				nil, nil, nil,
				nil, nil,
				now, now,
			)
			mock.ExpectQuery(`SELECT .* FROM bid_proposals WHERE id = \$1 AND organization_id = \$2`).
				WithArgs(id, orgID).
				WillReturnRows(rows)

			if _, err := repo.GetProposal(context.Background(), id, orgID); err == nil {
				t.Fatal("expected an unknown processing value to be rejected")
			}
			assertExpectations(t, mock)
		})
	}
}

func TestUpdateProcessingStateSuperseded(t *testing.T) {
	mock := newMock(t)
	repo := New(mock)

	state := activeState(time.Now())
	started := state.StartedAt.UTC().Truncate(time.Microsecond)

	mock.ExpectExec(`AND processing_started_at = \$7`).
		WithArgs(pgxmock.AnyArg(), "extracting", pgxmock.AnyArg(), 10, pgxmock.AnyArg(), pgxmock.AnyArg(), &started, (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.UpdateProcessingState(context.Background(), uuid.New(), state)
	if !errors.Is(err, ErrRunSuperseded) {
		t.Fatalf("expected ErrRunSuperseded, got %v", err)
	}
	assertExpectations(t, mock)
}

func TestUpsertDocumentByTypeResetsExistingRecord(t *testing.T) {
	mock := newMock(t)
	repo := New(mock)

	proposalID, docID := uuid.New(), uuid.New()
	now := time.Now()

	mock.ExpectQuery(`ON CONFLICT \(proposal_id, document_type\) DO UPDATE SET`).
		WithArgs(proposalID, "cost-summary", "Cost Summary").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "proposal_id", "document_type", "title", "status",
			"content", "error_message", "generated_at", "created_at", "updated_at",
		}).AddRow(docID, proposalID, "cost-summary", "Cost Summary", "generating", nil, nil, ptr(now), now, now))

	doc, err := repo.UpsertDocumentByType(context.Background(), proposalID, "cost-summary", "Cost Summary")
	if err != nil {
		t.Fatalf("UpsertDocumentByType: %v", err)
	}
	if doc.ID != docID || doc.Status != domain.DocumentStatusGenerating || doc.ErrorMessage != nil {
		t.Fatalf("unexpected document %+v", doc)
	}
	assertExpectations(t, mock)
}

func TestUpdateDocumentStatusDropsContentOnError(t *testing.T) {
	mock := newMock(t)
	repo := New(mock)

	proposalID := uuid.New()
	started := time.Now()
	want := started.UTC().Truncate(time.Microsecond)
	msg := "rate limited"
	stray := "partial"

	mock.ExpectQuery(`WITH owner AS \(`).
		WithArgs(proposalID, &want, "cost-summary", "error", (*string)(nil), &msg).
		WillReturnRows(pgxmock.NewRows([]string{"owned", "updated"}).AddRow(true, true))

	if err := repo.UpdateDocumentStatus(context.Background(), proposalID, started, "cost-summary", domain.DocumentStatusError, &stray, &msg); err != nil {
		t.Fatalf("UpdateDocumentStatus: %v", err)
	}
	assertExpectations(t, mock)
}

func TestUpdateDocumentStatusOwnership(t *testing.T) {
	tests := []struct {
		name    string
		owned   bool
		updated bool
		check   func(error) bool
	}{
		{"owner writes", true, true, func(err error) bool { return err == nil }},
		{"superseded run", false, false, func(err error) bool { return errors.Is(err, ErrRunSuperseded) }},
		{"missing record", true, false, func(err error) bool { return apperr.Is(err, apperr.KindNotFound) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mock := newMock(t)
			repo := New(mock)

			content := "body"
			mock.ExpectQuery(`processing_started_at = \$2(.|\n)*FOR SHARE(.|\n)*WHERE proposal_id = \(SELECT id FROM owner\)`).
				WithArgs(anyArgs(6)...).
				WillReturnRows(pgxmock.NewRows([]string{"owned", "updated"}).AddRow(tc.owned, tc.updated))

			err := repo.UpdateDocumentStatus(context.Background(), uuid.New(), time.Now(), "team-bios", domain.DocumentStatusCompleted, &content, nil)
			if !tc.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
			assertExpectations(t, mock)
		})
	}
}

func TestFailGeneratingDocumentsOwnership(t *testing.T) {
	tests := []struct {
		name  string
		owned bool
		count int64
		want  int64
		err   error
	}{
		{name: "owner fails its documents", owned: true, count: 3, want: 3},
		{name: "superseded run", owned: false, err: ErrRunSuperseded},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mock := newMock(t)
			repo := New(mock)

			mock.ExpectQuery(`WITH owner AS \((.|\n)*status = 'generating'`).
				WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "processing interrupted").
				WillReturnRows(pgxmock.NewRows([]string{"owned", "failed"}).AddRow(tc.owned, tc.count))

			n, err := repo.FailGeneratingDocuments(context.Background(), uuid.New(), time.Now(), "processing interrupted")
			if !errors.Is(err, tc.err) {
				t.Fatalf("error = %v, want %v", err, tc.err)
			}
			if n != tc.want {
				t.Fatalf("failed %d documents, want %d", n, tc.want)
			}
			assertExpectations(t, mock)
		})
	}
}

func TestSaveEnvelopeResultCostEnvelope(t *testing.T) {
	mock := newMock(t)
	repo := New(mock)

	id := uuid.New()
	price := 4200.0
	source := "rfp"
	budget := []byte(`{"ceiling":5000}`)

	mock.ExpectExec(`envelope2_status = 'completed'`).
		WithArgs(id, "cost body", pgxmock.AnyArg(), &price, &source, (*string)(nil), budget).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := repo.SaveEnvelopeResult(context.Background(), id, domain.EnvelopeCost, EnvelopeResult{
		Content:       "cost body",
		GeneratedAt:   time.Now(),
		Pricing:       &Pricing{ProposedPrice: &price, PriceSource: &source},
		AdoptedBudget: budget,
	})
	if err != nil {
		t.Fatalf("SaveEnvelopeResult: %v", err)
	}
	assertExpectations(t, mock)
}

func TestSaveEnvelopeResultTechnicalEnvelope(t *testing.T) {
	mock := newMock(t)
	repo := New(mock)

	id := uuid.New()
	mock.ExpectExec(`envelope1_status = 'completed'`).
		WithArgs(id, "technical body", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := repo.SaveEnvelopeResult(context.Background(), id, domain.EnvelopeTechnical, EnvelopeResult{
		Content:     "technical body",
		GeneratedAt: time.Now(),
	}); err != nil {
		t.Fatalf("SaveEnvelopeResult: %v", err)
	}
	assertExpectations(t, mock)
}

func TestListDocumentsByProposalOrdersByCreation(t *testing.T) {
	mock := newMock(t)
	repo := New(mock)

	proposalID := uuid.New()
	now := time.Now()
	content := "narrative"
	msg := "rate limited"

	mock.ExpectQuery(`ORDER BY created_at ASC, document_type ASC`).
		WithArgs(proposalID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "proposal_id", "document_type", "title", "status",
			"content", "error_message", "generated_at", "created_at", "updated_at",
		}).
			AddRow(uuid.New(), proposalID, "technical-narrative", "Technical Narrative", "completed", &content, nil, &now, now, now).
			AddRow(uuid.New(), proposalID, "cost-summary", "Cost Summary", "error", nil, &msg, nil, now, now))

	docs, err := repo.ListDocumentsByProposal(context.Background(), proposalID)
	if err != nil {
		t.Fatalf("ListDocumentsByProposal: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
	if docs[0].Status != domain.DocumentStatusCompleted || docs[0].Content == nil || *docs[0].Content != content {
		t.Fatalf("unexpected first document %+v", docs[0])
	}
	if docs[1].Status != domain.DocumentStatusError || docs[1].ErrorMessage == nil || *docs[1].ErrorMessage != msg {
		t.Fatalf("unexpected second document %+v", docs[1])
	}
	assertExpectations(t, mock)
}

func TestMarkStaleRuns(t *testing.T) {
	mock := newMock(t)
	repo := New(mock)

	before := time.Now().Add(-30 * time.Minute)
	want := before.UTC().Truncate(time.Microsecond)
	mock.ExpectQuery(`WITH stale AS \((.|\n)*AND updated_at < \$1`).
		WithArgs(&want, "processing interrupted").
		WillReturnRows(pgxmock.NewRows([]string{"proposals", "documents"}).AddRow(int64(2), int64(5)))

	res, err := repo.MarkStaleRuns(context.Background(), before, "processing interrupted")
	if err != nil {
		t.Fatalf("MarkStaleRuns: %v", err)
	}
	if res.Proposals != 2 || res.Documents != 5 {
		t.Fatalf("unexpected result %+v", res)
	}
	assertExpectations(t, mock)
}
