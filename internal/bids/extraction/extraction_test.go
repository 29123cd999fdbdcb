package extraction

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf16"

	"agency_portal_backend/internal/bids/domain"

	"github.com/google/uuid"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		mimeType string
		fileName string
		want     Kind
	}{
		{"application/pdf", "rfp.bin", KindPDF},
		{"", "RFP.PDF", KindPDF},
		{"message/rfc822", "", KindEmail},
		{"application/octet-stream", "thread.eml", KindEmail},
		{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "scope", KindWord},
		{"", "legacy.doc", KindWord},
		{"text/html; charset=utf-8", "", KindHTML},
		{"text/plain", "notes", KindText},
		{"text/x-log", "", KindText},
		{"image/png", "logo.png", KindUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.mimeType, tt.fileName); got != tt.want {
			t.Errorf("Classify(%q, %q) = %q, want %q", tt.mimeType, tt.fileName, got, tt.want)
		}
	}
}

func TestRouterPlainText(t *testing.T) {
	res, err := NewRouter().ExtractText(context.Background(), []byte("Scope:\r\n\r\n\r\n\r\nDeliver a website.  \n"), "text/plain", "scope.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "Scope:\n\nDeliver a website." {
		t.Fatalf("unexpected content %q", res.Content)
	}
	if res.Kind != KindText {
		t.Fatalf("expected text kind, got %q", res.Kind)
	}
}

func TestRouterRejectsUnsupportedAndEmpty(t *testing.T) {
	r := NewRouter()
	if _, err := r.ExtractText(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "image/png", "logo.png"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if _, err := r.ExtractText(context.Background(), nil, "text/plain", "empty.txt"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if _, err := r.ExtractText(context.Background(), []byte("   \n\n  "), "text/plain", "blank.txt"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty for whitespace, got %v", err)
	}
}

func TestRouterHTMLDropsScripts(t *testing.T) {
	page := `<html><head><title>x</title><style>p{}</style></head><body>
<h1>Request for Proposal</h1><script>alert(1)</script><p>Due <b>March 3</b></p></body></html>`
	res, err := NewRouter().ExtractText(context.Background(), []byte(page), "text/html", "rfp.html")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(res.Content, "alert") || strings.Contains(res.Content, "p{}") {
		t.Fatalf("script or style leaked into %q", res.Content)
	}
	if !strings.Contains(res.Content, "Request for Proposal") || !strings.Contains(res.Content, "March 3") {
		t.Fatalf("visible text missing from %q", res.Content)
	}
}

func TestRouterDOCX(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:r><w:t>Statement of Work</w:t></w:r></w:p>
<w:p><w:r><w:t xml:space="preserve">Budget: </w:t></w:r><w:r><w:t>$50,000</w:t></w:r></w:p>
</w:body></w:document>`))
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}

	res, err := NewRouter().ExtractText(context.Background(), buf.Bytes(), "", "sow.docx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "Statement of Work\nBudget: $50,000" {
		t.Fatalf("unexpected content %q", res.Content)
	}
}

func TestRouterLegacyDoc(t *testing.T) {
	var data []byte
	data = append(data, 0xD0, 0xCF, 0x11, 0xE0)
	for _, u := range utf16.Encode([]rune("Evaluation criteria")) {
		data = append(data, byte(u), byte(u>>8))
	}
	data = append(data, 0x00, 0x00, 0x01, 0x00)

	res, err := NewRouter().ExtractText(context.Background(), data, "application/msword", "old.doc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Content, "Evaluation criteria") {
		t.Fatalf("expected recovered text, got %q", res.Content)
	}
}

func TestRouterEmailWithAttachment(t *testing.T) {
	raw := strings.Join([]string{
		"From: Procurement <buyer@county.gov>",
		"To: bids@agency.test",
		"Subject: RFP 2024-17 addendum",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="XYZ"`,
		"",
		"--XYZ",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Please find the revised timeline attached.",
		"--XYZ",
		"Content-Type: text/plain; charset=utf-8",
		`Content-Disposition: attachment; filename="timeline.txt"`,
		"",
		"Kickoff in April.",
		"--XYZ--",
		"",
	}, "\r\n")

	res, err := NewRouter().ExtractText(context.Background(), []byte(raw), "message/rfc822", "addendum.eml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"Subject: RFP 2024-17 addendum", "revised timeline", "Attachment: timeline.txt", "Kickoff in April."} {
		if !strings.Contains(res.Content, want) {
			t.Errorf("expected %q in %q", want, res.Content)
		}
	}
	if res.Kind != KindEmail {
		t.Fatalf("expected email kind, got %q", res.Kind)
	}
}

func TestRouterRejectsBrokenPDF(t *testing.T) {
	if _, err := NewRouter().ExtractText(context.Background(), []byte("%PDF-1.4 not really"), "application/pdf", "bad.pdf"); err == nil {
		t.Fatal("expected an error for a corrupt pdf")
	}
}

func TestSplitAndStageFor(t *testing.T) {
	files := []File{
		{FileName: "rfp.pdf", MimeType: "application/pdf"},
		{FileName: "thread.eml"},
		{FileName: "notes.txt", MimeType: "text/plain"},
	}
	docs, emails := Split(files)
	if len(docs) != 2 || len(emails) != 1 {
		t.Fatalf("expected 2 documents and 1 email, got %d and %d", len(docs), len(emails))
	}
	if got := StageFor(emails); got != domain.StageExtractingEmail {
		t.Fatalf("expected email stage, got %q", got)
	}
	if got := StageFor(files); got != domain.StageExtractingPDF {
		t.Fatalf("expected pdf stage, got %q", got)
	}
}

type fakeFetcher struct {
	files map[string][]byte
	calls atomic.Int32
}

func (f *fakeFetcher) FetchFile(_ context.Context, key string) ([]byte, error) {
	f.calls.Add(1)
	data, ok := f.files[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

type blockingExtractor struct{}

func (blockingExtractor) ExtractText(context.Context, []byte, string, string) (Result, error) {
	time.Sleep(time.Second)
	return Result{Content: "late", Kind: KindText}, nil
}

func TestExtractAllOmitsFailedFilesAndKeepsOrder(t *testing.T) {
	fetcher := &fakeFetcher{files: map[string][]byte{
		"a": []byte("first file"),
		"c": []byte("third file"),
		"d": {0x00, 0x01},
	}}
	svc := NewService(fetcher, nil, nil, WithConcurrency(2))

	files := []File{
		{ID: uuid.New(), FileName: "a.txt", MimeType: "text/plain", StorageKey: "a"},
		{ID: uuid.New(), FileName: "b.txt", MimeType: "text/plain", StorageKey: "missing"},
		{ID: uuid.New(), FileName: "c.txt", MimeType: "text/plain", StorageKey: "c"},
		{ID: uuid.New(), FileName: "d.png", MimeType: "image/png", StorageKey: "d"},
	}
	got, err := svc.ExtractAll(context.Background(), files)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 extracted files, got %d", len(got))
	}
	if got[0].Content != "first file" || got[1].Content != "third file" {
		t.Fatalf("unexpected order or content: %+v", got)
	}
	if fetcher.calls.Load() != 4 {
		t.Fatalf("expected every file to be fetched once, got %d", fetcher.calls.Load())
	}

	combined := Combine(got)
	if !strings.HasPrefix(combined, "=== a.txt ===\nfirst file") || !strings.Contains(combined, "=== c.txt ===") {
		t.Fatalf("unexpected combined text %q", combined)
	}
}

func TestExtractAllTimesOutPerFile(t *testing.T) {
	fetcher := &fakeFetcher{files: map[string][]byte{"a": []byte("x")}}
	svc := NewService(fetcher, blockingExtractor{}, nil, WithTimeout(20*time.Millisecond))

	start := time.Now()
	got, err := svc.ExtractAll(context.Background(), []File{{FileName: "a.txt", StorageKey: "a"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected timed out file to be omitted, got %d results", len(got))
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("timeout was not enforced")
	}
}

func TestExtractAllReturnsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := NewService(&fakeFetcher{}, nil, nil)
	if _, err := svc.ExtractAll(ctx, []File{{FileName: "a.txt", StorageKey: "a"}}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
