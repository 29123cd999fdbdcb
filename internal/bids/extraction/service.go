package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agency_portal_backend/internal/bids/domain"
	"agency_portal_backend/platform/logger"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultConcurrency = 4
)

// FileFetcher loads the stored bytes of an uploaded file.
type FileFetcher interface {
	FetchFile(ctx context.Context, storageKey string) ([]byte, error)
}

// File references one stored source file.
type File struct {
	ID         uuid.UUID
	FileName   string
	MimeType   string
	StorageKey string
}

// Extracted is the text of one successfully extracted file.
type Extracted struct {
	File    File
	Kind    Kind
	Content string
}

// Service fetches and extracts a proposal's source files.
type Service struct {
	fetcher     FileFetcher
	extractor   Extractor
	timeout     time.Duration
	concurrency int
	log         *logger.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTimeout bounds the fetch and extraction of a single file.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithConcurrency bounds how many files are extracted at once.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// NewService creates an extraction service.
func NewService(fetcher FileFetcher, extractor Extractor, log *logger.Logger, opts ...Option) *Service {
	if extractor == nil {
		extractor = NewRouter()
	}
	if log == nil {
		log = logger.Nop()
	}
	s := &Service{
		fetcher:     fetcher,
		extractor:   extractor,
		timeout:     defaultTimeout,
		concurrency: defaultConcurrency,
		log:         log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Split separates email sources from everything else so each batch can be
// reported under its own processing stage.
func Split(files []File) (documents, emails []File) {
	for _, f := range files {
		if Classify(f.MimeType, f.FileName) == KindEmail {
			emails = append(emails, f)
			continue
		}
		documents = append(documents, f)
	}
	return documents, emails
}

// StageFor returns the processing stage that describes extracting files.
func StageFor(files []File) domain.ProcessingStage {
	for _, f := range files {
		if Classify(f.MimeType, f.FileName) != KindEmail {
			return domain.StageExtractingPDF
		}
	}
	if len(files) > 0 {
		return domain.StageExtractingEmail
	}
	return domain.StageExtractingPDF
}

// ExtractAll extracts every file concurrently. A file that fails to fetch
// or decode is logged and left out. Results keep the input order.
// Only cancellation of ctx itself is returned as an error.
func (s *Service) ExtractAll(ctx context.Context, files []File) ([]Extracted, error) {
	if len(files) == 0 {
		return nil, nil
	}

	results := make([]*Extracted, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i, f := range files {
		g.Go(func() error {
			res, err := s.extractOne(gctx, f)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Warn("source file extraction failed",
					"fileId", f.ID,
					"fileName", f.FileName,
					"mimeType", f.MimeType,
					"error", err,
				)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Extracted, 0, len(files))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *Service) extractOne(ctx context.Context, f File) (*Extracted, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)

	// Decoders are CPU bound and ignore ctx, so the deadline is enforced here.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("extractor panic: %v", r)}
			}
		}()
		if s.fetcher == nil {
			done <- outcome{err: errors.New("no file storage configured")}
			return
		}
		data, err := s.fetcher.FetchFile(ctx, f.StorageKey)
		if err != nil {
			done <- outcome{err: fmt.Errorf("fetch file: %w", err)}
			return
		}
		res, err := s.extractor.ExtractText(ctx, data, f.MimeType, f.FileName)
		done <- outcome{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("extract %s: %w", f.FileName, ctx.Err())
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		if o.res.Truncated {
			s.log.Info("source file text truncated", "fileId", f.ID, "fileName", f.FileName)
		}
		return &Extracted{File: f, Kind: o.res.Kind, Content: o.res.Content}, nil
	}
}

// Combine joins extracted texts into one context block, labelled per file.
func Combine(items []Extracted) string {
	if len(items) == 0 {
		return ""
	}
	var total int
	for _, it := range items {
		total += len(it.Content) + len(it.File.FileName) + 16
	}
	buf := make([]byte, 0, total)
	for i, it := range items {
		if i > 0 {
			buf = append(buf, "\n\n"...)
		}
		buf = append(buf, "=== "...)
		buf = append(buf, it.File.FileName...)
		buf = append(buf, " ===\n"...)
		buf = append(buf, it.Content...)
	}
	return string(buf)
}
