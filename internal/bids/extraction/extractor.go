// Package extraction turns uploaded solicitation files into plain text.
// Each file is extracted independently; a failure affects only that file.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Kind is the extraction family a file belongs to.
type Kind string

const (
	KindPDF     Kind = "pdf"
	KindEmail   Kind = "email"
	KindWord    Kind = "word"
	KindHTML    Kind = "html"
	KindText    Kind = "text"
	KindUnknown Kind = "unknown"
)

const maxTextRunes = 200_000

// ErrUnsupported is returned for files no extractor understands.
var ErrUnsupported = errors.New("unsupported file type")

// ErrEmpty is returned when a file decoded fine but carried no text.
var ErrEmpty = errors.New("no text content found")

// Result is the decoded text of one file.
type Result struct {
	Content   string
	Kind      Kind
	Truncated bool
}

// Extractor decodes the bytes of one file.
type Extractor interface {
	ExtractText(ctx context.Context, data []byte, mimeType, fileName string) (Result, error)
}

// Classify picks the extraction family from the MIME type, falling back to
// the file extension for generic or missing types.
func Classify(mimeType, fileName string) Kind {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}

	switch mt {
	case "application/pdf":
		return KindPDF
	case "message/rfc822", "application/vnd.ms-outlook":
		return KindEmail
	case "application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return KindWord
	case "text/html", "application/xhtml+xml":
		return KindHTML
	case "text/plain", "text/markdown", "text/csv", "application/json":
		return KindText
	}

	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return KindPDF
	case ".eml":
		return KindEmail
	case ".doc", ".docx":
		return KindWord
	case ".html", ".htm":
		return KindHTML
	case ".txt", ".md", ".csv", ".json":
		return KindText
	}

	if strings.HasPrefix(mt, "text/") {
		return KindText
	}
	return KindUnknown
}

// Router dispatches each file to the extractor for its Kind.
type Router struct {
	maxDepth int
}

// NewRouter returns the default extractor set.
func NewRouter() *Router {
	return &Router{maxDepth: 2}
}

// ExtractText implements Extractor.
func (r *Router) ExtractText(ctx context.Context, data []byte, mimeType, fileName string) (Result, error) {
	return r.extract(ctx, data, mimeType, fileName, 0)
}

func (r *Router) extract(ctx context.Context, data []byte, mimeType, fileName string, depth int) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if len(data) == 0 {
		return Result{}, ErrEmpty
	}

	kind := Classify(mimeType, fileName)
	var (
		text string
		err  error
	)
	switch kind {
	case KindPDF:
		text, err = extractPDF(data)
	case KindEmail:
		if depth >= r.maxDepth {
			return Result{}, fmt.Errorf("email nesting deeper than %d", r.maxDepth)
		}
		text, err = r.extractEmail(ctx, data, depth)
	case KindWord:
		text, err = extractWord(data, fileName)
	case KindHTML:
		text, err = extractHTML(data)
	case KindText:
		text, err = extractPlain(data)
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupported, describe(mimeType, fileName))
	}
	if err != nil {
		return Result{}, fmt.Errorf("extract %s: %w", kind, err)
	}

	text = normalizeWhitespace(text)
	if text == "" {
		return Result{}, ErrEmpty
	}
	res := Result{Content: text, Kind: kind}
	if utf8.RuneCountInString(text) > maxTextRunes {
		res.Content = string([]rune(text)[:maxTextRunes])
		res.Truncated = true
	}
	return res, nil
}

func extractPlain(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return strings.ToValidUTF8(string(data), ""), nil
	}
	return string(data), nil
}

func describe(mimeType, fileName string) string {
	if mimeType != "" {
		return fmt.Sprintf("%s (%s)", fileName, mimeType)
	}
	return fileName
}

// normalizeWhitespace trims trailing spaces and collapses runs of blank lines.
func normalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t ")
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
			line = ""
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
