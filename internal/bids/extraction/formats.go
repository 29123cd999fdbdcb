package extraction

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf16"

	"github.com/jhillyerd/enmime/v2"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// extractPDF reads the text layer of a PDF. The parser panics on some
// malformed files, so panics are turned into errors.
func extractPDF(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return buf.String(), nil
}

// extractEmail renders headers and body of an RFC 822 message and appends
// the text of any attachment another extractor understands.
func (r *Router) extractEmail(ctx context.Context, data []byte, depth int) (string, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parse email: %w", err)
	}

	var b strings.Builder
	for _, h := range []string{"From", "To", "Date", "Subject"} {
		if v := strings.TrimSpace(env.GetHeader(h)); v != "" {
			fmt.Fprintf(&b, "%s: %s\n", h, v)
		}
	}
	b.WriteString("\n")

	body := strings.TrimSpace(env.Text)
	if body == "" && env.HTML != "" {
		if converted, err := extractHTML([]byte(env.HTML)); err == nil {
			body = converted
		}
	}
	b.WriteString(body)

	for _, part := range env.Attachments {
		if part == nil || len(part.Content) == 0 {
			continue
		}
		res, err := r.extract(ctx, part.Content, part.ContentType, part.FileName, depth+1)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "\n\n--- Attachment: %s ---\n%s", part.FileName, res.Content)
	}
	return b.String(), nil
}

// extractHTML returns the visible text of an HTML document.
func extractHTML(data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head", "template":
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				b.WriteString(t)
				b.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlockElement(n.Data) {
			b.WriteString("\n")
		}
	}
	walk(doc)
	return b.String(), nil
}

func isBlockElement(tag string) bool {
	switch tag {
	case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "table", "section", "article":
		return true
	}
	return false
}

// extractWord handles both OOXML (.docx) and legacy binary (.doc) files.
func extractWord(data []byte, fileName string) (string, error) {
	if bytes.HasPrefix(data, []byte("PK")) || strings.EqualFold(filepath.Ext(fileName), ".docx") {
		return extractDOCX(data)
	}
	return extractLegacyDoc(data)
}

func extractDOCX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			body = f
			break
		}
	}
	if body == nil {
		return "", fmt.Errorf("docx has no word/document.xml")
	}

	rc, err := body.Open()
	if err != nil {
		return "", fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	var b strings.Builder
	dec := xml.NewDecoder(io.LimitReader(rc, 64<<20))
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("decode document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteString("\t")
			case "br", "cr":
				b.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}

// extractLegacyDoc recovers text from Word 97-2003 files by collecting
// UTF-16LE runs of printable characters. Formatting and tables are lost.
func extractLegacyDoc(data []byte) (string, error) {
	const minRun = 4

	var (
		b   strings.Builder
		run []uint16
	)
	flush := func() {
		if len(run) >= minRun {
			b.WriteString(string(utf16.Decode(run)))
			b.WriteString("\n")
		}
		run = run[:0]
	}

	for i := 0; i+1 < len(data); i += 2 {
		u := binary.LittleEndian.Uint16(data[i : i+2])
		r := rune(u)
		if r == '\r' || r == '\n' {
			flush()
			continue
		}
		if unicode.IsPrint(r) || r == '\t' {
			run = append(run, u)
			continue
		}
		flush()
	}
	flush()

	if b.Len() == 0 {
		return "", fmt.Errorf("no readable text in legacy word file")
	}
	return b.String(), nil
}
