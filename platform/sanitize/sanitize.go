// Package sanitize strips markup from user-supplied text before it is stored
// or handed to a language model.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	htmlTagRegex = regexp.MustCompile(`<[^>]*>`)
	// Runs of horizontal whitespace. Line breaks are kept so multi-line
	// instructions survive.
	spaceRunRegex = regexp.MustCompile(`[ \t\f\v\r]+`)
	blankRunRegex = regexp.MustCompile(`\n{3,}`)
)

var entityReplacer = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&amp;", "&",
	"&quot;", "\"",
	"&#39;", "'",
	"&nbsp;", " ",
)

// StripHTML removes all HTML tags from a string, making it safe for text-only display.
func StripHTML(s string) string {
	result := htmlTagRegex.ReplaceAllString(s, "")
	result = entityReplacer.Replace(result)
	// Re-strip after entity decode to catch encoded tags
	result = htmlTagRegex.ReplaceAllString(result, "")
	return strings.TrimSpace(result)
}

// Text strips HTML and normalizes whitespace. Use for free-text fields like
// titles, client names and instructions.
func Text(s string) string {
	result := StripHTML(s)
	lines := strings.Split(result, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRunRegex.ReplaceAllString(line, " "))
	}
	result = strings.Join(lines, "\n")
	result = blankRunRegex.ReplaceAllString(result, "\n\n")
	return strings.TrimSpace(result)
}

// TextPtr is a helper for optional string pointers. Values that are empty
// after sanitizing become nil.
func TextPtr(s *string) *string {
	if s == nil {
		return nil
	}
	result := Text(*s)
	if result == "" {
		return nil
	}
	return &result
}
