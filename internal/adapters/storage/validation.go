package storage

import (
	"fmt"
	"path"
	"strings"
)

// AllowedContentTypes defines the MIME types accepted as solicitation sources.
var AllowedContentTypes = map[string]bool{
	"application/pdf":                                                         true,
	"application/msword":                                                      true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"message/rfc822":                                                          true,
	"application/vnd.ms-outlook":                                              true,
	"text/plain":                                                              true,
	"text/csv":                                                                true,
	"text/markdown":                                                           true,
	"text/html":                                                               true,
	"application/json":                                                        true,
}

// extensionContentTypes resolves browsers that upload with a generic type.
var extensionContentTypes = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".eml":  "message/rfc822",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".md":   "text/markdown",
	".html": "text/html",
	".htm":  "text/html",
}

// NormalizeContentType strips parameters and falls back to the file
// extension when the declared type is empty or generic.
func NormalizeContentType(contentType, fileName string) string {
	normalized := strings.Split(contentType, ";")[0]
	normalized = strings.TrimSpace(strings.ToLower(normalized))

	if normalized == "" || normalized == "application/octet-stream" {
		if ct, ok := extensionContentTypes[strings.ToLower(path.Ext(fileName))]; ok {
			return ct
		}
	}
	return normalized
}

// ValidateContentType checks if the content type is allowed.
func ValidateContentType(contentType string) error {
	if !AllowedContentTypes[NormalizeContentType(contentType, "")] {
		return fmt.Errorf("content type %q is not allowed", contentType)
	}
	return nil
}

// ValidateFileSize checks if the file size is within limits.
func ValidateFileSize(sizeBytes, maxFileSize int64) error {
	if sizeBytes <= 0 {
		return fmt.Errorf("file size must be greater than 0")
	}
	if maxFileSize > 0 && sizeBytes > maxFileSize {
		return fmt.Errorf("file size %d bytes exceeds maximum allowed size of %d bytes", sizeBytes, maxFileSize)
	}
	return nil
}
