package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

type baseEmailData struct {
	Title      string
	Heading    string
	Subheading string
	CTALabel   string
	CTAURL     string
}

type bidRunFinishedEmailData struct {
	baseEmailData
	ProposalTitle   string
	Succeeded       bool
	Status          string
	Error           string
	DocumentsTotal  int
	FailedDocuments []string
	Duration        string
}

func renderEmailTemplate(name string, data any) (string, error) {
	templates := []string{"templates/base.html", "templates/" + name}
	tmpl, err := template.New("base.html").ParseFS(templateFS, templates...)
	if err != nil {
		return "", fmt.Errorf("parse email template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "email", data); err != nil {
		return "", fmt.Errorf("execute email template %s: %w", name, err)
	}
	return buf.String(), nil
}

func renderBidRunFinished(s BidRunSummary) (string, error) {
	heading := "Generation finished"
	if !s.Succeeded() {
		heading = "Generation needs attention"
	}
	return renderEmailTemplate("bid_run_finished.html", bidRunFinishedEmailData{
		baseEmailData: baseEmailData{
			Title:    bidRunSubject(s),
			Heading:  heading,
			CTALabel: "Open proposal",
			CTAURL:   s.ProposalURL,
		},
		ProposalTitle:   s.ProposalTitle,
		Succeeded:       s.Succeeded(),
		Status:          s.Status,
		Error:           s.Error,
		DocumentsTotal:  s.DocumentsTotal,
		FailedDocuments: s.FailedDocuments,
		Duration:        formatDuration(s.Duration),
	})
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	return d.Round(time.Minute).String()
}
