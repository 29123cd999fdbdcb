package domain

import (
	"regexp"
	"strings"
)

// ClientType classifies the issuer of a solicitation.
type ClientType string

const (
	ClientTypePublic    ClientType = "public"
	ClientTypePrivate   ClientType = "private"
	ClientTypeNonprofit ClientType = "nonprofit"
)

// Keyword signals, matched on lowercased text.
var (
	publicSignals = []string{
		"request for proposal", "rfp", "rfq", "invitation to bid", "solicitation number",
		"municipality", "county", "city of", "state of", "department of", "school district",
		"public works", "procurement office", "purchasing division", "government",
	}
	nonprofitSignals = []string{
		"nonprofit", "non-profit", "501(c)(3)", "501c3", "foundation", "charity", "charitable",
	}
	privateSignals = []string{
		"inc.", "llc", "ltd", "corporation", "our company", "brand", "startup", "e-commerce",
	}
	nonWord = regexp.MustCompile(`[^a-z0-9]+`)
)

// DetectClientType scores keyword signals in solicitation text. Public-sector
// signals win ties because solicitations are most often issued by public bodies.
func DetectClientType(text string) ClientType {
	normalized := normalizeWords(text)

	public := countSignals(normalized, publicSignals)
	nonprofit := countSignals(normalized, nonprofitSignals)
	private := countSignals(normalized, privateSignals)

	switch {
	case public == 0 && nonprofit == 0 && private == 0:
		return ClientTypePrivate
	case public >= nonprofit && public >= private:
		return ClientTypePublic
	case nonprofit >= private:
		return ClientTypeNonprofit
	default:
		return ClientTypePrivate
	}
}

func countSignals(text string, signals []string) int {
	count := 0
	for _, signal := range signals {
		count += strings.Count(text, normalizeWords(signal))
	}
	return count
}

// normalizeWords lowercases s and collapses punctuation to single spaces, padded
// on both sides so that substring matches only hit whole words.
func normalizeWords(s string) string {
	return " " + strings.TrimSpace(nonWord.ReplaceAllString(strings.ToLower(s), " ")) + " "
}
