package agent

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"agency_portal_backend/internal/bids/domain"
)

const maxSourceRunes = 120_000

const systemPrompt = `You are a senior proposal writer at a digital marketing agency.
You write persuasive, compliant responses to requests for proposals.
Rules:
- Only use facts from the provided solicitation text, proposal data and budget data.
- Never invent certifications, references, prices or deadlines.
- Output markdown only, with no preamble or closing remarks.`

func buildPrompt(gc GenerationContext) (string, error) {
	var b strings.Builder
	writeProposal(&b, gc.Proposal)

	switch gc.Task {
	case TaskDocument:
		if gc.DocumentType == nil {
			return "", errors.New("document generation requires a document type")
		}
		writeSources(&b, gc.ExtractedText)
		writeBudget(&b, gc.AdoptedBudget)
		fmt.Fprintf(&b, "\nTask:\nWrite the %q document for this bid.\n%s\n", gc.DocumentType.Title, gc.DocumentType.Instructions)

	case TaskEnvelope:
		if _, err := domain.ParseEnvelope(int(gc.Envelope)); err != nil {
			return "", err
		}
		writeSources(&b, gc.ExtractedText)
		if gc.Envelope == domain.EnvelopeCost {
			writeBudget(&b, gc.AdoptedBudget)
		}
		if s := strings.TrimSpace(gc.PriorContext); s != "" {
			fmt.Fprintf(&b, "\nPrior context:\n%s\n", s)
		}
		if s := strings.TrimSpace(gc.CustomInstructions); s != "" {
			fmt.Fprintf(&b, "\nAdditional instructions for this envelope:\n%s\n", s)
		}
		b.WriteString(envelopeTask(gc.Envelope))

	case TaskBudget:
		writeSources(&b, gc.ExtractedText)
		b.WriteString(budgetTask)

	default:
		return "", fmt.Errorf("unknown generation task %q", gc.Task)
	}
	return b.String(), nil
}

func writeProposal(b *strings.Builder, p ProposalSnapshot) {
	b.WriteString("Proposal:\n")
	fmt.Fprintf(b, "- Title: %s\n", p.Title)
	if p.ClientName != "" {
		fmt.Fprintf(b, "- Client: %s\n", p.ClientName)
	}
	if p.ClientType != "" {
		fmt.Fprintf(b, "- Client type: %s\n", p.ClientType)
	}
	if len(p.SelectedServices) > 0 {
		fmt.Fprintf(b, "- Selected services: %s\n", strings.Join(p.SelectedServices, ", "))
	}
	if p.CustomInstructions != "" {
		fmt.Fprintf(b, "\nStanding instructions:\n%s\n", p.CustomInstructions)
	}
	if p.CompetitiveNotes != "" {
		fmt.Fprintf(b, "\nCompetitive notes:\n%s\n", p.CompetitiveNotes)
	}
}

func writeSources(b *strings.Builder, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		b.WriteString("\nNo solicitation documents were provided.\n")
		return
	}
	if utf8.RuneCountInString(text) > maxSourceRunes {
		text = string([]rune(text)[:maxSourceRunes]) + "\n[truncated]"
	}
	fmt.Fprintf(b, "\nSolicitation documents:\n%s\n", text)
}

func writeBudget(b *strings.Builder, budget []byte) {
	if len(budget) == 0 || string(budget) == "null" {
		return
	}
	fmt.Fprintf(b, "\nAdopted budget data (JSON):\n%s\n", budget)
}

func envelopeTask(n domain.Envelope) string {
	if n == domain.EnvelopeCost {
		return "\nTask:\nWrite the cost proposal (envelope 2): pricing by service line, " +
			"payment schedule, assumptions and exclusions.\n" +
			"After the proposal, append a fenced block tagged pricing containing JSON with " +
			"the keys proposedPrice (number), priceSource (where the figure comes from, e.g. \"rfp\" or \"estimate\") " +
			"and pricingNotes (string). If you revised the budget data, append a fenced block tagged budget with the JSON.\n"
	}
	return "\nTask:\nWrite the technical proposal (envelope 1): understanding of needs, " +
		"approach, methodology, team and timeline. Do not include prices.\n"
}

const budgetTask = "\nTask:\nResearch the client's budget for this work from the solicitation. " +
	"Answer only with a fenced block tagged budget containing a JSON object with the keys " +
	"total (number or null), currency, fiscalYear, lineItems (array of {name, amount}) and sources (array of strings).\n"
