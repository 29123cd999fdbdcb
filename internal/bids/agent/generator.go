// Package agent provides the language-model backed generation adapter for
// bid proposals: auxiliary documents, the two envelopes and budget research.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"agency_portal_backend/internal/bids/domain"
	"agency_portal_backend/platform/config"
	"agency_portal_backend/platform/logger"
)

// Task identifies what a generation call produces.
type Task string

const (
	TaskDocument Task = "document"
	TaskEnvelope Task = "envelope"
	TaskBudget   Task = "budget"
)

// ErrMalformedPricing is returned when the model emits a pricing block that
// cannot be parsed. Callers treat it like any other generation failure.
var ErrMalformedPricing = errors.New("malformed pricing block")

// ErrMalformedBudget is returned when budget research output is not JSON.
var ErrMalformedBudget = errors.New("malformed budget data")

// ErrEmptyOutput is returned when the model answers with no text.
var ErrEmptyOutput = errors.New("model returned empty output")

// ProposalSnapshot is the proposal data shared with the model.
type ProposalSnapshot struct {
	Title              string
	ClientName         string
	ClientType         string
	CustomInstructions string
	CompetitiveNotes   string
	SelectedServices   []string
}

// GenerationContext is everything one generation call needs.
type GenerationContext struct {
	Task          Task
	Proposal      ProposalSnapshot
	DocumentType  *domain.DocumentType
	Envelope      domain.Envelope
	ExtractedText string
	AdoptedBudget json.RawMessage
	// Per-call instructions supplied with an envelope request.
	CustomInstructions string
	PriorContext       string
}

// Pricing is the structured price a cost envelope carries.
type Pricing struct {
	ProposedPrice *float64 `json:"proposedPrice"`
	PriceSource   *string  `json:"priceSource"`
	PricingNotes  *string  `json:"pricingNotes"`
}

// GenerationResult is the parsed model output.
type GenerationResult struct {
	Content       string
	Pricing       *Pricing
	AdoptedBudget json.RawMessage
	Metadata      map[string]string
}

// Generator produces content for one generation context.
type Generator interface {
	Complete(ctx context.Context, gc GenerationContext) (*GenerationResult, error)
}

// TextModel is a single-turn text completion backend.
type TextModel interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
	Name() string
}

// Writer implements Generator on top of a TextModel.
type Writer struct {
	model TextModel
	log   *logger.Logger
}

// NewWriter wraps a text model.
func NewWriter(model TextModel, log *logger.Logger) *Writer {
	if log == nil {
		log = logger.Nop()
	}
	return &Writer{model: model, log: log}
}

// NewFromConfig selects the provider named by AI_PROVIDER.
func NewFromConfig(ctx context.Context, cfg config.AIConfig, log *logger.Logger) (*Writer, error) {
	var (
		model TextModel
		err   error
	)
	switch strings.ToLower(cfg.GetAIProvider()) {
	case "anthropic":
		model, err = NewAnthropicModel(cfg.GetAnthropicAPIKey(), cfg.GetAnthropicModel(), cfg.GetAIMaxOutputTokens())
	case "gemini", "":
		model, err = NewGeminiModel(ctx, cfg.GetGeminiAPIKey(), cfg.GetGeminiModel())
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.GetAIProvider())
	}
	if err != nil {
		return nil, err
	}
	return NewWriter(model, log), nil
}

// Complete implements Generator.
func (w *Writer) Complete(ctx context.Context, gc GenerationContext) (*GenerationResult, error) {
	prompt, err := buildPrompt(gc)
	if err != nil {
		return nil, err
	}

	raw, err := w.model.Generate(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("%s generation: %w", gc.Task, err)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyOutput
	}

	result, err := parseOutput(gc, raw)
	if err != nil {
		w.log.Warn("generation output rejected", "task", gc.Task, "model", w.model.Name(), "error", err)
		return nil, err
	}
	result.Metadata = map[string]string{
		"model": w.model.Name(),
		"task":  string(gc.Task),
	}
	if gc.DocumentType != nil {
		result.Metadata["documentType"] = gc.DocumentType.Key
	}
	return result, nil
}

var fencedBlock = regexp.MustCompile("(?s)```(pricing|budget)[ \\t]*\\r?\\n(.*?)```")

func parseOutput(gc GenerationContext, raw string) (*GenerationResult, error) {
	switch gc.Task {
	case TaskBudget:
		data, err := parseBudgetOutput(raw)
		if err != nil {
			return nil, err
		}
		return &GenerationResult{Content: string(data), AdoptedBudget: data}, nil
	case TaskEnvelope:
		return parseEnvelopeOutput(gc.Envelope, raw)
	default:
		return &GenerationResult{Content: strings.TrimSpace(raw)}, nil
	}
}

func parseEnvelopeOutput(n domain.Envelope, raw string) (*GenerationResult, error) {
	result := &GenerationResult{}
	var parseErr error

	content := fencedBlock.ReplaceAllStringFunc(raw, func(block string) string {
		m := fencedBlock.FindStringSubmatch(block)
		body := strings.TrimSpace(m[2])
		switch {
		case m[1] == "pricing" && n == domain.EnvelopeCost:
			p, err := parsePricing(body)
			if err != nil && parseErr == nil {
				parseErr = err
			}
			result.Pricing = p
		case m[1] == "budget" && n == domain.EnvelopeCost:
			if !json.Valid([]byte(body)) && parseErr == nil {
				parseErr = fmt.Errorf("%w: budget block is not valid JSON", ErrMalformedBudget)
			}
			result.AdoptedBudget = json.RawMessage(body)
		}
		return ""
	})
	if parseErr != nil {
		return nil, parseErr
	}

	result.Content = strings.TrimSpace(content)
	if result.Content == "" {
		return nil, ErrEmptyOutput
	}
	return result, nil
}

func parsePricing(body string) (*Pricing, error) {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()

	var p Pricing
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPricing, err)
	}
	if p.ProposedPrice == nil {
		return nil, fmt.Errorf("%w: proposedPrice is required", ErrMalformedPricing)
	}
	if *p.ProposedPrice < 0 {
		return nil, fmt.Errorf("%w: proposedPrice must not be negative", ErrMalformedPricing)
	}
	p.PriceSource = trimmedOrNil(p.PriceSource)
	p.PricingNotes = trimmedOrNil(p.PricingNotes)
	return &p, nil
}

func parseBudgetOutput(raw string) (json.RawMessage, error) {
	body := strings.TrimSpace(raw)
	if m := fencedBlock.FindStringSubmatch(raw); m != nil && m[1] == "budget" {
		body = strings.TrimSpace(m[2])
	} else {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(body, "```")
		body = strings.TrimSpace(body)
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBudget, err)
	}
	return json.RawMessage(body), nil
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
