package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/adk/runner"
	"google.golang.org/adk/session"
	"google.golang.org/genai"
)

const geminiAppName = "bid-proposal-writer"

// GeminiModel runs single-turn completions through an ADK agent.
type GeminiModel struct {
	modelName      string
	runner         *runner.Runner
	sessionService session.Service
}

// NewGeminiModel creates an ADK runner backed by a Gemini model.
func NewGeminiModel(ctx context.Context, apiKey, modelName string) (*GeminiModel, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini api key is required")
	}

	llm, err := gemini.NewModel(ctx, modelName, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini model: %w", err)
	}

	adkAgent, err := llmagent.New(llmagent.Config{
		Name:        "BidProposalWriter",
		Model:       llm,
		Description: "Writes bid proposal envelopes, auxiliary documents and budget research.",
		Instruction: systemPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bid proposal agent: %w", err)
	}

	sessionService := session.InMemoryService()
	r, err := runner.New(runner.Config{
		AppName:        geminiAppName,
		Agent:          adkAgent,
		SessionService: sessionService,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bid proposal runner: %w", err)
	}

	return &GeminiModel{modelName: modelName, runner: r, sessionService: sessionService}, nil
}

// Name implements TextModel.
func (m *GeminiModel) Name() string { return m.modelName }

// Generate implements TextModel. The agent carries the system prompt, so
// system is only prepended when it differs from the agent instruction.
func (m *GeminiModel) Generate(ctx context.Context, system, prompt string) (string, error) {
	sessionID := uuid.New().String()
	userID := "bids-" + sessionID

	if _, err := m.sessionService.Create(ctx, &session.CreateRequest{
		AppName:   geminiAppName,
		UserID:    userID,
		SessionID: sessionID,
	}); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = m.sessionService.Delete(context.WithoutCancel(ctx), &session.DeleteRequest{
			AppName:   geminiAppName,
			UserID:    userID,
			SessionID: sessionID,
		})
	}()

	if system != "" && system != systemPrompt {
		prompt = system + "\n\n" + prompt
	}
	msg := &genai.Content{
		Role:  "user",
		Parts: []*genai.Part{{Text: prompt}},
	}

	var out strings.Builder
	runConfig := agent.RunConfig{StreamingMode: agent.StreamingModeNone}
	for event, err := range m.runner.Run(ctx, userID, sessionID, msg, runConfig) {
		if err != nil {
			return "", fmt.Errorf("run failed: %w", err)
		}
		if event.Content == nil {
			continue
		}
		for _, part := range event.Content.Parts {
			out.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(out.String()), nil
}
