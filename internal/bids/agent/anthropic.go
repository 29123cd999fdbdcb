package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicModel runs single-turn completions through the Messages API.
type AnthropicModel struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

// NewAnthropicModel creates a Messages API backed model.
func NewAnthropicModel(apiKey, model string, maxTokens int) (*AnthropicModel, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &AnthropicModel{
		client:    sdk.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: int64(maxTokens),
	}, nil
}

// Name implements TextModel.
func (m *AnthropicModel) Name() string { return m.model }

// Generate implements TextModel.
func (m *AnthropicModel) Generate(ctx context.Context, system, prompt string) (string, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(m.model),
		MaxTokens: m.maxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	msg, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic: create message: %w", err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if msg.StopReason == sdk.StopReasonMaxTokens {
		return "", fmt.Errorf("anthropic: output truncated at %d tokens", m.maxTokens)
	}
	return strings.TrimSpace(out.String()), nil
}
