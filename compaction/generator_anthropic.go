package compaction

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
)

// Anthropic generator defaults.
const (
	DefaultAnthropicModel      = "claude-3-5-haiku-20241022"
	DefaultSummarizerMaxTokens = 4096
)

// AnthropicGenerator produces structured output by forcing a single tool
// call whose input schema is the output schema.
type AnthropicGenerator struct {
	client    *anthropic.Client
	model     string
	maxTokens int
}

// NewAnthropicGenerator creates a new AnthropicGenerator.
func NewAnthropicGenerator(client *anthropic.Client, model string, maxTokens int) *AnthropicGenerator {
	if model == "" {
		model = DefaultAnthropicModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultSummarizerMaxTokens
	}
	return &AnthropicGenerator{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
	}
}

// Generate implements Generator.
func (g *AnthropicGenerator) Generate(ctx context.Context, req GenerateRequest) (json.RawMessage, error) {
	if g.client == nil {
		return nil, ErrModelNotConfigured
	}

	properties, required, err := schemaObject(req.Schema)
	if err != nil {
		return nil, err
	}

	toolName := req.SchemaName
	if toolName == "" {
		toolName = OutputSchemaName
	}
	toolParam := anthropic.ToolParam{
		Name:        toolName,
		Description: anthropic.String("Record which messages survive and the summaries replacing the rest"),
		InputSchema: anthropic.ToolInputSchemaParam{
			Type:       "object",
			Properties: properties,
			Required:   required,
		},
	}

	model := req.Model
	if model == "" {
		model = g.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Tools: []anthropic.ToolUnionParam{{OfTool: &toolParam}},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: toolName},
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	msg, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSummarizationFailed, err)
	}

	for _, block := range msg.Content {
		switch block := block.AsAny().(type) {
		case anthropic.ToolUseBlock:
			if block.Name == toolName {
				return block.Input, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: response contained no %s tool call", ErrInvalidSummary, toolName)
}
