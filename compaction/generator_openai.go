package compaction

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIGenerator produces structured output through a json_schema
// response format.
type OpenAIGenerator struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAIGenerator creates a new OpenAIGenerator.
func NewOpenAIGenerator(client *openai.Client, model string, maxTokens int) *OpenAIGenerator {
	if model == "" {
		model = DefaultOpenAIModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultSummarizerMaxTokens
	}
	return &OpenAIGenerator{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
	}
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, req GenerateRequest) (json.RawMessage, error) {
	if g.client == nil {
		return nil, ErrModelNotConfigured
	}

	model := req.Model
	if model == "" {
		model = g.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}
	name := req.SchemaName
	if name == "" {
		name = OutputSchemaName
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        name,
					Description: openai.String("Compaction decision for a chat transcript"),
					Schema:      req.Schema,
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSummarizationFailed, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response contained no choices", ErrInvalidSummary)
	}
	return json.RawMessage(resp.Choices[0].Message.Content), nil
}
