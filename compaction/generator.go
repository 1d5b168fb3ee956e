package compaction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
)

// OutputSchemaName names the structured output of the compaction call.
const OutputSchemaName = "record_compaction"

// CompressionOutput is the structured output a remote summarizer must produce.
type CompressionOutput struct {
	SurvivingMessageIDs []string         `json:"surviving_message_ids,omitempty" jsonschema:"description=IDs of transcript messages to keep verbatim"`
	Artifacts           []OutputArtifact `json:"artifacts,omitempty" jsonschema:"description=Summaries replacing trimmed messages"`
	Notes               string           `json:"notes,omitempty" jsonschema:"description=Optional remarks about the decision"`
}

// OutputArtifact is one summary in CompressionOutput.
type OutputArtifact struct {
	Title            string   `json:"title,omitempty"`
	Summary          string   `json:"summary" jsonschema:"description=Dense summary of the trimmed messages"`
	Category         string   `json:"category,omitempty"`
	SourceMessageIDs []string `json:"source_message_ids,omitempty" jsonschema:"description=IDs of the messages this summary replaces"`
}

var (
	outputSchemaOnce sync.Once
	outputSchema     *jsonschema.Schema
)

// OutputSchema returns the JSON schema of CompressionOutput.
func OutputSchema() *jsonschema.Schema {
	outputSchemaOnce.Do(func() {
		r := jsonschema.Reflector{
			AllowAdditionalProperties: false,
			DoNotReference:            true,
		}
		outputSchema = r.Reflect(&CompressionOutput{})
	})
	return outputSchema
}

// GenerateRequest is a structured-generation call.
type GenerateRequest struct {
	Model      string
	System     string
	Prompt     string
	SchemaName string
	Schema     *jsonschema.Schema
	MaxTokens  int
}

// Generator performs a structured-generation call and returns the raw JSON
// object produced by the model.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (json.RawMessage, error)
}

// DecodeOutput strictly decodes a generator result.
func DecodeOutput(raw json.RawMessage) (*CompressionOutput, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrInvalidSummary)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var out CompressionOutput
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSummary, err)
	}
	return &out, nil
}

// schemaObject splits a schema into its top-level properties and required list.
func schemaObject(s *jsonschema.Schema) (map[string]any, []string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal output schema: %w", err)
	}
	var obj struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, nil, fmt.Errorf("failed to read output schema: %w", err)
	}
	return obj.Properties, obj.Required, nil
}
