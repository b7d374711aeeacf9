// Package extract pulls structured field values out of a transcript using
// an LLM, constrained to the fields a tenant's schema mapping declares.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/herdsync/herdsync/internal/config"
	"github.com/herdsync/herdsync/internal/model"
	"github.com/herdsync/herdsync/pkg/anthropic"
)

// Result is a completed extraction. Data is keyed by the mapping's canonical
// field keys; Confidence is the model's overall self-assessment in [0, 1].
type Result struct {
	Data       map[string]any `json:"data"`
	Confidence float64        `json:"confidence"`
}

// Extractor derives structured data from a transcript.
type Extractor interface {
	Extract(ctx context.Context, transcript string, mapping *model.SchemaMapping) (*Result, error)
}

// LLMExtractor implements Extractor with the Anthropic API.
type LLMExtractor struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
}

// NewLLMExtractor creates an LLMExtractor from config.
func NewLLMExtractor(client anthropic.Client, cfg config.AnthropicConfig) *LLMExtractor {
	return &LLMExtractor{
		client:      client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

// Extract asks the model for a JSON object covering the mapping's fields.
// The schema portion of the prompt is cache-controlled because every
// recording for the same tenant and entity type shares it.
func (e *LLMExtractor) Extract(ctx context.Context, transcript string, mapping *model.SchemaMapping) (*Result, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, eris.New("extract: empty transcript")
	}

	temp := e.temperature
	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       e.model,
		MaxTokens:   e.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(buildSystemPrompt(mapping)),
		Messages:    []anthropic.Message{{Role: "user", Content: buildUserPrompt(transcript)}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrap(err, "extract: create message")
	}

	resp.Usage.LogCost(e.model, "extract")

	text := extractText(resp)
	cleaned := cleanJSON(text)

	var raw struct {
		Fields     map[string]any `json:"fields"`
		Confidence float64        `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		zap.L().Debug("malformed extraction response",
			zap.String("entity_type", mapping.EntityType),
			zap.Error(err))
		return nil, eris.Wrap(err, "extract: parse model output")
	}
	if raw.Fields == nil {
		return nil, eris.New("extract: model output missing fields object")
	}

	return &Result{Data: raw.Fields, Confidence: raw.Confidence}, nil
}

// buildSystemPrompt renders the mapping's fields as extraction instructions.
func buildSystemPrompt(mapping *model.SchemaMapping) string {
	var sb strings.Builder
	sb.WriteString("You extract structured farm records from voice note transcripts.\n")
	sb.WriteString("Return ONLY a JSON object of this shape, no prose:\n")
	sb.WriteString(`{"fields": {<field key>: <value>, ...}, "confidence": <0..1>}` + "\n\n")
	sb.WriteString("Record type: " + mapping.EntityType + "\n")
	sb.WriteString("Fields to extract:\n")

	for _, f := range mapping.Fields {
		sb.WriteString("- " + f.Key + " (" + string(f.Type))
		if f.Required {
			sb.WriteString(", required")
		}
		sb.WriteString(")")
		if len(f.Enum) > 0 {
			sb.WriteString(": one of " + strings.Join(f.Enum, ", "))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\nOmit a field entirely when the transcript does not mention it. ")
	sb.WriteString("Dates as YYYY-MM-DD. Never invent values.")
	return sb.String()
}

func buildUserPrompt(transcript string) string {
	return fmt.Sprintf("Transcript:\n%s", transcript)
}

// extractText concatenates all text content blocks.
func extractText(resp *anthropic.MessageResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "" || b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// cleanJSON strips markdown fences and extracts the JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
