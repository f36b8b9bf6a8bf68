// Package llm wraps the language-model service behind a small provider
// interface. The planner and the learning analyzer only ever need a
// prompt-in, text-or-JSON-out call.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Provider is the language-model invocation service.
type Provider interface {
	// Complete sends a prompt and returns the raw text response.
	Complete(ctx context.Context, prompt string) (string, error)
	// CompleteJSON sends a prompt expecting a JSON object response and
	// unmarshals it into out. Markdown code fences around the object
	// are tolerated.
	CompleteJSON(ctx context.Context, prompt string, out interface{}) error
}

// DecodeJSON unmarshals a model response into out, stripping markdown
// code fences and leading/trailing prose the model may have added.
func DecodeJSON(text string, out interface{}) error {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		if idx := strings.LastIndex(cleaned, "```"); idx >= 0 {
			cleaned = cleaned[:idx]
		}
		cleaned = strings.TrimSpace(cleaned)
	}
	// Some models wrap the object in prose; cut to the outermost braces.
	if !strings.HasPrefix(cleaned, "{") {
		start := strings.Index(cleaned, "{")
		end := strings.LastIndex(cleaned, "}")
		if start < 0 || end <= start {
			return fmt.Errorf("no JSON object in model response")
		}
		cleaned = cleaned[start : end+1]
	}
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return fmt.Errorf("failed to parse model response: %w", err)
	}
	return nil
}
