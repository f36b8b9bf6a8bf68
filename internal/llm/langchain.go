package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangchainProvider implements Provider on top of a langchaingo model.
type LangchainProvider struct {
	model       llms.Model
	temperature float64
	maxTokens   int
}

// NewOpenAI creates a provider backed by the OpenAI chat API.
func NewOpenAI(apiKey, model string) (*LangchainProvider, error) {
	m, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
	}
	return newLangchain(m), nil
}

// NewOllama creates a provider backed by a local Ollama server.
func NewOllama(serverURL, model string) (*LangchainProvider, error) {
	opts := []ollama.Option{ollama.WithModel(model)}
	if serverURL != "" {
		opts = append(opts, ollama.WithServerURL(serverURL))
	}
	m, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Ollama client: %w", err)
	}
	return newLangchain(m), nil
}

func newLangchain(m llms.Model) *LangchainProvider {
	return &LangchainProvider{
		model:       m,
		temperature: 0.7,
		maxTokens:   2000,
	}
}

// SetTemperature sets the sampling temperature for completions.
func (p *LangchainProvider) SetTemperature(temp float64) {
	p.temperature = temp
}

// SetMaxTokens sets the max tokens for completions.
func (p *LangchainProvider) SetMaxTokens(tokens int) {
	p.maxTokens = tokens
}

// Complete implements Provider.
func (p *LangchainProvider) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := llms.GenerateFromSinglePrompt(ctx, p.model, prompt,
		llms.WithTemperature(p.temperature),
		llms.WithMaxTokens(p.maxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("completion failed: %w", err)
	}
	return resp, nil
}

// CompleteJSON implements Provider.
func (p *LangchainProvider) CompleteJSON(ctx context.Context, prompt string, out interface{}) error {
	resp, err := llms.GenerateFromSinglePrompt(ctx, p.model, prompt,
		llms.WithTemperature(p.temperature),
		llms.WithMaxTokens(p.maxTokens),
		llms.WithJSONMode(),
	)
	if err != nil {
		return fmt.Errorf("completion failed: %w", err)
	}
	return DecodeJSON(resp, out)
}
