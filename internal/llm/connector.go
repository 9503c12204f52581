// Package llm wraps the language model providers behind a small client
// interface with retry and JSON repair.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Provider names a model backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderGoogleAI  Provider = "googleai"
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
)

// ErrDisabled is returned when no provider is configured.
var ErrDisabled = errors.New("llm disabled")

// Options configure a Connector.
type Options struct {
	Provider    Provider
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Client generates text. Image is optional; MIME describes it.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
	GenerateWithImage(ctx context.Context, prompt string, image []byte, mime string) (string, error)
}

// Connector is a Client over a langchaingo model.
type Connector struct {
	model   llms.Model
	options Options
}

// NewConnector builds the model for opts.Provider.
func NewConnector(ctx context.Context, opts Options) (*Connector, error) {
	if opts.Provider == "" {
		return nil, ErrDisabled
	}
	log.Debug().
		Str("provider", string(opts.Provider)).
		Str("model", opts.Model).
		Float64("temperature", opts.Temperature).
		Msg("creating llm connector")

	var (
		model llms.Model
		err   error
	)
	switch opts.Provider {
	case ProviderOpenAI:
		o := []openai.Option{openai.WithModel(opts.Model), openai.WithToken(opts.APIKey)}
		if opts.BaseURL != "" {
			o = append(o, openai.WithBaseURL(opts.BaseURL))
		}
		model, err = openai.New(o...)
	case ProviderGoogleAI:
		o := []googleai.Option{googleai.WithAPIKey(opts.APIKey)}
		if opts.Model != "" {
			o = append(o, googleai.WithDefaultModel(opts.Model))
		}
		model, err = googleai.New(ctx, o...)
	case ProviderAnthropic:
		model, err = anthropic.New(anthropic.WithToken(opts.APIKey), anthropic.WithModel(opts.Model))
	case ProviderOllama:
		url := opts.BaseURL
		if url == "" {
			url = "http://localhost:11434"
		}
		model, err = ollama.New(ollama.WithServerURL(url), ollama.WithModel(opts.Model))
	default:
		return nil, fmt.Errorf("unsupported provider: %s", opts.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create model for provider %s: %w", opts.Provider, err)
	}
	return &Connector{model: model, options: opts}, nil
}

func (c *Connector) callOptions() []llms.CallOption {
	opts := []llms.CallOption{llms.WithTemperature(c.options.Temperature)}
	if c.options.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.options.MaxTokens))
	}
	if c.options.Provider == ProviderGoogleAI && c.options.Model != "" {
		opts = append(opts, llms.WithModel(c.options.Model))
	}
	return opts
}

// Generate sends a single text prompt.
func (c *Connector) Generate(ctx context.Context, prompt string) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, c.model, prompt, c.callOptions()...)
}

// GenerateWithImage sends a prompt together with an image.
func (c *Connector) GenerateWithImage(ctx context.Context, prompt string, image []byte, mime string) (string, error) {
	msg := llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.BinaryPart(mime, image), llms.TextPart(prompt)},
	}
	resp, err := c.model.GenerateContent(ctx, []llms.MessageContent{msg}, c.callOptions()...)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from %s", c.options.Provider)
	}
	return resp.Choices[0].Content, nil
}

// Provider returns the configured provider.
func (c *Connector) Provider() Provider { return c.options.Provider }
