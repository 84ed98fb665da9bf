package generate

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"github.com/sitewright/sitewright/pkg/config"
)

const systemPrompt = `You build single-page websites.
Reply with one JSON object and nothing else, shaped exactly as:
{"html": "<complete HTML document>", "css": "<stylesheet>"}
The html must be a full document with <head> and <body>. Put all styling in css,
not in <style> tags. Do not reference external scripts.`

// Compile-time interface check.
var _ Generator = (*OpenAIProvider)(nil)

// OpenAIProvider generates artifacts through an OpenAI-compatible
// chat completions endpoint.
type OpenAIProvider struct {
	log         logrus.FieldLogger
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
}

// NewOpenAIProvider creates a provider from the generation config.
func NewOpenAIProvider(log logrus.FieldLogger, cfg *config.GenerationConfig) *OpenAIProvider {
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil || timeout <= 0 {
		timeout, _ = time.ParseDuration(config.DefaultGenerationTimeout)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		log:         log.WithField("component", "generate"),
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: float32(cfg.Temperature),
		timeout:     timeout,
	}
}

// Generate sends one completion request. Failures of any kind are returned
// as *Error.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string) (Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return Artifact{}, p.completionError(err)
	}

	p.log.WithFields(logrus.Fields{
		"model":    p.model,
		"tokens":   resp.Usage.TotalTokens,
		"duration": time.Since(start).String(),
	}).Debug("Completion response received")

	if len(resp.Choices) == 0 {
		return Artifact{}, failf(nil, "response has no choices")
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonLength {
		return Artifact{}, failf(nil, "completion truncated at max_tokens")
	}

	return ParseCompletion(choice.Message.Content)
}

// completionError maps client errors onto *Error reasons.
func (p *OpenAIProvider) completionError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return failf(err, "completion timed out after %s", p.timeout)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return failf(err, "provider error: %s: %s", apiErr.Type, apiErr.Message)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return failf(err, "unexpected status %d", reqErr.HTTPStatusCode)
	}

	return failf(err, "send request")
}

func (p *OpenAIProvider) String() string {
	return fmt.Sprintf("openai(%s)", p.model)
}
