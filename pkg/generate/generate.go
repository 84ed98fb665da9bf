// Package generate turns a site description into an HTML/CSS artifact by
// calling a completion provider and validating what comes back.
package generate

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/sitewright/sitewright/pkg/config"
)

// Artifact is the structured output of one successful generation.
type Artifact struct {
	HTML string `json:"html"`
	CSS  string `json:"css"`
}

// Error is returned for every failed generation: transport failures,
// non-success responses, timeouts, and malformed completions alike.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generation failed: %s: %v", e.Reason, e.Err)
	}

	return "generation failed: " + e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

func failf(err error, format string, args ...any) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...), Err: err}
}

// Generator produces an artifact from a prompt. Implementations never retry.
type Generator interface {
	Generate(ctx context.Context, prompt string) (Artifact, error)
}

// New builds the Generator selected by cfg.Provider.
func New(log logrus.FieldLogger, cfg *config.GenerationConfig) (Generator, error) {
	switch cfg.Provider {
	case "stub", "":
		return NewStubProvider(), nil
	case "openai":
		return NewOpenAIProvider(log, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported generation provider: %s", cfg.Provider)
	}
}
