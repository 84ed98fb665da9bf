package generate

import (
	"context"
	"fmt"
	"html"
	"strings"
)

// Compile-time interface check.
var _ Generator = (*StubProvider)(nil)

// StubProvider builds a deterministic page from the prompt without calling
// any external service. Used when no provider is configured.
type StubProvider struct{}

// NewStubProvider creates a StubProvider.
func NewStubProvider() *StubProvider {
	return &StubProvider{}
}

const stubCSS = `body { font-family: system-ui, sans-serif; margin: 0; color: #1f2933; }
header { padding: 4rem 2rem; background: #f5f7fa; }
main { padding: 2rem; max-width: 48rem; }`

// Generate returns a simple landing page describing the prompt.
func (p *StubProvider) Generate(ctx context.Context, prompt string) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, failf(err, "generation cancelled")
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Artifact{}, failf(nil, "empty prompt")
	}

	title := prompt
	if r := []rune(title); len(r) > 60 {
		title = strings.TrimSpace(string(r[:60])) + "..."
	}

	doc := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>%s</title></head>
<body>
<header><h1>%s</h1></header>
<main><p>%s</p></main>
</body>
</html>`, html.EscapeString(title), html.EscapeString(title), html.EscapeString(prompt))

	return Artifact{HTML: doc, CSS: stubCSS}, nil
}
