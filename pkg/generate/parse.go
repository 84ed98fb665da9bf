package generate

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// ParseCompletion validates raw completion text and extracts the artifact.
// The text must be a JSON object with a non-empty "html" field containing at
// least one element, optionally wrapped in a markdown code fence.
func ParseCompletion(text string) (Artifact, error) {
	body := stripFence(strings.TrimSpace(text))
	if body == "" {
		return Artifact{}, failf(nil, "empty completion")
	}

	var a Artifact

	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(&a); err != nil {
		return Artifact{}, failf(err, "completion is not a JSON artifact")
	}

	if dec.More() {
		return Artifact{}, failf(nil, "completion has trailing content after the artifact")
	}

	a.HTML = strings.TrimSpace(a.HTML)
	a.CSS = strings.TrimSpace(a.CSS)

	if a.HTML == "" {
		return Artifact{}, failf(nil, "artifact has no html")
	}

	if err := checkMarkup(a.HTML); err != nil {
		return Artifact{}, failf(err, "artifact html is not markup")
	}

	return a, nil
}

// stripFence removes a surrounding ``` or ```json fence.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}

	s = strings.TrimSpace(s)

	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

var errNoElements = errors.New("no elements found")

// checkMarkup requires at least one start tag.
func checkMarkup(doc string) error {
	z := html.NewTokenizer(strings.NewReader(doc))

	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != nil && !errors.Is(err, io.EOF) {
				return err
			}

			return errNoElements
		case html.StartTagToken, html.SelfClosingTagToken:
			return nil
		}
	}
}
