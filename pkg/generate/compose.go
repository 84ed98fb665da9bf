package generate

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Compose renders the artifact as one complete HTML document with the CSS
// inlined into a <style> element at the end of <head>.
func Compose(a Artifact) (string, error) {
	doc, err := html.Parse(strings.NewReader(a.HTML))
	if err != nil {
		return "", fmt.Errorf("parsing artifact html: %w", err)
	}

	if doc.FirstChild == nil || doc.FirstChild.Type != html.DoctypeNode {
		doc.InsertBefore(&html.Node{Type: html.DoctypeNode, Data: "html"}, doc.FirstChild)
	}

	if css := strings.TrimSpace(a.CSS); css != "" {
		head := findElement(doc, atom.Head)
		if head == nil {
			return "", fmt.Errorf("artifact html has no head")
		}

		style := &html.Node{Type: html.ElementNode, DataAtom: atom.Style, Data: "style"}
		style.AppendChild(&html.Node{Type: html.TextNode, Data: "\n" + css + "\n"})
		head.AppendChild(style)
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", fmt.Errorf("rendering document: %w", err)
	}

	return buf.String(), nil
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}

	return nil
}
