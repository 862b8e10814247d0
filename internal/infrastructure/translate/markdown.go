package translate

import (
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// markdownImages extracts image destinations (the `![...](url)` pattern)
// from a Markdown string, in document order. Used to recover images the
// assistant echoed into earlier turns as plain text.
func markdownImages(source string) []string {
	if source == "" {
		return nil
	}
	doc := markdown.Parser().Parse(text.NewReader([]byte(source)))

	var urls []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if img, ok := n.(*ast.Image); ok && len(img.Destination) > 0 {
			urls = append(urls, string(img.Destination))
		}
		return ast.WalkContinue, nil
	})
	return urls
}
