package usage

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// markdown renders GitHub-flavored markdown, tables included.
var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// RenderHTML renders a comment body to HTML the way it appears on the issue.
func RenderHTML(comment string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(comment), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.String(), nil
}
