// ABOUTME: Plain-text previews of message bodies for conversation lists
// ABOUTME: Parses the body as Markdown with goldmark and keeps only the text nodes

package conversation

import (
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/2389/parley-gateway/internal/store"
)

// ImagePreview is shown for messages that carry only an image.
const ImagePreview = "Sent an image"

var markdown = goldmark.New()

// Preview renders a one-line plain-text summary of msg, cut to at most max
// runes (max <= 0 means no limit).
func Preview(msg *store.Message, max int) string {
	if msg == nil {
		return ""
	}
	if msg.Body == nil || strings.TrimSpace(*msg.Body) == "" {
		if msg.Image != nil && *msg.Image != "" {
			return ImagePreview
		}
		return ""
	}
	return truncate(PlainText(*msg.Body), max)
}

// PlainText strips Markdown formatting from body and collapses whitespace.
func PlainText(body string) string {
	source := []byte(body)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock {
				b.WriteByte(' ')
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(node.Value)
		case *ast.CodeSpan:
			for c := node.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					b.Write(t.Segment.Value(source))
				}
			}
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(source))
			}
			return ast.WalkSkipChildren, nil
		case *ast.AutoLink:
			b.Write(node.URL(source))
		}
		return ast.WalkContinue, nil
	})

	return strings.Join(strings.Fields(b.String()), " ")
}

func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max == 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}
