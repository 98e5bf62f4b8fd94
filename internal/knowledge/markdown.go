package knowledge

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// PlainText renders markdown source as plain text, one line per block
func PlainText(src []byte) string {
	doc := markdown.Parser().Parse(text.NewReader(src))

	var sb strings.Builder
	atLineStart := true
	write := func(b []byte) {
		if len(b) == 0 {
			return
		}
		sb.Write(b)
		atLineStart = b[len(b)-1] == '\n'
	}

	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				write(node.Segment.Value(src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					write([]byte(" "))
				}
			}
		case *ast.String:
			if entering {
				write(node.Value)
			}
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					write(seg.Value(src))
				}
				if !atLineStart {
					write([]byte("\n"))
				}
				return ast.WalkSkipChildren, nil
			}
		default:
			if !entering && n.Type() == ast.TypeBlock && !atLineStart {
				write([]byte("\n"))
			}
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(sb.String())
}
