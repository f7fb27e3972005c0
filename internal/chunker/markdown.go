package chunker

import (
	"path"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/xxxsen/docindex/internal/model"
)

// markdownItems splits a markdown page into one item per H1/H2 section.
// Text before the first heading belongs to the page itself.
func markdownItems(page model.Page) ([]item, []string, error) {
	stem := strings.TrimSuffix(path.Base(page.Path), ".md")
	if stem == "" || stem == "." {
		return nil, nil, parseError(page.Path, "empty markdown name")
	}
	source := []byte(page.Markup)
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	var items []item
	current := stem
	var parts []string
	flush := func() {
		if len(parts) > 0 {
			items = append(items, item{path: current, text: strings.Join(parts, "\n\n")})
		}
		parts = nil
	}
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		switch n := node.(type) {
		case *ast.Heading:
			heading := extractText(n, source)
			if n.Level <= 2 && heading != "" {
				flush()
				current = stem + "::" + heading
				continue
			}
			if heading != "" {
				parts = append(parts, heading)
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if code := strings.TrimRight(codeLines(n, source), "\n"); strings.TrimSpace(code) != "" {
				parts = append(parts, code)
			}
		default:
			if txt := extractText(n, source); txt != "" {
				parts = append(parts, txt)
			}
		}
	}
	flush()
	return items, nil, nil
}

func codeLines(n ast.Node, source []byte) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		sb.Write(line.Value(source))
	}
	return sb.String()
}

func extractText(n ast.Node, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := node.(type) {
		case *ast.ListItem:
			sb.WriteByte(' ')
		case *ast.Text:
			sb.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			sb.WriteString(codeLines(t, source))
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}
