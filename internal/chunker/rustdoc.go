package chunker

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/xxxsen/docindex/internal/model"
)

var memberPrefixes = []string{
	"method.",
	"tymethod.",
	"structfield.",
	"variant.",
	"associatedtype.",
	"associatedconstant.",
}

var spaceRegex = regexp.MustCompile(`\s+`)

// memberRegex matches a rustdoc member name, with the -N suffix rustdoc
// adds to repeated anchors.
var memberRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(-[0-9]+)?$`)

var blockTags = map[string]bool{
	"p": true, "div": true, "section": true, "li": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"table": true, "tr": true, "blockquote": true, "details": true, "summary": true, "dl": true, "dt": true, "dd": true,
}

// PagePath maps a rustdoc page path such as
// "tokio/1.0.0/tokio/sync/struct.Mutex.html" to "tokio::sync::Mutex".
// The crate root and module index pages map to the module path. ok is
// false for pages that document no item, like all.html.
func PagePath(path string) (itemPath string, ok bool, err error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 {
		return "", false, parseError(path, "unexpected page path")
	}
	modules := parts[2 : len(parts)-1]
	file := parts[len(parts)-1]
	if len(modules) == 0 {
		return "", false, parseError(path, "missing crate segment")
	}
	if file == "index.html" {
		return strings.Join(modules, "::"), true, nil
	}
	name := strings.TrimSuffix(file, ".html")
	if name == file {
		return "", false, parseError(path, "not an html page")
	}
	dot := strings.Index(name, ".")
	if dot <= 0 || dot == len(name)-1 {
		// all.html, help.html, settings.html
		return "", false, nil
	}
	return strings.Join(modules, "::") + "::" + name[dot+1:], true, nil
}

// rustdocItems extracts the docblocks of a page. A member section whose
// anchor or docblock cannot be read is left out and reported in skipped
// without failing the page.
func rustdocItems(page model.Page) ([]item, []string, error) {
	base, ok, err := PagePath(page.Path)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, nil
	}
	doc, err := html.Parse(strings.NewReader(page.Markup))
	if err != nil {
		return nil, nil, parseError(page.Path, err.Error())
	}

	var (
		items      []item
		skipped    []string
		index      = map[string]int{}
		member     string
		memberID   string
		badMember  bool
		recognised bool
	)
	emit := func(path, text string) {
		if text == "" {
			return
		}
		if i, ok := index[path]; ok {
			items[i].text += "\n\n" + text
			return
		}
		index[path] = len(items)
		items = append(items, item{path: path, text: text})
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if id, ok := attr(n, "id"); ok {
				if id == "main-content" {
					recognised = true
				}
				if m, ok := memberName(id); ok {
					member, memberID, badMember = m, id, !memberRegex.MatchString(m)
				} else if strings.HasPrefix(id, "impl-") {
					member, memberID, badMember = "", "", false
				}
			}
			if hasClass(n, "rustdoc") {
				recognised = true
			}
			if hasClass(n, "docblock") {
				recognised = true
				path := base
				text := blockText(n)
				if member != "" {
					if badMember || text == "" {
						skipped = append(skipped, page.Path+"#"+memberID)
						member, memberID, badMember = "", "", false
						return
					}
					path = base + "::" + member
					member, memberID = "", ""
				}
				emit(path, text)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if !recognised {
		return nil, nil, parseError(page.Path, "no rustdoc content")
	}
	return items, skipped, nil
}

func memberName(id string) (string, bool) {
	for _, prefix := range memberPrefixes {
		if strings.HasPrefix(id, prefix) && len(id) > len(prefix) {
			return id[len(prefix):], true
		}
	}
	return "", false
}

// blockText flattens a docblock into paragraphs separated by blank lines.
// Preformatted code keeps its line breaks.
func blockText(root *html.Node) string {
	var paras []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(spaceRegex.ReplaceAllString(cur.String(), " ")); s != "" {
			paras = append(paras, s)
		}
		cur.Reset()
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			cur.WriteString(n.Data)
			return
		case html.ElementNode:
			switch {
			case n.Data == "script" || n.Data == "style" || n.Data == "button":
				return
			case hasClass(n, "anchor") || hasClass(n, "doc-anchor") || hasClass(n, "tooltip"):
				return
			case n.Data == "pre":
				flush()
				if code := strings.Trim(textOf(n), "\n"); strings.TrimSpace(code) != "" {
					paras = append(paras, code)
				}
				return
			case n.Data == "br":
				cur.WriteString(" ")
				return
			}
		}
		block := n.Type == html.ElementNode && blockTags[n.Data]
		if block {
			flush()
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			flush()
		}
	}
	walk(root)
	flush()
	return strings.Join(paras, "\n\n")
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func hasClass(n *html.Node, class string) bool {
	v, ok := attr(n, "class")
	if !ok {
		return false
	}
	for _, c := range strings.Fields(v) {
		if c == class {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
