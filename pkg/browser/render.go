package browser

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// RenderText converts the inner HTML of an assistant reply into plain text.
// Paragraphs are separated by blank lines, lists keep their markers, headings
// become '#' lines and preformatted blocks become fenced code blocks with the
// language taken from a "language-*" class. Scripts, styles and buttons (the
// "Copy code" kind) are dropped.
func RenderText(fragment string) (string, error) {
	context := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), context)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	r := &renderer{}
	for _, n := range nodes {
		r.node(n)
	}
	return strings.TrimSpace(r.b.String()), nil
}

type renderer struct {
	b        strings.Builder
	newlines int   // trailing newlines already written
	space    bool  // whitespace seen since the last word
	lists    []int // -1 for unordered, else the next ordinal
}

func (r *renderer) node(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		r.text(n.Data)
		return
	case html.ElementNode:
	default:
		r.children(n)
		return
	}

	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Svg, atom.Button, atom.Template:
		return

	case atom.Br:
		r.raw("\n")

	case atom.Pre:
		r.breakLines(2)
		lang, body := codeBlock(n)
		r.raw("```" + lang + "\n")
		r.raw(strings.TrimRight(body, "\n"))
		r.raw("\n```")
		r.breakLines(2)

	case atom.Code:
		r.word("`" + textContent(n) + "`")

	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(n.Data[1] - '0')
		r.breakLines(2)
		r.word(strings.Repeat("#", level) + " ")
		r.space = false
		r.children(n)
		r.breakLines(2)

	case atom.Ul, atom.Ol:
		sep := 2
		if len(r.lists) > 0 {
			sep = 1
		}
		r.breakLines(sep)
		next := -1
		if n.DataAtom == atom.Ol {
			next = 1
		}
		r.lists = append(r.lists, next)
		r.children(n)
		r.lists = r.lists[:len(r.lists)-1]
		r.breakLines(sep)

	case atom.Li:
		r.breakLines(1)
		marker := "- "
		if depth := len(r.lists); depth > 0 {
			marker = strings.Repeat("  ", depth-1) + marker
			if ord := r.lists[depth-1]; ord > 0 {
				marker = strings.Repeat("  ", depth-1) + strconv.Itoa(ord) + ". "
				r.lists[depth-1]++
			}
		}
		r.word(marker)
		r.space = false
		r.children(n)
		r.breakLines(1)

	case atom.P, atom.Blockquote, atom.Table, atom.Hr:
		r.breakLines(2)
		r.children(n)
		r.breakLines(2)

	case atom.Div, atom.Section, atom.Article, atom.Tr, atom.Header, atom.Footer:
		r.breakLines(1)
		r.children(n)
		r.breakLines(1)

	case atom.Td, atom.Th:
		r.children(n)
		r.space = true

	default:
		r.children(n)
	}
}

func (r *renderer) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.node(c)
	}
}

// text writes s with runs of whitespace collapsed.
func (r *renderer) text(s string) {
	if s == "" {
		return
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		r.space = true
		return
	}
	if isSpace(s[0]) {
		r.space = true
	}
	r.word(strings.Join(fields, " "))
	r.space = isSpace(s[len(s)-1])
}

// word writes s verbatim, preceded by one space when whitespace is pending
// mid-line.
func (r *renderer) word(s string) {
	if s == "" {
		return
	}
	if r.space && r.b.Len() > 0 && r.newlines == 0 {
		r.b.WriteByte(' ')
	}
	r.b.WriteString(s)
	r.newlines = 0
	r.space = false
}

func (r *renderer) raw(s string) {
	if s == "" {
		return
	}
	r.b.WriteString(s)
	trimmed := strings.TrimRight(s, "\n")
	if trimmed == "" {
		r.newlines += len(s)
	} else {
		r.newlines = len(s) - len(trimmed)
	}
	r.space = false
}

// breakLines ends the current line so that at least n newlines separate what
// follows. It is a no-op at the start of the output.
func (r *renderer) breakLines(n int) {
	if r.b.Len() == 0 {
		return
	}
	for r.newlines < n {
		r.b.WriteByte('\n')
		r.newlines++
	}
	r.space = false
}

// codeBlock returns the language and text of a <pre> block. When the block
// wraps a <code> element only that element is used, which drops the
// language labels some front-ends render inside the block header.
func codeBlock(pre *html.Node) (lang, body string) {
	code := findElement(pre, atom.Code)
	if code == nil {
		return "", textContent(pre)
	}
	for _, attr := range code.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, class := range strings.Fields(attr.Val) {
			if l, ok := strings.CutPrefix(class, "language-"); ok {
				lang = l
			}
		}
	}
	return lang, textContent(code)
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			return c
		}
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

// textContent concatenates the text below n verbatim, skipping the elements
// the renderer drops.
func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Button, atom.Svg:
				return
			case atom.Br:
				b.WriteByte('\n')
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r' || c == '\f'
}
