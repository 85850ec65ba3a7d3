package fetch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// dropped elements never contribute text. The title is read from <head>
// separately.
var dropped = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
	atom.Form:     true,
}

// paragraphs start on a new paragraph.
var paragraphs = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Main: true, atom.H1: true, atom.H2: true, atom.H3: true,
	atom.H4: true, atom.H5: true, atom.H6: true, atom.Blockquote: true,
	atom.Pre: true, atom.Ul: true, atom.Ol: true, atom.Dl: true,
	atom.Table: true, atom.Figure: true, atom.Figcaption: true,
	atom.Details: true, atom.Summary: true, atom.Hr: true,
}

// lines end their line.
var lines = map[atom.Atom]bool{
	atom.Br: true, atom.Li: true, atom.Tr: true, atom.Dt: true, atom.Dd: true,
}

// page is the readable part of an HTML document.
type page struct {
	title string
	text  string
}

// readable parses an HTML document and returns its title and visible
// text. Unparseable input falls back to tokenizer text.
func readable(doc string) page {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return page{text: tokenText(doc)}
	}
	var w textWriter
	w.walk(root)
	return page{title: title(root), text: w.String()}
}

func title(root *html.Node) string {
	for n := range root.Descendants() {
		if n.Type == html.ElementNode && n.DataAtom == atom.Title {
			var sb strings.Builder
			for c := range n.Descendants() {
				if c.Type == html.TextNode {
					sb.WriteString(c.Data)
				}
			}
			return strings.Join(strings.Fields(sb.String()), " ")
		}
	}
	return ""
}

// textWriter accumulates words, collapsing whitespace and tracking
// pending line and paragraph breaks so none are emitted at the edges.
type textWriter struct {
	sb    strings.Builder
	brk   int // 0 none, 1 line, 2 paragraph
	space bool
}

func (w *textWriter) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.words(n.Data)
		return
	case html.ElementNode:
		if dropped[n.DataAtom] {
			return
		}
		if paragraphs[n.DataAtom] {
			w.breakAt(2)
		}
	}
	for c := range n.ChildNodes() {
		w.walk(c)
	}
	if n.Type == html.ElementNode {
		switch {
		case paragraphs[n.DataAtom]:
			w.breakAt(2)
		case lines[n.DataAtom]:
			w.breakAt(1)
		}
	}
}

func (w *textWriter) words(s string) {
	if s != "" && isSpace(s[0]) {
		w.space = true
	}
	for i, f := range strings.Fields(s) {
		if w.sb.Len() > 0 {
			switch {
			case w.brk == 2:
				w.sb.WriteString("\n\n")
			case w.brk == 1:
				w.sb.WriteByte('\n')
			case w.space || i > 0:
				w.sb.WriteByte(' ')
			}
		}
		w.brk = 0
		w.space = false
		w.sb.WriteString(f)
	}
	if s != "" && isSpace(s[len(s)-1]) {
		w.space = true
	}
}

func (w *textWriter) breakAt(level int) {
	w.brk = max(w.brk, level)
}

func (w *textWriter) String() string { return w.sb.String() }

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r' || b == '\f'
}

// tokenText is the fallback for documents html.Parse rejects.
func tokenText(doc string) string {
	z := html.NewTokenizer(strings.NewReader(doc))
	var w textWriter
	for {
		switch z.Next() {
		case html.ErrorToken:
			return w.String()
		case html.TextToken:
			w.words(string(z.Text()))
		}
	}
}
