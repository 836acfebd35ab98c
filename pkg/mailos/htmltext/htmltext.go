// Package htmltext flattens HTML into readable plain text and offers a few
// node helpers for scraping.
package htmltext

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Node is a parsed HTML node.
type Node = html.Node

// blockAtoms end a line of text.
var blockAtoms = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Blockquote: true, atom.Pre: true, atom.Table: true, atom.Ul: true, atom.Ol: true,
	atom.Hr: true, atom.Section: true, atom.Article: true, atom.Header: true, atom.Footer: true,
}

// skipAtoms never contribute text.
var skipAtoms = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Head: true, atom.Noscript: true,
	atom.Template: true, atom.Iframe: true, atom.Svg: true,
}

// Convert parses HTML from r and returns its visible text. Runs of blank
// lines collapse to one.
func Convert(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}
	return Text(doc), nil
}

// FromString is Convert for an in-memory document. Unparseable input is
// returned unchanged.
func FromString(s string) string {
	out, err := Convert(strings.NewReader(s))
	if err != nil {
		return s
	}
	return out
}

// Parse parses an HTML document.
func Parse(b []byte) (*html.Node, error) {
	return html.Parse(bytes.NewReader(b))
}

// Text returns the visible text under n with block elements on their own
// lines.
func Text(n *html.Node) string {
	var buf strings.Builder
	walkText(n, &buf)
	return tidy(buf.String())
}

func walkText(n *html.Node, buf *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		buf.WriteString(n.Data)
		return
	case html.ElementNode:
		if skipAtoms[n.DataAtom] {
			return
		}
		if n.DataAtom == atom.Li {
			buf.WriteString("\n- ")
		} else if blockAtoms[n.DataAtom] {
			buf.WriteString("\n")
		}
		if n.DataAtom == atom.Td || n.DataAtom == atom.Th {
			buf.WriteString(" ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkText(c, buf)
	}
	if n.Type == html.ElementNode && blockAtoms[n.DataAtom] {
		buf.WriteString("\n")
	}
}

// tidy squeezes horizontal whitespace inside lines and collapses blank
// line runs.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := true
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// HasClass reports whether n carries class in its class attribute.
func HasClass(n *html.Node, class string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(a.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

// Attr returns the value of attribute key on n.
func Attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// FindAll returns every node under n (n included) matching match, in
// document order. Matches are not descended into.
func FindAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if match(n) {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

// FindFirst returns the first descendant of n matching match, or nil.
func FindFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if match(c) {
			return c
		}
		if found := FindFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

// ByClass is a matcher for FindAll and FindFirst.
func ByClass(class string) func(*html.Node) bool {
	return func(n *html.Node) bool { return HasClass(n, class) }
}
