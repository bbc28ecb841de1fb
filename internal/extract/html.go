package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// node helpers over x/net/html. The extractor never mutates the tree.

func parseHTML(body string) (*html.Node, error) {
	return html.Parse(strings.NewReader(body))
}

func walk(n *html.Node, visit func(*html.Node)) {
	visit(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

// textNodes returns every non-empty text node's normalized content, in
// document order.
func textNodes(doc *html.Node) []string {
	var out []string
	walk(doc, func(n *html.Node) {
		if n.Type != html.TextNode {
			return
		}
		if n.Parent != nil && (n.Parent.Data == "style" || n.Parent.Data == "script") {
			return
		}
		text := normalizeText(n.Data)
		if text != "" {
			out = append(out, text)
		}
	})
	return out
}

// textContent flattens the subtree's text into one normalized string.
func textContent(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteString(" ")
		}
	})
	return normalizeText(b.String())
}

func attrValue(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func isElement(n *html.Node, names ...string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, name := range names {
		if n.Data == name {
			return true
		}
	}
	return false
}

// headings returns the normalized text of every h1-h3 element, in order.
func headings(doc *html.Node) []string {
	var out []string
	walk(doc, func(n *html.Node) {
		if isElement(n, "h1", "h2", "h3") {
			if text := textContent(n); text != "" {
				out = append(out, text)
			}
		}
	})
	return out
}

// roomAnchors returns link nodes that point at a listing page.
func roomAnchors(doc *html.Node) []*html.Node {
	var out []*html.Node
	walk(doc, func(n *html.Node) {
		if isElement(n, "a") && strings.Contains(attrValue(n, "href"), "/rooms") {
			out = append(out, n)
		}
	})
	return out
}

// nearestHeading finds the closest h1-h3 preceding n, walking siblings then
// ancestors. Used when a room link itself carries no usable label.
func nearestHeading(n *html.Node) string {
	for cur := n; cur != nil; cur = cur.Parent {
		for sib := cur.PrevSibling; sib != nil; sib = sib.PrevSibling {
			if isElement(sib, "h1", "h2", "h3") {
				if text := textContent(sib); text != "" {
					return text
				}
			}
		}
	}
	return ""
}

var quoteReplacer = strings.NewReplacer(
	"‘", "'", "’", "'",
	"“", `"`, "”", `"`,
	" ", " ",
)

// normalizeText folds unicode quotes to ASCII, replaces non-breaking spaces
// and collapses runs of whitespace.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(quoteReplacer.Replace(s)), " ")
}
