package search

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// CleanSnippet strips HTML markup from a provider snippet and collapses
// whitespace. Brave and SearXNG wrap matched terms in <strong> and
// leave entities escaped; the model only needs the text.
func CleanSnippet(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return collapseSpace(s)
	}

	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapseSpace(b.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			switch tagAtom(z) {
			case atom.Script, atom.Style:
				skip++
			case atom.Br, atom.P, atom.Div, atom.Li:
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			switch tagAtom(z) {
			case atom.Script, atom.Style:
				if skip > 0 {
					skip--
				}
			case atom.P, atom.Div, atom.Li:
				b.WriteByte(' ')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func tagAtom(z *html.Tokenizer) atom.Atom {
	name, _ := z.TagName()
	return atom.Lookup(name)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
