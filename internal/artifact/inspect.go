package artifact

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// textPolicy strips all markup from text fields surfaced to the shell.
var textPolicy = bluemonday.StrictPolicy()

// Document is the parsed view of a normalized artifact handed to the
// execution host.
type Document struct {
	HTML    string   // full normalized markup
	Title   string   // sanitized document title, may be empty
	Scripts []string // inline script bodies in document order
}

// Inspect parses normalized markup and extracts the inline scripts the host
// will execute plus a sanitized title for diagnostics. Malformed markup is
// tolerated; the HTML parser recovers and whatever scripts it finds are
// returned.
func Inspect(html string) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Document{HTML: html}, err
	}

	title := strings.TrimSpace(textPolicy.Sanitize(doc.Find("title").First().Text()))

	var scripts []string
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if _, external := s.Attr("src"); external {
			// External sources are denied by policy and never fetched.
			return
		}
		if body := s.Text(); strings.TrimSpace(body) != "" {
			scripts = append(scripts, body)
		}
	})

	return Document{HTML: html, Title: title, Scripts: scripts}, nil
}
