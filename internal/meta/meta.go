// Package meta derives display metadata for a freshly scraped source.
package meta

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/nekoteam-llc/nekoparser/internal/urlutil"
)

// Metadata holds the display fields of a source. Empty means not found.
type Metadata struct {
	Name        string
	Description string
	Image       string
	Keywords    string
}

// rule reads attr of the first node matching selector; an empty attr reads
// the node text.
type rule struct {
	selector string
	attr     string
}

var (
	nameRules        = []rule{{selector: "title"}}
	descriptionRules = []rule{
		{selector: `meta[name="description"]`, attr: "content"},
		{selector: `meta[property="og:description"]`, attr: "content"},
	}
	imageRules = []rule{
		{selector: `meta[property="og:image"]`, attr: "content"},
		{selector: `link[rel~="icon"]`, attr: "href"},
		{selector: `link[rel~="image_src"]`, attr: "href"},
	}
	keywordRules = []rule{{selector: `meta[name="keywords"]`, attr: "content"}}
)

// Extract applies each field's rules in order and keeps the first non-empty
// value. It never fails: unparsable input yields empty Metadata.
func Extract(body []byte, pageURL string) Metadata {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Metadata{}
	}
	md := Metadata{
		Name:        first(doc, nameRules),
		Description: first(doc, descriptionRules),
		Image:       first(doc, imageRules),
		Keywords:    first(doc, keywordRules),
	}
	if md.Image != "" {
		md.Image = urlutil.Resolve(pageURL, md.Image)
	}
	return md
}

// Keywords returns the page's meta keywords, or "" when absent.
func Keywords(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return first(doc, keywordRules)
}

func first(doc *goquery.Document, rules []rule) string {
	for _, r := range rules {
		sel := doc.Find(r.selector).First()
		if sel.Length() == 0 {
			continue
		}
		var value string
		if r.attr == "" {
			value = sel.Text()
		} else {
			value, _ = sel.Attr(r.attr)
		}
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}
