// Package harvest collects product URLs from listing pages.
package harvest

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"

	"github.com/antchfx/htmlquery"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
	"github.com/nekoteam-llc/nekoparser/internal/urlutil"
)

// Harvester matches listing links against a source's product regex.
type Harvester struct {
	product *regexp.Regexp
}

// New compiles the product-URL regex.
func New(productRegex string) (*Harvester, error) {
	re, err := regexp.Compile(productRegex)
	if err != nil {
		return nil, fmt.Errorf("%w: compile product regex: %v", crawler.ErrInvalidLocators, err)
	}
	return &Harvester{product: re}, nil
}

// Links returns every product URL linked from body, in document order and
// possibly with duplicates. Path-absolute hrefs are resolved against the
// origin of pageURL before matching; the first regex match is the product URL.
func (h *Harvester) Links(pageURL string, body []byte) ([]string, error) {
	doc, err := htmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing page: %w", err)
	}
	var out []string
	for _, a := range htmlquery.Find(doc, "//a[@href]") {
		link := urlutil.Resolve(pageURL, htmlquery.SelectAttr(a, "href"))
		if m := h.product.FindString(link); m != "" {
			out = append(out, m)
		}
	}
	return out, nil
}

// Set accumulates product URLs across the pages of one chunk.
type Set map[string]struct{}

// Add inserts urls.
func (s Set) Add(urls ...string) {
	for _, u := range urls {
		s[u] = struct{}{}
	}
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for u := range s {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
