// Package detector decides when a fetched page has to be rendered in a
// browser before its fields can be located.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
)

// Heuristic flags pages whose visible text is too thin to hold a listing or a
// product card.
type Heuristic struct {
	// MinTextChars is the visible-text size below which a page is suspect.
	MinTextChars int
}

// NewHeuristic creates a new detector.
func NewHeuristic(minTextChars int) *Heuristic {
	if minTextChars <= 0 {
		minTextChars = 512
	}
	return &Heuristic{MinTextChars: minTextChars}
}

// Mount points and hydration payloads of client-side storefront frameworks.
var appShellMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="__nuxt"`),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// ShouldRender reports whether resp looks like an unrendered app shell.
// Only successful responses qualify.
func (h *Heuristic) ShouldRender(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK || resp.UsedHeadless {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}
	scriptChars := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		scriptChars += len(s.Text())
	})
	doc.Find("script, style, noscript, template").Remove()
	textChars := len(strings.Join(strings.Fields(doc.Find("body").Text()), " "))
	if textChars >= h.MinTextChars {
		return false
	}
	if scriptChars > textChars {
		return true
	}
	for _, marker := range appShellMarkers {
		if bytes.Contains(resp.Body, marker) {
			return true
		}
	}
	return false
}
