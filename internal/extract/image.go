package extract

import (
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
	"github.com/nekoteam-llc/nekoparser/internal/urlutil"
)

// imageSource returns the image URL addressed by node. An <img> yields its
// own src; any other element yields the descendant <img> with the longest
// src.
//
// The longest-src choice is inherited behaviour that tends to pick the full
// size asset over thumbnails; it is not a verified contract.
func imageSource(pageURL string, node *html.Node) string {
	var src string
	if node.Type == html.ElementNode && node.Data == "img" {
		src = htmlquery.SelectAttr(node, "src")
	} else {
		for _, img := range htmlquery.Find(node, ".//img") {
			if s := htmlquery.SelectAttr(img, "src"); len(s) > len(src) {
				src = s
			}
		}
	}
	if src == "" {
		return crawler.Placeholder
	}
	return urlutil.Resolve(pageURL, src)
}
