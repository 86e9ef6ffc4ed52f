// Package urlutil resolves links found on shop pages.
package urlutil

import (
	"net/url"
	"strings"
)

// Origin returns scheme://host[:port] of raw, or "" when raw has no host.
func Origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// Resolve prefixes path-absolute links ("/...") with the page origin.
// Protocol-relative links ("//cdn...") inherit the page scheme. Anything else
// is returned unchanged.
func Resolve(pageURL, link string) string {
	switch {
	case strings.HasPrefix(link, "//"):
		if u, err := url.Parse(pageURL); err == nil && u.Scheme != "" {
			return u.Scheme + ":" + link
		}
		return link
	case strings.HasPrefix(link, "/"):
		return Origin(pageURL) + link
	default:
		return link
	}
}
