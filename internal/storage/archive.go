// Package storage lays out archived origin pages on top of a blob backend.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
)

// Archive writes fetched origin pages under a stable key layout.
type Archive struct {
	blobs  crawler.BlobStore
	prefix string
}

// NewArchive wraps blobs. A nil blob store yields a nil Archive, which
// discards every page.
func NewArchive(blobs crawler.BlobStore, prefix string) *Archive {
	if blobs == nil {
		return nil
	}
	return &Archive{blobs: blobs, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key of one archived origin page.
func (a *Archive) Key(sourceID string, fetchedAt time.Time) string {
	name := fmt.Sprintf("%s.html", fetchedAt.UTC().Format("20060102T150405Z"))
	return path.Join(a.prefix, "sources", sourceID, name)
}

// SaveOrigin stores the origin page body and returns its URI. A nil Archive
// returns an empty URI.
func (a *Archive) SaveOrigin(ctx context.Context, sourceID string, fetchedAt time.Time, body []byte) (string, error) {
	if a == nil {
		return "", nil
	}
	uri, err := a.blobs.PutObject(ctx, a.Key(sourceID, fetchedAt), "text/html; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive origin page: %w", err)
	}
	return uri, nil
}
