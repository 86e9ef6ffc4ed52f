// Package ledger turns extracted records into content-addressed products and
// writes them in batched upserts.
package ledger

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
)

// Ledger keys records by the hash of their identity field.
type Ledger struct {
	store  crawler.ProductStore
	hasher crawler.Hasher
	ids    crawler.IDGenerator
	clock  crawler.Clock
	logger *zap.Logger
}

// New constructs a Ledger.
func New(store crawler.ProductStore, hasher crawler.Hasher, ids crawler.IDGenerator, clock crawler.Clock, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, hasher: hasher, ids: ids, clock: clock, logger: logger}
}

// Hash returns the hash a record is stored under. A record whose identity
// field was skipped keeps the hash of the stored product it updates; one with
// no usable identity at all falls back to its URL.
func (l *Ledger) Hash(cfg crawler.GlobalConfig, rec crawler.Record, prior *crawler.Product) (string, error) {
	field := cfg.IdentityField
	if field == "" {
		field = crawler.FieldName
	}
	value, ok := identity(rec.Data[string(field)])
	if !ok {
		if prior != nil && prior.Hash != "" {
			return prior.Hash, nil
		}
		value = rec.URL
	}
	sum, err := l.hasher.Hash([]byte(value))
	if err != nil {
		return "", fmt.Errorf("hash identity: %w", err)
	}
	return sum, nil
}

// Build converts one chunk of records into products. Records that share a
// hash collapse to the last one, since a single upsert statement may not touch
// the same row twice.
func (l *Ledger) Build(sourceID string, cfg crawler.GlobalConfig, records []crawler.Record, existing map[string]crawler.Product) ([]crawler.Product, error) {
	now := l.clock.Now()
	index := make(map[string]int, len(records))
	out := make([]crawler.Product, 0, len(records))
	for _, rec := range records {
		var prior *crawler.Product
		if p, ok := existing[rec.URL]; ok {
			prior = &p
		}
		hash, err := l.Hash(cfg, rec, prior)
		if err != nil {
			return nil, err
		}
		// The id is only used when the hash is new; a conflicting row keeps its own.
		id, err := l.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("product id: %w", err)
		}
		product := crawler.Product{
			ID:            id,
			SourceID:      sourceID,
			URL:           rec.URL,
			Hash:          hash,
			Data:          rec.Data,
			LastProcessed: now,
		}
		if i, dup := index[hash]; dup {
			l.logger.Debug("collapsing duplicate product",
				zap.String("hash", hash),
				zap.String("kept_url", rec.URL),
				zap.String("dropped_url", out[i].URL),
			)
			product.ID = out[i].ID
			out[i] = product
			continue
		}
		index[hash] = len(out)
		out = append(out, product)
	}
	return out, nil
}

// Upsert builds the chunk and writes it. It returns the number of distinct
// products written.
func (l *Ledger) Upsert(ctx context.Context, sourceID string, cfg crawler.GlobalConfig, records []crawler.Record, existing map[string]crawler.Product) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	products, err := l.Build(sourceID, cfg, records, existing)
	if err != nil {
		return 0, err
	}
	if err := l.store.UpsertProducts(ctx, products); err != nil {
		return 0, fmt.Errorf("upsert products: %w", err)
	}
	return len(products), nil
}

func identity(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	s = strings.TrimSpace(s)
	if s == "" || s == crawler.Placeholder {
		return "", false
	}
	return s, true
}
