package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
	"github.com/nekoteam-llc/nekoparser/internal/metrics"
)

// ReprocessProducts re-extracts every flagged product with its source's
// locators, treating each as existing so do-not-reprocess fields keep their
// stored values. Only one pass runs at a time. Every product flagged at the
// start has its flag cleared at the end, including those that failed.
func (c *Controller) ReprocessProducts(ctx context.Context) (err error) {
	if !c.reprocessing.CompareAndSwap(false, true) {
		return crawler.ErrReprocessRunning
	}
	defer c.reprocessing.Store(false)
	defer func() {
		result := "ok"
		if err != nil {
			result = "failed"
		}
		metrics.ObservePass(string(crawler.TaskReprocess), result)
	}()

	cfg, err := c.store.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	flagged, err := c.store.ListReprocessing(ctx)
	if err != nil {
		return fmt.Errorf("list flagged products: %w", err)
	}
	if len(flagged) == 0 {
		return nil
	}
	c.logger.Info("reprocessing started", zap.Int("products", len(flagged)))

	bySource := make(map[string][]crawler.Product)
	var order []string
	for _, p := range flagged {
		if _, seen := bySource[p.SourceID]; !seen {
			order = append(order, p.SourceID)
		}
		bySource[p.SourceID] = append(bySource[p.SourceID], p)
	}

	var errs []error
	written := 0
	for _, sourceID := range order {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := c.reprocessSource(ctx, cfg, sourceID, bySource[sourceID])
		written += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	ids := make([]string, len(flagged))
	for i, p := range flagged {
		ids[i] = p.ID
	}
	if err := c.store.SetReprocessing(context.WithoutCancel(ctx), ids, false); err != nil && !errors.Is(err, crawler.ErrProductNotFound) {
		errs = append(errs, fmt.Errorf("clear reprocessing flags: %w", err))
	}
	c.logger.Info("reprocessing finished", zap.Int("flagged", len(flagged)), zap.Int("written", written))
	return errors.Join(errs...)
}

func (c *Controller) reprocessSource(ctx context.Context, cfg crawler.GlobalConfig, sourceID string, products []crawler.Product) (int, error) {
	logger := c.logger.With(zap.String("source_id", sourceID))
	if sourceID == "" {
		logger.Warn("skipping orphaned products", zap.Int("products", len(products)))
		return 0, nil
	}
	src, err := c.store.GetSource(ctx, sourceID)
	if errors.Is(err, crawler.ErrSourceNotFound) {
		logger.Warn("skipping products of a missing source", zap.Int("products", len(products)))
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !src.Locators.Complete() {
		logger.Warn("skipping products of an unconfigured source", zap.Int("products", len(products)))
		return 0, nil
	}

	existing := make(map[string]crawler.Product, len(products))
	for _, p := range products {
		existing[p.URL] = p
	}
	urls := make([]string, 0, len(existing))
	for u := range existing {
		urls = append(urls, u)
	}
	slices.Sort(urls)

	written := 0
	for chunk := range slices.Chunk(urls, max(cfg.ProductsConcurrency, 1)) {
		records := c.extractAll(ctx, cfg, src.Locators.XPaths, chunk, existing)
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if len(records) == 0 {
			continue
		}
		n, err := c.ledger.Upsert(ctx, src.ID, cfg, records, existing)
		if err != nil {
			return written, err
		}
		written += n
		c.emitProducts(src.ID, n)
	}
	return written, nil
}
