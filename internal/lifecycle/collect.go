package lifecycle

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
	"github.com/nekoteam-llc/nekoparser/internal/extract"
	"github.com/nekoteam-llc/nekoparser/internal/fetcher"
	"github.com/nekoteam-llc/nekoparser/internal/harvest"
	"github.com/nekoteam-llc/nekoparser/internal/metrics"
	"github.com/nekoteam-llc/nekoparser/internal/pagination"
	"github.com/nekoteam-llc/nekoparser/internal/urlutil"
)

// collectable lists the states a collection pass may start from.
var collectable = []crawler.SourceState{crawler.StateXPathsReady, crawler.StateDataPendingApproval}

// CollectProducts runs one paginated collection pass. The source sits in
// data_collecting for the duration, which refuses concurrent passes. When
// the pass fails the error is recorded on the source, which stays in
// data_collecting until it is collected again or reconfigured.
func (c *Controller) CollectProducts(ctx context.Context, id string) error {
	if _, loaded := c.collecting.LoadOrStore(id, struct{}{}); loaded {
		return fmt.Errorf("collect %s: %w", id, crawler.ErrStateConflict)
	}
	defer c.collecting.Delete(id)

	src, err := c.store.GetSource(ctx, id)
	if err != nil {
		return err
	}
	if !src.Locators.Complete() {
		return fmt.Errorf("collect %s: %w", id, crawler.ErrNotConfigured)
	}
	cfg, err := c.store.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	from := collectable
	if src.LastError != "" {
		from = append([]crawler.SourceState{crawler.StateDataCollecting}, collectable...)
	}
	if err := c.transition(ctx, id, from, crawler.StateDataCollecting); err != nil {
		return err
	}

	written, err := c.collect(ctx, src, cfg)
	if err != nil {
		c.failPass(ctx, id, err)
		return err
	}
	if src.LastError != "" {
		if err := c.store.SetLastError(ctx, id, ""); err != nil {
			return fmt.Errorf("clear last error: %w", err)
		}
	}
	if err := c.transition(ctx, id, []crawler.SourceState{crawler.StateDataCollecting}, crawler.StateDataPendingApproval); err != nil {
		return err
	}
	metrics.ObservePass(string(crawler.TaskCollect), "ok")
	c.logger.Info("collection finished", zap.String("source_id", id), zap.Int("products", written))
	return nil
}

func (c *Controller) collect(ctx context.Context, src crawler.Source, cfg crawler.GlobalConfig) (int, error) {
	logger := c.logger.With(zap.String("source_id", src.ID))
	harvester, err := harvest.New(src.Locators.ProductRegex)
	if err != nil {
		return 0, err
	}
	pages, err := pagination.Resolve(src.Locators.PaginationRegex, []byte(src.Contents))
	if err != nil {
		return 0, err
	}
	logger.Info("pagination resolved", zap.Int("pages", pages.Last))

	written := 0
	first := true
	for chunk := range pages.Chunks(cfg.PagesConcurrency) {
		if !first {
			if err := sleep(ctx, c.cfg.ChunkDelay); err != nil {
				return written, err
			}
		}
		first = false

		urls, last := c.harvestChunk(ctx, src.URL, harvester, chunk)
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if len(urls) == 0 {
			logger.Info("no product links in chunk, pass complete", zap.Strings("pages", chunk))
			break
		}
		existing, err := c.store.ProductsByURL(ctx, urls)
		if err != nil {
			return written, fmt.Errorf("load existing products: %w", err)
		}
		records := c.extractAll(ctx, cfg, src.Locators.XPaths, urls, existing)
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if len(records) == 0 {
			logger.Info("no product extracted from chunk, pass complete", zap.Int("links", len(urls)))
			break
		}
		n, err := c.ledger.Upsert(ctx, src.ID, cfg, records, existing)
		if err != nil {
			return written, err
		}
		written += n
		c.emitProducts(src.ID, n)
		logger.Info("chunk stored",
			zap.String("last_page", chunk[len(chunk)-1]),
			zap.Int("links", len(urls)),
			zap.Int("products", n),
		)
		if last {
			logger.Info("listing page unavailable, pass complete")
			break
		}
	}
	return written, nil
}

// harvestChunk fetches every listing page of the chunk concurrently and
// returns the deduplicated product URLs. last reports that one of the pages
// was unavailable, which marks the end of pagination.
func (c *Controller) harvestChunk(ctx context.Context, origin string, h *harvest.Harvester, chunk []string) ([]string, bool) {
	pages := make([]fetcher.Page, len(chunk))
	var g errgroup.Group
	for i, pageURL := range chunk {
		g.Go(func() error {
			pages[i] = c.fetch.Get(ctx, pageURL)
			return nil
		})
	}
	_ = g.Wait()

	set := harvest.Set{}
	last := false
	for _, page := range pages {
		if page.Outcome == fetcher.Unavailable {
			last = true
			continue
		}
		links, err := h.Links(page.URL, page.Body)
		if err != nil {
			c.logger.Warn("listing page unparsable", zap.String("url", page.URL), zap.Error(err))
			continue
		}
		for _, link := range links {
			set.Add(urlutil.Resolve(origin, link))
		}
	}
	return set.Sorted(), last
}

// extractAll extracts products in chunks of products_concurrency. Unavailable
// or dropped products yield no record.
func (c *Controller) extractAll(
	ctx context.Context,
	cfg crawler.GlobalConfig,
	xpaths map[crawler.Field]string,
	urls []string,
	existing map[string]crawler.Product,
) []crawler.Record {
	var out []crawler.Record
	for chunk := range slices.Chunk(urls, max(cfg.ProductsConcurrency, 1)) {
		if ctx.Err() != nil {
			break
		}
		results := make([]*crawler.Record, len(chunk))
		var g errgroup.Group
		for i, productURL := range chunk {
			_, exists := existing[productURL]
			g.Go(func() error {
				results[i] = c.extractOne(ctx, cfg, xpaths, productURL, exists)
				return nil
			})
		}
		_ = g.Wait()
		for _, r := range results {
			if r != nil {
				out = append(out, *r)
			}
		}
	}
	return out
}

func (c *Controller) extractOne(
	ctx context.Context,
	cfg crawler.GlobalConfig,
	xpaths map[crawler.Field]string,
	productURL string,
	exists bool,
) *crawler.Record {
	page := c.fetch.Get(ctx, productURL)
	if page.Outcome == fetcher.Unavailable {
		metrics.ObserveProduct("unavailable")
		return nil
	}
	rec, err := c.extract.Extract(ctx, extract.Input{
		URL:    productURL,
		Body:   page.Body,
		XPaths: xpaths,
		Exists: exists,
		Config: cfg,
	})
	if err != nil {
		return nil
	}
	return &rec
}

// failPass records err on the source so operators can see the pass failed.
// Only last_error is written, so edits committed during the pass survive. The
// write outlives ctx because cancellation is itself a failure to record.
func (c *Controller) failPass(ctx context.Context, id string, err error) {
	metrics.ObservePass(string(crawler.TaskCollect), "failed")
	c.logger.Error("collection failed", zap.String("source_id", id), zap.Error(err))
	if serr := c.store.SetLastError(context.WithoutCancel(ctx), id, err.Error()); serr != nil {
		c.logger.Error("record collection failure", zap.String("source_id", id), zap.Error(serr))
	}
	c.emitSources(id, crawler.StateDataCollecting, err.Error())
}
