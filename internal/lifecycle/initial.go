package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
	"github.com/nekoteam-llc/nekoparser/internal/extract"
	"github.com/nekoteam-llc/nekoparser/internal/fetcher"
	"github.com/nekoteam-llc/nekoparser/internal/harvest"
	"github.com/nekoteam-llc/nekoparser/internal/meta"
	"github.com/nekoteam-llc/nekoparser/internal/metrics"
	"github.com/nekoteam-llc/nekoparser/internal/pagination"
)

// Register creates a source in the created state.
func (c *Controller) Register(ctx context.Context, rawURL string) (crawler.Source, error) {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return crawler.Source{}, fmt.Errorf("%w: %q", crawler.ErrInvalidURL, rawURL)
	}
	id, err := c.ids.NewID()
	if err != nil {
		return crawler.Source{}, fmt.Errorf("source id: %w", err)
	}
	now := c.clock.Now()
	src := crawler.Source{
		ID:        id,
		URL:       rawURL,
		State:     crawler.StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateSource(ctx, src); err != nil {
		return crawler.Source{}, fmt.Errorf("create source: %w", err)
	}
	c.logger.Info("source registered", zap.String("source_id", id), zap.String("url", rawURL))
	c.emitSources(id, crawler.StateCreated, "")
	return src, nil
}

// InitialProcessing fetches the origin page of a created source, archives it,
// extracts its metadata and leaves the source awaiting locators. A failed
// fetch makes the source unavailable, which is not an error of the call. A
// source left in scraped by an interrupted run resumes from its stored
// contents without fetching again.
func (c *Controller) InitialProcessing(ctx context.Context, id string) error {
	src, err := c.store.GetSource(ctx, id)
	if err != nil {
		return err
	}
	logger := c.logger.With(zap.String("source_id", id), zap.String("url", src.URL))
	switch src.State {
	case crawler.StateCreated:
	case crawler.StateScraped:
		logger.Info("resuming initial processing from stored contents")
		return c.finishInitial(ctx, src)
	default:
		return fmt.Errorf("initial processing of %s in state %s: %w", id, src.State, crawler.ErrStateConflict)
	}

	page := c.fetch.Get(ctx, src.URL)
	if err := ctx.Err(); err != nil {
		return err
	}
	if page.Outcome == fetcher.Unavailable {
		logger.Warn("origin unavailable", zap.Int("status", page.StatusCode), zap.Error(page.Err))
		metrics.ObservePass(string(crawler.TaskInitial), "unavailable")
		return c.transition(ctx, id, []crawler.SourceState{crawler.StateCreated}, crawler.StateUnavailable)
	}

	if uri, err := c.archiveOrigin(ctx, id, page.Body); err != nil {
		logger.Warn("origin archive failed", zap.Error(err))
	} else if uri != "" {
		logger.Debug("origin archived", zap.String("uri", uri))
	}

	src.Contents = string(page.Body)
	if err := c.store.UpdateSource(ctx, src); err != nil {
		return fmt.Errorf("store origin contents: %w", err)
	}
	if err := c.transition(ctx, id, []crawler.SourceState{crawler.StateCreated}, crawler.StateScraped); err != nil {
		return err
	}
	return c.finishInitial(ctx, src)
}

// finishInitial extracts metadata from the stored origin page and moves a
// scraped source to xpaths_pending.
func (c *Controller) finishInitial(ctx context.Context, src crawler.Source) error {
	md := meta.Extract([]byte(src.Contents), src.URL)
	src.Name, src.Description, src.Favicon = md.Name, md.Description, md.Image
	if err := c.store.UpdateSource(ctx, src); err != nil {
		return fmt.Errorf("store metadata: %w", err)
	}
	if err := c.transition(ctx, src.ID, []crawler.SourceState{crawler.StateScraped}, crawler.StateXPathsPending); err != nil {
		return err
	}
	metrics.ObservePass(string(crawler.TaskInitial), "ok")
	return nil
}

func (c *Controller) archiveOrigin(ctx context.Context, id string, body []byte) (string, error) {
	if c.archive == nil {
		return "", nil
	}
	return c.archive.SaveOrigin(ctx, id, c.clock.Now(), body)
}

// ProcessPending runs initial processing for every created or scraped source,
// at most pages_concurrency at a time.
func (c *Controller) ProcessPending(ctx context.Context) error {
	cfg, err := c.store.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	sources, err := c.store.ListSources(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.PagesConcurrency, 1))
	errs := make([]error, len(sources))
	for i, src := range sources {
		if src.State != crawler.StateCreated && src.State != crawler.StateScraped {
			continue
		}
		g.Go(func() error {
			err := c.InitialProcessing(gctx, src.ID)
			if err != nil && !errors.Is(err, crawler.ErrStateConflict) {
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// configurable lists the states a source accepts new locators in.
var configurable = []crawler.SourceState{
	crawler.StateXPathsPending,
	crawler.StateXPathsReady,
	crawler.StateDataPendingApproval,
}

// Configure validates and commits the locators of a source and marks it ready
// for collection. A source stuck in data_collecting after a failed pass can be
// reconfigured as well.
func (c *Controller) Configure(ctx context.Context, id string, loc crawler.Locators) (crawler.Source, error) {
	if err := ValidateLocators(loc); err != nil {
		return crawler.Source{}, err
	}
	src, err := c.store.GetSource(ctx, id)
	if err != nil {
		return crawler.Source{}, err
	}
	from := configurable
	if src.LastError != "" {
		from = append([]crawler.SourceState{crawler.StateDataCollecting}, configurable...)
	}
	if !slices.Contains(from, src.State) {
		return crawler.Source{}, fmt.Errorf("configure %s in state %s: %w", id, src.State, crawler.ErrStateConflict)
	}
	if _, running := c.collecting.Load(id); running {
		return crawler.Source{}, fmt.Errorf("configure %s while collecting: %w", id, crawler.ErrStateConflict)
	}
	src.Locators = loc
	src.LastError = ""
	if err := c.store.UpdateSource(ctx, src); err != nil {
		return crawler.Source{}, fmt.Errorf("store locators: %w", err)
	}
	if err := c.transition(ctx, id, from, crawler.StateXPathsReady); err != nil {
		return crawler.Source{}, err
	}
	src.State = crawler.StateXPathsReady
	return src, nil
}

// ValidateLocators checks both regexes and the field mapping.
func ValidateLocators(loc crawler.Locators) error {
	if strings.TrimSpace(loc.ProductRegex) == "" || strings.TrimSpace(loc.PaginationRegex) == "" {
		return fmt.Errorf("%w: product and pagination patterns are required", crawler.ErrInvalidLocators)
	}
	if _, err := harvest.New(loc.ProductRegex); err != nil {
		return err
	}
	if _, err := pagination.Pattern(loc.PaginationRegex); err != nil {
		return err
	}
	return extract.ValidateLocators(loc.XPaths)
}
