// Package lifecycle drives sources through their states: initial fetch and
// metadata, locator configuration, paginated product collection and
// reprocessing of flagged products.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
	"github.com/nekoteam-llc/nekoparser/internal/extract"
	"github.com/nekoteam-llc/nekoparser/internal/fetcher"
	"github.com/nekoteam-llc/nekoparser/internal/metrics"
	"github.com/nekoteam-llc/nekoparser/internal/notify"
)

// Retriever fetches one page and classifies the outcome.
type Retriever interface {
	Get(ctx context.Context, url string) fetcher.Page
}

// Extractor turns a product page into a record.
type Extractor interface {
	Extract(ctx context.Context, in extract.Input) (crawler.Record, error)
}

// Ledger writes one chunk of records.
type Ledger interface {
	Upsert(ctx context.Context, sourceID string, cfg crawler.GlobalConfig, records []crawler.Record, existing map[string]crawler.Product) (int, error)
}

// Archiver keeps a copy of fetched origin pages.
type Archiver interface {
	SaveOrigin(ctx context.Context, sourceID string, fetchedAt time.Time, body []byte) (string, error)
}

// Config tunes the controller.
type Config struct {
	// ChunkDelay is the pause between two listing-page chunks.
	ChunkDelay time.Duration
}

// Deps bundles the collaborators of a Controller.
type Deps struct {
	Store     crawler.Store
	Retriever Retriever
	Extractor Extractor
	Ledger    Ledger
	Archive   Archiver
	Notifier  notify.Emitter
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// Controller runs the three trigger flows and the administrative operations
// around them. Every flow reads one GlobalConfig snapshot at its start.
type Controller struct {
	store   crawler.Store
	fetch   Retriever
	extract Extractor
	ledger  Ledger
	archive Archiver
	notify  notify.Emitter
	ids     crawler.IDGenerator
	clock   crawler.Clock
	logger  *zap.Logger
	cfg     Config

	collecting   sync.Map
	reprocessing atomic.Bool
}

// New validates deps and builds a Controller.
func New(deps Deps, cfg Config) (*Controller, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Retriever == nil:
		return nil, errors.New("retriever is required")
	case deps.Extractor == nil:
		return nil, errors.New("extractor is required")
	case deps.Ledger == nil:
		return nil, errors.New("ledger is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Controller{
		store:   deps.Store,
		fetch:   deps.Retriever,
		extract: deps.Extractor,
		ledger:  deps.Ledger,
		archive: deps.Archive,
		notify:  deps.Notifier,
		ids:     deps.IDs,
		clock:   deps.Clock,
		logger:  deps.Logger,
		cfg:     cfg,
	}, nil
}

// DeleteSource removes a source; its products stay, detached.
func (c *Controller) DeleteSource(ctx context.Context, id string) error {
	if err := c.store.DeleteSource(ctx, id); err != nil {
		return err
	}
	c.logger.Info("source deleted", zap.String("source_id", id))
	c.emitSources(id, "", "")
	return nil
}

// MarkForReprocessing flags products for the next reprocessing pass.
func (c *Controller) MarkForReprocessing(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.store.SetReprocessing(ctx, ids, true); err != nil {
		return fmt.Errorf("mark for reprocessing: %w", err)
	}
	c.logger.Info("products flagged for reprocessing", zap.Int("count", len(ids)))
	return nil
}

func (c *Controller) transition(ctx context.Context, id string, from []crawler.SourceState, to crawler.SourceState) error {
	if err := c.store.TransitionState(ctx, id, from, to); err != nil {
		return fmt.Errorf("transition %s to %s: %w", id, to, err)
	}
	metrics.ObserveTransition(string(to))
	c.logger.Info("source state changed", zap.String("source_id", id), zap.String("state", string(to)))
	c.emitSources(id, to, "")
	return nil
}

func (c *Controller) emitSources(id string, state crawler.SourceState, errText string) {
	c.notify.Emit(notify.Event{
		Topic:    notify.TopicSources,
		SourceID: id,
		State:    state,
		Error:    errText,
		TS:       c.clock.Now(),
	})
}

func (c *Controller) emitProducts(sourceID string, count int) {
	c.notify.Emit(notify.Event{
		Topic:    notify.TopicProducts,
		SourceID: sourceID,
		Count:    count,
		TS:       c.clock.Now(),
	})
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
