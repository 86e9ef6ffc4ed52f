// Package fetcher turns raw fetch attempts into the two outcomes the
// pipeline reasons about: a page body was obtained, or the page is
// unavailable.
package fetcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
	"github.com/nekoteam-llc/nekoparser/internal/metrics"
)

// Outcome classifies a fetch.
type Outcome int

// Fetch outcomes.
const (
	Unavailable Outcome = iota
	Fetched
)

func (o Outcome) String() string {
	if o == Fetched {
		return "fetched"
	}
	return "unavailable"
}

// Page is a classified fetch result. Body is only set when Outcome is
// Fetched.
type Page struct {
	URL        string
	Outcome    Outcome
	StatusCode int
	Body       []byte
	Duration   time.Duration
	Err        error
}

// Waiter paces requests per host.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Retriever wraps a crawler.Fetcher with pacing and classification.
type Retriever struct {
	fetcher crawler.Fetcher
	waiter  Waiter
	logger  *zap.Logger
}

// New builds a Retriever. waiter may be nil.
func New(f crawler.Fetcher, waiter Waiter, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{fetcher: f, waiter: waiter, logger: logger}
}

// Get fetches url and never returns an error: transport failures, timeouts
// and non-success statuses all become Unavailable.
func (r *Retriever) Get(ctx context.Context, url string) Page {
	if r.waiter != nil {
		if err := r.waiter.Wait(ctx, url); err != nil {
			return r.record(Page{URL: url, Outcome: Unavailable, Err: err})
		}
	}
	resp, err := r.fetcher.Fetch(ctx, crawler.FetchRequest{URL: url})
	return r.record(Classify(url, resp, err))
}

func (r *Retriever) record(p Page) Page {
	metrics.ObservePageFetch(p.URL, p.Outcome.String())
	if p.Outcome == Unavailable {
		r.logger.Debug("page unavailable",
			zap.String("url", p.URL),
			zap.Int("status", p.StatusCode),
			zap.Error(p.Err),
		)
	}
	return p
}

// Classify maps a raw fetch result to a Page.
func Classify(url string, resp crawler.FetchResponse, err error) Page {
	page := Page{URL: url, StatusCode: resp.StatusCode, Duration: resp.Duration, Err: err}
	if resp.URL != "" {
		page.URL = resp.URL
	}
	if err != nil || resp.StatusCode < 200 || resp.StatusCode > 299 {
		page.Outcome = Unavailable
		return page
	}
	page.Outcome = Fetched
	page.Body = resp.Body
	return page
}
