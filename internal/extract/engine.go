// Package extract turns a product page into a canonical product record
// using the source's field locators.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
	"github.com/nekoteam-llc/nekoparser/internal/meta"
	"github.com/nekoteam-llc/nekoparser/internal/metrics"
)

// ErrMissingValue reports a mandatory field whose locator matched nothing.
var ErrMissingValue = errors.New("mandatory field has no value")

// Enricher is the slice of the enrichment client the engine needs.
type Enricher interface {
	NormalizeDescription(ctx context.Context, cfg crawler.GlobalConfig, text string) (string, error)
	ExtractKeywords(ctx context.Context, cfg crawler.GlobalConfig, text string) ([]string, error)
	ExtractProperties(ctx context.Context, cfg crawler.GlobalConfig, text string) (map[string]any, error)
}

// Input is everything one product extraction needs.
type Input struct {
	URL    string
	Body   []byte
	XPaths map[crawler.Field]string
	// Exists marks a product already in the store; its do-not-reprocess
	// fields are left out of the record.
	Exists bool
	Config crawler.GlobalConfig
}

// Engine applies the field rules.
type Engine struct {
	enricher Enricher
	logger   *zap.Logger
}

// New builds an Engine.
func New(enricher Enricher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{enricher: enricher, logger: logger}
}

// Extract produces the record for one product page. Any error means the
// product is dropped; no partial record is ever returned.
func (e *Engine) Extract(ctx context.Context, in Input) (crawler.Record, error) {
	record, err := e.extract(ctx, in)
	if err != nil {
		metrics.ObserveProduct("dropped")
		e.logger.Warn("product dropped", zap.String("url", in.URL), zap.Error(err))
		return crawler.Record{}, err
	}
	metrics.ObserveProduct("extracted")
	return record, nil
}

func (e *Engine) extract(ctx context.Context, in Input) (crawler.Record, error) {
	if len(in.Body) == 0 {
		return crawler.Record{}, errors.New("empty page")
	}
	doc, err := htmlquery.Parse(bytes.NewReader(in.Body))
	if err != nil {
		return crawler.Record{}, fmt.Errorf("parse product page: %w", err)
	}

	cfg := in.Config
	data := make(map[string]any, len(crawler.Schema)+2)
	for _, field := range crawler.Schema {
		if in.Exists && cfg.SkipsOnReprocess(field) {
			continue
		}
		locator := in.XPaths[field]
		if locator == "" {
			return crawler.Record{}, fmt.Errorf("%w for %s", crawler.ErrMissingLocator, field)
		}
		value, ok := e.field(ctx, cfg, field, doc, locator, in.URL)
		if !ok {
			if cfg.IsRequired(field) {
				return crawler.Record{}, fmt.Errorf("%w: %s", ErrMissingValue, field)
			}
			value = crawler.Placeholder
		}
		data[string(field)] = value
	}

	if !(in.Exists && cfg.SkipsOnReprocess(crawler.FieldKeywords)) {
		data[string(crawler.FieldKeywords)] = e.keywords(ctx, cfg, data, in.Body)
	}
	data["url"] = in.URL
	return crawler.Record{URL: in.URL, Data: data}, nil
}

// field evaluates one locator. ok is false when nothing usable matched.
func (e *Engine) field(
	ctx context.Context,
	cfg crawler.GlobalConfig,
	field crawler.Field,
	doc *html.Node,
	locator, pageURL string,
) (any, bool) {
	nodes, err := query(doc, locator)
	if err != nil {
		e.logger.Warn("invalid locator",
			zap.String("field", string(field)),
			zap.String("xpath", locator),
			zap.Error(err),
		)
		return nil, false
	}
	if len(nodes) == 0 {
		return nil, false
	}

	r := rules[field]
	if r.extractor != nil {
		value := r.extractor(pageURL, nodes[0])
		return value, value != crawler.Placeholder
	}

	var sb strings.Builder
	for _, n := range nodes {
		sb.WriteString(htmlquery.InnerText(n))
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return nil, false
	}
	if r.transform != nil {
		return r.transform(ctx, e, cfg, text), true
	}
	return strings.TrimSpace(text), true
}

// keywords derives search keywords from the produced description. The
// page's meta keywords stand in when the backend returns nothing usable.
func (e *Engine) keywords(ctx context.Context, cfg crawler.GlobalConfig, data map[string]any, body []byte) string {
	description, _ := data[string(crawler.FieldDescription)].(string)
	if description == "" || description == crawler.Placeholder {
		return crawler.Placeholder
	}
	words, err := e.enricher.ExtractKeywords(ctx, cfg, description)
	if err == nil && len(words) > 0 {
		return strings.Join(words, ", ")
	}
	if err != nil {
		e.enrichmentFailed("keywords", err)
	}
	if fallback := meta.Keywords(body); fallback != "" {
		return fallback
	}
	return crawler.Placeholder
}

func (e *Engine) enrichmentFailed(kind string, err error) {
	metrics.ObserveEnrichmentFailure(kind)
	if err != nil {
		e.logger.Warn("enrichment fell back to placeholder", zap.String("kind", kind), zap.Error(err))
	}
}

// query compiles locator and returns the matched nodes. Attribute queries
// return synthetic nodes whose inner text is the attribute value.
func query(doc *html.Node, locator string) ([]*html.Node, error) {
	expr, err := xpath.Compile(locator)
	if err != nil {
		return nil, fmt.Errorf("compile xpath: %w", err)
	}
	return htmlquery.QuerySelectorAll(doc, expr), nil
}

// ValidateLocators checks that every schema field has a compilable locator.
func ValidateLocators(xpaths map[crawler.Field]string) error {
	for field := range xpaths {
		if !field.Known() || field == crawler.FieldKeywords {
			return fmt.Errorf("%w: unknown field %q", crawler.ErrInvalidLocators, field)
		}
	}
	for _, field := range crawler.Schema {
		locator := strings.TrimSpace(xpaths[field])
		if locator == "" {
			return fmt.Errorf("%w: no locator for %s", crawler.ErrInvalidLocators, field)
		}
		if _, err := xpath.Compile(locator); err != nil {
			return fmt.Errorf("%w: %s: %v", crawler.ErrInvalidLocators, field, err)
		}
	}
	return nil
}
