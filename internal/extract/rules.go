package extract

import (
	"context"

	"golang.org/x/net/html"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
)

// structural extractors read a whole node instead of its text.
type structural func(pageURL string, node *html.Node) string

// transformer normalizes the concatenated text of a field. Transformers that
// call the enrichment backend never fail: they fall back to a placeholder.
type transformer func(ctx context.Context, e *Engine, cfg crawler.GlobalConfig, text string) any

// rule is the handling registered for one field. At most one of extractor
// and transform is set; neither means plain text.
type rule struct {
	extractor structural
	transform transformer
}

var rules = map[crawler.Field]rule{
	crawler.FieldMainImage:   {extractor: imageSource},
	crawler.FieldPrice:       {transform: priceTransform},
	crawler.FieldCurrency:    {transform: lettersTransform},
	crawler.FieldMeasureUnit: {transform: lettersTransform},
	crawler.FieldDescription: {transform: descriptionTransform},
	crawler.FieldProperties:  {transform: propertiesTransform},
}

func priceTransform(_ context.Context, _ *Engine, _ crawler.GlobalConfig, text string) any {
	return ParsePrice(text)
}

func lettersTransform(_ context.Context, _ *Engine, _ crawler.GlobalConfig, text string) any {
	return Letters(text)
}

func descriptionTransform(ctx context.Context, e *Engine, cfg crawler.GlobalConfig, text string) any {
	text = Cleanup(text)
	if text == "" {
		return crawler.Placeholder
	}
	normalized, err := e.enricher.NormalizeDescription(ctx, cfg, text)
	if err != nil || normalized == "" {
		e.enrichmentFailed("description", err)
		return crawler.Placeholder
	}
	return normalized
}

func propertiesTransform(ctx context.Context, e *Engine, cfg crawler.GlobalConfig, text string) any {
	text = Cleanup(text)
	if text == "" {
		return map[string]any{}
	}
	props, err := e.enricher.ExtractProperties(ctx, cfg, text)
	if err != nil || props == nil {
		e.enrichmentFailed("properties", err)
		return map[string]any{}
	}
	return props
}
