package extract

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
)

type fakeEnricher struct {
	mu          sync.Mutex
	descErr     error
	keywords    []string
	keywordsErr error
	propsErr    error
	calls       []string
}

func (f *fakeEnricher) record(kind, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, kind+":"+text)
}

func (f *fakeEnricher) NormalizeDescription(_ context.Context, cfg crawler.GlobalConfig, text string) (string, error) {
	f.record("description", text)
	if f.descErr != nil {
		return "", f.descErr
	}
	return "normalized(" + text + ")@" + cfg.Model, nil
}

func (f *fakeEnricher) ExtractKeywords(_ context.Context, _ crawler.GlobalConfig, text string) ([]string, error) {
	f.record("keywords", text)
	return f.keywords, f.keywordsErr
}

func (f *fakeEnricher) ExtractProperties(_ context.Context, _ crawler.GlobalConfig, text string) (map[string]any, error) {
	f.record("properties", text)
	if f.propsErr != nil {
		return nil, f.propsErr
	}
	return map[string]any{"raw": text}, nil
}

const productPage = `<html><head><meta name="keywords" content="meta, words"></head><body>
<h1 class="title">  Whiskas Adult 1kg </h1>
<span class="sku">SKU-42</span>
<div class="price">1 299,50 ₸</div>
<span class="currency">₸ тг.</span>
<span class="unit">/шт</span>
<div class="gallery">
  <img src="/thumb.jpg">
  <img src="/images/full/whiskas-adult.jpg">
</div>
<div class="description">Описание

	Tasty food.


For adult cats.</div>
<table class="props"><tr><td>Weight</td><td>1kg</td></tr></table>
</body></html>`

func fullXPaths() map[crawler.Field]string {
	return map[crawler.Field]string{
		crawler.FieldName:        `//h1[@class="title"]`,
		crawler.FieldSKU:         `//span[@class="sku"]`,
		crawler.FieldPrice:       `//div[@class="price"]`,
		crawler.FieldCurrency:    `//span[@class="currency"]`,
		crawler.FieldMeasureUnit: `//span[@class="unit"]`,
		crawler.FieldMainImage:   `//div[@class="gallery"]`,
		crawler.FieldDescription: `//div[@class="description"]`,
		crawler.FieldProperties:  `//table[@class="props"]`,
	}
}

func testConfig() crawler.GlobalConfig {
	return crawler.GlobalConfig{
		Model:        "test-model",
		Required:     []crawler.Field{crawler.FieldName, crawler.FieldDescription},
		NotReprocess: []crawler.Field{crawler.FieldDescription, crawler.FieldProperties, crawler.FieldKeywords},
	}
}

func TestExtractFullRecord(t *testing.T) {
	t.Parallel()

	enricher := &fakeEnricher{keywords: []string{"cat food", "whiskas"}}
	rec, err := New(enricher, nil).Extract(context.Background(), Input{
		URL:    "https://shop.test/item/1",
		Body:   []byte(productPage),
		XPaths: fullXPaths(),
		Config: testConfig(),
	})
	require.NoError(t, err)
	require.Equal(t, "https://shop.test/item/1", rec.URL)

	d := rec.Data
	require.Equal(t, "Whiskas Adult 1kg", d["name"])
	require.Equal(t, "SKU-42", d["sku"])
	require.InDelta(t, 1299.5, d["price"], 1e-9)
	require.Equal(t, "тг.", d["currency"])
	require.Equal(t, "шт", d["measure_unit"])
	require.Equal(t, "https://shop.test/images/full/whiskas-adult.jpg", d["main_image"])
	require.Equal(t, "normalized(Tasty food.\nFor adult cats.)@test-model", d["description"])
	require.Equal(t, map[string]any{"raw": "Weight1kg"}, d["properties"])
	require.Equal(t, "cat food, whiskas", d["keywords"])
	require.Equal(t, "https://shop.test/item/1", d["url"])
}

func TestExtractMissingLocatorDropsProduct(t *testing.T) {
	t.Parallel()

	xpaths := fullXPaths()
	delete(xpaths, crawler.FieldSKU)
	_, err := New(&fakeEnricher{}, nil).Extract(context.Background(), Input{
		URL: "https://shop.test/item/1", Body: []byte(productPage), XPaths: xpaths, Config: testConfig(),
	})
	require.ErrorIs(t, err, crawler.ErrMissingLocator)
}

func TestExtractMandatoryMissDropsProduct(t *testing.T) {
	t.Parallel()

	for _, field := range []crawler.Field{crawler.FieldName, crawler.FieldDescription} {
		xpaths := fullXPaths()
		xpaths[field] = `//div[@class="nowhere"]`
		enricher := &fakeEnricher{}
		rec, err := New(enricher, nil).Extract(context.Background(), Input{
			URL: "https://shop.test/item/1", Body: []byte(productPage), XPaths: xpaths, Config: testConfig(),
		})
		require.ErrorIs(t, err, ErrMissingValue, field)
		require.Nil(t, rec.Data)
	}
}

func TestExtractOptionalMissIsPlaceholder(t *testing.T) {
	t.Parallel()

	xpaths := fullXPaths()
	xpaths[crawler.FieldSKU] = `//span[@class="nowhere"]`
	xpaths[crawler.FieldPrice] = `//div[@class="price"`
	xpaths[crawler.FieldMainImage] = `//span[@class="sku"]`

	rec, err := New(&fakeEnricher{}, nil).Extract(context.Background(), Input{
		URL: "https://shop.test/item/1", Body: []byte(productPage), XPaths: xpaths, Config: testConfig(),
	})
	require.NoError(t, err)
	require.Equal(t, crawler.Placeholder, rec.Data["sku"])
	require.Equal(t, crawler.Placeholder, rec.Data["price"], "invalid xpath counts as a miss")
	require.Equal(t, crawler.Placeholder, rec.Data["main_image"], "node without images")
}

func TestExtractMandatoryImageWithoutImgDrops(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Required = append(cfg.Required, crawler.FieldMainImage)
	xpaths := fullXPaths()
	xpaths[crawler.FieldMainImage] = `//span[@class="sku"]`
	_, err := New(&fakeEnricher{}, nil).Extract(context.Background(), Input{
		URL: "https://shop.test/item/1", Body: []byte(productPage), XPaths: xpaths, Config: cfg,
	})
	require.ErrorIs(t, err, ErrMissingValue)
}

func TestExtractExistingSkipsPreservedFields(t *testing.T) {
	t.Parallel()

	enricher := &fakeEnricher{keywords: []string{"x"}}
	xpaths := fullXPaths()
	// Skipped fields do not need a locator at all.
	delete(xpaths, crawler.FieldDescription)
	delete(xpaths, crawler.FieldProperties)

	rec, err := New(enricher, nil).Extract(context.Background(), Input{
		URL: "https://shop.test/item/1", Body: []byte(productPage), XPaths: xpaths, Config: testConfig(), Exists: true,
	})
	require.NoError(t, err)
	for _, key := range []string{"description", "properties", "keywords"} {
		_, present := rec.Data[key]
		require.False(t, present, key)
	}
	require.Equal(t, "Whiskas Adult 1kg", rec.Data["name"])
	require.Empty(t, enricher.calls)
}

func TestExtractEnrichmentFailuresFallBack(t *testing.T) {
	t.Parallel()

	boom := errors.New("backend said no")
	enricher := &fakeEnricher{descErr: boom, propsErr: boom, keywordsErr: boom}
	rec, err := New(enricher, nil).Extract(context.Background(), Input{
		URL: "https://shop.test/item/1", Body: []byte(productPage), XPaths: fullXPaths(), Config: testConfig(),
	})
	require.NoError(t, err)
	require.Equal(t, crawler.Placeholder, rec.Data["description"])
	require.Equal(t, map[string]any{}, rec.Data["properties"])
	require.Equal(t, crawler.Placeholder, rec.Data["keywords"], "no description, no keywords")
}

func TestExtractKeywordsFallBackToMeta(t *testing.T) {
	t.Parallel()

	enricher := &fakeEnricher{}
	rec, err := New(enricher, nil).Extract(context.Background(), Input{
		URL: "https://shop.test/item/1", Body: []byte(productPage), XPaths: fullXPaths(), Config: testConfig(),
	})
	require.NoError(t, err)
	require.Equal(t, "meta, words", rec.Data["keywords"])
}

func TestExtractEmptyBody(t *testing.T) {
	t.Parallel()

	_, err := New(&fakeEnricher{}, nil).Extract(context.Background(), Input{
		URL: "https://shop.test/item/1", XPaths: fullXPaths(), Config: testConfig(),
	})
	require.Error(t, err)
}

func TestExtractAttributeLocator(t *testing.T) {
	t.Parallel()

	xpaths := fullXPaths()
	xpaths[crawler.FieldSKU] = `//meta[@name="keywords"]/@content`
	rec, err := New(&fakeEnricher{}, nil).Extract(context.Background(), Input{
		URL: "https://shop.test/item/1", Body: []byte(productPage), XPaths: xpaths, Config: testConfig(),
	})
	require.NoError(t, err)
	require.Equal(t, "meta, words", rec.Data["sku"])
}

func TestExtractImageElementDirectly(t *testing.T) {
	t.Parallel()

	xpaths := fullXPaths()
	xpaths[crawler.FieldMainImage] = `//div[@class="gallery"]/img[1]`
	rec, err := New(&fakeEnricher{}, nil).Extract(context.Background(), Input{
		URL: "http://127.0.0.1:8080/item/1", Body: []byte(productPage), XPaths: xpaths, Config: testConfig(),
	})
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:8080/thumb.jpg", rec.Data["main_image"])
	require.True(t, strings.HasPrefix(rec.Data["description"].(string), "normalized("))
}
