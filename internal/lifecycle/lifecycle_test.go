package lifecycle_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nekoteam-llc/nekoparser/internal/clock/system"
	"github.com/nekoteam-llc/nekoparser/internal/crawler"
	"github.com/nekoteam-llc/nekoparser/internal/extract"
	"github.com/nekoteam-llc/nekoparser/internal/fetcher"
	"github.com/nekoteam-llc/nekoparser/internal/hash/sha256"
	"github.com/nekoteam-llc/nekoparser/internal/id/uuid"
	"github.com/nekoteam-llc/nekoparser/internal/ledger"
	"github.com/nekoteam-llc/nekoparser/internal/lifecycle"
	"github.com/nekoteam-llc/nekoparser/internal/notify"
	"github.com/nekoteam-llc/nekoparser/internal/pagination"
	"github.com/nekoteam-llc/nekoparser/internal/storage"
	"github.com/nekoteam-llc/nekoparser/internal/storage/memory"
)

const origin = "https://shop.test/"

var now = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// shop serves canned pages. Unknown URLs are unavailable.
type shop struct {
	mu    sync.Mutex
	pages map[string]string
	hits  map[string]int
	gates map[string]*gate
}

type gate struct {
	reached chan struct{}
	release chan struct{}
}

func newShop() *shop {
	return &shop{pages: map[string]string{}, hits: map[string]int{}, gates: map[string]*gate{}}
}

func (s *shop) Get(_ context.Context, url string) fetcher.Page {
	s.mu.Lock()
	s.hits[url]++
	g := s.gates[url]
	delete(s.gates, url)
	s.mu.Unlock()

	if g != nil {
		close(g.reached)
		<-g.release
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.pages[url]
	if !ok {
		return fetcher.Page{URL: url, Outcome: fetcher.Unavailable, StatusCode: 404}
	}
	return fetcher.Page{URL: url, Outcome: fetcher.Fetched, StatusCode: 200, Body: []byte(body)}
}

func (s *shop) set(url, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url] = body
}

func (s *shop) drop(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, url)
}

func (s *shop) requested(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[url]
}

// hold blocks the next fetch of url until release is called.
func (s *shop) hold(url string) (<-chan struct{}, func()) {
	g := &gate{reached: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.gates[url] = g
	s.mu.Unlock()
	var once sync.Once
	return g.reached, func() { once.Do(func() { close(g.release) }) }
}

type stubEnricher struct {
	normalized atomic.Int32
}

func (e *stubEnricher) NormalizeDescription(_ context.Context, _ crawler.GlobalConfig, text string) (string, error) {
	e.normalized.Add(1)
	return "normalized: " + text, nil
}

func (e *stubEnricher) ExtractKeywords(context.Context, crawler.GlobalConfig, string) ([]string, error) {
	return []string{"tools", "hardware"}, nil
}

func (e *stubEnricher) ExtractProperties(context.Context, crawler.GlobalConfig, string) (map[string]any, error) {
	return map[string]any{"color": "red"}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Emit(evt notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) topic(topic notify.Topic) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, evt := range r.events {
		if evt.Topic == topic {
			out = append(out, evt)
		}
	}
	return out
}

type harness struct {
	ctrl     *lifecycle.Controller
	store    *memory.Store
	shop     *shop
	blobs    *memory.BlobStore
	archive  *storage.Archive
	events   *recorder
	enricher *stubEnricher
}

func newHarness(t *testing.T, mutate func(*crawler.GlobalConfig)) *harness {
	t.Helper()
	cfg := crawler.GlobalConfig{
		PagesConcurrency:    2,
		ProductsConcurrency: 2,
		Required:            []crawler.Field{crawler.FieldName},
		NotReprocess:        []crawler.Field{crawler.FieldDescription, crawler.FieldProperties, crawler.FieldKeywords},
		IdentityField:       crawler.FieldName,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	clock := system.Fixed(now)
	store := memory.NewStore(cfg, clock)
	ids := uuid.NewUUIDGenerator()
	blobs := memory.NewBlobStore()
	h := &harness{
		store:    store,
		shop:     newShop(),
		blobs:    blobs,
		archive:  storage.NewArchive(blobs, "origins"),
		events:   &recorder{},
		enricher: &stubEnricher{},
	}
	ctrl, err := lifecycle.New(lifecycle.Deps{
		Store:     store,
		Retriever: h.shop,
		Extractor: extract.New(h.enricher, zap.NewNop()),
		Ledger:    ledger.New(store, sha256.New(), ids, clock, zap.NewNop()),
		Archive:   h.archive,
		Notifier:  h.events,
		IDs:       ids,
		Clock:     clock,
		Logger:    zap.NewNop(),
	}, lifecycle.Config{})
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

func originPage(pages int) string {
	var sb strings.Builder
	sb.WriteString(`<html><head><title>Test Shop</title>`)
	sb.WriteString(`<meta name="description" content="Tools and hardware">`)
	sb.WriteString(`<link rel="icon" href="/favicon.ico"></head><body><nav>`)
	for n := 1; n <= pages; n++ {
		fmt.Fprintf(&sb, `<a href="/catalog?page=%d">%d</a>`, n, n)
	}
	sb.WriteString(`</nav></body></html>`)
	return sb.String()
}

func listingURL(n int) string {
	return fmt.Sprintf("https://shop.test/catalog?page=%d", n)
}

func productURL(n int) string {
	return fmt.Sprintf("https://shop.test/item/%d", n)
}

func listingPage(items ...int) string {
	var sb strings.Builder
	sb.WriteString(`<html><body><a href="/about">About</a>`)
	for _, n := range items {
		fmt.Fprintf(&sb, `<a href="/item/%d">item</a>`, n)
	}
	sb.WriteString(`</body></html>`)
	return sb.String()
}

func productPage(name, sku, price, description string) string {
	return fmt.Sprintf(`<html><body>
<h1>%s</h1>
<span class="sku">%s</span>
<span class="price">%s</span>
<span class="currency">KZT</span>
<span class="unit">pcs</span>
<div class="gallery"><img src="/img/s.jpg"><img src="/img/large.jpg"></div>
<div class="description">%s</div>
<div class="props">color: red</div>
</body></html>`, name, sku, price, description)
}

func shopLocators() crawler.Locators {
	return crawler.Locators{
		ProductRegex:    `/item/\d+`,
		PaginationRegex: "https://shop.test/catalog?page=" + pagination.Token,
		XPaths: map[crawler.Field]string{
			crawler.FieldName:        "//h1",
			crawler.FieldSKU:         "//span[@class='sku']",
			crawler.FieldPrice:       "//span[@class='price']",
			crawler.FieldCurrency:    "//span[@class='currency']",
			crawler.FieldMeasureUnit: "//span[@class='unit']",
			crawler.FieldMainImage:   "//div[@class='gallery']",
			crawler.FieldDescription: "//div[@class='description']",
			crawler.FieldProperties:  "//div[@class='props']",
		},
	}
}

// stockShop lists three products over two listing pages.
func (h *harness) stockShop() {
	h.shop.set(origin, originPage(2))
	h.shop.set(listingURL(1), listingPage(1, 1, 2))
	h.shop.set(listingURL(2), listingPage(3))
	h.shop.set(productURL(1), productPage("Hammer", "SKU-1", "1 299,50", "Great hammer"))
	h.shop.set(productURL(2), productPage("Wrench", "SKU-2", "12,990", "Great wrench"))
	h.shop.set(productURL(3), productPage("Saw", "SKU-3", "450", "Great saw"))
}

// configured registers the origin and brings it to xpaths_ready.
func (h *harness) configured(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	src, err := h.ctrl.Register(ctx, origin)
	require.NoError(t, err)
	require.NoError(t, h.ctrl.InitialProcessing(ctx, src.ID))
	_, err = h.ctrl.Configure(ctx, src.ID, shopLocators())
	require.NoError(t, err)
	return src.ID
}

func (h *harness) state(t *testing.T, id string) crawler.Source {
	t.Helper()
	src, err := h.store.GetSource(context.Background(), id)
	require.NoError(t, err)
	return src
}

func (h *harness) byURL(t *testing.T, sourceID string) map[string]crawler.Product {
	t.Helper()
	products, err := h.store.ListProducts(context.Background(), sourceID)
	require.NoError(t, err)
	out := make(map[string]crawler.Product, len(products))
	for _, p := range products {
		out[p.URL] = p
	}
	return out
}

func TestRegisterRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	for _, raw := range []string{"", "ftp://shop.test/", "shop.test", "https://"} {
		_, err := h.ctrl.Register(context.Background(), raw)
		require.ErrorIs(t, err, crawler.ErrInvalidURL, raw)
	}
	sources, err := h.store.ListSources(context.Background())
	require.NoError(t, err)
	require.Empty(t, sources)
}

func TestInitialProcessingStoresMetadata(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stockShop()
	ctx := context.Background()

	src, err := h.ctrl.Register(ctx, origin)
	require.NoError(t, err)
	require.Equal(t, crawler.StateCreated, src.State)

	require.NoError(t, h.ctrl.InitialProcessing(ctx, src.ID))

	got := h.state(t, src.ID)
	require.Equal(t, crawler.StateXPathsPending, got.State)
	require.Equal(t, "Test Shop", got.Name)
	require.Equal(t, "Tools and hardware", got.Description)
	require.Equal(t, "https://shop.test/favicon.ico", got.Favicon)
	require.Equal(t, originPage(2), got.Contents)

	body, contentType, ok := h.blobs.Object(h.archive.Key(src.ID, now))
	require.True(t, ok)
	require.Equal(t, originPage(2), string(body))
	require.Contains(t, contentType, "text/html")

	var states []crawler.SourceState
	for _, evt := range h.events.topic(notify.TopicSources) {
		states = append(states, evt.State)
	}
	require.Equal(t, []crawler.SourceState{
		crawler.StateCreated, crawler.StateScraped, crawler.StateXPathsPending,
	}, states)

	err = h.ctrl.InitialProcessing(ctx, src.ID)
	require.ErrorIs(t, err, crawler.ErrStateConflict)
}

func TestInitialProcessingUnavailableOrigin(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	src, err := h.ctrl.Register(ctx, "https://down.test/")
	require.NoError(t, err)

	require.NoError(t, h.ctrl.InitialProcessing(ctx, src.ID))

	got := h.state(t, src.ID)
	require.Equal(t, crawler.StateUnavailable, got.State)
	require.Empty(t, got.Contents)
	require.Zero(t, h.blobs.Len())

	_, err = h.ctrl.Configure(ctx, src.ID, shopLocators())
	require.ErrorIs(t, err, crawler.ErrStateConflict)
}

func TestInitialProcessingCanceled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	src, err := h.ctrl.Register(context.Background(), "https://down.test/")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, h.ctrl.InitialProcessing(ctx, src.ID), context.Canceled)
	require.Equal(t, crawler.StateCreated, h.state(t, src.ID).State)
}

func TestInitialProcessingResumesScrapedSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	src, err := h.ctrl.Register(ctx, origin)
	require.NoError(t, err)
	// A previous run stored the origin page and crashed before the metadata.
	src.Contents = originPage(1)
	require.NoError(t, h.store.UpdateSource(ctx, src))
	require.NoError(t, h.store.TransitionState(ctx, src.ID, []crawler.SourceState{crawler.StateCreated}, crawler.StateScraped))

	require.NoError(t, h.ctrl.ProcessPending(ctx))

	got := h.state(t, src.ID)
	require.Equal(t, crawler.StateXPathsPending, got.State)
	require.Equal(t, "Test Shop", got.Name)
	require.Equal(t, "https://shop.test/favicon.ico", got.Favicon)
	require.Zero(t, h.shop.requested(origin))
}

func TestProcessPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stockShop()
	ctx := context.Background()
	up, err := h.ctrl.Register(ctx, origin)
	require.NoError(t, err)
	down, err := h.ctrl.Register(ctx, "https://down.test/")
	require.NoError(t, err)

	require.NoError(t, h.ctrl.ProcessPending(ctx))
	require.Equal(t, crawler.StateXPathsPending, h.state(t, up.ID).State)
	require.Equal(t, crawler.StateUnavailable, h.state(t, down.ID).State)

	require.NoError(t, h.ctrl.ProcessPending(ctx))
	require.Equal(t, 1, h.shop.requested(origin))
}

func TestConfigureValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stockShop()
	ctx := context.Background()
	src, err := h.ctrl.Register(ctx, origin)
	require.NoError(t, err)

	_, err = h.ctrl.Configure(ctx, src.ID, shopLocators())
	require.ErrorIs(t, err, crawler.ErrStateConflict)

	require.NoError(t, h.ctrl.InitialProcessing(ctx, src.ID))

	missing := shopLocators()
	delete(missing.XPaths, crawler.FieldPrice)
	noToken := shopLocators()
	noToken.PaginationRegex = "https://shop.test/catalog?page=1"
	badRegex := shopLocators()
	badRegex.ProductRegex = `/item/(\d+`
	badXPath := shopLocators()
	badXPath.XPaths[crawler.FieldName] = "//h1["
	unknown := shopLocators()
	unknown.XPaths["color"] = "//span"

	for name, loc := range map[string]crawler.Locators{
		"missing field":    missing,
		"no page token":    noToken,
		"bad product rule": badRegex,
		"bad xpath":        badXPath,
		"unknown field":    unknown,
	} {
		_, err := h.ctrl.Configure(ctx, src.ID, loc)
		require.ErrorIs(t, err, crawler.ErrInvalidLocators, name)
	}
	require.Equal(t, crawler.StateXPathsPending, h.state(t, src.ID).State)

	got, err := h.ctrl.Configure(ctx, src.ID, shopLocators())
	require.NoError(t, err)
	require.Equal(t, crawler.StateXPathsReady, got.State)
	require.Equal(t, shopLocators(), h.state(t, src.ID).Locators)
}

func TestCollectProducts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stockShop()
	id := h.configured(t)

	require.NoError(t, h.ctrl.CollectProducts(context.Background(), id))
	require.Equal(t, crawler.StateDataPendingApproval, h.state(t, id).State)

	products := h.byURL(t, id)
	require.Len(t, products, 3)

	hammer := products[productURL(1)]
	require.Equal(t, sha256.Identity("Hammer"), hammer.Hash)
	require.Equal(t, now, hammer.LastProcessed)
	require.False(t, hammer.Reprocessing)
	require.Equal(t, map[string]any{
		"name":         "Hammer",
		"sku":          "SKU-1",
		"price":        1299.5,
		"currency":     "KZT",
		"measure_unit": "pcs",
		"main_image":   "https://shop.test/img/large.jpg",
		"description":  "normalized: Great hammer",
		"properties":   map[string]any{"color": "red"},
		"keywords":     "tools, hardware",
		"url":          productURL(1),
	}, hammer.Data)
	require.Equal(t, 12990.0, products[productURL(2)].Data["price"])

	require.Equal(t, 1, h.shop.requested(productURL(1)))

	counted := 0
	for _, evt := range h.events.topic(notify.TopicProducts) {
		require.Equal(t, id, evt.SourceID)
		counted += evt.Count
	}
	require.Equal(t, 3, counted)
}

func TestCollectProductsIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stockShop()
	id := h.configured(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.CollectProducts(ctx, id))
	first := h.byURL(t, id)
	require.EqualValues(t, 3, h.enricher.normalized.Load())

	require.NoError(t, h.ctrl.CollectProducts(ctx, id))
	second := h.byURL(t, id)
	require.Len(t, second, 3)
	for url, p := range first {
		require.Equal(t, p.ID, second[url].ID, url)
		require.Equal(t, p.Hash, second[url].Hash, url)
		require.Equal(t, p.Data, second[url].Data, url)
	}
	require.EqualValues(t, 3, h.enricher.normalized.Load(), "existing descriptions are kept")
}

func TestCollectProductsPreservesSkippedFields(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stockShop()
	id := h.configured(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.CollectProducts(ctx, id))

	h.shop.set(productURL(1), productPage("Hammer", "SKU-1", "1 500", "Rewritten copy"))
	require.NoError(t, h.ctrl.CollectProducts(ctx, id))

	hammer := h.byURL(t, id)[productURL(1)]
	require.Equal(t, 1500.0, hammer.Data["price"])
	require.Equal(t, "normalized: Great hammer", hammer.Data["description"])
	require.Equal(t, "tools, hardware", hammer.Data["keywords"])
}

func TestCollectProductsCollapsesIdentity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *crawler.GlobalConfig) {
		cfg.IdentityField = crawler.FieldSKU
		cfg.NotReprocess = nil
	})
	h.shop.set(origin, originPage(1))
	h.shop.set(listingURL(1), listingPage(1, 2))
	h.shop.set(productURL(1), productPage("Hammer", "SKU-42", "10", "First"))
	h.shop.set(productURL(2), productPage("Hammer XL", "SKU-42", "11", "Second"))
	id := h.configured(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.CollectProducts(ctx, id))
	products, err := h.store.ListProducts(ctx, id)
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Equal(t, productURL(2), products[0].URL)
	require.Equal(t, 11.0, products[0].Data["price"])

	h.shop.set(listingURL(1), listingPage(1))
	h.shop.set(productURL(1), productPage("Hammer", "SKU-42", "12", "Third"))
	require.NoError(t, h.ctrl.CollectProducts(ctx, id))

	products, err = h.store.ListProducts(ctx, id)
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Equal(t, sha256.Identity("SKU-42"), products[0].Hash)
	require.Equal(t, productURL(1), products[0].URL)
	require.Equal(t, 12.0, products[0].Data["price"])
	require.Equal(t, "Hammer", products[0].Data["name"])
}

func TestCollectProductsStopsAtUnavailablePage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.shop.set(origin, originPage(3))
	h.shop.set(listingURL(1), listingPage(1))
	h.shop.set(listingURL(3), listingPage(3))
	h.shop.set(productURL(1), productPage("Hammer", "SKU-1", "10", "x"))
	h.shop.set(productURL(3), productPage("Saw", "SKU-3", "10", "x"))
	id := h.configured(t)

	require.NoError(t, h.ctrl.CollectProducts(context.Background(), id))

	products := h.byURL(t, id)
	require.Len(t, products, 1)
	require.Contains(t, products, productURL(1))
	require.Equal(t, 1, h.shop.requested(listingURL(2)))
	require.Zero(t, h.shop.requested(listingURL(3)))
	require.Equal(t, crawler.StateDataPendingApproval, h.state(t, id).State)
}

func TestCollectProductsStopsWhenNothingExtracts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *crawler.GlobalConfig) { cfg.PagesConcurrency = 1 })
	h.shop.set(origin, originPage(2))
	h.shop.set(listingURL(1), listingPage(1))
	h.shop.set(listingURL(2), listingPage(2))
	h.shop.set(productURL(1), `<html><body><p>gone</p></body></html>`)
	h.shop.set(productURL(2), productPage("Saw", "SKU-3", "10", "x"))
	id := h.configured(t)

	require.NoError(t, h.ctrl.CollectProducts(context.Background(), id))
	require.Empty(t, h.byURL(t, id))
	require.Zero(t, h.shop.requested(listingURL(2)))
	require.Equal(t, crawler.StateDataPendingApproval, h.state(t, id).State)
}

func TestCollectProductsPaginationFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stockShop()
	h.shop.set(origin, originPage(0))
	id := h.configured(t)
	ctx := context.Background()

	err := h.ctrl.CollectProducts(ctx, id)
	require.ErrorIs(t, err, crawler.ErrPaginationNotFound)

	src := h.state(t, id)
	require.Equal(t, crawler.StateDataCollecting, src.State)
	require.Contains(t, src.LastError, "pagination not found")

	failures := 0
	for _, evt := range h.events.topic(notify.TopicSources) {
		if evt.Error != "" {
			failures++
		}
	}
	require.Equal(t, 1, failures)

	src.Contents = originPage(2)
	require.NoError(t, h.store.UpdateSource(ctx, src))
	require.NoError(t, h.ctrl.CollectProducts(ctx, id))

	src = h.state(t, id)
	require.Equal(t, crawler.StateDataPendingApproval, src.State)
	require.Empty(t, src.LastError)
	require.Len(t, h.byURL(t, id), 3)
}

func TestConfigureAfterFailedPass(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stockShop()
	h.shop.set(origin, originPage(0))
	id := h.configured(t)
	ctx := context.Background()
	require.ErrorIs(t, h.ctrl.CollectProducts(ctx, id), crawler.ErrPaginationNotFound)

	loc := shopLocators()
	loc.PaginationRegex = "https://shop.test/catalog?p=" + pagination.Token
	got, err := h.ctrl.Configure(ctx, id, loc)
	require.NoError(t, err)
	require.Equal(t, crawler.StateXPathsReady, got.State)
	require.Empty(t, h.state(t, id).LastError)
}

func TestCollectProductsRefusesConcurrentPass(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stockShop()
	id := h.configured(t)
	ctx := context.Background()

	reached, release := h.shop.hold(listingURL(1))
	defer release()
	done := make(chan error, 1)
	go func() { done <- h.ctrl.CollectProducts(ctx, id) }()
	<-reached

	require.ErrorIs(t, h.ctrl.CollectProducts(ctx, id), crawler.ErrStateConflict)
	_, err := h.ctrl.Configure(ctx, id, shopLocators())
	require.ErrorIs(t, err, crawler.ErrStateConflict)
	require.Equal(t, crawler.StateDataCollecting, h.state(t, id).State)

	release()
	require.NoError(t, <-done)
	require.Equal(t, crawler.StateDataPendingApproval, h.state(t, id).State)
}

func TestCollectProductsRequiresLocators(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stockShop()
	ctx := context.Background()
	src, err := h.ctrl.Register(ctx, origin)
	require.NoError(t, err)
	require.NoError(t, h.ctrl.InitialProcessing(ctx, src.ID))

	require.ErrorIs(t, h.ctrl.CollectProducts(ctx, src.ID), crawler.ErrNotConfigured)
	require.ErrorIs(t, h.ctrl.CollectProducts(ctx, "missing"), crawler.ErrSourceNotFound)
}

func TestCollectProductsCanceled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stockShop()
	id := h.configured(t)

	ctx, cancel := context.WithCancel(context.Background())
	reached, release := h.shop.hold(listingURL(1))
	defer release()
	done := make(chan error, 1)
	go func() { done <- h.ctrl.CollectProducts(ctx, id) }()
	<-reached
	cancel()
	release()

	require.ErrorIs(t, <-done, context.Canceled)
	src := h.state(t, id)
	require.Equal(t, crawler.StateDataCollecting, src.State)
	require.NotEmpty(t, src.LastError)
}

func TestCollectProductsFailureKeepsConcurrentEdits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stockShop()
	id := h.configured(t)
	bg := context.Background()

	ctx, cancel := context.WithCancel(bg)
	reached, release := h.shop.hold(listingURL(1))
	defer release()
	done := make(chan error, 1)
	go func() { done <- h.ctrl.CollectProducts(ctx, id) }()
	<-reached

	edited := h.state(t, id)
	edited.Name = "Renamed Shop"
	edited.Locators.ProductRegex = `/item/\d+$`
	require.NoError(t, h.store.UpdateSource(bg, edited))
	cancel()
	release()

	require.ErrorIs(t, <-done, context.Canceled)
	src := h.state(t, id)
	require.NotEmpty(t, src.LastError)
	require.Equal(t, "Renamed Shop", src.Name)
	require.Equal(t, `/item/\d+$`, src.Locators.ProductRegex)
}

func TestReprocessProducts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stockShop()
	id := h.configured(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.CollectProducts(ctx, id))
	before := h.byURL(t, id)
	normalized := h.enricher.normalized.Load()

	h.shop.set(productURL(1), productPage("Hammer", "SKU-1A", "1 350", "Rewritten copy"))
	h.shop.drop(productURL(2))
	require.NoError(t, h.ctrl.MarkForReprocessing(ctx, []string{
		before[productURL(1)].ID,
		before[productURL(2)].ID,
	}))

	require.NoError(t, h.ctrl.ReprocessProducts(ctx))

	after := h.byURL(t, id)
	hammer := after[productURL(1)]
	require.Equal(t, before[productURL(1)].ID, hammer.ID)
	require.Equal(t, "SKU-1A", hammer.Data["sku"])
	require.Equal(t, 1350.0, hammer.Data["price"])
	require.Equal(t, "normalized: Great hammer", hammer.Data["description"])
	require.Equal(t, before[productURL(2)].Data, after[productURL(2)].Data)
	require.Equal(t, before[productURL(3)], after[productURL(3)])
	require.Equal(t, normalized, h.enricher.normalized.Load())

	flagged, err := h.store.ListReprocessing(ctx)
	require.NoError(t, err)
	require.Empty(t, flagged)
}

func TestReprocessProductsSkipsOrphans(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stockShop()
	id := h.configured(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.CollectProducts(ctx, id))
	before := h.byURL(t, id)

	require.NoError(t, h.ctrl.DeleteSource(ctx, id))
	_, err := h.store.GetSource(ctx, id)
	require.ErrorIs(t, err, crawler.ErrSourceNotFound)

	orphans, err := h.store.ListProducts(ctx, "")
	require.NoError(t, err)
	require.Len(t, orphans, 3)

	require.NoError(t, h.ctrl.MarkForReprocessing(ctx, []string{before[productURL(1)].ID}))
	fetched := h.shop.requested(productURL(1))
	require.NoError(t, h.ctrl.ReprocessProducts(ctx))
	require.Equal(t, fetched, h.shop.requested(productURL(1)))

	flagged, err := h.store.ListReprocessing(ctx)
	require.NoError(t, err)
	require.Empty(t, flagged)
}

func TestReprocessProductsSingleFlight(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stockShop()
	id := h.configured(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.CollectProducts(ctx, id))
	require.NoError(t, h.ctrl.MarkForReprocessing(ctx, []string{h.byURL(t, id)[productURL(1)].ID}))

	reached, release := h.shop.hold(productURL(1))
	defer release()
	done := make(chan error, 1)
	go func() { done <- h.ctrl.ReprocessProducts(ctx) }()
	<-reached

	require.ErrorIs(t, h.ctrl.ReprocessProducts(ctx), crawler.ErrReprocessRunning)

	release()
	require.NoError(t, <-done)
	require.NoError(t, h.ctrl.ReprocessProducts(ctx), "a finished pass releases the guard")
}

func TestMarkForReprocessingUnknown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.ctrl.MarkForReprocessing(ctx, nil))
	err := h.ctrl.MarkForReprocessing(ctx, []string{"6b1f9d4e-0000-4000-8000-000000000000"})
	require.ErrorIs(t, err, crawler.ErrProductNotFound)
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := lifecycle.New(lifecycle.Deps{}, lifecycle.Config{})
	require.Error(t, err)
}
