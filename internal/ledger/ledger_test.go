package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nekoteam-llc/nekoparser/internal/clock/system"
	"github.com/nekoteam-llc/nekoparser/internal/crawler"
	"github.com/nekoteam-llc/nekoparser/internal/hash/sha256"
)

type captureStore struct {
	crawler.ProductStore
	batches [][]crawler.Product
	err     error
}

func (c *captureStore) UpsertProducts(_ context.Context, products []crawler.Product) error {
	c.batches = append(c.batches, products)
	return c.err
}

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newLedger(store *captureStore) *Ledger {
	return New(store, sha256.New(), &seqIDs{}, system.Fixed(now), nil)
}

func TestHashUsesTrimmedIdentity(t *testing.T) {
	t.Parallel()

	l := newLedger(&captureStore{})
	cfg := crawler.GlobalConfig{}
	a, err := l.Hash(cfg, crawler.Record{URL: "u1", Data: map[string]any{"name": "Widget"}}, nil)
	require.NoError(t, err)
	b, err := l.Hash(cfg, crawler.Record{URL: "u2", Data: map[string]any{"name": "  Widget \n"}}, nil)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, sha256.Identity("Widget"), a)
}

func TestHashConfigurableIdentity(t *testing.T) {
	t.Parallel()

	l := newLedger(&captureStore{})
	cfg := crawler.GlobalConfig{IdentityField: crawler.FieldSKU}
	got, err := l.Hash(cfg, crawler.Record{Data: map[string]any{"name": "Widget", "sku": "SKU-42"}}, nil)
	require.NoError(t, err)
	require.Equal(t, sha256.Identity("SKU-42"), got)
}

func TestHashReusesStoredHashWhenIdentitySkipped(t *testing.T) {
	t.Parallel()

	l := newLedger(&captureStore{})
	prior := &crawler.Product{Hash: "stored"}
	got, err := l.Hash(crawler.GlobalConfig{}, crawler.Record{URL: "u", Data: map[string]any{"price": 1.0}}, prior)
	require.NoError(t, err)
	require.Equal(t, "stored", got)

	got, err = l.Hash(crawler.GlobalConfig{}, crawler.Record{URL: "u", Data: map[string]any{"name": crawler.Placeholder}}, nil)
	require.NoError(t, err)
	require.Equal(t, sha256.Identity("u"), got)
}

func TestUpsertCollapsesDuplicateHashes(t *testing.T) {
	t.Parallel()

	store := &captureStore{}
	l := newLedger(store)
	cfg := crawler.GlobalConfig{IdentityField: crawler.FieldSKU}
	records := []crawler.Record{
		{URL: "https://shop/a", Data: map[string]any{"sku": "SKU-42", "price": 10.0}},
		{URL: "https://shop/b", Data: map[string]any{"sku": "SKU-7"}},
		{URL: "https://shop/c", Data: map[string]any{"sku": "SKU-42", "price": 12.0}},
	}
	n, err := l.Upsert(context.Background(), "src", cfg, records, nil)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, store.batches, 1)

	batch := store.batches[0]
	require.Len(t, batch, 2)
	require.Equal(t, "https://shop/c", batch[0].URL)
	require.Equal(t, 12.0, batch[0].Data["price"])
	require.Equal(t, "id-1", batch[0].ID)
	require.Equal(t, "https://shop/b", batch[1].URL)
	for _, p := range batch {
		require.Equal(t, "src", p.SourceID)
		require.Equal(t, now, p.LastProcessed)
		require.False(t, p.Reprocessing)
	}
}

func TestUpsertReusesStoredHash(t *testing.T) {
	t.Parallel()

	store := &captureStore{}
	l := newLedger(store)
	existing := map[string]crawler.Product{
		"https://shop/a": {ID: "keep-me", URL: "https://shop/a", Hash: "h", Reprocessing: true},
	}
	_, err := l.Upsert(context.Background(), "src", crawler.GlobalConfig{},
		[]crawler.Record{{URL: "https://shop/a", Data: map[string]any{"price": 3.0}}}, existing)
	require.NoError(t, err)
	got := store.batches[0][0]
	require.Equal(t, "id-1", got.ID)
	require.Equal(t, "h", got.Hash)
	require.False(t, got.Reprocessing)
}

func TestUpsertEmptyChunkSkipsStore(t *testing.T) {
	t.Parallel()

	store := &captureStore{}
	n, err := newLedger(store).Upsert(context.Background(), "src", crawler.GlobalConfig{}, nil, nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, store.batches)
}

func TestUpsertWrapsStoreError(t *testing.T) {
	t.Parallel()

	boom := errors.New("db down")
	store := &captureStore{err: boom}
	_, err := newLedger(store).Upsert(context.Background(), "src", crawler.GlobalConfig{},
		[]crawler.Record{{URL: "u", Data: map[string]any{"name": "x"}}}, nil)
	require.ErrorIs(t, err, boom)
}
