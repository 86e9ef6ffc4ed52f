package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
	"github.com/nekoteam-llc/nekoparser/internal/notify"
)

// Snapshotter loads the state a subscriber renders.
type Snapshotter interface {
	ListSources(ctx context.Context) ([]crawler.Source, error)
	ListProducts(ctx context.Context, sourceID string) ([]crawler.Product, error)
}

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("broadcaster closed")

type subscriber struct {
	ch chan []byte
}

// Broadcaster reloads the affected snapshot for every coalesced event and
// pushes it to the subscribers of that key. Slow subscribers only ever see the
// newest snapshot.
type Broadcaster struct {
	store  Snapshotter
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

// NewBroadcaster builds a Broadcaster.
func NewBroadcaster(store Snapshotter, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{store: store, logger: logger, subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers interest in key. The returned cancel func must be
// called once the subscriber goes away.
func (b *Broadcaster) Subscribe(key string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrClosed
	}
	sub := &subscriber{ch: make(chan []byte, 1)}
	if b.subs[key] == nil {
		b.subs[key] = make(map[*subscriber]struct{})
	}
	b.subs[key][sub] = struct{}{}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[key]; ok {
				if _, still := set[sub]; still {
					delete(set, sub)
					close(sub.ch)
				}
				if len(set) == 0 {
					delete(b.subs, key)
				}
			}
		})
	}
	return sub.ch, cancel, nil
}

// Subscribers reports the number of subscribers of key.
func (b *Broadcaster) Subscribers(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}

// Snapshot renders the JSON document of key.
func (b *Broadcaster) Snapshot(ctx context.Context, key string) ([]byte, error) {
	var (
		payload any
		err     error
	)
	switch {
	case key == notify.SourcesKey:
		var sources []crawler.Source
		sources, err = b.store.ListSources(ctx)
		payload = nonNilSources(sources)
	case strings.HasPrefix(key, notify.ProductsKey("")):
		var products []crawler.Product
		products, err = b.store.ListProducts(ctx, strings.TrimPrefix(key, notify.ProductsKey("")))
		payload = nonNilProducts(products)
	default:
		return nil, fmt.Errorf("unknown snapshot key %q", key)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	return json.Marshal(payload)
}

// Consume implements notify.Sink.
func (b *Broadcaster) Consume(ctx context.Context, batch []notify.Event) error {
	var errs []error
	for _, evt := range notify.Coalesce(batch) {
		key := evt.Key()
		if b.Subscribers(key) == 0 {
			continue
		}
		data, err := b.Snapshot(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		b.fanOut(key, data)
	}
	return errors.Join(errs...)
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for key, set := range b.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(b.subs, key)
	}
	return nil
}

func (b *Broadcaster) fanOut(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[key] {
		select {
		case sub.ch <- data:
			continue
		default:
		}
		// Replace the stale snapshot the subscriber has not read yet.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- data:
		default:
			b.logger.Debug("subscriber snapshot skipped", zap.String("key", key))
		}
	}
}

func nonNilSources(s []crawler.Source) []crawler.Source {
	if s == nil {
		return []crawler.Source{}
	}
	return s
}

func nonNilProducts(p []crawler.Product) []crawler.Product {
	if p == nil {
		return []crawler.Product{}
	}
	return p
}
