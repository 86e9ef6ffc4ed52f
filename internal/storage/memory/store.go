package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/nekoteam-llc/nekoparser/internal/clock/system"
	"github.com/nekoteam-llc/nekoparser/internal/crawler"
)

// Store implements crawler.Store with the same conflict and merge rules as the
// Postgres store.
type Store struct {
	mu       sync.RWMutex
	clock    crawler.Clock
	sources  map[string]crawler.Source
	products map[string]crawler.Product // keyed by hash
	config   *crawler.GlobalConfig
	defaults crawler.GlobalConfig
}

var _ crawler.Store = (*Store)(nil)

// NewStore constructs an empty Store. A nil clock uses the system clock.
func NewStore(defaults crawler.GlobalConfig, clock crawler.Clock) *Store {
	if clock == nil {
		clock = system.New()
	}
	return &Store{
		clock:    clock,
		sources:  make(map[string]crawler.Source),
		products: make(map[string]crawler.Product),
		defaults: defaults.Clone(),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// CreateSource stores a new source.
func (s *Store) CreateSource(_ context.Context, src crawler.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[src.ID]; exists {
		return fmt.Errorf("source %s already exists", src.ID)
	}
	s.sources[src.ID] = cloneSource(src)
	return nil
}

// GetSource fetches a source by ID.
func (s *Store) GetSource(_ context.Context, id string) (crawler.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return crawler.Source{}, crawler.ErrSourceNotFound
	}
	return cloneSource(src), nil
}

// ListSources returns every source, oldest first, without page contents.
func (s *Store) ListSources(context.Context) ([]crawler.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Source, 0, len(s.sources))
	for _, src := range s.sources {
		c := cloneSource(src)
		c.Contents = ""
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b crawler.Source) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// UpdateSource replaces every mutable field except the state.
func (s *Store) UpdateSource(_ context.Context, src crawler.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sources[src.ID]
	if !ok {
		return crawler.ErrSourceNotFound
	}
	next := cloneSource(src)
	next.State = cur.State
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.clock.Now()
	s.sources[src.ID] = next
	return nil
}

// SetLastError replaces only the last error of a source.
func (s *Store) SetLastError(_ context.Context, id string, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return crawler.ErrSourceNotFound
	}
	src.LastError = msg
	src.UpdatedAt = s.clock.Now()
	s.sources[id] = src
	return nil
}

// TransitionState applies the conditional state change atomically.
func (s *Store) TransitionState(_ context.Context, id string, from []crawler.SourceState, to crawler.SourceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return crawler.ErrSourceNotFound
	}
	if !slices.Contains(from, src.State) {
		return crawler.ErrStateConflict
	}
	src.State = to
	src.UpdatedAt = s.clock.Now()
	s.sources[id] = src
	return nil
}

// DeleteSource removes the source and detaches its products.
func (s *Store) DeleteSource(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[id]; !ok {
		return crawler.ErrSourceNotFound
	}
	delete(s.sources, id)
	for hash, p := range s.products {
		if p.SourceID == id {
			p.SourceID = ""
			s.products[hash] = p
		}
	}
	return nil
}

// ProductsByURL returns stored products keyed by URL; for a shared URL the
// most recently processed wins.
func (s *Store) ProductsByURL(_ context.Context, urls []string) (map[string]crawler.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		want[u] = struct{}{}
	}
	out := make(map[string]crawler.Product, len(urls))
	for _, p := range s.products {
		if _, ok := want[p.URL]; !ok {
			continue
		}
		if cur, seen := out[p.URL]; seen && cur.LastProcessed.After(p.LastProcessed) {
			continue
		}
		out[p.URL] = cloneProduct(p)
	}
	return out, nil
}

// UpsertProducts inserts new hashes and merges data into existing ones. Like
// a single SQL statement, a batch may not touch the same hash twice and is
// applied all or nothing.
func (s *Store) UpsertProducts(_ context.Context, products []crawler.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(products))
	for _, p := range products {
		if _, dup := seen[p.Hash]; dup {
			return fmt.Errorf("upsert products: hash %s affected twice in one batch", p.Hash)
		}
		seen[p.Hash] = struct{}{}
		if _, exists := s.products[p.Hash]; !exists && s.idTaken(p.ID) {
			return fmt.Errorf("upsert products: duplicate id %s", p.ID)
		}
	}
	for _, p := range products {
		cur, exists := s.products[p.Hash]
		if !exists {
			s.products[p.Hash] = cloneProduct(p)
			continue
		}
		merged := cloneProduct(cur)
		if merged.Data == nil {
			merged.Data = map[string]any{}
		}
		maps.Copy(merged.Data, p.Data)
		merged.URL = p.URL
		merged.LastProcessed = p.LastProcessed
		merged.SourceID = p.SourceID
		merged.Reprocessing = p.Reprocessing
		s.products[p.Hash] = merged
	}
	return nil
}

// ListProducts returns the products of one source ordered by URL.
func (s *Store) ListProducts(_ context.Context, sourceID string) ([]crawler.Product, error) {
	return s.filter(func(p crawler.Product) bool { return p.SourceID == sourceID }), nil
}

// ListReprocessing returns every flagged product.
func (s *Store) ListReprocessing(context.Context) ([]crawler.Product, error) {
	return s.filter(func(p crawler.Product) bool { return p.Reprocessing }), nil
}

// SetReprocessing flags or clears the given products.
func (s *Store) SetReprocessing(_ context.Context, ids []string, flag bool) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := 0
	for hash, p := range s.products {
		if slices.Contains(ids, p.ID) {
			p.Reprocessing = flag
			s.products[hash] = p
			matched++
		}
	}
	if matched == 0 {
		return crawler.ErrProductNotFound
	}
	return nil
}

// GetConfig returns the stored config or the defaults.
func (s *Store) GetConfig(context.Context) (crawler.GlobalConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.config == nil {
		return s.defaults.Clone(), nil
	}
	return s.config.Clone(), nil
}

// UpdateConfig replaces the stored config.
func (s *Store) UpdateConfig(_ context.Context, cfg crawler.GlobalConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cfg.Clone()
	s.config = &c
	return nil
}

func (s *Store) idTaken(id string) bool {
	for _, p := range s.products {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (s *Store) filter(keep func(crawler.Product) bool) []crawler.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Product
	for _, p := range s.products {
		if keep(p) {
			out = append(out, cloneProduct(p))
		}
	}
	slices.SortFunc(out, func(a, b crawler.Product) int {
		return cmp.Or(cmp.Compare(a.SourceID, b.SourceID), cmp.Compare(a.URL, b.URL), cmp.Compare(a.ID, b.ID))
	})
	return out
}

func cloneSource(src crawler.Source) crawler.Source {
	src.Locators.XPaths = maps.Clone(src.Locators.XPaths)
	return src
}

func cloneProduct(p crawler.Product) crawler.Product {
	p.Data = maps.Clone(p.Data)
	return p
}

