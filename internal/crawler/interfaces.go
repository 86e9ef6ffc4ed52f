package crawler

import (
	"context"
	"io"
	"time"
)

// SourceStore persists sources.
type SourceStore interface {
	CreateSource(ctx context.Context, source Source) error
	GetSource(ctx context.Context, id string) (Source, error)
	ListSources(ctx context.Context) ([]Source, error)
	// UpdateSource commits every mutable field except the state.
	UpdateSource(ctx context.Context, source Source) error
	// TransitionState moves the source to `to` only when its current state is
	// one of `from`. It returns ErrStateConflict otherwise.
	TransitionState(ctx context.Context, id string, from []SourceState, to SourceState) error
	// SetLastError records (or, with an empty msg, clears) the failure of the
	// latest pass without touching any other field.
	SetLastError(ctx context.Context, id string, msg string) error
	// DeleteSource removes the source and detaches its products.
	DeleteSource(ctx context.Context, id string) error
}

// ProductStore persists products.
type ProductStore interface {
	// ProductsByURL returns the stored products whose URL is among urls.
	ProductsByURL(ctx context.Context, urls []string) (map[string]Product, error)
	// UpsertProducts inserts or merges every product in a single statement.
	UpsertProducts(ctx context.Context, products []Product) error
	ListProducts(ctx context.Context, sourceID string) ([]Product, error)
	ListReprocessing(ctx context.Context) ([]Product, error)
	SetReprocessing(ctx context.Context, ids []string, flag bool) error
}

// ConfigStore persists the GlobalConfig singleton.
type ConfigStore interface {
	GetConfig(ctx context.Context) (GlobalConfig, error)
	UpdateConfig(ctx context.Context, cfg GlobalConfig) error
}

// Store bundles the persistent collaborators.
type Store interface {
	SourceStore
	ProductStore
	ConfigStore
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Publisher pushes change events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Queue provides enqueue/dequeue semantics for trigger tasks.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
