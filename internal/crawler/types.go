package crawler

import (
	"fmt"
	"net/http"
	"slices"
	"time"
)

// SourceState represents the lifecycle state of a tracked source.
type SourceState string

// Source state values persisted in the source store.
const (
	StateCreated             SourceState = "created"
	StateUnavailable         SourceState = "unavailable"
	StateScraped             SourceState = "scraped"
	StateXPathsPending       SourceState = "xpaths_pending"
	StateXPathsReady         SourceState = "xpaths_ready"
	StateDataCollecting      SourceState = "data_collecting"
	StateDataPendingApproval SourceState = "data_pending_approval"
	StateFinished            SourceState = "finished"
	StateExporting           SourceState = "exporting"
	StateExported            SourceState = "exported"
)

// Valid reports whether s is a known state.
func (s SourceState) Valid() bool {
	switch s {
	case StateCreated, StateUnavailable, StateScraped, StateXPathsPending, StateXPathsReady,
		StateDataCollecting, StateDataPendingApproval, StateFinished, StateExporting, StateExported:
		return true
	}
	return false
}

// Locators holds the per-source extraction configuration.
type Locators struct {
	ProductRegex    string           `json:"product_regex"`
	PaginationRegex string           `json:"pagination_regex"`
	XPaths          map[Field]string `json:"xpaths"`
}

// Complete reports whether every part of the configuration is present.
func (l Locators) Complete() bool {
	return l.ProductRegex != "" && l.PaginationRegex != "" && len(l.XPaths) > 0
}

// Source is one tracked origin.
type Source struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	Contents    string      `json:"-"`
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
	Favicon     string      `json:"favicon,omitempty"`
	Locators    Locators    `json:"locators"`
	State       SourceState `json:"state"`
	LastError   string      `json:"last_error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Product is one extracted catalog item.
type Product struct {
	ID            string         `json:"id"`
	SourceID      string         `json:"source_id,omitempty"`
	URL           string         `json:"url"`
	Hash          string         `json:"hash"`
	Data          map[string]any `json:"data"`
	LastProcessed time.Time      `json:"last_processed"`
	Reprocessing  bool           `json:"reprocessing"`
}

// Record is the outcome of one successful product extraction.
type Record struct {
	URL  string
	Data map[string]any
}

// GlobalConfig holds the tunables shared by every source. A pass reads one
// snapshot and threads it through all of its tasks.
type GlobalConfig struct {
	APIKey              string  `json:"chatgpt_key"`
	Model               string  `json:"model"`
	PagesConcurrency    int     `json:"pages_concurrency"`
	ProductsConcurrency int     `json:"products_concurrency"`
	Required            []Field `json:"required"`
	NotReprocess        []Field `json:"not_reprocess"`
	IdentityField       Field   `json:"identity_field"`
	DescriptionPrompt   string  `json:"description_prompt"`
	KeywordsPrompt      string  `json:"keywords_prompt"`
	PropertiesPrompt    string  `json:"properties_prompt"`
}

// Clone returns a copy that shares no slices with c.
func (c GlobalConfig) Clone() GlobalConfig {
	c.Required = slices.Clone(c.Required)
	c.NotReprocess = slices.Clone(c.NotReprocess)
	return c
}

// IsRequired reports whether f is a mandatory field.
func (c GlobalConfig) IsRequired(f Field) bool {
	return slices.Contains(c.Required, f)
}

// SkipsOnReprocess reports whether f is preserved for existing products.
func (c GlobalConfig) SkipsOnReprocess(f Field) bool {
	return slices.Contains(c.NotReprocess, f)
}

// Validate checks the operator-editable parts of the config.
func (c GlobalConfig) Validate() error {
	if c.PagesConcurrency <= 0 {
		return fmt.Errorf("pages_concurrency must be > 0")
	}
	if c.ProductsConcurrency <= 0 {
		return fmt.Errorf("products_concurrency must be > 0")
	}
	if c.IdentityField != "" && !c.IdentityField.Known() {
		return fmt.Errorf("unknown identity_field %q", c.IdentityField)
	}
	for _, f := range append(slices.Clone(c.Required), c.NotReprocess...) {
		if !f.Known() {
			return fmt.Errorf("unknown field %q", f)
		}
	}
	return nil
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// TaskKind names one of the trigger entry points.
type TaskKind string

// Trigger kinds accepted by the task queue.
const (
	TaskInitial   TaskKind = "initial"
	TaskCollect   TaskKind = "collect"
	TaskReprocess TaskKind = "reprocess"
)

// QueueItem wraps a task ready to run.
type QueueItem struct {
	Kind      TaskKind
	SourceID  string
	Attempt   int
	Submitted int64
}
