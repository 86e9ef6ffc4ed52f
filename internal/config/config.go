// Package config loads and validates nekoparser configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Store      StoreConfig      `mapstructure:"store"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Defaults   DefaultsConfig   `mapstructure:"defaults"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	APIKeys []string `mapstructure:"api_keys"`
}

// HTTPConfig configures the page fetcher.
type HTTPConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
	PerHostRPS   float64       `mapstructure:"per_host_rps"`
	PerHostBurst int           `mapstructure:"per_host_burst"`
}

// HeadlessConfig configures the optional chromedp fetcher.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
	// Always renders every page. Otherwise pages are probed over plain HTTP
	// and only rendered when they look like an unrendered app shell.
	Always bool `mapstructure:"always"`
	// PromotionThreshold is the visible-text size below which a probed page
	// is a rendering candidate.
	PromotionThreshold int `mapstructure:"promotion_threshold"`
}

// StoreConfig selects the persistent store for sources and products.
type StoreConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// StorageConfig selects where fetched origin pages are archived.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem archive.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for change notifications on Pub/Sub.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// EnrichmentConfig points at the OpenAI-compatible completion backend.
type EnrichmentConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxInputChars clips the text sent with each prompt.
	MaxInputChars int `mapstructure:"max_input_chars"`
	MaxTokens     int `mapstructure:"max_tokens"`
}

// CrawlConfig governs the trigger runtime and pacing between page chunks.
type CrawlConfig struct {
	ChunkDelay time.Duration `mapstructure:"chunk_delay"`
	Workers    int           `mapstructure:"workers"`
	QueueDepth int           `mapstructure:"queue_depth"`
	// MaxAttempts bounds at-least-once retries of a failed trigger.
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryBase   time.Duration `mapstructure:"retry_base"`
	RetryMax    time.Duration `mapstructure:"retry_max"`
}

// NotifyConfig sizes the notification hub.
type NotifyConfig struct {
	Buffer         int           `mapstructure:"buffer"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// DefaultsConfig seeds the GlobalConfig row when the store has none.
type DefaultsConfig struct {
	Model               string   `mapstructure:"model"`
	PagesConcurrency    int      `mapstructure:"pages_concurrency"`
	ProductsConcurrency int      `mapstructure:"products_concurrency"`
	Required            []string `mapstructure:"required"`
	NotReprocess        []string `mapstructure:"not_reprocess"`
	IdentityField       string   `mapstructure:"identity_field"`
	DescriptionPrompt   string   `mapstructure:"description_prompt"`
	KeywordsPrompt      string   `mapstructure:"keywords_prompt"`
	PropertiesPrompt    string   `mapstructure:"properties_prompt"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Default prompts for the enrichment backend.
const (
	DefaultDescriptionPrompt = `You are a data scientist. You are given a product description and your goal is to normalize the text. ` +
		`Remove any shop-specific parts, keep only the relevant information and technical specs of the product to showcase to the customer. ` +
		`Respond with a valid JSON object containing a single field - "text" with the normalized text.`
	DefaultKeywordsPrompt = `You are a data scientist. You are given a product description and your goal is to extract the keywords from the text. ` +
		`Respond with a valid JSON object containing a single field - "keywords" with a list of extracted keywords. ` +
		`If no specific keywords can be found, respond with an empty list.`
	DefaultPropertiesPrompt = `You are a data scientist. You are given the set of data from the website and your goal is to extract the properties of the product from the text. ` +
		`You must respond with a valid JSON object, containing the dictionary of the extracted properties. For example: {"color": "red", "size": "small"}. ` +
		`If no properties can be found, respond with an empty dictionary.`
)

// Option adjusts the Viper instance before the config is read.
type Option func(*viper.Viper)

// WithOverride pins key to value above files and environment, as a command
// line flag would.
func WithOverride(key string, value any) Option {
	return func(v *viper.Viper) {
		v.Set(key, value)
	}
}

// Load builds a Config from disk/environment.
func Load(path string, opts ...Option) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEKOPARSER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for _, opt := range opts {
		opt(v)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.user_agent", "")
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("http.per_host_rps", 0)
	v.SetDefault("http.per_host_burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout", 25*time.Second)
	v.SetDefault("headless.user_agent", "")
	v.SetDefault("headless.always", false)
	v.SetDefault("headless.promotion_threshold", 512)
	v.SetDefault("store.backend", "postgres")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "sources")
	v.SetDefault("storage.local.base_dir", "data/pages")
	// Keys without a sensible default are still declared so env overrides
	// reach Unmarshal.
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("enrichment.base_url", "")
	v.SetDefault("enrichment.api_key", "")
	v.SetDefault("enrichment.timeout", 60*time.Second)
	v.SetDefault("enrichment.max_input_chars", 12000)
	v.SetDefault("enrichment.max_tokens", 3000)
	v.SetDefault("crawl.chunk_delay", 3*time.Second)
	v.SetDefault("crawl.workers", 4)
	v.SetDefault("crawl.queue_depth", 64)
	v.SetDefault("crawl.max_attempts", 3)
	v.SetDefault("crawl.retry_base", 500*time.Millisecond)
	v.SetDefault("crawl.retry_max", 30*time.Second)
	v.SetDefault("notify.buffer", 256)
	v.SetDefault("notify.max_batch_events", 32)
	v.SetDefault("notify.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("defaults.model", "gpt-3.5-turbo-1106")
	v.SetDefault("defaults.pages_concurrency", 5)
	v.SetDefault("defaults.products_concurrency", 30)
	v.SetDefault("defaults.required", []string{"name", "description"})
	v.SetDefault("defaults.not_reprocess", []string{"description", "properties", "keywords"})
	v.SetDefault("defaults.identity_field", "name")
	v.SetDefault("defaults.description_prompt", DefaultDescriptionPrompt)
	v.SetDefault("defaults.keywords_prompt", DefaultKeywordsPrompt)
	v.SetDefault("defaults.properties_prompt", DefaultPropertiesPrompt)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.service_name", "nekoparser")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.api_keys must be set when auth is enabled")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	switch c.Storage.Backend {
	case "", "none", "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be > 0")
	}
	if c.Crawl.ChunkDelay < 0 {
		return fmt.Errorf("crawl.chunk_delay must be >= 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return c.Defaults.validate()
}

func (d DefaultsConfig) validate() error {
	if d.PagesConcurrency <= 0 {
		return fmt.Errorf("defaults.pages_concurrency must be > 0")
	}
	if d.ProductsConcurrency <= 0 {
		return fmt.Errorf("defaults.products_concurrency must be > 0")
	}
	for _, name := range append(append([]string{d.IdentityField}, d.Required...), d.NotReprocess...) {
		if !crawler.Field(name).Known() {
			return fmt.Errorf("defaults: unknown field %q", name)
		}
	}
	return nil
}

// GlobalConfig converts the seed values into the stored singleton shape.
func (d DefaultsConfig) GlobalConfig(apiKey string) crawler.GlobalConfig {
	return crawler.GlobalConfig{
		APIKey:              apiKey,
		Model:               d.Model,
		PagesConcurrency:    d.PagesConcurrency,
		ProductsConcurrency: d.ProductsConcurrency,
		Required:            toFields(d.Required),
		NotReprocess:        toFields(d.NotReprocess),
		IdentityField:       crawler.Field(d.IdentityField),
		DescriptionPrompt:   d.DescriptionPrompt,
		KeywordsPrompt:      d.KeywordsPrompt,
		PropertiesPrompt:    d.PropertiesPrompt,
	}
}

func toFields(names []string) []crawler.Field {
	out := make([]crawler.Field, 0, len(names))
	for _, n := range names {
		out = append(out, crawler.Field(strings.TrimSpace(n)))
	}
	return out
}
