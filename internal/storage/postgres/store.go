// Package postgres provides the Postgres-backed source, product and config
// store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN      string
	MaxConns int32
}

type pgxIface interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store implements crawler.Store on Postgres.
type Store struct {
	pool     pgxIface
	defaults crawler.GlobalConfig
}

var _ crawler.Store = (*Store)(nil)

// New connects to Postgres. defaults is returned by GetConfig until the first
// UpdateConfig.
func New(ctx context.Context, cfg Config, defaults crawler.GlobalConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, defaults: defaults.Clone()}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxIface, defaults crawler.GlobalConfig) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool, defaults: defaults.Clone()}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS source (
	id uuid PRIMARY KEY,
	url text NOT NULL,
	contents text,
	name text,
	description text,
	favicon text,
	product_regex text,
	pagination_regex text,
	xpaths jsonb NOT NULL DEFAULT '{}',
	state text NOT NULL,
	last_error text,
	created_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS product (
	id uuid PRIMARY KEY,
	source_id uuid REFERENCES source (id) ON DELETE SET NULL,
	url text NOT NULL,
	hash text NOT NULL UNIQUE,
	data jsonb NOT NULL DEFAULT '{}',
	last_processed timestamptz NOT NULL,
	reprocessing boolean NOT NULL DEFAULT false
)`,
	`CREATE INDEX IF NOT EXISTS product_url_idx ON product (url)`,
	`CREATE INDEX IF NOT EXISTS product_source_idx ON product (source_id)`,
	`CREATE INDEX IF NOT EXISTS product_reprocessing_idx ON product (reprocessing) WHERE reprocessing`,
	`CREATE TABLE IF NOT EXISTS global_config (
	id smallint PRIMARY KEY CHECK (id = 1),
	data jsonb NOT NULL
)`,
}

// Migrate creates the tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const sourceColumns = `id::text, url, COALESCE(contents, ''), COALESCE(name, ''), COALESCE(description, ''),
	COALESCE(favicon, ''), COALESCE(product_regex, ''), COALESCE(pagination_regex, ''), xpaths, state,
	COALESCE(last_error, ''), created_at, updated_at`

// CreateSource inserts a new source row.
func (s *Store) CreateSource(ctx context.Context, src crawler.Source) error {
	xpaths, err := marshalXPaths(src.Locators.XPaths)
	if err != nil {
		return err
	}
	query := `
INSERT INTO source (
	id, url, contents, name, description, favicon,
	product_regex, pagination_regex, xpaths, state, last_error, created_at, updated_at
) VALUES (
	$1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
	NULLIF($7, ''), NULLIF($8, ''), $9, $10, NULLIF($11, ''), $12, $13
)`
	_, err = s.pool.Exec(ctx, query,
		src.ID,
		src.URL,
		src.Contents,
		src.Name,
		src.Description,
		src.Favicon,
		src.Locators.ProductRegex,
		src.Locators.PaginationRegex,
		xpaths,
		string(src.State),
		src.LastError,
		src.CreatedAt,
		src.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

// GetSource loads one source.
func (s *Store) GetSource(ctx context.Context, id string) (crawler.Source, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM source WHERE id = $1`, id)
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Source{}, crawler.ErrSourceNotFound
	}
	if err != nil {
		return crawler.Source{}, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

// ListSources returns every source, oldest first. Page contents are not
// loaded.
func (s *Store) ListSources(ctx context.Context) ([]crawler.Source, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+strings.Replace(sourceColumns, "COALESCE(contents, '')", "''", 1)+
		` FROM source ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()
	var out []crawler.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}

// UpdateSource writes every mutable column except the state.
func (s *Store) UpdateSource(ctx context.Context, src crawler.Source) error {
	xpaths, err := marshalXPaths(src.Locators.XPaths)
	if err != nil {
		return err
	}
	query := `
UPDATE source SET
	url = $2,
	contents = NULLIF($3, ''),
	name = NULLIF($4, ''),
	description = NULLIF($5, ''),
	favicon = NULLIF($6, ''),
	product_regex = NULLIF($7, ''),
	pagination_regex = NULLIF($8, ''),
	xpaths = $9,
	last_error = NULLIF($10, ''),
	updated_at = now()
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		src.ID,
		src.URL,
		src.Contents,
		src.Name,
		src.Description,
		src.Favicon,
		src.Locators.ProductRegex,
		src.Locators.PaginationRegex,
		xpaths,
		src.LastError,
	)
	if err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrSourceNotFound
	}
	return nil
}

// SetLastError replaces only the last_error column.
func (s *Store) SetLastError(ctx context.Context, id string, msg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE source SET last_error = NULLIF($2, ''), updated_at = now() WHERE id = $1`,
		id, msg,
	)
	if err != nil {
		return fmt.Errorf("set last error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrSourceNotFound
	}
	return nil
}

// TransitionState moves the source to `to` in a single conditional update.
func (s *Store) TransitionState(ctx context.Context, id string, from []crawler.SourceState, to crawler.SourceState) error {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE source SET state = $2, updated_at = now() WHERE id = $1 AND state = ANY($3)`,
		id, string(to), states,
	)
	if err != nil {
		return fmt.Errorf("transition source: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM source WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check source: %w", err)
	}
	if !exists {
		return crawler.ErrSourceNotFound
	}
	return crawler.ErrStateConflict
}

// DeleteSource removes the source. The foreign key nulls the source
// reference of its products.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM source WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrSourceNotFound
	}
	return nil
}

const productColumns = `id::text, COALESCE(source_id::text, ''), url, hash, data, last_processed, reprocessing`

// ProductsByURL returns stored products keyed by URL. When several rows share
// a URL the most recently processed wins.
func (s *Store) ProductsByURL(ctx context.Context, urls []string) (map[string]crawler.Product, error) {
	out := make(map[string]crawler.Product, len(urls))
	if len(urls) == 0 {
		return out, nil
	}
	products, err := s.queryProducts(ctx,
		`SELECT `+productColumns+` FROM product WHERE url = ANY($1) ORDER BY last_processed, id`, urls)
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		out[p.URL] = p
	}
	return out, nil
}

// UpsertProducts writes the batch in one multi-row statement. Rows that
// collide on hash merge their data, with the new values winning per key.
func (s *Store) UpsertProducts(ctx context.Context, products []crawler.Product) error {
	if len(products) == 0 {
		return nil
	}
	const cols = 7
	var b strings.Builder
	b.WriteString(`INSERT INTO product (id, source_id, url, hash, data, last_processed, reprocessing) VALUES `)
	args := make([]any, 0, len(products)*cols)
	for i, p := range products {
		data, err := json.Marshal(nonNil(p.Data))
		if err != nil {
			return fmt.Errorf("marshal product %s: %w", p.URL, err)
		}
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * cols
		fmt.Fprintf(&b, "($%d::uuid, NULLIF($%d, '')::uuid, $%d, $%d, $%d::jsonb, $%d, $%d)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7)
		args = append(args, p.ID, p.SourceID, p.URL, p.Hash, data, p.LastProcessed, p.Reprocessing)
	}
	b.WriteString(`
ON CONFLICT (hash) DO UPDATE SET
	data = product.data || EXCLUDED.data,
	url = EXCLUDED.url,
	last_processed = EXCLUDED.last_processed,
	source_id = EXCLUDED.source_id,
	reprocessing = EXCLUDED.reprocessing`)
	if _, err := s.pool.Exec(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("upsert products: %w", err)
	}
	return nil
}

// ListProducts returns the products of one source.
func (s *Store) ListProducts(ctx context.Context, sourceID string) ([]crawler.Product, error) {
	return s.queryProducts(ctx,
		`SELECT `+productColumns+` FROM product WHERE source_id = $1 ORDER BY url, id`, sourceID)
}

// ListReprocessing returns every product flagged for reprocessing.
func (s *Store) ListReprocessing(ctx context.Context) ([]crawler.Product, error) {
	return s.queryProducts(ctx,
		`SELECT `+productColumns+` FROM product WHERE reprocessing ORDER BY source_id, url`)
}

// SetReprocessing sets the reprocessing flag on the given products.
func (s *Store) SetReprocessing(ctx context.Context, ids []string, flag bool) error {
	if len(ids) == 0 {
		return nil
	}
	tag, err := s.pool.Exec(ctx, `UPDATE product SET reprocessing = $2 WHERE id = ANY($1::uuid[])`, ids, flag)
	if err != nil {
		return fmt.Errorf("set reprocessing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrProductNotFound
	}
	return nil
}

// GetConfig returns the stored config, or the defaults when none was saved.
func (s *Store) GetConfig(ctx context.Context) (crawler.GlobalConfig, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM global_config WHERE id = 1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.defaults.Clone(), nil
	}
	if err != nil {
		return crawler.GlobalConfig{}, fmt.Errorf("get config: %w", err)
	}
	// Decoding appends into existing slices, so start from a private copy.
	cfg := s.defaults.Clone()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return crawler.GlobalConfig{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// UpdateConfig replaces the stored config.
func (s *Store) UpdateConfig(ctx context.Context, cfg crawler.GlobalConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO global_config (id, data) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`,
		raw,
	)
	if err != nil {
		return fmt.Errorf("update config: %w", err)
	}
	return nil
}

func (s *Store) queryProducts(ctx context.Context, query string, args ...any) ([]crawler.Product, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()
	var out []crawler.Product
	for rows.Next() {
		var (
			p    crawler.Product
			data []byte
		)
		if err := rows.Scan(&p.ID, &p.SourceID, &p.URL, &p.Hash, &data, &p.LastProcessed, &p.Reprocessing); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		if err := json.Unmarshal(data, &p.Data); err != nil {
			return nil, fmt.Errorf("decode product %s: %w", p.ID, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	return out, nil
}

func scanSource(row pgx.Row) (crawler.Source, error) {
	var (
		src    crawler.Source
		state  string
		xpaths []byte
	)
	err := row.Scan(
		&src.ID,
		&src.URL,
		&src.Contents,
		&src.Name,
		&src.Description,
		&src.Favicon,
		&src.Locators.ProductRegex,
		&src.Locators.PaginationRegex,
		&xpaths,
		&state,
		&src.LastError,
		&src.CreatedAt,
		&src.UpdatedAt,
	)
	if err != nil {
		return crawler.Source{}, err
	}
	src.State = crawler.SourceState(state)
	if !src.State.Valid() {
		return crawler.Source{}, fmt.Errorf("decode source %s: unknown state %q", src.ID, state)
	}
	if len(xpaths) > 0 {
		if err := json.Unmarshal(xpaths, &src.Locators.XPaths); err != nil {
			return crawler.Source{}, fmt.Errorf("decode xpaths: %w", err)
		}
	}
	return src, nil
}

func marshalXPaths(x map[crawler.Field]string) ([]byte, error) {
	if x == nil {
		x = map[crawler.Field]string{}
	}
	raw, err := json.Marshal(x)
	if err != nil {
		return nil, fmt.Errorf("marshal xpaths: %w", err)
	}
	return raw, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
