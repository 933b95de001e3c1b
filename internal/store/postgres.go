package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xiaofeng19920506/crawl-worker/internal/id/uuid"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the connection pool backing a PostgresStore.
type PostgresConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// pgxPool is the subset of pgxpool.Pool the store uses, so tests can
// substitute a pgxmock pool.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// PostgresStore implements Store against Postgres. Records live in one
// table keyed by the listing identifier; audit events go to
// <table>_events, append-only.
type PostgresStore struct {
	pool  pgxPool
	table string
	ids   *uuid.Generator
}

// NewPostgresStore connects a pool per cfg. The table name is validated
// against identifier syntax because it is interpolated into SQL text.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "listing_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool, table: table, ids: uuid.NewGenerator()}, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewPostgresStoreWithPool(pool pgxPool, table string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "listing_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresStore{pool: pool, table: table, ids: uuid.NewGenerator()}, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertRecord inserts or replaces the row for rec.Identifier.
func (s *PostgresStore) UpsertRecord(ctx context.Context, rec Record) error {
	if rec.Identifier == "" {
		return fmt.Errorf("record identifier is required")
	}
	images, err := json.Marshal(rec.ImageURLs)
	if err != nil {
		return fmt.Errorf("marshal image urls: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	identifier,
	url,
	title,
	page_number,
	price_minor,
	currency,
	rating,
	rating_count,
	image_urls
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (identifier) DO UPDATE SET
	url = EXCLUDED.url,
	title = EXCLUDED.title,
	page_number = EXCLUDED.page_number,
	price_minor = EXCLUDED.price_minor,
	currency = EXCLUDED.currency,
	rating = EXCLUDED.rating,
	rating_count = EXCLUDED.rating_count,
	image_urls = EXCLUDED.image_urls`, s.table)

	args := []any{
		rec.Identifier,
		rec.URL,
		rec.Title,
		rec.PageNumber,
		rec.PriceMinor,
		rec.Currency,
		rec.Rating,
		rec.RatingCount,
		images,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.Identifier, err)
	}
	return nil
}

// ListByPage returns every stored record extracted from pageNumber.
func (s *PostgresStore) ListByPage(ctx context.Context, pageNumber int) ([]Record, error) {
	query := fmt.Sprintf(`
SELECT identifier, url, title, page_number, price_minor, currency, rating, rating_count, image_urls
FROM %s
WHERE page_number = $1
ORDER BY identifier`, s.table)

	rows, err := s.pool.Query(ctx, query, pageNumber)
	if err != nil {
		return nil, fmt.Errorf("list page %d: %w", pageNumber, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var images []byte
		if err := rows.Scan(
			&rec.Identifier,
			&rec.URL,
			&rec.Title,
			&rec.PageNumber,
			&rec.PriceMinor,
			&rec.Currency,
			&rec.Rating,
			&rec.RatingCount,
			&images,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if len(images) > 0 {
			if err := json.Unmarshal(images, &rec.ImageURLs); err != nil {
				return nil, fmt.Errorf("unmarshal image urls for %s: %w", rec.Identifier, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page %d: %w", pageNumber, err)
	}
	return out, nil
}

// DeleteByPage removes every record for pageNumber and returns the count.
func (s *PostgresStore) DeleteByPage(ctx context.Context, pageNumber int) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE page_number = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, pageNumber)
	if err != nil {
		return 0, fmt.Errorf("delete page %d: %w", pageNumber, err)
	}
	return int(tag.RowsAffected()), nil
}

// RecordEvent appends one audit row to <table>_events.
func (s *PostgresStore) RecordEvent(ctx context.Context, ev Event) error {
	eventID, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s_events (
	id,
	identifier,
	url,
	page_number,
	status,
	error,
	occurred_at
) VALUES ($1,$2,$3,$4,$5,$6,$7)`, s.table)

	args := []any{
		eventID,
		ev.Identifier,
		ev.URL,
		ev.PageNumber,
		string(ev.Status),
		ev.Error,
		ev.OccurredAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("record event for %q: %w", ev.URL, err)
	}
	return nil
}
