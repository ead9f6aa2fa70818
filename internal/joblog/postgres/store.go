// Package postgres stores job log entries in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawlq/internal/joblog"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store writes job log rows.
type Store struct {
	pool  pool
	table string
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "job_log"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: p, table: table}, nil
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
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Record upserts the entry keyed by job ID. A job recovered after a stall
// may be recorded twice; the later outcome wins.
func (s *Store) Record(ctx context.Context, e joblog.Entry) error {
	if e.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	metadata, err := json.Marshal(normalizeMetadata(e.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	crawl_id,
	team_id,
	url,
	mode,
	status,
	status_code,
	engine,
	error_message,
	blob_uri,
	content_hash,
	attempts,
	duration_ms,
	finished_at,
	metadata
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
)
ON CONFLICT (job_id) DO UPDATE SET
	status = EXCLUDED.status,
	status_code = EXCLUDED.status_code,
	engine = EXCLUDED.engine,
	error_message = EXCLUDED.error_message,
	blob_uri = EXCLUDED.blob_uri,
	content_hash = EXCLUDED.content_hash,
	attempts = EXCLUDED.attempts,
	duration_ms = EXCLUDED.duration_ms,
	finished_at = EXCLUDED.finished_at,
	metadata = EXCLUDED.metadata`, s.table)

	args := []any{
		e.JobID,
		nullable(e.CrawlID),
		e.TenantID,
		e.URL,
		e.Mode,
		e.Status,
		e.StatusCode,
		e.Engine,
		nullable(e.Error),
		nullable(e.BlobURI),
		nullable(e.Hash),
		e.Attempts,
		e.Duration.Milliseconds(),
		e.FinishedAt,
		metadata,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert job log: %w", err)
	}
	return nil
}

const selectColumns = "job_id, COALESCE(crawl_id, ''), team_id, url, mode, status, status_code, engine, " +
	"COALESCE(error_message, ''), COALESCE(blob_uri, ''), COALESCE(content_hash, ''), " +
	"attempts, duration_ms, finished_at"

// Get loads one entry.
func (s *Store) Get(ctx context.Context, jobID string) (joblog.Entry, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE job_id = $1`, selectColumns, s.table)
	e, err := scanEntry(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return joblog.Entry{}, joblog.ErrNotFound
	}
	if err != nil {
		return joblog.Entry{}, fmt.Errorf("get job log: %w", err)
	}
	return e, nil
}

// ListByCrawl returns the most recent entries of a crawl.
func (s *Store) ListByCrawl(ctx context.Context, crawlID string, limit int) ([]joblog.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE crawl_id = $1 ORDER BY finished_at DESC LIMIT $2`,
		selectColumns, s.table)
	rows, err := s.pool.Query(ctx, query, crawlID, limit)
	if err != nil {
		return nil, fmt.Errorf("list job log: %w", err)
	}
	defer rows.Close()

	var entries []joblog.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job log: %w", err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (joblog.Entry, error) {
	var (
		e          joblog.Entry
		durationMS int64
	)
	err := row.Scan(
		&e.JobID,
		&e.CrawlID,
		&e.TenantID,
		&e.URL,
		&e.Mode,
		&e.Status,
		&e.StatusCode,
		&e.Engine,
		&e.Error,
		&e.BlobURI,
		&e.Hash,
		&e.Attempts,
		&durationMS,
		&e.FinishedAt,
	)
	if err != nil {
		return joblog.Entry{}, err
	}
	e.Duration = time.Duration(durationMS) * time.Millisecond
	return e, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func normalizeMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
