// Package postgres provides a PostgreSQL-backed [history.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	rec, err := store.Append(ctx, history.Record{InputPath: in, OutputPath: out, TargetHz: 432})
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/retune/internal/history"
)

var _ history.Store = (*Store)(nil)

const ddlConvertedFiles = `
CREATE TABLE IF NOT EXISTS converted_files (
    id           BIGSERIAL         PRIMARY KEY,
    input_path   TEXT              NOT NULL,
    output_path  TEXT              NOT NULL,
    detected_hz  DOUBLE PRECISION  NOT NULL DEFAULT 0,
    target_hz    DOUBLE PRECISION  NOT NULL,
    created_at   TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_converted_files_created_at
    ON converted_files (created_at DESC);

CREATE INDEX IF NOT EXISTS idx_converted_files_target_hz
    ON converted_files (target_hz);
`

// Migrate creates the converted_files table and its indexes. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlConvertedFiles); err != nil {
		return fmt.Errorf("history postgres: migrate: %w", err)
	}
	return nil
}

// Store is a [history.Store] over a single [pgxpool.Pool]. All methods are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping implements [history.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("history postgres: ping: %w", err)
	}
	return nil
}

// Append implements [history.Store].
func (s *Store) Append(ctx context.Context, r history.Record) (history.Record, error) {
	const q = `
		INSERT INTO converted_files (input_path, output_path, detected_hz, target_hz, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, now()))
		RETURNING id, created_at`

	var ts any
	if !r.CreatedAt.IsZero() {
		ts = r.CreatedAt
	}
	row := s.pool.QueryRow(ctx, q, r.InputPath, r.OutputPath, r.DetectedHz, r.TargetHz, ts)
	if err := row.Scan(&r.ID, &r.CreatedAt); err != nil {
		return history.Record{}, fmt.Errorf("history postgres: append: %w", err)
	}
	return r, nil
}

// List implements [history.Store].
func (s *Store) List(ctx context.Context, f history.Filter) ([]history.Record, error) {
	q, args := buildListQuery(f)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history postgres: list: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Record, error) {
		var r history.Record
		err := row.Scan(&r.ID, &r.InputPath, &r.OutputPath, &r.DetectedHz, &r.TargetHz, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("history postgres: scan rows: %w", err)
	}
	if records == nil {
		records = []history.Record{}
	}
	return records, nil
}

// buildListQuery renders the SELECT for f with positional arguments.
func buildListQuery(f history.Filter) (string, []any) {
	var (
		args       []any
		conditions []string
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.TargetHz != 0 {
		conditions = append(conditions, fmt.Sprintf("abs(target_hz - %s) < %g", next(f.TargetHz), history.TargetTolerance))
	}
	if f.Extension != "" {
		conditions = append(conditions, "lower(output_path) LIKE "+next("%"+escapeLike(strings.ToLower(f.Extension)))+` ESCAPE '\'`)
	}

	q := "SELECT id, input_path, output_path, detected_hz, target_hz, created_at\n" +
		"FROM   converted_files\n"
	if len(conditions) > 0 {
		q += "WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n"
	}
	q += "ORDER  BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += "\nLIMIT " + next(f.Limit)
	}
	return q, args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
