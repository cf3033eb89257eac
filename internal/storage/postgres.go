// -------------------------------------------------------------------------------
// PostgresStore - PostgreSQL Short Link and Analytics Storage
//
// Author: Alex Freidah
//
// Implements Store on a pgx connection pool with OpenTelemetry query tracing.
// Click increments are applied in one UPDATE over unnested arrays so a batch
// lands atomically; analytics upserts are pipelined in a single transaction.
// -------------------------------------------------------------------------------

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/afreidah/shortlinkd/internal/config"
)

// PostgreSQL error codes mapped onto storage sentinels.
const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
	pgGuardViolation  = "SLK01" // raised by the urls guard triggers
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens a traced connection pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// RunMigrations applies the embedded PostgreSQL migrations.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer func() { _ = db.Close() }()
	return runMigrations(ctx, db, dialectPostgres)
}

// Ping verifies the pool can reach the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping database", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// classify maps a pgx error onto the storage sentinels.
func (s *PostgresStore) classify(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("failed to %s: %w", op, ErrConflict)
		case pgCheckViolation, pgGuardViolation:
			return fmt.Errorf("failed to %s: %w: %s", op, ErrInconsistent, pgErr.Message)
		}
	}
	return unavailable(op, err)
}

// -------------------------------------------------------------------------
// LINKS
// -------------------------------------------------------------------------

// Create inserts a new link, returning ErrConflict when the code is taken.
func (s *PostgresStore) Create(ctx context.Context, code, targetURL string, createdBy *string) (link *ShortLink, err error) {
	defer func(start time.Time) { recordOperation("create", start, err) }(time.Now())

	row := s.pool.QueryRow(ctx, `
		INSERT INTO urls (short_code, original_url, created_at, created_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (short_code) DO NOTHING
		RETURNING `+linkColumns,
		code, targetURL, time.Now().Unix(), createdBy)

	l, err := scanLink(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to create %q: %w", code, ErrConflict)
	}
	if err != nil {
		return nil, s.classify("create short link", err)
	}
	return &l, nil
}

// Get returns the link for code.
func (s *PostgresStore) Get(ctx context.Context, code string) (link *ShortLink, err error) {
	defer func(start time.Time) { recordOperation("get", start, err) }(time.Now())

	l, err := scanLink(s.pool.QueryRow(ctx, `SELECT `+linkColumns+` FROM urls WHERE short_code = $1`, code))
	if err != nil {
		return nil, s.classify("get short link", err)
	}
	return &l, nil
}

// SetActive toggles the active flag.
func (s *PostgresStore) SetActive(ctx context.Context, code string, active bool) (err error) {
	defer func(start time.Time) { recordOperation("set_active", start, err) }(time.Now())

	tag, err := s.pool.Exec(ctx, `UPDATE urls SET is_active = $2 WHERE short_code = $1`, code, active)
	if err != nil {
		return s.classify("set active", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyIncrements adds every delta in one statement. Codes that no longer
// exist are skipped and logged.
func (s *PostgresStore) ApplyIncrements(ctx context.Context, batch map[string]uint64) (err error) {
	codes, deltas, err := prepareIncrements(batch)
	if err != nil {
		return err
	}
	if len(codes) == 0 {
		return nil
	}
	defer func(start time.Time) { recordOperation("apply_increments", start, err) }(time.Now())

	rows, err := s.pool.Query(ctx, `
		UPDATE urls u SET clicks = u.clicks + d.delta
		FROM unnest($1::text[], $2::bigint[]) AS d(code, delta)
		WHERE u.short_code = d.code
		RETURNING u.short_code`,
		codes, deltas)
	if err != nil {
		return s.classify("apply increments", err)
	}
	updated, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return s.classify("apply increments", err)
	}

	if missing := missingCodes(codes, updated); len(missing) > 0 {
		slog.Warn("Dropped increments for unknown short codes", "codes", missing)
	}
	return nil
}

// List returns one page of links.
func (s *PostgresStore) List(ctx context.Context, cursor *Cursor, limit int) (page *Page, err error) {
	defer func(start time.Time) { recordOperation("list", start, err) }(time.Now())

	limit = ClampLimit(limit)
	query, args := buildListQuery(dialectPostgres, cursor, limit)
	return s.queryPage(ctx, "list short links", query, args, limit)
}

// Search returns one page of links matching filter.
func (s *PostgresStore) Search(ctx context.Context, filter SearchFilter, cursor *Cursor, limit int) (page *Page, err error) {
	defer func(start time.Time) { recordOperation("search", start, err) }(time.Now())

	limit = ClampLimit(limit)
	query, args := buildSearchQuery(dialectPostgres, filter, cursor, limit)
	return s.queryPage(ctx, "search short links", query, args, limit)
}

func (s *PostgresStore) queryPage(ctx context.Context, op, query string, args []any, limit int) (*Page, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, s.classify(op, err)
	}
	defer rows.Close()

	links := make([]ShortLink, 0, limit+1)
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, s.classify(op, err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(op, err)
	}
	return buildPage(links, limit), nil
}

// -------------------------------------------------------------------------
// ANALYTICS
// -------------------------------------------------------------------------

// UpsertAnalytics pipelines one upsert per row inside a transaction.
func (s *PostgresStore) UpsertAnalytics(ctx context.Context, rows []AnalyticsRow) (err error) {
	if len(rows) == 0 {
		return nil
	}
	defer func(start time.Time) { recordOperation("upsert_analytics", start, err) }(time.Now())

	now := time.Now().Unix()
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, r := range rows {
			query, args := buildAnalyticsUpsert(dialectPostgres, r, now)
			batch.Queue(query, args...)
		}
		br := tx.SendBatch(ctx, batch)
		for range rows {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return err
			}
		}
		return br.Close()
	})
	if err != nil {
		return s.classify("upsert analytics", err)
	}
	return nil
}

// QueryAnalytics returns raw aggregate rows for code.
func (s *PostgresStore) QueryAnalytics(ctx context.Context, code string, from, to *int64, limit int) (out []AnalyticsRow, err error) {
	defer func(start time.Time) { recordOperation("query_analytics", start, err) }(time.Now())

	query, args := buildAnalyticsQuery(dialectPostgres, code, from, to, limit)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, s.classify("query analytics", err)
	}
	defer rows.Close()

	out = []AnalyticsRow{}
	for rows.Next() {
		r, err := scanAnalyticsRow(rows)
		if err != nil {
			return nil, s.classify("query analytics", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("query analytics", err)
	}
	return out, nil
}

// AggregateAnalytics groups visits for code by one dimension.
func (s *PostgresStore) AggregateAnalytics(ctx context.Context, code, groupBy string, from, to *int64, limit int) (out []AnalyticsBucket, err error) {
	defer func(start time.Time) { recordOperation("aggregate_analytics", start, err) }(time.Now())

	query, args, err := buildAggregateQuery(dialectPostgres, code, groupBy, from, to, limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, s.classify("aggregate analytics", err)
	}
	defer rows.Close()

	out = []AnalyticsBucket{}
	for rows.Next() {
		var b AnalyticsBucket
		var visits int64
		if err := rows.Scan(&b.Dimension, &visits); err != nil {
			return nil, s.classify("aggregate analytics", err)
		}
		b.VisitCount = uint64(max(visits, 0))
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("aggregate analytics", err)
	}
	return out, nil
}

// PruneAnalytics folds expired rows into the cutoff bucket and deletes them
// in one transaction.
func (s *PostgresStore) PruneAnalytics(ctx context.Context, retentionDays int, dropDimensions []string) (deleted, inserted int64, err error) {
	defer func(start time.Time) { recordOperation("prune_analytics", start, err) }(time.Now())

	now := time.Now().Unix()
	cutoff := pruneCutoff(now, retentionDays)

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, buildPruneInsert(dialectPostgres, cutoff, now, dropDimensions), cutoff)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `DELETE FROM analytics WHERE time_bucket < $1`, cutoff)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, 0, s.classify("prune analytics", err)
	}
	return deleted, inserted, nil
}
