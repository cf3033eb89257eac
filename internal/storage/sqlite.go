// -------------------------------------------------------------------------------
// SQLiteStore - Embedded SQLite and Remote libSQL Storage
//
// Author: Alex Freidah
//
// Implements Store on database/sql for local SQLite files (pure-Go driver) and
// remote libSQL servers. Both share the SQLite migration set and SQL dialect.
// Local files run on a single connection so writers never contend for the
// database lock.
// -------------------------------------------------------------------------------

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"

	"github.com/afreidah/shortlinkd/internal/config"
)

// SQLiteStore implements Store on SQLite or libSQL.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the configured SQLite file or libSQL endpoint.
func NewSQLiteStore(ctx context.Context, cfg config.DatabaseConfig) (*SQLiteStore, error) {
	driver, dsn := "sqlite", cfg.URL
	if cfg.IsLibSQL() {
		driver = "libsql"
		if cfg.AuthToken != "" {
			dsn = withQueryParam(dsn, "authToken", cfg.AuthToken)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to configure database: %w", err)
		}
	} else {
		db.SetMaxOpenConns(int(cfg.MaxConns))
		db.SetConnMaxLifetime(cfg.MaxConnLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// withQueryParam appends key=value to a URL's query string.
func withQueryParam(raw, key, value string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

// RunMigrations applies the embedded SQLite migrations.
func (s *SQLiteStore) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, s.db, dialectSQLite)
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping database", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() {
	if err := s.db.Close(); err != nil {
		slog.Warn("Failed to close database", "error", err)
	}
}

// classify maps driver errors onto the storage sentinels. Neither driver
// exposes stable typed errors for constraint failures, so the message is
// inspected.
func (s *SQLiteStore) classify(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "shortlinkd:"), strings.Contains(msg, "CHECK constraint failed"):
		return fmt.Errorf("failed to %s: %w: %s", op, ErrInconsistent, msg)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("failed to %s: %w", op, ErrConflict)
	}
	return unavailable(op, err)
}

// -------------------------------------------------------------------------
// LINKS
// -------------------------------------------------------------------------

// Create inserts a new link, returning ErrConflict when the code is taken.
func (s *SQLiteStore) Create(ctx context.Context, code, targetURL string, createdBy *string) (link *ShortLink, err error) {
	defer func(start time.Time) { recordOperation("create", start, err) }(time.Now())

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO urls (short_code, original_url, created_at, created_by)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (short_code) DO NOTHING
		RETURNING `+linkColumns,
		code, targetURL, time.Now().Unix(), createdBy)

	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to create %q: %w", code, ErrConflict)
	}
	if err != nil {
		return nil, s.classify("create short link", err)
	}
	return &l, nil
}

// Get returns the link for code.
func (s *SQLiteStore) Get(ctx context.Context, code string) (link *ShortLink, err error) {
	defer func(start time.Time) { recordOperation("get", start, err) }(time.Now())

	l, err := scanLink(s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM urls WHERE short_code = ?`, code))
	if err != nil {
		return nil, s.classify("get short link", err)
	}
	return &l, nil
}

// SetActive toggles the active flag.
func (s *SQLiteStore) SetActive(ctx context.Context, code string, active bool) (err error) {
	defer func(start time.Time) { recordOperation("set_active", start, err) }(time.Now())

	res, err := s.db.ExecContext(ctx, `UPDATE urls SET is_active = ? WHERE short_code = ?`, boolInt(active), code)
	if err != nil {
		return s.classify("set active", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.classify("set active", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyIncrements adds every delta inside one transaction. Codes that no
// longer exist are skipped and logged.
func (s *SQLiteStore) ApplyIncrements(ctx context.Context, batch map[string]uint64) (err error) {
	codes, deltas, err := prepareIncrements(batch)
	if err != nil {
		return err
	}
	if len(codes) == 0 {
		return nil
	}
	defer func(start time.Time) { recordOperation("apply_increments", start, err) }(time.Now())

	var missing []string
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE urls SET clicks = clicks + ? WHERE short_code = ?`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for i, code := range codes {
			res, err := stmt.ExecContext(ctx, deltas[i], code)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				missing = append(missing, code)
			}
		}
		return nil
	})
	if err != nil {
		return s.classify("apply increments", err)
	}

	if len(missing) > 0 {
		slog.Warn("Dropped increments for unknown short codes", "codes", missing)
	}
	return nil
}

// List returns one page of links.
func (s *SQLiteStore) List(ctx context.Context, cursor *Cursor, limit int) (page *Page, err error) {
	defer func(start time.Time) { recordOperation("list", start, err) }(time.Now())

	limit = ClampLimit(limit)
	query, args := buildListQuery(dialectSQLite, cursor, limit)
	return s.queryPage(ctx, "list short links", query, args, limit)
}

// Search returns one page of links matching filter.
func (s *SQLiteStore) Search(ctx context.Context, filter SearchFilter, cursor *Cursor, limit int) (page *Page, err error) {
	defer func(start time.Time) { recordOperation("search", start, err) }(time.Now())

	limit = ClampLimit(limit)
	query, args := buildSearchQuery(dialectSQLite, filter, cursor, limit)
	return s.queryPage(ctx, "search short links", query, args, limit)
}

func (s *SQLiteStore) queryPage(ctx context.Context, op, query string, args []any, limit int) (*Page, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.classify(op, err)
	}
	defer func() { _ = rows.Close() }()

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

// UpsertAnalytics applies one upsert per row inside a transaction.
func (s *SQLiteStore) UpsertAnalytics(ctx context.Context, rows []AnalyticsRow) (err error) {
	if len(rows) == 0 {
		return nil
	}
	defer func(start time.Time) { recordOperation("upsert_analytics", start, err) }(time.Now())

	now := time.Now().Unix()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			query, args := buildAnalyticsUpsert(dialectSQLite, r, now)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return s.classify("upsert analytics", err)
	}
	return nil
}

// QueryAnalytics returns raw aggregate rows for code.
func (s *SQLiteStore) QueryAnalytics(ctx context.Context, code string, from, to *int64, limit int) (out []AnalyticsRow, err error) {
	defer func(start time.Time) { recordOperation("query_analytics", start, err) }(time.Now())

	query, args := buildAnalyticsQuery(dialectSQLite, code, from, to, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.classify("query analytics", err)
	}
	defer func() { _ = rows.Close() }()

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
func (s *SQLiteStore) AggregateAnalytics(ctx context.Context, code, groupBy string, from, to *int64, limit int) (out []AnalyticsBucket, err error) {
	defer func(start time.Time) { recordOperation("aggregate_analytics", start, err) }(time.Now())

	query, args, err := buildAggregateQuery(dialectSQLite, code, groupBy, from, to, limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.classify("aggregate analytics", err)
	}
	defer func() { _ = rows.Close() }()

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
func (s *SQLiteStore) PruneAnalytics(ctx context.Context, retentionDays int, dropDimensions []string) (deleted, inserted int64, err error) {
	defer func(start time.Time) { recordOperation("prune_analytics", start, err) }(time.Now())

	now := time.Now().Unix()
	cutoff := pruneCutoff(now, retentionDays)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, buildPruneInsert(dialectSQLite, cutoff, now, dropDimensions), cutoff)
		if err != nil {
			return err
		}
		if inserted, err = res.RowsAffected(); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, `DELETE FROM analytics WHERE time_bucket < ?`, cutoff)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, 0, s.classify("prune analytics", err)
	}
	return deleted, inserted, nil
}

// withTx runs fn in a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
