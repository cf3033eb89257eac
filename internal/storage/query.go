// -------------------------------------------------------------------------------
// Query Builder - Dialect-Aware SQL for Pagination, Search, and Analytics
//
// Author: Alex Freidah
//
// Both backends share the same SQL shape and differ only in placeholder
// syntax. The builder accumulates WHERE conditions and positional arguments,
// rendering $N for PostgreSQL and ? for SQLite.
// -------------------------------------------------------------------------------

package storage

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// linkColumns is the select list scanned by scanLink on both backends.
const linkColumns = "id, short_code, original_url, created_at, created_by, clicks, is_active"

// analyticsColumns is the select list scanned into AnalyticsRow.
const analyticsColumns = "short_code, time_bucket, country_code, region, city, asn, ip_version, visit_count"

// queryBuilder accumulates conditions and their bound arguments.
type queryBuilder struct {
	dialect dialect
	where   []string
	args    []any
}

func newQuery(d dialect) *queryBuilder {
	return &queryBuilder{dialect: d}
}

// bind appends v to the argument list and returns its placeholder. SQLite
// has no boolean type, so booleans bind as 0/1.
func (q *queryBuilder) bind(v any) string {
	if b, ok := v.(bool); ok && q.dialect == dialectSQLite {
		v = boolInt(b)
	}
	q.args = append(q.args, v)
	if q.dialect == dialectPostgres {
		return "$" + strconv.Itoa(len(q.args))
	}
	return "?"
}

// cond adds a WHERE condition.
func (q *queryBuilder) cond(c string) {
	q.where = append(q.where, c)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (q *queryBuilder) whereClause() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

// -------------------------------------------------------------------------
// LINK PAGES
// -------------------------------------------------------------------------

// cursorCond restricts results to rows strictly after c in
// created_at DESC, id DESC order.
func (q *queryBuilder) cursorCond(c *Cursor) {
	if c == nil {
		return
	}
	q.cond(fmt.Sprintf("(created_at, id) < (%s, %s)", q.bind(c.CreatedAt), q.bind(c.ID)))
}

// buildListQuery returns the list SQL fetching limit+1 rows.
func buildListQuery(d dialect, cursor *Cursor, limit int) (string, []any) {
	q := newQuery(d)
	q.cursorCond(cursor)
	return q.pageSQL(limit), q.args
}

// buildSearchQuery returns the search SQL fetching limit+1 rows.
func buildSearchQuery(d dialect, f SearchFilter, cursor *Cursor, limit int) (string, []any) {
	q := newQuery(d)

	if f.Query != "" {
		p := likePattern(f.Query)
		q.cond(fmt.Sprintf(`(short_code LIKE %s ESCAPE '\' OR lower(original_url) LIKE lower(%s) ESCAPE '\')`,
			q.bind(p), q.bind(p)))
	}
	if f.CreatedBy != nil {
		if *f.CreatedBy == NullCreatedBy {
			q.cond("created_by IS NULL")
		} else {
			q.cond("created_by = " + q.bind(*f.CreatedBy))
		}
	}
	if f.CreatedFrom != nil {
		q.cond("created_at >= " + q.bind(*f.CreatedFrom))
	}
	if f.CreatedTo != nil {
		q.cond("created_at <= " + q.bind(*f.CreatedTo))
	}
	if f.Active != nil {
		q.cond("is_active = " + q.bind(*f.Active))
	}
	q.cursorCond(cursor)

	return q.pageSQL(limit), q.args
}

func (q *queryBuilder) pageSQL(limit int) string {
	return "SELECT " + linkColumns + " FROM urls" + q.whereClause() +
		" ORDER BY created_at DESC, id DESC LIMIT " + q.bind(limit+1)
}

// buildPage trims an over-fetched result to limit and sets the next cursor.
func buildPage(links []ShortLink, limit int) *Page {
	page := &Page{Links: links}
	if len(links) > limit {
		page.Links = links[:limit]
		page.HasMore = true
		last := page.Links[limit-1]
		page.Next = &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	if page.Links == nil {
		page.Links = []ShortLink{}
	}
	return page
}

// -------------------------------------------------------------------------
// ANALYTICS
// -------------------------------------------------------------------------

func (q *queryBuilder) analyticsRange(code string, from, to *int64) {
	q.cond("short_code = " + q.bind(code))
	if from != nil {
		q.cond("time_bucket >= " + q.bind(*from))
	}
	if to != nil {
		q.cond("time_bucket <= " + q.bind(*to))
	}
}

// buildAnalyticsQuery returns raw aggregate rows, newest bucket first.
func buildAnalyticsQuery(d dialect, code string, from, to *int64, limit int) (string, []any) {
	q := newQuery(d)
	q.analyticsRange(code, from, to)
	sql := "SELECT " + analyticsColumns + " FROM analytics" + q.whereClause() +
		" ORDER BY time_bucket DESC, visit_count DESC LIMIT " + q.bind(ClampLimit(limit))
	return sql, q.args
}

// groupExpressions maps a group-by value to its dimension expression.
// Unknown values are stored as empty strings (ASN 0) and rendered "Unknown".
var groupExpressions = map[string]string{
	"country": "COALESCE(NULLIF(country_code, ''), 'Unknown')",
	"region": "CASE WHEN region = '<dropped>' THEN region ELSE " +
		"COALESCE(NULLIF(region, ''), 'Unknown') || ', ' || COALESCE(NULLIF(country_code, ''), 'Unknown') END",
	"city": "CASE WHEN city = '<dropped>' THEN city ELSE " +
		"COALESCE(NULLIF(city, ''), 'Unknown') || ', ' || COALESCE(NULLIF(region, ''), 'Unknown') || ', ' || " +
		"COALESCE(NULLIF(country_code, ''), 'Unknown') END",
	"asn":  "CASE WHEN asn = 0 THEN 'Unknown' ELSE CAST(asn AS TEXT) END",
	"hour": "CAST(time_bucket AS TEXT)",
	"day":  "CAST((time_bucket / 86400) * 86400 AS TEXT)",
}

// buildAggregateQuery returns grouped visit totals ordered by count.
func buildAggregateQuery(d dialect, code, groupBy string, from, to *int64, limit int) (string, []any, error) {
	expr, ok := groupExpressions[groupBy]
	if !ok {
		return "", nil, validationf("group_by must be one of %s", strings.Join(AnalyticsGroupings, ", "))
	}
	q := newQuery(d)
	q.analyticsRange(code, from, to)
	sql := "SELECT " + expr + " AS dimension, CAST(SUM(visit_count) AS BIGINT) AS visits FROM analytics" +
		q.whereClause() + " GROUP BY 1 ORDER BY visits DESC, dimension LIMIT " + q.bind(ClampLimit(limit))
	return sql, q.args, nil
}

// pruneDimensions lists the dimension columns in insert order.
var pruneDimensions = []string{"country_code", "region", "city", "asn"}

// buildPruneInsert returns the statement folding rows older than cutoff into
// one row per remaining key at the cutoff bucket. Dropped dimensions become
// DroppedDimension (ASN 0) and leave the GROUP BY. The cutoff and timestamps
// are integers computed in-process.
func buildPruneInsert(d dialect, cutoff, now int64, drop []string) string {
	selects := []string{"short_code", strconv.FormatInt(cutoff, 10)}
	groups := []string{"short_code"}
	for _, col := range pruneDimensions {
		dropped := slices.Contains(drop, col) || (col == "country_code" && slices.Contains(drop, "country"))
		switch {
		case !dropped:
			selects = append(selects, col)
			groups = append(groups, col)
		case col == "asn":
			selects = append(selects, "0")
		default:
			selects = append(selects, "'"+DroppedDimension+"'")
		}
	}
	selects = append(selects, "ip_version")
	groups = append(groups, "ip_version")

	cutoffArg := "$1"
	if d == dialectSQLite {
		cutoffArg = "?"
	}

	return fmt.Sprintf(
		"INSERT INTO analytics (short_code, time_bucket, country_code, region, city, asn, ip_version, visit_count, created_at, updated_at) "+
			"SELECT %s, SUM(visit_count), %d, %d FROM analytics WHERE time_bucket < %s GROUP BY %s "+
			"ON CONFLICT (short_code, time_bucket, country_code, region, city, asn, ip_version) "+
			"DO UPDATE SET visit_count = analytics.visit_count + excluded.visit_count, updated_at = excluded.updated_at",
		strings.Join(selects, ", "), now, now, cutoffArg, strings.Join(groups, ", "))
}

// pruneCutoff returns the hour-aligned retention boundary.
func pruneCutoff(now int64, retentionDays int) int64 {
	raw := now - int64(retentionDays)*86400
	return raw / 3600 * 3600
}

// buildAnalyticsUpsert returns the statement adding row.VisitCount to its
// aggregation key, inserting the key when absent.
func buildAnalyticsUpsert(d dialect, row AnalyticsRow, now int64) (string, []any) {
	q := newQuery(d)
	values := []string{
		q.bind(row.Code), q.bind(row.TimeBucket), q.bind(row.CountryCode), q.bind(row.Region),
		q.bind(row.City), q.bind(int64(row.ASN)), q.bind(int64(row.IPVersion)),
		q.bind(int64(row.VisitCount)), q.bind(now), q.bind(now),
	}
	sql := "INSERT INTO analytics (short_code, time_bucket, country_code, region, city, asn, ip_version, visit_count, created_at, updated_at) " +
		"VALUES (" + strings.Join(values, ", ") + ") " +
		"ON CONFLICT (short_code, time_bucket, country_code, region, city, asn, ip_version) " +
		"DO UPDATE SET visit_count = analytics.visit_count + excluded.visit_count, updated_at = excluded.updated_at"
	return sql, q.args
}

// -------------------------------------------------------------------------
// SCANNING
// -------------------------------------------------------------------------

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (ShortLink, error) {
	var l ShortLink
	var clicks int64
	if err := row.Scan(&l.ID, &l.Code, &l.TargetURL, &l.CreatedAt, &l.CreatedBy, &clicks, &l.Active); err != nil {
		return ShortLink{}, err
	}
	l.Clicks = uint64(max(clicks, 0))
	return l, nil
}

func scanAnalyticsRow(row rowScanner) (AnalyticsRow, error) {
	var r AnalyticsRow
	var asn, ipVersion, visits int64
	if err := row.Scan(&r.Code, &r.TimeBucket, &r.CountryCode, &r.Region, &r.City, &asn, &ipVersion, &visits); err != nil {
		return AnalyticsRow{}, err
	}
	r.ASN = uint32(asn)
	r.IPVersion = uint8(ipVersion)
	r.VisitCount = uint64(max(visits, 0))
	return r, nil
}

// -------------------------------------------------------------------------
// INCREMENTS
// -------------------------------------------------------------------------

// prepareIncrements drops zero deltas and returns codes in sorted order so
// concurrent flushes lock rows in the same sequence. A delta that does not fit
// the signed click column is rejected before any statement runs.
func prepareIncrements(batch map[string]uint64) ([]string, []int64, error) {
	codes := make([]string, 0, len(batch))
	for code, delta := range batch {
		if delta == 0 {
			continue
		}
		if delta > math.MaxInt64 {
			return nil, nil, fmt.Errorf("%w: delta %d for %q overflows click column", ErrInconsistent, delta, code)
		}
		codes = append(codes, code)
	}
	slices.Sort(codes)

	deltas := make([]int64, len(codes))
	for i, code := range codes {
		deltas[i] = int64(batch[code])
	}
	return codes, deltas, nil
}

// missingCodes returns the codes in want that are absent from got.
func missingCodes(want, got []string) []string {
	seen := make(map[string]struct{}, len(got))
	for _, c := range got {
		seen[c] = struct{}{}
	}
	var missing []string
	for _, c := range want {
		if _, ok := seen[c]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}
