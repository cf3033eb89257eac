// -------------------------------------------------------------------------------
// Storage Contract - Short Link Persistence Types and Interfaces
//
// Author: Alex Freidah
//
// Defines the persistence contract shared by the PostgreSQL and SQLite/libSQL
// backends: short link records, cursor pages, search filters, analytics rows,
// and the sentinel errors callers classify with errors.Is. Deleting or
// truncating link records is intentionally absent from the interfaces; both
// backends additionally reject such statements with database triggers.
// -------------------------------------------------------------------------------

package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/afreidah/shortlinkd/internal/telemetry"
)

// -------------------------------------------------------------------------
// ERRORS
// -------------------------------------------------------------------------

var (
	// ErrNotFound is returned when a short code is unknown to the store.
	ErrNotFound = errors.New("short link not found")

	// ErrConflict is returned when creating a short code that already exists.
	ErrConflict = errors.New("short code already exists")

	// ErrValidation marks malformed caller input.
	ErrValidation = errors.New("validation failed")

	// ErrStorageUnavailable marks transient backend failures (connection loss,
	// timeouts, open circuit). Callers may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInconsistent marks an attempted delete/truncate of link data, an
	// attempted count decrease, or a mutation of an immutable column. Always a
	// bug; never expected in normal operation.
	ErrInconsistent = errors.New("inconsistent storage operation")
)

// validationf returns an ErrValidation-wrapped error with a caller-facing message.
func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// -------------------------------------------------------------------------
// TYPES
// -------------------------------------------------------------------------

// ShortLink is a persisted short code to target URL mapping. The target URL
// never changes after creation; only Active may be toggled.
type ShortLink struct {
	ID        int64   `json:"id"`
	Code      string  `json:"short_code"`
	TargetURL string  `json:"original_url"`
	CreatedAt int64   `json:"created_at"`
	CreatedBy *string `json:"created_by,omitempty"`
	Clicks    uint64  `json:"clicks"`
	Active    bool    `json:"is_active"`
}

// Cursor is the keyset position of the last row on a page.
type Cursor struct {
	CreatedAt int64 `json:"created_at"`
	ID        int64 `json:"id"`
}

// Page is one page of links ordered by created_at DESC, id DESC.
type Page struct {
	Links   []ShortLink
	Next    *Cursor // Position of the last returned row when HasMore
	HasMore bool
}

// NullCreatedBy is the CreatedBy filter value selecting links without a creator.
const NullCreatedBy = "__null__"

// SearchFilter narrows a search. Nil fields are not applied.
type SearchFilter struct {
	Query       string
	CreatedBy   *string
	CreatedFrom *int64
	CreatedTo   *int64
	Active      *bool
}

// AnalyticsRow is one aggregate row keyed by code, hour bucket, and geo
// dimensions. Unknown dimensions are empty strings (ASN 0).
type AnalyticsRow struct {
	Code        string `json:"short_code"`
	TimeBucket  int64  `json:"time_bucket"`
	CountryCode string `json:"country_code"`
	Region      string `json:"region"`
	City        string `json:"city"`
	ASN         uint32 `json:"asn"`
	IPVersion   uint8  `json:"ip_version"`
	VisitCount  uint64 `json:"visit_count"`
}

// AnalyticsBucket is one grouped analytics result.
type AnalyticsBucket struct {
	Dimension  string `json:"dimension"`
	VisitCount uint64 `json:"visit_count"`
}

// DroppedDimension replaces collapsed dimension values during pruning.
const DroppedDimension = "<dropped>"

// Analytics group-by values accepted by AggregateAnalytics.
var AnalyticsGroupings = []string{"country", "region", "city", "asn", "hour", "day"}

// -------------------------------------------------------------------------
// INTERFACES
// -------------------------------------------------------------------------

// MetadataStore persists short links and their click counts.
type MetadataStore interface {
	// Create inserts a new link. Returns ErrConflict when the code exists.
	Create(ctx context.Context, code, targetURL string, createdBy *string) (*ShortLink, error)

	// Get returns the link for code, or ErrNotFound.
	Get(ctx context.Context, code string) (*ShortLink, error)

	// SetActive toggles the active flag. Returns ErrNotFound for unknown codes.
	SetActive(ctx context.Context, code string, active bool) error

	// ApplyIncrements adds each delta to its code's click count in a single
	// atomic operation. Either every delta is applied or none is.
	ApplyIncrements(ctx context.Context, batch map[string]uint64) error

	// List returns a page of links after cursor (nil for the first page).
	List(ctx context.Context, cursor *Cursor, limit int) (*Page, error)

	// Search returns a page of links matching filter after cursor.
	Search(ctx context.Context, filter SearchFilter, cursor *Cursor, limit int) (*Page, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close()
}

// AnalyticsStore persists hourly visit aggregates.
type AnalyticsStore interface {
	// UpsertAnalytics adds each row's VisitCount to the matching aggregate,
	// creating it when absent, in a single transaction.
	UpsertAnalytics(ctx context.Context, rows []AnalyticsRow) error

	// QueryAnalytics returns raw aggregate rows for code within [from, to].
	QueryAnalytics(ctx context.Context, code string, from, to *int64, limit int) ([]AnalyticsRow, error)

	// AggregateAnalytics groups visits for code by one of AnalyticsGroupings.
	AggregateAnalytics(ctx context.Context, code, groupBy string, from, to *int64, limit int) ([]AnalyticsBucket, error)

	// PruneAnalytics folds rows older than retentionDays into one bucket at
	// the cutoff hour with dropDimensions collapsed, then deletes the
	// originals. Returns (rows removed, aggregate rows written).
	PruneAnalytics(ctx context.Context, retentionDays int, dropDimensions []string) (int64, int64, error)
}

// Store is the full persistence surface implemented by both backends.
type Store interface {
	MetadataStore
	AnalyticsStore

	// RunMigrations applies pending schema migrations.
	RunMigrations(ctx context.Context) error
}

// -------------------------------------------------------------------------
// VALIDATION
// -------------------------------------------------------------------------

// MaxTargetURLLength bounds stored target URLs.
const MaxTargetURLLength = 2048

// Page size bounds for List and Search.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// ClampLimit bounds a requested page size to 1..MaxPageLimit, substituting
// DefaultPageLimit for non-positive values.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageLimit
	case limit > MaxPageLimit:
		return MaxPageLimit
	default:
		return limit
	}
}

// ValidateCode checks a caller-chosen short code: 1..maxLen characters from
// [A-Za-z0-9_-].
func ValidateCode(code string, maxLen int) error {
	if code == "" {
		return validationf("short code must not be empty")
	}
	if len(code) > maxLen {
		return validationf("short code must be at most %d characters", maxLen)
	}
	for _, r := range code {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return validationf("short code contains invalid character %q", r)
		}
	}
	return nil
}

// ValidateTargetURL checks that raw is an absolute http(s) URL of bounded
// length that can be sent in a Location header.
func ValidateTargetURL(raw string) error {
	if raw == "" {
		return validationf("URL cannot be empty")
	}
	if len(raw) > MaxTargetURLLength {
		return validationf("URL must be at most %d characters", MaxTargetURLLength)
	}
	if strings.ContainsAny(raw, "\r\n\x00") {
		return validationf("URL contains control characters")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return validationf("URL is malformed: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return validationf("URL scheme must be http or https")
	}
	if u.Host == "" {
		return validationf("URL must include a host")
	}
	return nil
}

// likePattern wraps q in % wildcards after escaping LIKE metacharacters with
// a backslash. Queries must declare ESCAPE '\'.
func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}

// -------------------------------------------------------------------------
// INSTRUMENTATION
// -------------------------------------------------------------------------

// recordOperation records the outcome and latency of a backend call.
func recordOperation(operation string, start time.Time, err error) {
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case errors.Is(err, ErrConflict):
		status = "conflict"
	case errors.Is(err, ErrInconsistent):
		status = "inconsistent"
	default:
		status = "error"
	}
	telemetry.StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	telemetry.StorageDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// unavailable wraps a driver failure as ErrStorageUnavailable while keeping
// the original error in the chain.
func unavailable(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, ErrStorageUnavailable, err)
}
