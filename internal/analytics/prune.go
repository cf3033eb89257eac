// -------------------------------------------------------------------------------
// Pruner - Analytics Retention
//
// Author: Alex Freidah
//
// Periodically folds aggregate rows older than the retention window into a
// single bucket at the cutoff hour, collapsing the configured dimensions, so
// long-term totals survive while row count stays bounded.
// -------------------------------------------------------------------------------

package analytics

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/afreidah/shortlinkd/internal/audit"
	"github.com/afreidah/shortlinkd/internal/config"
	"github.com/afreidah/shortlinkd/internal/lifecycle"
	"github.com/afreidah/shortlinkd/internal/storage"
)

// AnalyticsPruner folds and deletes expired analytics rows.
type AnalyticsPruner interface {
	PruneAnalytics(ctx context.Context, retentionDays int, dropDimensions []string) (int64, int64, error)
}

// Pruner runs retention on a schedule.
type Pruner struct {
	store         AnalyticsPruner
	retentionDays int
	drop          []string
	interval      time.Duration
}

// NewPruner creates a pruner from the analytics settings. Returns nil when
// retention is disabled.
func NewPruner(cfg config.AnalyticsConfig, store AnalyticsPruner) *Pruner {
	if cfg.RetentionDays <= 0 {
		return nil
	}
	return &Pruner{
		store:         store,
		retentionDays: cfg.RetentionDays,
		drop:          cfg.DropDimensions,
		interval:      cfg.PruneInterval,
	}
}

// Service wraps the pruner as a lifecycle ticker.
func (p *Pruner) Service() lifecycle.Service {
	return &lifecycle.Ticker{
		Name:     "analytics-prune",
		Interval: p.interval,
		Tick:     p.Prune,
		Quiet: func(err error) bool {
			return errors.Is(err, storage.ErrStorageUnavailable)
		},
	}
}

// Prune runs one retention pass.
func (p *Pruner) Prune(ctx context.Context) error {
	ctx = audit.WithRequestID(ctx, audit.NewID())
	start := time.Now()

	deleted, inserted, err := p.store.PruneAnalytics(ctx, p.retentionDays, p.drop)
	if err != nil {
		return err
	}
	if deleted == 0 {
		slog.Debug("Analytics prune found nothing to fold", "retention_days", p.retentionDays)
		return nil
	}

	audit.Log(ctx, audit.EventAnalyticsPruned,
		slog.Int("retention_days", p.retentionDays),
		slog.Any("dropped_dimensions", p.drop),
		slog.Int64("rows_deleted", deleted),
		slog.Int64("rows_written", inserted),
		slog.String("duration", time.Since(start).Round(time.Millisecond).String()),
	)
	return nil
}
