// -------------------------------------------------------------------------------
// Service Wiring - Store Selection, GeoIP, and Background Services
//
// Author: Alex Freidah
//
// Helpers that turn configuration into running components: the storage
// backend chosen by database.backend, the GeoIP resolver (optionally
// downloaded from S3 first), and the lifecycle services that run the
// durability flushes and analytics retention.
// -------------------------------------------------------------------------------

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/afreidah/shortlinkd/internal/analytics"
	"github.com/afreidah/shortlinkd/internal/config"
	"github.com/afreidah/shortlinkd/internal/engine"
	"github.com/afreidah/shortlinkd/internal/lifecycle"
	"github.com/afreidah/shortlinkd/internal/storage"
)

// -------------------------------------------------------------------------
// STORE
// -------------------------------------------------------------------------

// openStore connects the configured backend.
func openStore(ctx context.Context, cfg *config.DatabaseConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "postgres":
		s, err := storage.NewPostgresStore(ctx, *cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("Connected to PostgreSQL",
			"host", cfg.Host,
			"port", cfg.Port,
			"database", cfg.Database,
		)
		return s, nil
	case "sqlite":
		s, err := storage.NewSQLiteStore(ctx, *cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("Opened SQLite store", "libsql", cfg.IsLibSQL())
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Backend)
	}
}

// -------------------------------------------------------------------------
// GEOIP
// -------------------------------------------------------------------------

// openGeoIP opens the GeoIP databases, downloading them from S3 first when a
// bucket is configured. Returns a nil lookup when no database is configured;
// visits are then recorded with unknown dimensions.
func openGeoIP(ctx context.Context, cfg config.AnalyticsConfig) (analytics.GeoLookup, func(), error) {
	cityPath, asnPath := cfg.GeoIPCityDB, cfg.GeoIPASNDB
	cleanup := func() {}

	if cfg.GeoIPS3.Bucket != "" {
		dir, err := os.MkdirTemp("", "shortlinkd-geoip-")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create GeoIP download dir: %w", err)
		}
		cleanup = func() { _ = os.RemoveAll(dir) }

		cityPath, asnPath, err = analytics.FetchGeoIPDatabases(ctx, analytics.NewS3Client(cfg.GeoIPS3), cfg.GeoIPS3, dir)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		slog.Info("Downloaded GeoIP databases", "bucket", cfg.GeoIPS3.Bucket, "city", cityPath != "", "asn", asnPath != "")
	}

	if cityPath == "" && asnPath == "" {
		slog.Warn("Analytics enabled without a GeoIP database, geo dimensions will be unknown")
		return nil, cleanup, nil
	}

	resolver, err := analytics.OpenGeoIP(cityPath, asnPath)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return resolver, func() {
		if err := resolver.Close(); err != nil {
			slog.Warn("Failed to close GeoIP databases", "error", err)
		}
		cleanup()
	}, nil
}

// -------------------------------------------------------------------------
// BACKGROUND SERVICES
// -------------------------------------------------------------------------

// registerServices adds the durability flush tickers and, when retention is
// configured, the analytics pruner.
func registerServices(sm *lifecycle.Manager, eng *engine.Engine, pruner *analytics.Pruner) {
	eng.RegisterServices(sm)
	if pruner != nil {
		sm.Register("analytics-prune", pruner.Service())
	}
}
