//go:build integration

// -------------------------------------------------------------------------------
// Integration Harness - PostgreSQL Testcontainer
//
// Author: Alex Freidah
//
// Starts one PostgreSQL container for the whole package, applies the embedded
// migrations, and shares the resulting store across tests. Each test works on
// uniquely named short codes so tests never need to truncate tables.
// -------------------------------------------------------------------------------

package integration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/afreidah/shortlinkd/internal/config"
	"github.com/afreidah/shortlinkd/internal/storage"
)

var (
	testStore *storage.PostgresStore
	codeSeq   atomic.Int64
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("shortlinkd"),
		tcpostgres.WithUsername("shortlinkd"),
		tcpostgres.WithPassword("shortlinkd"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		return 1
	}
	defer func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			fmt.Fprintf(os.Stderr, "failed to terminate postgres container: %v\n", err)
		}
	}()

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get connection string: %v\n", err)
		return 1
	}

	testStore, err = storage.NewPostgresStore(ctx, config.DatabaseConfig{
		Backend:         "postgres",
		URL:             dsn,
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		return 1
	}
	defer testStore.Close()

	if err := testStore.RunMigrations(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		return 1
	}

	return m.Run()
}

// uniqueCode returns a short code unique to this test run.
func uniqueCode(t *testing.T, prefix string) string {
	t.Helper()
	name := strings.NewReplacer("/", "-", " ", "-").Replace(t.Name())
	if len(name) > 20 {
		name = name[len(name)-20:]
	}
	return fmt.Sprintf("%s-%s-%d", prefix, name, codeSeq.Add(1))
}
