// -------------------------------------------------------------------------------
// shortlinkd - Short-Link Redirect Service
//
// Author: Alex Freidah
//
// Entry point for the redirect service. Dispatches to subcommands: "serve"
// (default) starts the management API and redirect listeners, "validate"
// checks a configuration file, "version" prints build information.
// -------------------------------------------------------------------------------

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/afreidah/shortlinkd/internal/analytics"
	"github.com/afreidah/shortlinkd/internal/auth"
	"github.com/afreidah/shortlinkd/internal/config"
	"github.com/afreidah/shortlinkd/internal/engine"
	"github.com/afreidah/shortlinkd/internal/lifecycle"
	"github.com/afreidah/shortlinkd/internal/server"
	"github.com/afreidah/shortlinkd/internal/storage"
	"github.com/afreidah/shortlinkd/internal/telemetry"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "validate":
			os.Args = os.Args[1:]
			runValidate()
			return
		case "version":
			runVersion()
			return
		case "serve":
			os.Args = os.Args[1:]
		}
	}
	runServe()
}

func runServe() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before the config")
	flag.Parse()

	// --- Initialize structured logger ---
	logLevel := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	// --- Load configuration ---
	if err := config.LoadEnvFile(*envFile); err != nil {
		slog.Error("Failed to load env file", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logLevel.Set(cfg.Logging.SlogLevel())

	ctx := context.Background()
	if err := config.ResolveVaultSecrets(ctx, &cfg.Database); err != nil {
		slog.Error("Failed to resolve Vault secrets", "error", err)
		os.Exit(1)
	}

	// --- Initialize tracing ---
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry.Tracing)
	if err != nil {
		slog.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}

	// --- Set build info metric ---
	telemetry.BuildInfo.WithLabelValues(telemetry.Version, runtime.Version()).Set(1)

	// --- Open store and run migrations ---
	store, err := openStore(ctx, &cfg.Database)
	if err != nil {
		slog.Error("Failed to open store", "backend", cfg.Database.Backend, "error", err)
		os.Exit(1)
	}
	if err := store.RunMigrations(ctx); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("Database migrations applied", "backend", cfg.Database.Backend)

	// --- Wrap store with circuit breaker for runtime ---
	cbStore := storage.NewCircuitBreakerStore(store, cfg.CircuitBreaker)

	cursors, err := storage.NewCursorCodec(cfg.Pagination.CursorSecret)
	if err != nil {
		slog.Error("Failed to initialize cursor codec", "error", err)
		os.Exit(1)
	}

	// --- Analytics pipeline ---
	var (
		visits   engine.VisitRecorder
		clientIP *analytics.ClientIPExtractor
		geoClose func()
		pruner   *analytics.Pruner
	)
	if cfg.Analytics.Enabled {
		geo, closeGeo, err := openGeoIP(ctx, cfg.Analytics)
		if err != nil {
			slog.Error("Failed to open GeoIP databases", "error", err)
			os.Exit(1)
		}
		geoClose = closeGeo
		visits = analytics.NewAggregator(cfg.Analytics, cbStore, geo)
		clientIP = analytics.NewClientIPExtractor(cfg.Analytics)
		pruner = analytics.NewPruner(cfg.Analytics, cbStore)
		slog.Info("Analytics enabled",
			"geoip", geo != nil,
			"trusted_proxy_mode", cfg.Analytics.TrustedProxyMode,
			"ip_anonymization", cfg.Analytics.IPAnonymization,
			"retention_days", cfg.Analytics.RetentionDays,
		)
	}

	// --- Engine ---
	eng := engine.New(engine.ConfigFrom(cfg), cbStore, cursors, visits)
	eng.Start()

	// --- Start background services with lifecycle manager ---
	sm := lifecycle.NewManager()
	registerServices(sm, eng, pruner)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	bgDone := sm.Start(bgCtx)

	// --- Create server ---
	verifier := auth.NewVerifier(cfg.Auth)
	srv := server.New(cfg, eng, cbStore, verifier, clientIP)

	var limiter server.Limiter
	apiHandler := srv.APIHandler()
	redirectHandler := srv.RedirectHandler()
	if cfg.RateLimit.Enabled {
		limiter = server.NewLimiter(cfg.RateLimit)
		mw := server.RateLimit(limiter, cfg.RateLimit.TrustedProxies)
		apiHandler = mw(apiHandler)
		redirectHandler = mw(redirectHandler)
		slog.Info("Rate limiting enabled",
			"requests_per_sec", cfg.RateLimit.RequestsPerSec,
			"burst", cfg.RateLimit.Burst,
			"shared", cfg.RateLimit.Redis.Addr != "",
		)
	}

	apiServer := &http.Server{
		Addr:              cfg.Server.APIListenAddr,
		Handler:           apiHandler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	redirectServer := &http.Server{
		Addr:              cfg.Server.RedirectListenAddr,
		Handler:           redirectHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// --- Configure management TLS if cert and key are provided ---
	var certReloader *server.CertReloader
	if cfg.Server.TLS.CertFile != "" {
		certReloader, err = server.NewCertReloader(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if err != nil {
			slog.Error("Failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		apiServer.TLSConfig, err = server.NewTLSConfig(cfg.Server.TLS, certReloader)
		if err != nil {
			slog.Error("Failed to configure TLS", "error", err)
			os.Exit(1)
		}
	}

	// --- Handle SIGHUP for config reload ---
	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)
	current := cfg
	go func() {
		for range hupChan {
			slog.Info("SIGHUP received, reloading configuration", "path", *configPath)

			newCfg, err := config.LoadConfig(*configPath)
			if err != nil {
				slog.Error("Config reload failed, keeping current config", "error", err)
				continue
			}

			for _, w := range config.NonReloadableFieldsChanged(current, newCfg) {
				slog.Warn("Config field changed but requires restart to take effect", "field", w)
			}

			logLevel.Set(newCfg.Logging.SlogLevel())

			if certReloader != nil {
				if err := certReloader.Reload(); err != nil {
					slog.Error("Failed to reload TLS certificate", "error", err)
				}
			}

			if limiter != nil && newCfg.RateLimit.Enabled {
				limiter.UpdateLimits(newCfg.RateLimit.RequestsPerSec, newCfg.RateLimit.Burst)
				slog.Info("Reloaded rate limits",
					"requests_per_sec", newCfg.RateLimit.RequestsPerSec,
					"burst", newCfg.RateLimit.Burst,
				)
			}

			srv.SetRedirectSettings(server.RedirectSettings{
				Status:        newCfg.Server.RedirectStatus,
				TimingHeaders: newCfg.Server.TimingHeaders,
			})

			current = newCfg
			slog.Info("Configuration reload complete",
				"log_level", newCfg.Logging.Level,
				"redirect_status", newCfg.Server.RedirectStatus,
			)
		}
	}()

	// --- Handle graceful shutdown ---
	gracePeriod := cfg.Shutdown.GracePeriod
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		sigChan := make(chan os.Signal, 2)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		slog.Info("Shutting down", "grace_period", gracePeriod)

		// Stop SIGHUP handler so it can't race with shutdown
		signal.Stop(hupChan)
		close(hupChan)

		graceCtx, cancelGrace := context.WithTimeout(context.Background(), gracePeriod)
		defer cancelGrace()

		// A second signal abandons the HTTP drain and the retry backoff.
		// The fast drain of both pipelines still runs.
		hurried := make(chan struct{})
		go func() {
			select {
			case <-sigChan:
				slog.Warn("Second signal received, cutting shutdown short")
				cancelGrace()
				eng.Coordinator().Hurry()
			case <-hurried:
			}
		}()
		defer close(hurried)

		// Stop accepting requests so no new clicks enter the pipelines
		var g errgroup.Group
		for _, hs := range []*http.Server{redirectServer, apiServer} {
			g.Go(func() error { return hs.Shutdown(graceCtx) })
		}
		if err := g.Wait(); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}

		// Drain and persist buffered clicks and visits
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), gracePeriod)
		defer cancelFlush()
		if err := eng.Shutdown(flushCtx); err != nil {
			slog.Error("Pipeline shutdown incomplete", "error", err)
		}

		if limiter != nil {
			limiter.Close()
		}

		// Stop background services and wait for them to finish
		bgCancel()
		<-bgDone
		sm.Stop(10 * time.Second)

		if geoClose != nil {
			geoClose()
		}
		cbStore.Close()

		if err := shutdownTracer(flushCtx); err != nil {
			slog.Error("Tracer shutdown error", "error", err)
		}
	}()

	// --- Log startup info ---
	slog.Info("shortlinkd starting",
		"version", telemetry.Version,
		"api_listen_addr", cfg.Server.APIListenAddr,
		"redirect_listen_addr", cfg.Server.RedirectListenAddr,
		"backend", cfg.Database.Backend,
		"redirect_status", cfg.Server.RedirectStatus,
		"auth", verifier.Enabled(),
		"analytics", cfg.Analytics.Enabled,
	)

	if cfg.Telemetry.Metrics.Enabled {
		slog.Info("Metrics endpoint enabled", "path", cfg.Telemetry.Metrics.Path)
	}
	if cfg.Telemetry.Tracing.Enabled {
		slog.Info("Tracing enabled",
			"endpoint", cfg.Telemetry.Tracing.Endpoint,
			"sample_rate", cfg.Telemetry.Tracing.SampleRate,
			"insecure", cfg.Telemetry.Tracing.Insecure,
		)
	}
	if cfg.Server.TLS.CertFile != "" {
		slog.Info("Management API TLS enabled",
			"cert_file", cfg.Server.TLS.CertFile,
			"min_version", cfg.Server.TLS.MinVersion,
			"mtls", cfg.Server.TLS.ClientCAFile != "",
		)
	}

	// --- Start listeners ---
	serveErr := make(chan error, 2)
	go func() {
		if apiServer.TLSConfig != nil {
			serveErr <- apiServer.ListenAndServeTLS("", "") // certs provided via GetCertificate
			return
		}
		serveErr <- apiServer.ListenAndServe()
	}()
	go func() {
		serveErr <- redirectServer.ListenAndServe()
	}()

	for range 2 {
		if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}

	// Wait for shutdown goroutine to finish cleanup
	<-shutdownDone

	slog.Info("Server stopped")
}
