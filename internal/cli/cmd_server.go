package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/koltyakov/keygate/internal/artifact"
	"github.com/koltyakov/keygate/internal/authority"
	"github.com/koltyakov/keygate/internal/config"
	"github.com/koltyakov/keygate/internal/debughttp"
	ilog "github.com/koltyakov/keygate/internal/log"
	"github.com/koltyakov/keygate/internal/server"
	"github.com/koltyakov/keygate/internal/store"
	"github.com/koltyakov/keygate/internal/store/jsonfile"
	"github.com/koltyakov/keygate/internal/store/sqlite"
)

func runServer(ctx context.Context, args []string) int {
	loadServerEnvFromDotEnv(".env")

	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server config error:", err)
		return 2
	}
	logger, logCloser, err := ilog.Open(ilog.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintln(os.Stderr, "log error:", err)
		return 1
	}
	defer func() { _ = logCloser.Close() }()
	cfg.ServerName = strings.TrimSpace(cfg.ServerName + " " + Version)

	persister, err := openPersister(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "store error:", err)
		return 1
	}
	st := store.Open(ctx, persister, logger)
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close license store", "err", err)
		}
	}()

	source := artifact.NewFileSource(cfg.ArtifactPath, cfg.ArtifactVersion)
	for _, w := range startupWarnings(cfg, source.Available()) {
		logger.Warn(w)
	}

	telemetry := server.NewTelemetry(logger)
	if err := telemetry.RegisterStoreGauges(st.Len, st.Healthy); err != nil {
		logger.Warn("failed to register store metrics", "err", err)
	}
	if err := debughttp.StartOpsServer(ctx, cfg.OpsListen, telemetry.Registry(), logger, "server"); err != nil {
		fmt.Fprintln(os.Stderr, "ops listener error:", err)
		return 1
	}

	svc := authority.New(st, source, authority.Options{
		DistinctDenyReasons: cfg.DistinctDenyReasons,
		Logger:              logger,
		Events:              telemetry,
	})
	logger.Info("license server configured",
		"store", cfg.StoreBackend,
		"store_path", cfg.StorePath,
		"licenses", st.Len(),
		"artifact", cfg.ArtifactPath,
		"rate_limit", cfg.RateLimitRequests,
		"rate_window", cfg.RateLimitWindow,
	)

	s := server.New(cfg, svc, st, telemetry, logger)
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		return 1
	}
	return 0
}

func openPersister(cfg config.ServerConfig, logger *slog.Logger) (store.Persister, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendSQLite:
		db, err := sqlite.OpenWithOptions(cfg.StorePath, sqlite.OpenOptions{Logger: logger})
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return jsonfile.New(cfg.StorePath, logger), nil
	}
}

func startupWarnings(cfg config.ServerConfig, artifactAvailable bool) []string {
	var out []string
	switch {
	case cfg.AdminSecret == "" && cfg.AdminSecretHash == "":
		out = append(out, "no admin secret configured; admin endpoints will reject every request")
	case cfg.AdminSecretHash == "" && cfg.AdminSecret == config.DefaultAdminSecret:
		out = append(out, "admin secret is the well-known default; set KEYGATE_ADMIN_SECRET_HASH (see `keygate secret generate`)")
	}
	if !artifactAvailable {
		out = append(out, "artifact file not found; downloads will fail until it exists: "+cfg.ArtifactPath)
	}
	if cfg.TrustProxyHeaders {
		out = append(out, "trusting CF-Connecting-IP / X-Forwarded-For; only enable behind a proxy that sets them")
	}
	return out
}
