// Package main is the entry point for the GoatDB sync daemon: it opens
// every configured repository, serves the sync transport over HTTP, and
// drives scheduled rounds against any configured peers.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/goatdb/goatdb/internal/api"
	"github.com/goatdb/goatdb/internal/audit"
	"github.com/goatdb/goatdb/internal/config"
	"github.com/goatdb/goatdb/internal/goatctx"
	"github.com/goatdb/goatdb/internal/metrics"
	"github.com/goatdb/goatdb/internal/repository"
	"github.com/goatdb/goatdb/internal/schema"
	goatsync "github.com/goatdb/goatdb/internal/sync"
	"github.com/goatdb/goatdb/internal/trust"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("goatdb %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting goatdb",
		slog.String("version", version),
		slog.String("address", cfg.Address()),
		slog.Int("repositories", len(cfg.Repositories)),
	)

	schemas := schema.NewRegistry()
	for _, rc := range cfg.Repositories {
		if rc.SchemaFile == "" {
			continue
		}
		s, err := schema.LoadFile(rc.SchemaFile)
		if err != nil {
			logger.Error("failed to load schema file", slog.String("repository", rc.Name), slog.String("error", err.Error()))
			os.Exit(1)
		}
		if err := schemas.Register(s); err != nil {
			logger.Error("failed to register schema", slog.String("repository", rc.Name), slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	trustPool, err := setupTrustPool(cfg.Trust, logger)
	if err != nil {
		logger.Error("failed to set up trust pool", slog.String("error", err.Error()))
		os.Exit(1)
	}

	gctx := goatctx.New(schemas, trustPool, goatctx.BuildInfo{Version: version, Commit: commit})

	m := metrics.New()

	auditLogger, err := audit.New(audit.Config{
		Enabled: cfg.Audit.Enabled,
		Network: cfg.Audit.Network,
		Address: cfg.Audit.Address,
		Tag:     cfg.Audit.Tag,
	})
	if err != nil {
		logger.Error("failed to set up audit logger", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer auditLogger.Close()

	server := api.NewServer(cfg.Address(), version, logger)
	server.SetMetrics(m)

	repos := make(map[string]*repository.Repository, len(cfg.Repositories))
	var unsubscribes []func()
	for _, rc := range cfg.Repositories {
		repo, err := gctx.OpenRepository(rc.Path, rc.Namespace, rc.Version, cfg.Trust.SessionID)
		if err != nil {
			logger.Error("failed to open repository", slog.String("repository", rc.Name), slog.String("error", err.Error()))
			os.Exit(1)
		}
		repos[rc.Name] = repo
		server.Register(rc.Name, repo)
		unsubscribes = append(unsubscribes, m.ObserveRepository(rc.Name, repo))
		unsubscribes = append(unsubscribes, auditLogger.Observe(repo))
		logger.Info("opened repository", slog.String("name", rc.Name), slog.String("path", rc.Path))
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	stopSync := startSyncLoop(rootCtx, cfg, repos, version, m, logger)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
		}
	case sig := <-shutdown:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	cancel()
	stopSync()

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	for name, repo := range repos {
		if err := repo.Close(); err != nil {
			logger.Error("repository close error", slog.String("repository", name), slog.String("error", err.Error()))
		}
	}

	logger.Info("shutdown complete")
}

// newLogger builds the process's slog.Logger, writing through a rotating
// lumberjack.Logger when Logging.File is set, stderr otherwise -- the
// rotation fields live in config, the lumberjack.Logger itself is
// constructed here, same config-describes/cmd-wires split used by every
// field in LoggingConfig.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
	}

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}

// setupTrustPool restores a previously-persisted signing session from
// Trust.SettingsFile, or mints a fresh one (saving it, if a settings file
// was configured) when none exists yet.
func setupTrustPool(cfg config.TrustConfig, logger *slog.Logger) (*trust.Pool, error) {
	pool := trust.NewPool()
	if cfg.SessionID == "" {
		return pool, nil
	}

	if cfg.SettingsFile != "" {
		if _, err := pool.LoadSettings(cfg.SettingsFile); err == nil {
			logger.Info("restored trust session from settings file", slog.String("session", cfg.SessionID))
			return pool, nil
		}
	}

	ttl := time.Duration(cfg.SessionTTLHours) * time.Hour
	if _, err := pool.CreateSession(cfg.SessionID, cfg.Owner, ttl); err != nil {
		return nil, fmt.Errorf("creating trust session %s: %w", cfg.SessionID, err)
	}
	if cfg.SettingsFile != "" {
		if err := pool.SaveSettings(cfg.SessionID, cfg.SettingsFile); err != nil {
			return nil, fmt.Errorf("saving trust settings to %s: %w", cfg.SettingsFile, err)
		}
	}
	logger.Info("created new trust session", slog.String("session", cfg.SessionID))
	return pool, nil
}

// startSyncLoop runs one goroutine per (peer, repository) pair under a
// shared errgroup.Group, each attempting a round every
// Sync.RoundIntervalSeconds (plus whatever backoff the scheduler has
// accrued for that pair). The returned func cancels every loop and blocks
// until they've all exited.
func startSyncLoop(ctx context.Context, cfg *config.Config, repos map[string]*repository.Repository, buildVersion string, m *metrics.Metrics, logger *slog.Logger) func() {
	if len(cfg.Sync.Peers) == 0 || len(repos) == 0 {
		return func() {}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(loopCtx)

	client := api.NewClient(buildVersion, cfg.Address(), cfg.Sync.RoundsPerSecond)
	var scheduler *goatsync.Scheduler
	scheduler = goatsync.NewScheduler(func(ctx context.Context, peer, repoName string) (goatsync.RoundResult, bool, error) {
		repo := repos[repoName]
		return client.Round(ctx, peer, repoName, repo, scheduler.Cycles(peer, repoName))
	})

	interval := time.Duration(cfg.Sync.RoundIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for _, peerAddr := range cfg.Sync.Peers {
		for repoName := range repos {
			peerAddr, repoName := peerAddr, repoName
			group.Go(func() error {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-groupCtx.Done():
						return nil
					case <-ticker.C:
						start := time.Now()
						result, err := scheduler.Sync(groupCtx, peerAddr, repoName)
						m.RecordSyncRound(peerAddr, err == nil, time.Since(start))
						if err != nil {
							logger.Warn("sync round failed", slog.String("peer", peerAddr), slog.String("repository", repoName), slog.String("error", err.Error()))
							continue
						}
						if result.Accepted > 0 {
							m.RecordCommitsExchanged(peerAddr, "received", result.Accepted)
						}
					}
				}
			})
		}
	}

	return func() {
		cancel()
		_ = group.Wait()
	}
}
