// Package main wires together the scrapeline ingestion service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/scrapeline/scrapeline/internal/api"
	"github.com/scrapeline/scrapeline/internal/clock/system"
	"github.com/scrapeline/scrapeline/internal/config"
	"github.com/scrapeline/scrapeline/internal/etl"
	htmlextract "github.com/scrapeline/scrapeline/internal/extract/html"
	collyfetcher "github.com/scrapeline/scrapeline/internal/fetcher/colly"
	"github.com/scrapeline/scrapeline/internal/hash/sha256"
	"github.com/scrapeline/scrapeline/internal/id/uuid"
	"github.com/scrapeline/scrapeline/internal/ingest"
	"github.com/scrapeline/scrapeline/internal/logging"
	"github.com/scrapeline/scrapeline/internal/policy"
	"github.com/scrapeline/scrapeline/internal/ratelimit"
	"github.com/scrapeline/scrapeline/internal/session"
	memorystorage "github.com/scrapeline/scrapeline/internal/storage/memory"
	pgstorage "github.com/scrapeline/scrapeline/internal/storage/postgres"
	"github.com/scrapeline/scrapeline/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	var store ingest.Storage
	var closeStore func()
	switch cfg.Storage.Provider {
	case config.ProviderPostgres:
		pg, err := pgstorage.New(ctx, pgstorage.Config{
			DSN:           cfg.DB.DSN,
			ArticlesTable: cfg.Storage.ArticlesTable,
			MaxConns:      cfg.DB.MaxConns,
			MinConns:      cfg.DB.MinConns,
		}, idGen, clock)
		if err != nil {
			logger.Fatal("postgres store init failed", zap.Error(err))
		}
		store = pg
		closeStore = pg.Close
	default:
		store = memorystorage.New(clock)
		closeStore = func() {}
	}
	defer closeStore()

	policyCache := policy.New(policy.Config{
		TTL:          cfg.PolicyTTL(),
		UserAgent:    cfg.Crawler.UserAgent,
		DefaultDelay: cfg.FloorDelay(),
		Timeout:      cfg.PolicyTimeout(),
	}, nil, clock, logger.Named("policy"))

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.RequestTimeout(),
	})

	pipeline, err := etl.New(store, hasher, clock, nil, etl.Config{
		FollowLinks:  cfg.Pipeline.FollowLinks,
		SameHostOnly: cfg.Pipeline.SameHostOnly,
		LinkLabel:    ingest.Label(cfg.Pipeline.LinkLabel),
	}, logger.Named("etl"))
	if err != nil {
		logger.Fatal("pipeline init failed", zap.Error(err))
	}

	sessions, err := session.NewManager(session.Deps{
		Policy:    policyCache,
		Delays:    policyCache,
		Fetcher:   fetcher,
		Pipeline:  pipeline,
		Extractor: htmlextract.New(),
		Clock:     clock,
		IDs:       idGen,
		Logger:    logger.Named("session"),
	}, session.Config{
		Limiter: ratelimit.Config{
			FloorDelay: cfg.FloorDelay(),
			Burst:      cfg.Crawler.Burst,
		},
		Worker: worker.Config{
			Workers:        cfg.Crawler.Concurrency,
			MaxRetries:     cfg.HTTP.MaxRetries,
			RequestTimeout: cfg.RequestTimeout(),
			BackoffBase:    cfg.BackoffInitial(),
			BackoffMax:     cfg.BackoffMax(),
			CooldownOn429:  cfg.Cooldown429(),
		},
		Middleware: []worker.Middleware{
			worker.WithHeader("User-Agent", cfg.Crawler.UserAgent),
		},
	})
	if err != nil {
		logger.Fatal("session manager init failed", zap.Error(err))
	}

	apiServer := api.NewServer(sessions, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		logger.Error("session shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
