package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/selextract/scrape-engine/internal/admin"
	"github.com/selextract/scrape-engine/internal/clock/system"
	"github.com/selextract/scrape-engine/internal/config"
	"github.com/selextract/scrape-engine/internal/dispatcher"
	"github.com/selextract/scrape-engine/internal/engine"
	"github.com/selextract/scrape-engine/internal/executor"
	"github.com/selextract/scrape-engine/internal/id/uuid"
	"github.com/selextract/scrape-engine/internal/logging"
	"github.com/selextract/scrape-engine/internal/metrics"
	"github.com/selextract/scrape-engine/internal/proxy"
	queuememory "github.com/selextract/scrape-engine/internal/queue/memory"
	queuepubsub "github.com/selextract/scrape-engine/internal/queue/pubsub"
	"github.com/selextract/scrape-engine/internal/results"
	"github.com/selextract/scrape-engine/internal/runner"
	"github.com/selextract/scrape-engine/internal/storage/gcs"
	"github.com/selextract/scrape-engine/internal/storage/local"
	storagememory "github.com/selextract/scrape-engine/internal/storage/memory"
	"github.com/selextract/scrape-engine/internal/storage/postgres"
)

// jobStore is the union of what the runner and the admin API need from
// persistence.
type jobStore interface {
	engine.JobStore
	admin.JobDirectory
}

// newServeCmd creates the command that runs the worker until interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scrape worker and its admin API.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()

	store, err := buildJobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("job store init: %w", err)
	}

	artifacts, err := buildArtifactStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("artifact store init: %w", err)
	}

	taskQueue, closeQueue, err := buildQueue(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("queue init: %w", err)
	}
	defer closeQueue()

	var pool engine.ProxyPool
	var poolSizer interface{ Size() int }
	if cfg.Proxy.Enabled {
		vendor := proxy.NewVendorClient(proxy.VendorConfig{
			BaseURL:  cfg.Proxy.VendorURL,
			APIKey:   cfg.Proxy.APIKey,
			Country:  cfg.Proxy.Country,
			PageSize: cfg.Proxy.PageSize,
		}, logger.Named("proxy-vendor"))
		checker := proxy.NewHealthChecker(cfg.Proxy.EchoURL, 10*time.Second)
		p := proxy.NewPool(vendor, checker, clock, proxy.PoolConfig{
			TTL:              cfg.ProxyTTL(),
			MaxFailures:      cfg.Proxy.MaxFailures,
			CheckLimit:       cfg.Proxy.CheckLimit,
			CheckConcurrency: cfg.Proxy.CheckConcurrency,
		}, logger.Named("proxy"))
		pool = p
		poolSizer = p
	}

	exec := executor.New(executor.Config{
		MaxConcurrency: cfg.Browser.MaxParallel,
		Headless:       cfg.Browser.Headless,
		UserAgent:      cfg.Browser.UserAgent,
	}, logger.Named("executor"))

	classifier := engine.NewClassifier(cfg.BackoffInitial(), cfg.BackoffMax())
	finalizer := results.NewWriter(artifacts, store, clock, logger.Named("results"))

	var runners []*runner.Runner
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		runners = append(runners, runner.New(
			taskQueue,
			store,
			exec,
			pool,
			classifier,
			finalizer,
			clock,
			logger.Named("runner").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(runners, logger.Named("dispatcher"))

	adminServer := admin.NewServer(store, taskQueue, idGen, clock, logger.Named("admin"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Admin.Port),
		Handler:           adminServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if poolSizer != nil {
		go samplePoolSize(ctx, poolSizer)
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("runners", len(runners)))
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Admin.Port))
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
	logger.Info("shutdown complete")
	return nil
}

func buildJobStore(ctx context.Context, cfg config.Config) (jobStore, error) {
	if cfg.DB.DSN == "" {
		return storagememory.NewJobStore(), nil
	}
	return postgres.NewJobStore(ctx, postgres.JobStoreConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DBConnLifetime(),
	})
}

func buildArtifactStore(ctx context.Context, cfg config.Config) (engine.ArtifactStore, error) {
	switch cfg.Artifacts.Backend {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Artifacts.GCSBucket})
	case "local":
		return local.New(local.Config{BaseDir: cfg.Artifacts.BaseDir})
	default:
		return storagememory.NewBlobStore(), nil
	}
}

func buildQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) (engine.Queue, func(), error) {
	if cfg.Queue.Backend == "pubsub" {
		q, err := queuepubsub.New(ctx, cfg.Queue.ProjectID, cfg.Queue.Topic, cfg.Queue.Subscription, logger.Named("queue"))
		if err != nil {
			return nil, nil, err
		}
		return q, func() {
			if err := q.Close(); err != nil {
				logger.Warn("queue close failed", zap.Error(err))
			}
		}, nil
	}
	q := queuememory.NewQueue(cfg.Queue.Depth)
	return q, q.Close, nil
}

func samplePoolSize(ctx context.Context, sizer interface{ Size() int }) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetProxyPoolSize(sizer.Size())
		}
	}
}
