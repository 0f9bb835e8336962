// Package cli wires the cobra command tree. All startup logic lives here;
// cmd/distboard/main.go only executes the root command.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/distboard/distboard/internal/analytics"
	"github.com/distboard/distboard/internal/backfill"
	"github.com/distboard/distboard/internal/config"
	"github.com/distboard/distboard/internal/jobstore"
	"github.com/distboard/distboard/internal/metrics"
	"github.com/distboard/distboard/internal/ratelimit"
	"github.com/distboard/distboard/internal/server"
	"github.com/distboard/distboard/internal/storage"
	"github.com/distboard/distboard/internal/timeseries"
	"github.com/distboard/distboard/internal/upstream"
)

var version = "dev"

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "distboard",
		Short: "Distboard: district dashboard backfill and snapshot service",
		Long: `Distboard collects daily district dashboard exports into immutable
snapshots, maintains per-entity time-series indexes, and serves an admin
API for backfill orchestration.`,
		Version: version,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(buildServeCommand(&configFile))
	return rootCmd
}

func buildServeCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the admin API and metrics servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func newBucket(cfg config.StorageConfig) (storage.Bucket, error) {
	switch cfg.Backend {
	case "local":
		return storage.NewLocalBucket(cfg.DataDir)
	case "s3":
		return storage.NewS3Bucket(context.Background(), storage.S3Options{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
			Region:    cfg.S3.Region,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func serve(cfg config.Config) error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bucket, err := newBucket(cfg.Storage)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	provider := storage.NewProvider(bucket)

	store, err := jobstore.NewStore(ctx, provider, log.Named("jobstore"))
	if err != nil {
		return err
	}

	limiter := ratelimit.New(ratelimit.FromTypes(cfg.RateLimit))
	index := timeseries.NewMaintainer(provider, log.Named("timeseries"))
	collector := metrics.NewCollector()

	fetcher := upstream.NewHTTPFetcher(cfg.Upstream.BaseURL, time.Duration(cfg.Upstream.TimeoutMs)*time.Millisecond)
	computer := analytics.NewComputer(cfg.Snapshot.CalculationVersion, programYearBaseline(index))

	svc, err := backfill.New(ctx, backfill.Options{
		Provider:           provider,
		Store:              store,
		Limiter:            limiter,
		Fetcher:            fetcher,
		Computer:           computer,
		Index:              index,
		Metrics:            collector,
		Log:                log.Named("backfill"),
		SchemaVersion:      cfg.Snapshot.SchemaVersion,
		CalculationVersion: cfg.Snapshot.CalculationVersion,
	}, cfg.RateLimit)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	if err := svc.RecoverOnStartup(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	admin := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: server.New(svc, provider, index, log.Named("http")),
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", collector.Handler())
	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("admin api listening", zap.String("addr", admin.Addr))
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("metrics listening", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		admin.Shutdown(shutdownCtx)
		metricsSrv.Shutdown(shutdownCtx)
		svc.Shutdown()
		return nil
	})
	return g.Wait()
}

// programYearBaseline resolves an entity's membership at the start of its
// program year from the time-series index; the analytics computer uses it
// for membership deltas.
func programYearBaseline(index *timeseries.Maintainer) analytics.BaselineFunc {
	return func(ctx context.Context, entityID, programYear string) (int, bool) {
		entry, err := index.Read(ctx, entityID, programYear)
		if err != nil || entry == nil || len(entry.DataPoints) == 0 {
			return 0, false
		}
		return entry.Summary.Start, true
	}
}
