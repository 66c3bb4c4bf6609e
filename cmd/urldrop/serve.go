package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	httpAdapter "github.com/cwygoda/urldrop/internal/adapter/http"
	"github.com/cwygoda/urldrop/internal/adapter/postgres"
	"github.com/cwygoda/urldrop/internal/adapter/queue"
	"github.com/cwygoda/urldrop/internal/adapter/storage"
	"github.com/cwygoda/urldrop/internal/config"
	"github.com/cwygoda/urldrop/internal/domain"
	"github.com/cwygoda/urldrop/internal/metrics"
	"github.com/cwygoda/urldrop/internal/transfer"
	"github.com/cwygoda/urldrop/internal/worker"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var migrateFirst bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the intake API and the transfer workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if migrateFirst && cfg.Store.Driver == config.StorePostgres {
				if err := postgres.Migrate(cfg.Store.DSN, ctx.logger); err != nil {
					return err
				}
			}
			return runServe(cmd.Context(), ctx, cfg)
		},
	}
	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "Apply database migrations before starting")
	return cmd
}

// jobQueue is both sides of a queue adapter.
type jobQueue interface {
	domain.JobQueue
	domain.Consumer
	httpAdapter.StatsSource
	Close() error
}

// objectStorage is an ObjectStorage with an optional release step.
type objectStorage struct {
	domain.ObjectStorage
	close func() error
}

func runServe(parent context.Context, cc *commandContext, cfg *config.Config) error {
	logger := cc.logger
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting urldrop",
		"port", cfg.Server.Port,
		"store", cfg.Store.Driver,
		"queue", cfg.Queue.Driver,
		"storage", cfg.Storage.Backend,
	)

	store, err := cc.openStore(ctx)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer store.Close()

	q, closeQueue, err := openQueue(ctx, cfg.Queue, logger)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer closeQueue()

	obj, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer obj.close()

	pipeline := transfer.New(store, obj,
		transfer.WithDownloadTimeout(cfg.Worker.DownloadTimeout),
		transfer.WithLogger(logger),
	)
	w := worker.New(q, transfer.NewHooks(store, logger), cfg.Worker.Concurrency, logger)
	w.Handle(domain.TransferJobName, pipeline.Process)

	svc := domain.NewIngestService(store, q, logger)
	srv := httpAdapter.NewServer(svc, httpAdapter.Options{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Secret:       cfg.Server.Secret,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		Queue:        q,
	}, logger)
	if cfg.Server.Secret == "" {
		logger.Warn("intake signature check disabled; set server.secret to enable it")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", srv.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		return w.Run(gctx)
	})

	if cfg.Reconcile.Interval > 0 {
		g.Go(func() error {
			reconcile(gctx, svc, cfg.Reconcile, logger)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// reconcile fails records left in processing until ctx is done.
func reconcile(ctx context.Context, svc *domain.IngestService, cfg config.ReconcileConfig, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	logger.Info("stale sweep enabled", "interval", cfg.Interval, "stale_after", cfg.StaleAfter)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := svc.FailStale(ctx, cfg.StaleAfter)
		metrics.AddStaleRecords(n)
		if err != nil && ctx.Err() == nil {
			logger.Error("stale sweep failed", "error", err)
			continue
		}
		if n > 0 {
			logger.Info("stale sweep moved records to failed", "count", n)
		}
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig, logger *slog.Logger) (jobQueue, func(), error) {
	policy := queue.Policy{MaxAttempts: cfg.MaxAttempts, Backoff: cfg.Backoff}

	switch cfg.Driver {
	case config.QueueMemory:
		logger.Warn("using in-process queue; pending jobs are lost on restart")
		q := queue.NewMemory(policy)
		return q, func() { q.Close() }, nil
	case config.QueueRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
		}
		q := queue.NewRedis(rdb, cfg.Name, policy, queue.WithRedisLogger(logger))
		if cfg.Redis.RecoverActive {
			n, err := q.RecoverActive(ctx)
			if err != nil {
				logger.Warn("failed to recover active jobs", "error", err)
			} else if n > 0 {
				logger.Info("recovered active jobs", "count", n)
			}
		}
		logger.Info("connected to redis", "addr", cfg.Redis.Addr, "queue", cfg.Name)
		return q, func() {
			q.Close()
			rdb.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (*objectStorage, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case config.StorageDrive:
		d, err := storage.NewDrive(ctx, cfg.Drive.FolderID, credentials(cfg.Drive.CredentialsFile)...)
		if err != nil {
			return nil, err
		}
		return &objectStorage{ObjectStorage: d, close: noop}, nil
	case config.StorageGCS:
		g, err := storage.NewGCS(ctx, cfg.GCS.Bucket, cfg.GCS.Prefix, credentials(cfg.GCS.CredentialsFile)...)
		if err != nil {
			return nil, err
		}
		return &objectStorage{ObjectStorage: g, close: g.Close}, nil
	case config.StorageLocal:
		l, err := storage.NewLocal(cfg.Local.Dir)
		if err != nil {
			return nil, err
		}
		return &objectStorage{ObjectStorage: l, close: noop}, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// credentials uses a service account key file when one is configured and
// falls back to application default credentials.
func credentials(file string) []option.ClientOption {
	if file == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(file)}
}
