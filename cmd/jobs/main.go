// Command jobs hosts the scheduler-invoked maintenance commands: upload
// cycles, queue sweeps and usage reconciliation. Each command takes a Redis
// lock named after itself so overlapping cron fires collapse to one run.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"conversion-relay/internal/config"
	"conversion-relay/internal/cronlock"
	"conversion-relay/internal/provider"
	"conversion-relay/internal/reconcile"
	"conversion-relay/internal/runner"
	"conversion-relay/internal/semaphore"
	"conversion-relay/internal/store"
	"conversion-relay/internal/telemetry"
)

type deps struct {
	cfg    config.Config
	store  *store.Store
	redis  *redis.Client
	lock   *cronlock.Lock
	runner *runner.Runner
	recon  *reconcile.Worker
}

func setup(ctx context.Context, cfg config.Config) (*deps, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	registry := provider.NewRegistry()
	creds := provider.EnvCredentials{}
	for key, endpoint := range cfg.WebhookEndpoints {
		registry.Register(key, provider.NewWebhook(endpoint, creds))
	}
	if cfg.FeedS3Bucket != "" {
		feed, err := provider.NewS3Feed(ctx, cfg)
		if err != nil {
			st.Close()
			return nil, err
		}
		registry.Register("s3feed", feed)
	}

	slots := semaphore.New(redisClient, cfg.SlotTTL)
	counter := reconcile.NewRedisCounter(redisClient)

	return &deps{
		cfg:    cfg,
		store:  st,
		redis:  redisClient,
		lock:   cronlock.New(redisClient, cfg.CronLockTTL),
		runner: runner.New(cfg, st, slots, registry),
		recon:  reconcile.NewWorker(cfg, st, counter),
	}, nil
}

func (d *deps) close() {
	d.store.Close()
	_ = d.redis.Close()
}

// withLock runs fn under the named cron lock. A held lock means another
// invocation is already running; that is a no-op, not an error.
func withLock(ctx context.Context, d *deps, name string, fn func(context.Context) error) error {
	owner, ok, err := d.lock.Acquire(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		zap.L().Info("lock held, skipping run", zap.String("lock", name))
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := d.lock.Release(releaseCtx, name, owner); err != nil {
			zap.L().Warn("release lock", zap.String("lock", name), zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, d.cfg.RunBudget)
	defer cancel()
	return fn(runCtx)
}

func main() {
	cfg := config.Load()

	sync, err := telemetry.InitLogger(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	// Scrapeable for the duration of the run; counters incremented by the
	// runner and reconcile worker are lost otherwise.
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			zap.L().Warn("metrics server stopped", zap.Error(err))
		}
	}()

	root := &cobra.Command{
		Use:           "jobs",
		Short:         "Scheduled conversion-relay maintenance commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var providerKey, mode string
	uploadCmd := &cobra.Command{
		Use:   "upload-cycle",
		Short: "Claim eligible queue rows and upload them to providers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := setup(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer d.close()
			return withLock(cmd.Context(), d, "upload-cycle", func(ctx context.Context) error {
				res, err := d.runner.RunUploadCycle(ctx, providerKey, mode)
				if err != nil {
					return err
				}
				zap.L().Info("upload cycle done",
					zap.Int("processed", res.Processed),
					zap.Int("completed", res.Completed),
					zap.Int("retried", res.Retried),
					zap.Int("failed", res.Failed),
					zap.Int("throttled", res.Throttled))
				return nil
			})
		},
	}
	uploadCmd.Flags().StringVar(&providerKey, "provider", "", "restrict the cycle to one provider key")
	uploadCmd.Flags().StringVar(&mode, "mode", runner.ModeSingle, "single (one batch) or drain (until empty)")

	var maxAttempts int
	var minAge time.Duration
	sweepAttemptsCmd := &cobra.Command{
		Use:   "sweep-attempts",
		Short: "Force-fail rows that exhausted their attempt budget",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := setup(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer d.close()
			return withLock(cmd.Context(), d, "sweep-attempts", func(ctx context.Context) error {
				n, err := d.runner.SweepAttemptCap(ctx, maxAttempts, minAge)
				if err != nil {
					return err
				}
				zap.L().Info("attempt cap sweep done", zap.Int64("failed", n))
				return nil
			})
		},
	}
	sweepAttemptsCmd.Flags().IntVar(&maxAttempts, "max-attempts", cfg.MaxAttempts, "attempt count at which rows are failed")
	sweepAttemptsCmd.Flags().DurationVar(&minAge, "min-age", 30*time.Minute, "leave rows younger than this alone")

	var stuckAge time.Duration
	sweepStuckCmd := &cobra.Command{
		Use:   "sweep-stuck",
		Short: "Requeue rows abandoned in processing by a crashed worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := setup(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer d.close()
			return withLock(cmd.Context(), d, "sweep-stuck", func(ctx context.Context) error {
				n, err := d.runner.SweepStuckProcessing(ctx, stuckAge)
				if err != nil {
					return err
				}
				zap.L().Info("stuck sweep done", zap.Int64("recovered", n))
				return nil
			})
		},
	}
	sweepStuckCmd.Flags().DurationVar(&stuckAge, "min-age", cfg.StuckThreshold, "processing age after which a row counts as stuck")

	reconEnqueueCmd := &cobra.Command{
		Use:   "reconcile-enqueue",
		Short: "Create reconciliation jobs for sites active in the current and prior period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := setup(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer d.close()
			return withLock(cmd.Context(), d, "reconcile-enqueue", func(ctx context.Context) error {
				res, err := d.recon.EnqueueJobs(ctx)
				if err != nil {
					return err
				}
				zap.L().Info("reconciliation enqueue done",
					zap.Int("enqueued", res.Enqueued),
					zap.Int("active_sites", res.ActiveSites))
				return nil
			})
		},
	}

	var reconLimit int
	reconRunCmd := &cobra.Command{
		Use:   "reconcile-run",
		Short: "Audit claimed reconciliation jobs against the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := setup(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer d.close()
			return withLock(cmd.Context(), d, "reconcile-run", func(ctx context.Context) error {
				res, err := d.recon.RunCycle(ctx, reconLimit)
				if err != nil {
					return err
				}
				zap.L().Info("reconciliation cycle done",
					zap.Int("processed", res.Processed),
					zap.Int("completed", res.Completed),
					zap.Int("failed", res.Failed))
				return nil
			})
		},
	}
	reconRunCmd.Flags().IntVar(&reconLimit, "limit", cfg.ReconBatchSize, "max jobs to audit this run")

	root.AddCommand(uploadCmd, sweepAttemptsCmd, sweepStuckCmd, reconEnqueueCmd, reconRunCmd)

	if err := root.ExecuteContext(ctx); err != nil {
		zap.L().Fatal("command failed", zap.Error(err))
	}
}
