// Package runner drives claimed queue rows through the provider boundary:
// claim, take semaphore slots, build the idempotency key, delegate to the
// adapter, classify, update the row.
package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"conversion-relay/internal/backoff"
	"conversion-relay/internal/config"
	"conversion-relay/internal/idempotency"
	"conversion-relay/internal/models"
	"conversion-relay/internal/provider"
	"conversion-relay/internal/semaphore"
	"conversion-relay/internal/telemetry"
)

// Cycle modes: a single claim batch, or draining until nothing is eligible.
const (
	ModeSingle = "single"
	ModeDrain  = "drain"
)

// Store is the queue persistence surface the runner mutates. Satisfied by
// *store.Store.
type Store interface {
	ClaimBatch(ctx context.Context, providerKey string, limit int) ([]models.QueueRow, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, errCode, category, lastError string) error
	MarkFailed(ctx context.Context, id, errCode, category, lastError string) error
	ReleaseThrottled(ctx context.Context, id string, nextRetryAt time.Time) error
	SweepAttemptCap(ctx context.Context, maxAttempts int, minAge time.Duration) (int64, error)
	SweepStuckProcessing(ctx context.Context, minAge time.Duration) (int64, error)
	EligibleDepth(ctx context.Context) (int64, error)
}

// Slots is the distributed semaphore surface. Satisfied by
// *semaphore.Semaphore.
type Slots interface {
	Acquire(ctx context.Context, key string, limit int) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// Runner executes upload cycles for one worker process.
type Runner struct {
	cfg       config.Config
	store     Store
	slots     Slots
	providers *provider.Registry
	policy    backoff.Policy
}

func New(cfg config.Config, st Store, slots Slots, providers *provider.Registry) *Runner {
	return &Runner{
		cfg:       cfg,
		store:     st,
		slots:     slots,
		providers: providers,
		policy:    backoff.Policy{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
	}
}

// CycleResult summarizes one upload cycle.
type CycleResult struct {
	Processed int `json:"processed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Throttled int `json:"throttled"`
}

// RunUploadCycle claims and processes eligible rows for providerKey (empty
// means all providers). ModeDrain keeps claiming batches until the queue is
// drained or ctx expires; claimed rows are processed sequentially, the
// semaphore governs cross-process parallelism.
func (r *Runner) RunUploadCycle(ctx context.Context, providerKey, mode string) (CycleResult, error) {
	var res CycleResult
	for {
		batch, err := r.store.ClaimBatch(ctx, providerKey, r.cfg.ClaimBatchSize)
		if err != nil {
			return res, fmt.Errorf("claim batch: %w", err)
		}
		for _, row := range batch {
			if ctx.Err() != nil {
				// Budget expired mid-batch: hand unprocessed rows back.
				_ = r.store.ReleaseThrottled(context.WithoutCancel(ctx), row.ID, time.Now())
				continue
			}
			res.Processed++
			switch r.processRow(ctx, row) {
			case provider.StatusSuccess:
				res.Completed++
			case provider.StatusPermanentFailure:
				res.Failed++
			case provider.StatusRetryableFailure:
				res.Retried++
			case outcomeThrottled:
				res.Throttled++
			}
		}
		if depth, err := r.store.EligibleDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
		if mode != ModeDrain || len(batch) == 0 || ctx.Err() != nil {
			return res, nil
		}
	}
}

const outcomeThrottled = "throttled"

// processRow runs steps 1-7 of the upload protocol for one claimed row and
// returns the outcome kind. Slot release is deferred so no exit path, panic
// included, leaks a slot before its TTL.
func (r *Runner) processRow(ctx context.Context, row models.QueueRow) (outcome string) {
	log := zap.L().With(
		zap.String("row_id", row.ID),
		zap.String("site_id", row.SiteID),
		zap.String("provider", row.ProviderKey),
		zap.Int("attempt", row.AttemptCount),
	)

	defer func() {
		if p := recover(); p != nil {
			log.Error("panic while processing row", zap.Any("panic", p))
			_ = r.store.MarkRetry(context.WithoutCancel(ctx), row.ID,
				time.Now().Add(r.policy.NextDelay(row.AttemptCount)),
				"INTERNAL_PANIC", models.CategoryTransient, fmt.Sprint(p))
			outcome = provider.StatusRetryableFailure
		}
	}()

	adapter, err := r.providers.Get(row.ProviderKey)
	if err != nil {
		// Deployment problem, not a provider verdict: retry once it is fixed.
		log.Warn("no adapter for provider", zap.Error(err))
		_ = r.store.MarkRetry(ctx, row.ID, time.Now().Add(r.policy.NextDelay(row.AttemptCount)),
			"ADAPTER_MISSING", models.CategoryTransient, err.Error())
		return provider.StatusRetryableFailure
	}

	siteKey := semaphore.SiteScope(row.SiteID, row.ProviderKey)
	siteToken, ok, err := r.slots.Acquire(ctx, siteKey, r.cfg.SiteProviderLimit)
	if err != nil || !ok {
		return r.throttle(ctx, log, row, err)
	}
	defer func() { _ = r.slots.Release(context.WithoutCancel(ctx), siteKey, siteToken) }()

	provKey := semaphore.ProviderScope(row.ProviderKey)
	provToken, ok, err := r.slots.Acquire(ctx, provKey, r.cfg.ProviderGlobalLimit)
	if err != nil || !ok {
		return r.throttle(ctx, log, row, err)
	}
	defer func() { _ = r.slots.Release(context.WithoutCancel(ctx), provKey, provToken) }()

	_, clickID, _ := row.PrimaryClickID()
	key := idempotency.BuildKey(idempotency.KeyInput{
		RowID:      row.ID,
		ClickID:    clickID,
		OccurredAt: row.OccurredAt,
		Amount:     row.Amount,
	})

	result, err := adapter.Upload(ctx, row, key)
	if err != nil {
		// Adapter malfunction: not classified at the boundary, so treat as
		// transient and let backoff handle it.
		result = provider.Retryable(models.CategoryTransient, "ADAPTER_ERROR", err.Error())
	}

	switch result.Status {
	case provider.StatusSuccess:
		if err := r.store.MarkCompleted(ctx, row.ID); err != nil {
			log.Error("mark completed", zap.Error(err))
		}
		telemetry.UploadsCompleted.WithLabelValues(row.ProviderKey).Inc()
		log.Info("upload completed", zap.String("external_ref", key))

	case provider.StatusPermanentFailure:
		if err := r.store.MarkFailed(ctx, row.ID, result.ErrorCode, result.ErrorCategory, result.Message); err != nil {
			log.Error("mark failed", zap.Error(err))
		}
		telemetry.UploadsFailed.WithLabelValues(row.ProviderKey).Inc()
		log.Warn("upload failed terminally",
			zap.String("code", result.ErrorCode), zap.String("category", result.ErrorCategory))

	default:
		next := time.Now().Add(r.policy.NextDelay(row.AttemptCount))
		if err := r.store.MarkRetry(ctx, row.ID, next, result.ErrorCode, result.ErrorCategory, result.Message); err != nil {
			log.Error("mark retry", zap.Error(err))
		}
		telemetry.UploadsRetried.WithLabelValues(row.ProviderKey).Inc()
		log.Info("upload will retry",
			zap.Time("next_retry_at", next), zap.String("category", result.ErrorCategory))
	}
	return result.Status
}

// throttle hands a claimed row back without consuming a provider attempt.
// Semaphore errors land here too: acquisition fails closed.
func (r *Runner) throttle(ctx context.Context, log *zap.Logger, row models.QueueRow, cause error) string {
	if cause != nil {
		log.Warn("semaphore unavailable, failing closed", zap.Error(cause))
	}
	if err := r.store.ReleaseThrottled(ctx, row.ID, time.Now().Add(r.cfg.ThrottleDelay)); err != nil {
		log.Error("release throttled row", zap.Error(err))
	}
	telemetry.SemaphoreRejects.Inc()
	return outcomeThrottled
}

// SweepAttemptCap force-fails rows that exhausted their retry budget.
func (r *Runner) SweepAttemptCap(ctx context.Context, maxAttempts int, minAge time.Duration) (int64, error) {
	if maxAttempts <= 0 {
		maxAttempts = r.cfg.MaxAttempts
	}
	n, err := r.store.SweepAttemptCap(ctx, maxAttempts, minAge)
	if err != nil {
		return 0, err
	}
	telemetry.AttemptCapSwept.Add(float64(n))
	if n > 0 {
		zap.L().Info("attempt cap sweep", zap.Int64("failed_rows", n), zap.Int("max_attempts", maxAttempts))
	}
	return n, nil
}

// SweepStuckProcessing recovers rows abandoned by crashed workers.
func (r *Runner) SweepStuckProcessing(ctx context.Context, minAge time.Duration) (int64, error) {
	if minAge <= 0 {
		minAge = r.cfg.StuckThreshold
	}
	n, err := r.store.SweepStuckProcessing(ctx, minAge)
	if err != nil {
		return 0, err
	}
	telemetry.StuckRecovered.Add(float64(n))
	if n > 0 {
		zap.L().Info("stuck processing sweep", zap.Int64("recovered_rows", n))
	}
	return n, nil
}
