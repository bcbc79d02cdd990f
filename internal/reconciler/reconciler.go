// Package reconciler repairs media items against provider ground truth. The
// primary path completes items via push updates on the status stream; the
// reconciler is the backup path for everything a push can never cover, such
// as a remote worker crashing before reporting or the provider timing the
// job out.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mediaforge/dispatch/internal/jobref"
	"github.com/mediaforge/dispatch/internal/media"
	"github.com/mediaforge/dispatch/internal/pipeline"
	"github.com/mediaforge/dispatch/internal/provider"
	"github.com/mediaforge/dispatch/internal/telemetry"
)

// Config holds reconciler settings.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration

	// StaleAfter is how long an item may sit without an update before it is
	// swept. Set it just above the provider's execution timeout so the sweep
	// never races the primary path.
	StaleAfter time.Duration

	// MaxAttempts bounds resubmissions before an item fails terminally.
	MaxAttempts int32

	// BatchSize bounds how many items one sweep repairs.
	BatchSize int
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = 5 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 2 * time.Minute
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BatchSize == 0 {
		c.BatchSize = 50
	}
}

// Reconciler runs the staleness sweep.
type Reconciler struct {
	cfg      Config
	store    media.Store
	refs     jobref.Store
	provider provider.Client
	pub      *pipeline.Publisher

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a reconciler over the given stores and provider.
func New(cfg Config, store media.Store, refs jobref.Store, p provider.Client, pub *pipeline.Publisher) *Reconciler {
	cfg.ApplyDefaults()
	return &Reconciler{cfg: cfg, store: store, refs: refs, provider: p, pub: pub}
}

// Start begins the sweep loop. It is a no-op when already running.
func (r *Reconciler) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})

	r.wg.Add(1)
	go r.loop()

	log.Info().
		Dur("interval", r.cfg.Interval).
		Dur("stale_after", r.cfg.StaleAfter).
		Int32("max_attempts", r.cfg.MaxAttempts).
		Msg("Reconciler started")
	return nil
}

// Stop terminates the sweep loop and waits for an in-flight sweep to finish.
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	log.Info().Msg("Reconciler stopped")
	return nil
}

func (r *Reconciler) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.SweepOnce(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// SweepOnce runs a single reconciliation pass over stale items. The sweep is
// single-flight by construction: only the loop and tests call it.
func (r *Reconciler) SweepOnce(ctx context.Context) {
	m := telemetry.GetMetrics()
	m.ReconcileSweeps.Add(ctx, 1)

	items, err := r.store.ListStale(ctx, time.Now().Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list stale media items")
		return
	}
	if len(items) == 0 {
		return
	}

	log.Debug().Int("count", len(items)).Msg("Reconciling stale media items")
	for _, item := range items {
		r.reconcileItem(ctx, item)
	}
}

func (r *Reconciler) reconcileItem(ctx context.Context, item *media.Item) {
	// The sweep snapshot may be behind: the item can reach a terminal state
	// or get cancelled between selection and repair.
	fresh, err := r.store.Get(ctx, item.ID)
	if err != nil {
		log.Warn().Err(err).Str("media_id", item.ID).Msg("Failed to re-read media item")
		return
	}
	if fresh.Cancelled() || fresh.State == media.StateCompleted || fresh.State == media.StateFailed {
		return
	}
	item = fresh

	ref, ok, err := r.refs.Get(ctx, item.ID)
	if err != nil {
		log.Warn().Err(err).Str("media_id", item.ID).Msg("Failed to look up job reference")
		return
	}
	if !ok {
		// Never submitted, or the reference outlived its TTL. Either way the
		// external job id is gone.
		r.retryOrFail(ctx, item, "lost external job id")
		return
	}

	status, err := r.provider.GetStatus(ctx, ref.JobID)
	if err != nil {
		// Leave the item for the next sweep rather than guessing.
		telemetry.GetMetrics().ProviderQueryErrors.Add(ctx, 1)
		log.Warn().
			Err(err).
			Str("media_id", item.ID).
			Str("job_id", ref.JobID).
			Msg("Provider status query failed, deferring")
		return
	}

	switch status.Status {
	case provider.StatusCompleted:
		if status.Output == nil || status.Output.Key == "" {
			r.retryOrFail(ctx, item, "provider reported success without output")
			return
		}
		r.complete(ctx, item, status.Output.Key)

	case provider.StatusFailed, provider.StatusTimedOut:
		reason := status.Error
		if reason == "" {
			reason = fmt.Sprintf("provider reported %s", status.Status)
		}
		r.retryOrFail(ctx, item, reason)

	case provider.StatusCancelled:
		if _, err := r.store.Cancel(ctx, item.ID); err != nil && !errors.Is(err, media.ErrNotFound) {
			log.Warn().Err(err).Str("media_id", item.ID).Msg("Failed to reflect provider cancellation")
			return
		}
		r.deleteRef(ctx, item.ID)

	case provider.StatusInProgress:
		// Correct a locally stale "queued" and nothing else.
		changed, err := r.store.MarkProcessing(ctx, item.ID)
		if err != nil && !errors.Is(err, media.ErrCancelled) {
			log.Warn().Err(err).Str("media_id", item.ID).Msg("Failed to mark stale item processing")
			return
		}
		if changed {
			r.publishStatus(ctx, item.ID, pipeline.StatusProcessing, "", "")
		}

	case provider.StatusInQueue:
		// Still waiting its turn; the provider owns the clock here.

	default:
		log.Warn().
			Str("media_id", item.ID).
			Str("status", string(status.Status)).
			Msg("Provider returned unknown status, deferring")
	}
}

// complete idempotently marks the item completed and replays the completion
// append the primary path would have produced, so downstream consumers fire
// identically regardless of which path recovered the result.
func (r *Reconciler) complete(ctx context.Context, item *media.Item, outputKey string) {
	// A user cancellation may have landed since the sweep selected this item.
	fresh, err := r.store.Get(ctx, item.ID)
	if err != nil {
		log.Warn().Err(err).Str("media_id", item.ID).Msg("Failed to re-read media item")
		return
	}
	if fresh.Cancelled() {
		log.Info().Str("media_id", item.ID).Msg("Skipping completion of cancelled item")
		r.deleteRef(ctx, item.ID)
		return
	}

	changed, err := r.store.Complete(ctx, item.ID, outputKey)
	if err != nil {
		if errors.Is(err, media.ErrCancelled) {
			r.deleteRef(ctx, item.ID)
			return
		}
		log.Warn().Err(err).Str("media_id", item.ID).Msg("Failed to complete media item")
		return
	}

	if changed {
		telemetry.GetMetrics().ReconcileCompletions.Add(ctx, 1)
		r.publishStatus(ctx, item.ID, pipeline.StatusCompleted, outputKey, "")
		log.Info().
			Str("media_id", item.ID).
			Str("s3_key", outputKey).
			Msg("Recovered completed media item")
	}
	r.deleteRef(ctx, item.ID)
}

// retryOrFail resubmits the item when attempts remain, and fails it
// terminally otherwise.
func (r *Reconciler) retryOrFail(ctx context.Context, item *media.Item, reason string) {
	m := telemetry.GetMetrics()

	if item.Attempts >= r.cfg.MaxAttempts {
		changed, err := r.store.Fail(ctx, item.ID, reason)
		if err != nil {
			log.Warn().Err(err).Str("media_id", item.ID).Msg("Failed to fail media item")
			return
		}
		if changed {
			m.ReconcileFailures.Add(ctx, 1)
			r.publishStatus(ctx, item.ID, pipeline.StatusFailed, "", reason)
			log.Warn().
				Str("media_id", item.ID).
				Int32("attempts", item.Attempts).
				Str("reason", reason).
				Msg("Media item failed terminally")
		}
		r.deleteRef(ctx, item.ID)
		return
	}

	if err := r.store.Retry(ctx, item.ID); err != nil {
		if errors.Is(err, media.ErrCancelled) {
			r.deleteRef(ctx, item.ID)
			return
		}
		log.Warn().Err(err).Str("media_id", item.ID).Msg("Failed to reset media item for retry")
		return
	}
	m.ReconcileRetries.Add(ctx, 1)

	// The provider does not retry internally, so a retry is a brand new job.
	jobID, err := r.provider.Submit(ctx, provider.GenerationInput{
		MediaID: item.ID,
		Prompt:  item.Prompt,
		Seed:    item.Seed,
		Width:   item.Width,
		Height:  item.Height,
	})
	if err != nil {
		// Attempts are already counted; the next sweep sees a queued item
		// with no reference and retries against the remaining budget.
		log.Warn().Err(err).Str("media_id", item.ID).Msg("Failed to resubmit job, leaving for next sweep")
		r.deleteRef(ctx, item.ID)
		return
	}

	if err := r.refs.Put(ctx, jobref.Ref{MediaID: item.ID, JobID: jobID, SubmittedAt: time.Now()}); err != nil {
		log.Warn().Err(err).Str("media_id", item.ID).Str("job_id", jobID).Msg("Failed to store new job reference")
	}

	r.publishStatus(ctx, item.ID, pipeline.StatusQueued, "", "")
	log.Info().
		Str("media_id", item.ID).
		Str("job_id", jobID).
		Int32("attempts", item.Attempts+1).
		Str("reason", reason).
		Msg("Resubmitted media item")
}

func (r *Reconciler) publishStatus(ctx context.Context, mediaID, status, s3Key, errMsg string) {
	if _, err := r.pub.PublishStatus(ctx, mediaID, status, s3Key, errMsg); err != nil {
		log.Warn().Err(err).Str("media_id", mediaID).Str("status", status).Msg("Failed to publish status update")
	}
}

func (r *Reconciler) deleteRef(ctx context.Context, mediaID string) {
	if err := r.refs.Delete(ctx, mediaID); err != nil {
		log.Warn().Err(err).Str("media_id", mediaID).Msg("Failed to delete job reference")
	}
}
