package analysis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/aterekhin/sessionlens/internal/store"
)

const interruptedMessage = "interrupted by server restart"

// ReconcilerStore is the persistence surface the reconciler needs.
type ReconcilerStore interface {
	ListJobsInStatuses(ctx context.Context, statuses ...string) ([]store.AnalysisJob, error)
	FailJob(ctx context.Context, jobID, errMsg string) error
	FinalizeCanceled(ctx context.Context, jobID string) error
}

// Reconciler converges jobs that lost their worker goroutine. At startup it
// force-fails every job left in an active status by a previous process, and
// on a cron cadence it finalizes jobs stuck in canceling beyond the grace
// period. The Redis client is optional; when present it serializes the sweep
// across replicas.
type Reconciler struct {
	store       ReconcilerStore
	broadcaster *Broadcaster
	redis       *redis.Client
	grace       time.Duration
	cron        *cronexpr.Expression
	logger      *log.Logger
}

func NewReconciler(st ReconcilerStore, bc *Broadcaster, redisClient *redis.Client, grace time.Duration, sweepCron string) (*Reconciler, error) {
	if sweepCron == "" {
		sweepCron = "*/5 * * * *"
	}
	expr, err := cronexpr.Parse(sweepCron)
	if err != nil {
		return nil, fmt.Errorf("parse sweep cron %q: %w", sweepCron, err)
	}
	return &Reconciler{
		store:       st,
		broadcaster: bc,
		redis:       redisClient,
		grace:       grace,
		cron:        expr,
		logger:      log.New(log.Writer(), "[RECONCILER] ", log.LstdFlags),
	}, nil
}

// ReconcileStartup force-fails jobs a previous process left in an active
// status. Their worker goroutines died with that process, so they can never
// make progress again. Jobs already canceling are finalized to canceled
// instead, honoring the caller's intent.
func (r *Reconciler) ReconcileStartup(ctx context.Context) error {
	active, err := r.store.ListJobsInStatuses(ctx,
		store.JobStatusPending, store.JobStatusGeneratingStrategy,
		store.JobStatusMapping, store.JobStatusReducing)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	for _, j := range active {
		r.logger.Printf("job %s: found in status %s at startup, failing", j.ID, j.Status)
		if err := r.store.FailJob(ctx, j.ID, interruptedMessage); err != nil {
			return fmt.Errorf("fail interrupted job %s: %w", j.ID, err)
		}
		jobsFinished.WithLabelValues(store.JobStatusFailed).Inc()
	}

	canceling, err := r.store.ListJobsInStatuses(ctx, store.JobStatusCanceling)
	if err != nil {
		return fmt.Errorf("list canceling jobs: %w", err)
	}
	for _, j := range canceling {
		r.logger.Printf("job %s: canceling at startup, finalizing", j.ID)
		if err := r.store.FinalizeCanceled(ctx, j.ID); err != nil {
			return fmt.Errorf("finalize canceling job %s: %w", j.ID, err)
		}
		jobsFinished.WithLabelValues(store.JobStatusCanceled).Inc()
	}
	if n := len(active) + len(canceling); n > 0 {
		r.logger.Printf("startup reconciliation converged %d jobs", n)
	}
	return nil
}

// Run sweeps on the cron cadence until ctx is done. Intended to run in its
// own goroutine.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		next := r.cron.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Printf("sweep failed: %v", err)
		}
	}
}

// Sweep finalizes jobs that have been canceling for longer than the grace
// period. The worker goroutine normally converges canceling jobs itself; the
// sweep is the backstop for workers that died mid-stage.
func (r *Reconciler) Sweep(ctx context.Context) error {
	if r.redis != nil {
		ok, err := r.redis.SetNX(ctx, "sessionlens:reconciler:sweep", "1", time.Minute).Result()
		if err != nil {
			return fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			return nil
		}
	}
	jobs, err := r.store.ListJobsInStatuses(ctx, store.JobStatusCanceling)
	if err != nil {
		return fmt.Errorf("list canceling jobs: %w", err)
	}
	cutoff := time.Now().Add(-r.grace)
	for _, j := range jobs {
		if j.CancelingSince == nil || j.CancelingSince.After(cutoff) {
			continue
		}
		r.logger.Printf("job %s: canceling since %s, finalizing", j.ID, j.CancelingSince.Format(time.RFC3339))
		if err := r.store.FinalizeCanceled(ctx, j.ID); err != nil {
			return fmt.Errorf("finalize stuck job %s: %w", j.ID, err)
		}
		jobsFinished.WithLabelValues(store.JobStatusCanceled).Inc()
		r.broadcaster.Publish(statusEvent(j.ID, store.JobStatusCanceled))
	}
	return nil
}
