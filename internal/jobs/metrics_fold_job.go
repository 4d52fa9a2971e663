// metrics_fold_job.go implements the MetricsFoldJob background job, which folds audit entries
// that were committed without their operational counters (deferred fold mode, or a deferred
// fold that failed) into operational_metrics_daily. Each entry is stamped folded in the same
// transaction as its increment, so an entry is counted exactly once even when the writer and
// several replicas of this job race on it. Every entry folds under its own savepoint; one
// that fails is rolled back alone, has its attempt count bumped and is retried after the
// rest of the backlog.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/trusted360/audit-engine/internal/audit"
	"github.com/trusted360/audit-engine/internal/config"
	"github.com/trusted360/audit-engine/internal/db/repositories"
	"github.com/trusted360/audit-engine/internal/telemetry"
)

// MetricsFoldJob periodically folds unfolded audit entries into the daily counters.
type MetricsFoldJob struct {
	logs        *repositories.AuditRepository
	aggregator  *audit.Aggregator
	interval    time.Duration
	batchSize   int
	maxAttempts int
	now         func() time.Time
	stopChan    chan struct{}
}

// NewMetricsFoldJob creates a new MetricsFoldJob.
func NewMetricsFoldJob(logs *repositories.AuditRepository, aggregator *audit.Aggregator, cfg config.FoldJobConfig) *MetricsFoldJob {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 200
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	return &MetricsFoldJob{
		logs:        logs,
		aggregator:  aggregator,
		interval:    interval,
		batchSize:   batch,
		maxAttempts: attempts,
		now:         time.Now,
		stopChan:    make(chan struct{}),
	}
}

// Start runs a fold immediately, then on every interval until ctx is
// cancelled or Stop is called.
func (j *MetricsFoldJob) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	slog.Info("metrics fold job started", "interval", j.interval, "batch_size", j.batchSize, "max_attempts", j.maxAttempts)

	j.tick(ctx)
	for {
		select {
		case <-ticker.C:
			j.tick(ctx)
		case <-j.stopChan:
			slog.Info("metrics fold job stopped")
			return
		case <-ctx.Done():
			slog.Info("metrics fold job context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit.
func (j *MetricsFoldJob) Stop() {
	close(j.stopChan)
}

// tick drains full batches so a backlog clears within one interval.
func (j *MetricsFoldJob) tick(ctx context.Context) {
	for {
		n, err := j.RunOnce(ctx)
		if err != nil {
			slog.Error("metrics fold job: batch failed", "error", err)
			return
		}
		if n < j.batchSize || ctx.Err() != nil {
			return
		}
	}
}

// RunOnce claims one batch of unfolded entries and folds them in a single
// transaction. It returns how many entries were claimed. A failing entry does
// not abort the batch.
func (j *MetricsFoldJob) RunOnce(ctx context.Context) (int, error) {
	now := j.now().UTC()

	tx, err := j.logs.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	events, err := j.logs.ClaimUnfolded(ctx, tx, now, j.maxAttempts, j.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	folded, failed := 0, 0
	for _, ev := range events {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT fold_entry"); err != nil {
			return 0, fmt.Errorf("failed to open savepoint for audit log %d: %w", ev.ID, err)
		}

		claimed, err := j.foldOne(ctx, tx, ev, now)
		if err != nil {
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT fold_entry"); rbErr != nil {
				return 0, fmt.Errorf("failed to roll back fold of audit log %d: %w", ev.ID, rbErr)
			}
			if recErr := j.logs.RecordFoldFailure(ctx, tx, ev.ID); recErr != nil {
				return 0, recErr
			}
			telemetry.AuditMetricsFoldErrorsTotal.Inc()
			slog.Warn("metrics fold job: entry failed to fold",
				"audit_log_id", ev.ID, "attempt", ev.FoldAttempts+1, "error", err)
			failed++
			continue
		}

		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT fold_entry"); err != nil {
			return 0, fmt.Errorf("failed to release savepoint for audit log %d: %w", ev.ID, err)
		}
		if claimed {
			folded++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit metrics fold: %w", err)
	}

	telemetry.AuditEventsFoldedTotal.Add(float64(folded))
	if folded > 0 || failed > 0 {
		slog.Debug("metrics fold job: batch done", "folded", folded, "failed", failed)
	}
	return len(events), nil
}

// foldOne stamps and folds a single entry. It reports false when another
// transaction folded the entry first.
func (j *MetricsFoldJob) foldOne(ctx context.Context, tx *sqlx.Tx, ev *repositories.UnfoldedEvent, now time.Time) (bool, error) {
	claimed, err := j.logs.MarkFolded(ctx, tx, ev.ID, now)
	if err != nil || !claimed {
		return false, err
	}
	if err := j.aggregator.FoldEvent(ctx, tx, foldInput(ev)); err != nil {
		return false, fmt.Errorf("failed to fold audit log %d: %w", ev.ID, err)
	}
	return true, nil
}

func foldInput(ev *repositories.UnfoldedEvent) audit.FoldInput {
	in := audit.FoldInput{
		TenantID:            ev.TenantID,
		PropertyID:          &ev.PropertyID,
		Category:            ev.Category,
		Action:              ev.Action,
		CreatedAt:           ev.CreatedAt,
		ResponseTimeMinutes: ev.ResponseTimeMinutes,
		ResolutionTimeHours: ev.ResolutionTimeHours,
	}
	if ev.EntityType != nil {
		in.EntityType = *ev.EntityType
	}
	return in
}
