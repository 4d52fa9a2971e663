// report_expiry_job.go implements the ReportExpiryJob, which deletes generated reports whose
// expires_at has passed together with their archived export. A Redis lease keeps replicas
// from sweeping at the same time; without Redis every replica sweeps, which is still safe
// because deletes are idempotent.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/trusted360/audit-engine/internal/cache"
	"github.com/trusted360/audit-engine/internal/config"
	"github.com/trusted360/audit-engine/internal/db/repositories"
	"github.com/trusted360/audit-engine/internal/storage"
	"github.com/trusted360/audit-engine/internal/telemetry"
)

const reportExpiryLockKey = "audit:jobs:report_expiry"

// ReportExpiryJob periodically removes expired generated reports.
type ReportExpiryJob struct {
	reports   *repositories.ReportRepository
	archive   storage.Storage
	cache     *cache.Client
	enabled   bool
	interval  time.Duration
	batchSize int
	now       func() time.Time
	stopChan  chan struct{}
}

// NewReportExpiryJob creates a new ReportExpiryJob. archive and c may be nil.
func NewReportExpiryJob(reports *repositories.ReportRepository, archive storage.Storage, c *cache.Client, cfg config.ExpiryJobConfig) *ReportExpiryJob {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &ReportExpiryJob{
		reports:   reports,
		archive:   archive,
		cache:     c,
		enabled:   cfg.Enabled,
		interval:  interval,
		batchSize: batch,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

// Start runs a sweep immediately, then on every interval until ctx is
// cancelled or Stop is called. It returns at once when the job is disabled.
func (j *ReportExpiryJob) Start(ctx context.Context) {
	if !j.enabled {
		slog.Info("report expiry job: disabled (audit.expiry_job.enabled=false)")
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	slog.Info("report expiry job started", "interval", j.interval, "batch_size", j.batchSize)

	j.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			j.sweep(ctx)
		case <-j.stopChan:
			slog.Info("report expiry job stopped")
			return
		case <-ctx.Done():
			slog.Info("report expiry job context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit.
func (j *ReportExpiryJob) Stop() {
	close(j.stopChan)
}

func (j *ReportExpiryJob) sweep(ctx context.Context) {
	if _, err := j.RunOnce(ctx); err != nil {
		slog.Error("report expiry job: sweep failed", "error", err)
	}
}

// RunOnce deletes one batch of expired reports and returns how many were
// removed. It removes nothing when another replica holds the sweep lease.
func (j *ReportExpiryJob) RunOnce(ctx context.Context) (int, error) {
	lock, ok, err := j.cache.AcquireLock(ctx, reportExpiryLockKey, j.interval)
	if err != nil {
		return 0, err
	}
	if !ok {
		slog.Debug("report expiry job: lease held elsewhere, skipping")
		return 0, nil
	}
	defer func() {
		if err := j.cache.ReleaseLock(context.WithoutCancel(ctx), lock); err != nil {
			slog.Warn("report expiry job: failed to release lease", "error", err)
		}
	}()

	expired, err := j.reports.ListExpired(ctx, j.now().UTC(), j.batchSize)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rep := range expired {
		if rep.ArchivePath != nil && j.archive != nil {
			if err := j.archive.Delete(ctx, *rep.ArchivePath); err != nil {
				// keep the row so the next sweep retries the archive
				slog.Warn("report expiry job: failed to delete archive",
					"report_id", rep.ID, "path", *rep.ArchivePath, "error", err)
				continue
			}
		}
		if err := j.reports.DeleteReport(ctx, rep.ID); err != nil {
			slog.Warn("report expiry job: failed to delete report", "report_id", rep.ID, "error", err)
			continue
		}
		removed++
	}

	telemetry.ReportsExpiredTotal.Add(float64(removed))
	if removed > 0 {
		slog.Info("report expiry job: removed expired reports", "count", removed)
	}
	return removed, nil
}
