// Package api wires together all HTTP routes of the audit engine.
//
// Route grouping:
//   - /health, /ready and /version are unauthenticated probes.
//   - Everything under /api/v1 requires a bearer JWT. The tenant of every
//     read and write is taken from the token, and each route demands one scope.
//
// NewRouter also assembles the audit pipeline (registry, writer, reader,
// report engine) and the background jobs, returning the latter so cmd/server
// can stop them after the HTTP server drains.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/trusted360/audit-engine/internal/api/auditlog"
	"github.com/trusted360/audit-engine/internal/api/reports"
	"github.com/trusted360/audit-engine/internal/audit"
	"github.com/trusted360/audit-engine/internal/auth"
	"github.com/trusted360/audit-engine/internal/cache"
	"github.com/trusted360/audit-engine/internal/config"
	"github.com/trusted360/audit-engine/internal/db/repositories"
	"github.com/trusted360/audit-engine/internal/jobs"
	"github.com/trusted360/audit-engine/internal/middleware"
	"github.com/trusted360/audit-engine/internal/safego"
	"github.com/trusted360/audit-engine/internal/storage"
)

// Version is stamped at build time with -ldflags "-X .../internal/api.Version=..."
var Version = "0.1.0"

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	cancel      context.CancelFunc
	foldJob     *jobs.MetricsFoldJob
	expiryJob   *jobs.ReportExpiryJob
	rateLimiter *middleware.MemoryLimiter
	shipper     *audit.MultiShipper
	cache       *cache.Client
}

// Shutdown stops all background goroutines and flushes the shippers. It should
// be called after the HTTP server has been shut down so that in-flight
// requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.foldJob != nil {
		bg.foldJob.Stop()
	}
	if bg.expiryJob != nil {
		bg.expiryJob.Stop()
	}
	if bg.cancel != nil {
		bg.cancel()
	}
	if bg.rateLimiter != nil {
		bg.rateLimiter.Stop()
	}
	if bg.shipper != nil {
		if err := bg.shipper.Close(); err != nil {
			slog.Error("failed to close audit shippers", "error", err)
		}
	}
	if bg.cache != nil {
		if err := bg.cache.Close(); err != nil {
			slog.Error("failed to close redis client", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// Options carries the pre-built dependencies of NewRouter. Zero fields are
// built from cfg.
type Options struct {
	Cache    *cache.Client
	Archive  storage.Storage
	Verifier *auth.Verifier
	// StartJobs launches the fold and expiry jobs; tests leave it off.
	StartJobs bool
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, db *sqlx.DB, opts Options) (*gin.Engine, *BackgroundServices, error) {
	bg := &BackgroundServices{}

	verifier := opts.Verifier
	if verifier == nil {
		v, err := auth.NewVerifier(cfg.Auth)
		if err != nil {
			return nil, nil, fmt.Errorf("security configuration error: %w", err)
		}
		verifier = v
	}

	redisClient := opts.Cache
	if redisClient == nil && cfg.Redis.Enabled() {
		redisClient = cache.New(cfg.Redis)
		bg.cache = redisClient
	}

	archive := opts.Archive
	if archive == nil {
		s, err := storage.NewStorage(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize storage backend: %w", err)
		}
		archive = s
	}
	slog.Info("report archive backend", "backend", cfg.Storage.Backend, "enabled", archive != nil)

	shipper, err := audit.NewMultiShipper(cfg.Audit.Shippers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize audit shippers: %w", err)
	}
	bg.shipper = shipper

	// Repositories
	eventTypeRepo := repositories.NewEventTypeRepository(db)
	auditRepo := repositories.NewAuditRepository(db)
	metricsRepo := repositories.NewMetricsRepository(db)
	reportRepo := repositories.NewReportRepository(db)

	// Audit pipeline
	loc := cfg.Audit.Location()
	registry := audit.NewRegistry(eventTypeRepo, redisClient, cfg.Audit.EventTypeCacheTTL)
	aggregator := audit.NewAggregator(metricsRepo, loc)
	writerOpts := []audit.WriterOption{audit.WithFoldMode(cfg.Audit.FoldMode)}
	if shipper.Len() > 0 {
		writerOpts = append(writerOpts, audit.WithShipper(shipper))
	}
	writer := audit.NewWriter(registry, auditRepo, aggregator, writerOpts...)
	reader := audit.NewReader(auditRepo, metricsRepo, audit.WithMetricsLocation(loc))

	var reportOpts []audit.ReportOption
	if archive != nil {
		reportOpts = append(reportOpts, audit.WithArchive(archive, cfg.Storage.Keyspace))
	}
	engine := audit.NewReportEngine(reportRepo, reader, cfg.Audit.ReportMaxRows, cfg.Audit.ReportTTL, loc, reportOpts...)

	// Background jobs
	if opts.StartJobs {
		ctx, cancel := context.WithCancel(context.Background())
		bg.cancel = cancel

		if cfg.Audit.FoldMode == config.FoldModeDeferred {
			bg.foldJob = jobs.NewMetricsFoldJob(auditRepo, aggregator, cfg.Audit.FoldJob)
			safego.Go("metrics-fold-job", func() { bg.foldJob.Start(ctx) })
		}
		bg.expiryJob = jobs.NewReportExpiryJob(reportRepo, archive, redisClient, cfg.Audit.ExpiryJob)
		safego.Go("report-expiry-job", func() { bg.expiryJob.Start(ctx) })
	}

	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	if cfg.Telemetry.SentryDSN != "" {
		router.Use(sentrygin.New(sentrygin.Options{Repanic: true, Timeout: 2 * time.Second}))
	}
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db, redisClient, archive))
	router.GET("/version", versionHandler(cfg))

	apiV1 := router.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(verifier))
	if cfg.Security.RateLimiting.Enabled {
		apiV1.Use(middleware.RateLimitMiddleware(newLimiter(cfg, redisClient, bg)))
	}

	auditHandlers := auditlog.NewHandlers(registry, writer, reader)
	auditGroup := apiV1.Group("/audit")
	{
		auditGroup.GET("/event-types", middleware.RequireScope(auth.ScopeAuditRead), auditHandlers.ListEventTypesHandler())
		auditGroup.POST("/events", middleware.RequireScope(auth.ScopeAuditWrite), auditHandlers.LogEventHandler())
		auditGroup.GET("/logs", middleware.RequireScope(auth.ScopeAuditRead), auditHandlers.ListAuditLogsHandler())
		auditGroup.GET("/recent", middleware.RequireScope(auth.ScopeAuditRead), auditHandlers.RecentActivityHandler())
	}
	apiV1.GET("/metrics/operational", middleware.RequireScope(auth.ScopeAuditRead), auditHandlers.OperationalMetricsHandler())

	reportHandlers := reports.NewHandlers(engine, archive, cfg.Storage.URLTTL)
	reportGroup := apiV1.Group("/reports")
	{
		reportGroup.POST("/templates", middleware.RequireScope(auth.ScopeReportsManage), reportHandlers.CreateTemplateHandler())
		reportGroup.GET("/templates", middleware.RequireScope(auth.ScopeReportsRead), reportHandlers.ListTemplatesHandler())
		reportGroup.POST("/generate", middleware.RequireScope(auth.ScopeReportsRead), reportHandlers.GenerateReportHandler())
		reportGroup.GET("", middleware.RequireScope(auth.ScopeReportsRead), reportHandlers.ListReportsHandler())
		reportGroup.GET("/:id", middleware.RequireScope(auth.ScopeReportsRead), reportHandlers.GetReportHandler())
		reportGroup.GET("/:id/export", middleware.RequireScope(auth.ScopeReportsRead), reportHandlers.ExportReportHandler())
		reportGroup.GET("/:id/archive", middleware.RequireScope(auth.ScopeReportsRead), reportHandlers.ArchiveHandler())
	}

	return router, bg, nil
}

// newLimiter shares buckets through Redis when it is configured and keeps
// them in process otherwise.
func newLimiter(cfg *config.Config, c *cache.Client, bg *BackgroundServices) middleware.Limiter {
	rl := middleware.RateLimitConfig{
		RequestsPerMinute: cfg.Security.RateLimiting.RequestsPerMinute,
		BurstSize:         cfg.Security.RateLimiting.Burst,
	}
	if rdb := c.Redis(); rdb != nil {
		return middleware.NewRedisLimiter(rdb, rl)
	}
	mem := middleware.NewMemoryLimiter(rl)
	bg.rateLimiter = mem
	return mem
}

// healthCheckHandler is the liveness probe; it only checks the database
func healthCheckHandler(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks Redis and the archive
// backend when they are configured. Neither is required to record events, so
// their failure is reported as degraded and the probe still passes.
func readinessHandler(db *sqlx.DB, c *cache.Client, archive storage.Storage) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(ctx.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			ctx.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if c.Redis() != nil {
			checks["redis"] = "healthy"
			if err := c.Ping(ctx.Request.Context()); err != nil {
				checks["redis"] = "degraded"
			}
		}

		if archive != nil {
			checks["storage"] = "healthy"
			if _, err := archive.Exists(ctx.Request.Context(), ".readiness-probe"); err != nil {
				checks["storage"] = "degraded"
			}
		}

		ctx.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns build and configuration identity
func versionHandler(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
			"service":     cfg.Telemetry.ServiceName,
			"fold_mode":   cfg.Audit.FoldMode,
		})
	}
}
