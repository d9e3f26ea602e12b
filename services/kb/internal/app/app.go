package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"kbchat/internal/metrics"
	"kbchat/internal/ratelimit"
	"kbchat/pkg/ai"
	"kbchat/pkg/queue"
	"kbchat/pkg/quota"
	"kbchat/pkg/storage"
	"kbchat/pkg/store"
)

const (
	defaultStaleUploadAfter = 30 * time.Minute
	defaultPresignExpiry    = 15 * time.Minute
	defaultSagaTimeout      = 10 * time.Minute
	compensationTimeout     = 30 * time.Second
)

// CleanupQueue defers deletion of external resources that could not be
// removed inline.
type CleanupQueue interface {
	Enqueue(ctx context.Context, kind queue.Kind, resource, reason string) (queue.CleanupJob, error)
}

// Info identifies the running deployment in the metrics report.
type Info struct {
	Name        string
	Version     string
	Environment string
}

// Config holds runtime configuration for the core application.
type Config struct {
	Store     store.Store
	Index     ai.DocumentIndex
	Generator ai.ChatGenerator
	// Objects archives original uploads when set.
	Objects storage.ObjectStore
	// Cleanup receives compensations that failed inline. Without it they
	// are only logged.
	Cleanup CleanupQueue
	Limits  quota.Limits
	// AdvisoryTTL bounds how long the in-process query counter is trusted
	// before it is reconciled with the ledger.
	AdvisoryTTL      time.Duration
	StaleUploadAfter time.Duration
	PresignExpiry    time.Duration
	SagaTimeout      time.Duration
	// LedgerWriteTimeout bounds each post-chat ledger write.
	LedgerWriteTimeout time.Duration
	Checks             map[string]HealthCheck
	Info               Info
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
	Now                func() time.Time
}

// App is the knowledge-base service: quota enforcement, the document store
// proxy and the chat orchestrator.
type App struct {
	store            store.Store
	index            ai.DocumentIndex
	generator        ai.ChatGenerator
	objects          storage.ObjectStore
	cleanup          CleanupQueue
	quota            *quota.Enforcer
	limiter          *ratelimit.DailyLimiter
	staleUploadAfter time.Duration
	presignExpiry    time.Duration
	sagaTimeout      time.Duration
	checks           map[string]HealthCheck
	info             Info
	metrics          *metrics.Metrics
	logger           *slog.Logger
	now              func() time.Time
}

// New wires the application. Store, Index and Generator are required.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Index == nil || cfg.Generator == nil {
		return nil, errors.New("document index and generator required")
	}
	a := &App{
		store:            cfg.Store,
		index:            cfg.Index,
		generator:        cfg.Generator,
		objects:          cfg.Objects,
		cleanup:          cfg.Cleanup,
		staleUploadAfter: cfg.StaleUploadAfter,
		presignExpiry:    cfg.PresignExpiry,
		sagaTimeout:      cfg.SagaTimeout,
		checks:           cfg.Checks,
		info:             cfg.Info,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
		now:              cfg.Now,
	}
	if a.staleUploadAfter <= 0 {
		a.staleUploadAfter = defaultStaleUploadAfter
	}
	if a.presignExpiry <= 0 {
		a.presignExpiry = defaultPresignExpiry
	}
	if a.sagaTimeout <= 0 {
		a.sagaTimeout = defaultSagaTimeout
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.info.Name == "" {
		a.info.Name = "kb"
	}
	a.quota = quota.NewEnforcer(cfg.Store, cfg.Limits,
		quota.WithClock(a.now),
		quota.WithLogger(a.logger),
		quota.WithWriteTimeout(cfg.LedgerWriteTimeout),
	)
	limiter, err := ratelimit.NewDailyLimiter(ratelimit.DailyConfig{
		Limit:      a.quota.Limits().DailyQueries,
		StaleAfter: cfg.AdvisoryTTL,
		Seed:       a.quota.DailySeed,
		Now:        a.now,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init daily limiter: %w", err)
	}
	a.limiter = limiter
	return a, nil
}

// Limits returns the effective quota limits.
func (a *App) Limits() quota.Limits { return a.quota.Limits() }

// Close stops the advisory limiter and waits for pending ledger writes.
func (a *App) Close(ctx context.Context) error {
	a.limiter.Close()
	return a.quota.Wait(ctx)
}

func (a *App) clock() time.Time { return a.now().UTC() }

// detached keeps a multi-step external/local sequence running after the
// client goes away, so it ends in a consistent state.
func (a *App) detached(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// compensate undoes an external side effect. When the inline delete fails the
// resource is queued for the cleanup worker; only if that also fails is it
// left as a logged orphan.
func (a *App) compensate(ctx context.Context, saga string, kind queue.Kind, resource, reason string) {
	if resource == "" {
		return
	}
	ctx, cancel := a.detached(ctx, compensationTimeout)
	defer cancel()
	err := a.deleteExternal(ctx, kind, resource)
	a.metrics.Compensation(saga, err)
	if err == nil {
		return
	}
	a.logger.Warn("compensating delete failed", "saga", saga, "kind", kind, "resource", resource, "err", err)
	a.enqueueCleanup(ctx, kind, resource, reason)
}

func (a *App) enqueueCleanup(ctx context.Context, kind queue.Kind, resource, reason string) {
	if a.cleanup == nil {
		a.logger.Error("orphaned external resource", "kind", kind, "resource", resource, "reason", reason)
		return
	}
	job, err := a.cleanup.Enqueue(ctx, kind, resource, reason)
	if err != nil {
		a.logger.Error("orphaned external resource", "kind", kind, "resource", resource, "reason", reason, "err", err)
		return
	}
	a.logger.Info("cleanup queued", "job_id", job.ID, "kind", kind, "resource", resource)
}

func (a *App) deleteExternal(ctx context.Context, kind queue.Kind, resource string) error {
	switch kind {
	case queue.KindStore:
		return a.index.DeleteStore(ctx, resource)
	case queue.KindDocument:
		return a.index.DeleteDocument(ctx, resource)
	case queue.KindObject:
		if a.objects == nil {
			return ErrArchiveDisabled
		}
		return a.objects.Delete(ctx, resource)
	default:
		return fmt.Errorf("unknown cleanup kind %q", kind)
	}
}

// bestEffortDelete removes an external resource ahead of a local delete. A
// failure is queued for retry and never blocks the caller.
func (a *App) bestEffortDelete(ctx context.Context, kind queue.Kind, resource, reason string) {
	if resource == "" {
		return
	}
	if err := a.deleteExternal(ctx, kind, resource); err != nil {
		a.logger.Warn("external delete failed", "kind", kind, "resource", resource, "err", err)
		a.enqueueCleanup(ctx, kind, resource, reason)
	}
}
