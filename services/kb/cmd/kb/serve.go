package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"kbchat/internal/metrics"
	"kbchat/internal/scheduler"
	"kbchat/internal/usertoken"
	"kbchat/internal/util"
	"kbchat/services/kb/internal/authclient"
	"kbchat/services/kb/internal/security"
	"kbchat/services/kb/internal/server"
)

const (
	defaultReconcileInterval    = 10 * time.Minute
	defaultLimiterSweepInterval = time.Hour
	defaultShutdownTimeout      = 20 * time.Second
	defaultCleanupWorkers       = 2
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(true)
	rt, err := newRuntime(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	shutdownTimeout := rt.dur.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rt.close(closeCtx)
	}()

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Secret:     cfg.AuthJWTSecret,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     rt.dur.JWTLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		return fmt.Errorf("init token verifier: %w", err)
	}
	var authClient *authclient.Client
	if cfg.AuthTokenURL != "" {
		authClient, err = authclient.NewClient(authclient.Config{
			TokenURL:     cfg.AuthTokenURL,
			ClientID:     cfg.AuthClientID,
			ClientSecret: cfg.AuthClientSecret,
			RedirectURL:  cfg.AuthRedirectURL,
		})
		if err != nil {
			return fmt.Errorf("init auth client: %w", err)
		}
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}

	httpServer, err := server.New(server.Config{
		App:                     rt.app,
		Metrics:                 m,
		TokenVerifier:           tokenVerifier,
		Auth:                    authClient,
		Redis:                   rt.redis,
		Alerter:                 security.NewAuditAlerter(rt.redis, "kb:alerts"),
		TrustedProxies:          trusted,
		CORSOrigins:             cfg.CORSOrigins,
		WriteRateLimitPerMinute: cfg.WriteRateLimitPerMinute,
		ChatRateLimitPerMinute:  cfg.ChatRateLimitPerMinute,
		MaxUploadBytes:          cfg.MaxUploadBytes,
		SessionCookie:           cfg.SessionCookie,
		SecureCookies:           cfg.SecureCookies,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	jobs, err := scheduler.New(logger)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	sweepEvery := rt.dur.LimiterSweepInterval
	if sweepEvery <= 0 {
		sweepEvery = defaultLimiterSweepInterval
	}
	reconcileEvery := rt.dur.ReconcileInterval
	if reconcileEvery <= 0 {
		reconcileEvery = defaultReconcileInterval
	}
	if err := jobs.Every("limiter-sweep", sweepEvery, rt.app.SweepLimiter); err != nil {
		return err
	}
	if err := jobs.Every("reconcile-stale-files", reconcileEvery, func(ctx context.Context) error {
		n, err := rt.app.ReconcileStaleFiles(ctx)
		if n > 0 {
			logger.Info("stale files failed", "count", n)
		}
		return err
	}); err != nil {
		return err
	}
	jobs.Start()
	// uploads orphaned by a previous crash are failed at boot
	if err := jobs.RunNow("reconcile-stale-files"); err != nil {
		logger.Warn("initial reconcile not triggered", "err", err)
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workers := cfg.CleanupWorkers
	if workers <= 0 {
		workers = defaultCleanupWorkers
	}
	rt.queue.Start(workerCtx, workers, rt.app.HandleCleanup)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// chat responses stream for as long as the model produces output
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("kb server listening", "addr", addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "err", err)
	}
	if err := jobs.Shutdown(); err != nil {
		logger.Warn("scheduler shutdown failed", "err", err)
	}
	for _, job := range jobs.Jobs() {
		logger.Info("job summary", "job", job.Name, "runs", job.Runs, "last_error", job.LastError)
	}
	stopWorkers()
	rt.queue.Wait()
	return nil
}
