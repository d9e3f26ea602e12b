package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	gormlogger "gorm.io/gorm/logger"

	"kbchat/internal/metrics"
	"kbchat/internal/util"
	"kbchat/pkg/ai"
	"kbchat/pkg/queue"
	"kbchat/pkg/storage"
	"kbchat/pkg/store"
	"kbchat/services/kb/internal/app"
	"kbchat/services/kb/internal/config"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	root := &cobra.Command{
		Use:           "kb",
		Short:         "Knowledge base chat service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: $KB_CONFIG or ./config.yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(usageCmd())
	root.AddCommand(reconcileCmd())

	if err := root.Execute(); err != nil {
		slog.Error("kb failed", "err", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with its background jobs",
		RunE:  runServe,
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			logger.Info("migrations applied")
			return nil
		},
	}
}

func usageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect or adjust the quota ledger",
	}
	var userID string
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Reset a user's daily query counter",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := st.ResetDailyQueries(ctx, userID, time.Now().UTC()); err != nil {
				return fmt.Errorf("reset daily queries: %w", err)
			}
			logger.Info("daily queries reset", "user_id", userID)
			return nil
		},
	}
	reset.Flags().StringVar(&userID, "user", "", "user id to reset")
	cmd.AddCommand(reset)
	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Fail stale uploads once and clean up their external documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())
			n, err := rt.app.ReconcileStaleFiles(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("reconciliation finished", "failed_files", n)
			return nil
		},
	}
}

func loadConfig() (config.FileConfig, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, util.InitLogger(cfg.LogLevel), nil
}

func openStore(cfg config.FileConfig) (*store.GormStore, error) {
	opts := []store.GormStoreOption{store.WithDriver(cfg.DatabaseDriver)}
	if util.ParseLevel(cfg.LogLevel) == slog.LevelDebug {
		opts = append(opts, store.WithLogLevel(gormlogger.Info))
	}
	st, err := store.NewGormStore(cfg.DatabaseURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// runtime holds the dependencies shared by serve and the one-shot commands.
type runtime struct {
	cfg     config.FileConfig
	dur     config.Durations
	logger  *slog.Logger
	store   *store.GormStore
	redis   *redis.Client
	queue   *queue.RedisCleanupQueue
	metrics *metrics.Metrics
	app     *app.App
}

func newRuntime(ctx context.Context, cfg config.FileConfig, logger *slog.Logger, m *metrics.Metrics) (*runtime, error) {
	dur, err := cfg.ParseDurations()
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, dur: dur, logger: logger, metrics: m}
	ok := false
	defer func() {
		if !ok {
			rt.close(context.Background())
		}
	}()

	if rt.store, err = openStore(cfg); err != nil {
		return nil, err
	}
	rt.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rt.redis.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	rt.queue, err = queue.NewRedisCleanupQueue(rt.redis, queue.Config{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("init cleanup queue: %w", err)
	}

	gemini, err := ai.NewFileSearchClient(ai.Config{
		APIKey:            cfg.GeminiAPIKey,
		BaseURL:           cfg.GeminiBaseURL,
		Model:             cfg.GeminiModel,
		PollInterval:      dur.GeminiPollInterval,
		RequestsPerSecond: cfg.GeminiRequestsPerSecond,
		Logger:            logger,
		Observe:           m.ProviderCall,
	})
	if err != nil {
		return nil, fmt.Errorf("init gemini client: %w", err)
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		minioStore, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
		objects = minioStore
	}

	rt.app, err = app.New(app.Config{
		Store:              rt.store,
		Index:              gemini,
		Generator:          gemini,
		Objects:            objects,
		Cleanup:            rt.queue,
		Limits:             cfg.Limits,
		AdvisoryTTL:        dur.AdvisoryTTL,
		LedgerWriteTimeout: dur.LedgerWriteTimeout,
		StaleUploadAfter:   dur.StaleUploadAfter,
		PresignExpiry:      dur.PresignExpiry,
		Checks: map[string]app.HealthCheck{
			"redis": func(ctx context.Context) error { return rt.redis.Ping(ctx).Err() },
		},
		Info:    app.Info{Name: "kb", Version: version, Environment: cfg.Environment},
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init app: %w", err)
	}
	ok = true
	return rt, nil
}

func (rt *runtime) close(ctx context.Context) {
	if rt.app != nil {
		if err := rt.app.Close(ctx); err != nil {
			rt.logger.Warn("pending ledger writes abandoned", "err", err)
		}
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.store != nil {
		_ = rt.store.Close()
	}
}
