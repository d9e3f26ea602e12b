package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"kbchat/internal/util"
	"kbchat/pkg/domain"
	"kbchat/pkg/queue"
)

func TestReconcileStaleFiles(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Now = func() time.Time { return now }
		cfg.StaleUploadAfter = 30 * time.Minute
	})
	user := domain.User{ID: "user-1"}
	kb := env.createKB(t, user, "Research")
	ctx := context.Background()

	seed := func(status domain.FileStatus, age time.Duration, key string) domain.File {
		f := domain.File{
			ID:              util.NewRecordID(),
			KnowledgeBaseID: kb.ID,
			FileName:        "a.txt",
			FileSize:        5,
			Status:          status,
			StorageKey:      key,
			UploadedAt:      now.Add(-age),
		}
		if err := env.store.CreateFile(ctx, f); err != nil {
			t.Fatalf("create file: %v", err)
		}
		if key != "" {
			env.objects.objects[key] = []byte("hello")
		}
		return f
	}
	stuckUploading := seed(domain.FileUploading, time.Hour, "")
	stuckProcessing := seed(domain.FileProcessing, 45*time.Minute, "archive/stuck")
	fresh := seed(domain.FileProcessing, time.Minute, "")
	ready := seed(domain.FileReady, 2*time.Hour, "")

	n, err := env.app.ReconcileStaleFiles(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 stale files failed, got %d", n)
	}
	want := map[string]domain.FileStatus{
		stuckUploading.ID:  domain.FileFailed,
		stuckProcessing.ID: domain.FileFailed,
		fresh.ID:           domain.FileProcessing,
		ready.ID:           domain.FileReady,
	}
	for id, status := range want {
		f, ok, err := env.store.GetOwnedFile(ctx, id, user.ID)
		if err != nil || !ok {
			t.Fatalf("get %s: %v", id, err)
		}
		if f.Status != status {
			t.Fatalf("file %s: got %s want %s", id, f.Status, status)
		}
		if status == domain.FileFailed && (f.ErrorMessage == nil || *f.ErrorMessage != staleFileMessage) {
			t.Fatalf("expected stale message, got %v", f.ErrorMessage)
		}
	}
	if _, ok := env.objects.objects["archive/stuck"]; ok {
		t.Fatalf("expected archived copy of stale file removed")
	}

	again, err := env.app.ReconcileStaleFiles(ctx)
	if err != nil || again != 0 {
		t.Fatalf("second pass: %d, %v", again, err)
	}
}

func TestHandleCleanup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.app.HandleCleanup(ctx, queue.CleanupJob{ID: "1", Kind: queue.KindStore, Resource: "stores/a"}); err != nil {
		t.Fatalf("cleanup store: %v", err)
	}
	if len(env.index.deletedStores) != 1 || env.index.deletedStores[0] != "stores/a" {
		t.Fatalf("expected store delete, got %v", env.index.deletedStores)
	}

	env.index.deleteDocErr = errors.New("still down")
	if err := env.app.HandleCleanup(ctx, queue.CleanupJob{ID: "2", Kind: queue.KindDocument, Resource: "docs/b"}); err == nil {
		t.Fatalf("expected error so the job is retried")
	}
	if err := env.app.HandleCleanup(ctx, queue.CleanupJob{ID: "3", Kind: "bogus", Resource: "x"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestRateMessage(t *testing.T) {
	env := newTestEnv(t)
	user := domain.User{ID: "user-1"}
	kb := env.createKB(t, user, "Research")
	ctx := context.Background()
	msgID := util.NewRecordID()

	if _, err := env.app.RateMessage(ctx, user, msgID, kb.ID, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid rating, got %v", err)
	}
	if _, err := env.app.RateMessage(ctx, domain.User{ID: "other"}, msgID, kb.ID, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for foreign knowledge base, got %v", err)
	}

	first, err := env.app.RateMessage(ctx, user, msgID, kb.ID, 1)
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	second, err := env.app.RateMessage(ctx, user, msgID, kb.ID, -1)
	if err != nil {
		t.Fatalf("re-rate: %v", err)
	}
	if second.ID != first.ID || second.Rating != -1 {
		t.Fatalf("expected upsert of one row, got %+v then %+v", first, second)
	}
	if err := env.app.DeleteRating(ctx, user, msgID); err != nil {
		t.Fatalf("delete rating: %v", err)
	}
	if err := env.app.DeleteRating(ctx, user, msgID); err != nil {
		t.Fatalf("deleting a missing rating must succeed: %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Checks = map[string]HealthCheck{
			"redis": func(context.Context) error { return errors.New("connection refused") },
		}
	})
	report := env.app.Health(context.Background())
	if report.Healthy() {
		t.Fatalf("expected degraded report")
	}
	if report.Checks["database"].Status != statusHealthy || report.Checks["api"].Status != statusHealthy {
		t.Fatalf("unexpected checks: %+v", report.Checks)
	}
	if report.Checks["redis"].Status != statusUnhealthy {
		t.Fatalf("expected redis unhealthy, got %+v", report.Checks["redis"])
	}

	healthy := newTestEnv(t).app.Health(context.Background())
	if !healthy.Healthy() {
		t.Fatalf("expected healthy report, got %+v", healthy)
	}
}

func TestMetricsReport(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Info = Info{Name: "kb", Version: "1.2.3", Environment: "test"}
	})
	user := domain.User{ID: "user-1"}
	kb := env.createKB(t, user, "Research")
	if _, err := env.app.UploadFile(context.Background(), user, kb.ID, UploadInput{FileName: "a.txt", Data: []byte("hello")}); err != nil {
		t.Fatalf("upload: %v", err)
	}

	report, err := env.app.Metrics(context.Background())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if report.Application.Version != "1.2.3" || report.Metrics.KnowledgeBases.Total != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Metrics.Files.Total != 1 || report.Metrics.Files.TotalStorage != 5 || report.Metrics.Files.TotalStorageMB != "0.00" {
		t.Fatalf("unexpected files: %+v", report.Metrics.Files)
	}
	if report.Metrics.Users.Total != 1 || report.Limits.KnowledgeBasesPerUser != 5 {
		t.Fatalf("unexpected users/limits: %+v %+v", report.Metrics.Users, report.Limits)
	}
}

func TestSweepLimiter(t *testing.T) {
	env := newTestEnv(t)
	if err := env.app.SweepLimiter(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
}
