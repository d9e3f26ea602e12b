package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestUsageLedgerIncrementsAndRollover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day1 := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	if _, ok, err := s.GetUsage(ctx, "u1"); err != nil || ok {
		t.Fatalf("expected no row yet: ok=%v err=%v", ok, err)
	}
	for i := 0; i < 3; i++ {
		if err := s.IncrementQueryCount(ctx, "u1", day1); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	rec, ok, err := s.GetUsage(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("get usage: ok=%v err=%v", ok, err)
	}
	if rec.DailyQueryCount != 3 || rec.TotalQueryCount != 3 {
		t.Fatalf("counts = %+v", rec)
	}
	if !rec.QueryResetAt.Equal(time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("reset at = %v", rec.QueryResetAt)
	}

	day2 := day1.Add(24 * time.Hour)
	if err := s.IncrementQueryCount(ctx, "u1", day2); err != nil {
		t.Fatalf("increment day2: %v", err)
	}
	rec, _, _ = s.GetUsage(ctx, "u1")
	if rec.DailyQueryCount != 1 || rec.TotalQueryCount != 4 {
		t.Fatalf("rollover counts = %+v", rec)
	}
	if !rec.QueryResetAt.Equal(time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("rollover reset at = %v", rec.QueryResetAt)
	}

	if err := s.ResetDailyQueries(ctx, "u1", day2); err != nil {
		t.Fatalf("reset: %v", err)
	}
	rec, _, _ = s.GetUsage(ctx, "u1")
	if rec.DailyQueryCount != 0 || rec.TotalQueryCount != 4 {
		t.Fatalf("after reset = %+v", rec)
	}
}

func TestUsageStorageNeverNegative(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.RecordFileUpload(ctx, "u1", 500, now); err != nil {
		t.Fatalf("record upload: %v", err)
	}
	if err := s.AddStorageBytes(ctx, "u1", -200, now); err != nil {
		t.Fatalf("release: %v", err)
	}
	rec, _, _ := s.GetUsage(ctx, "u1")
	if rec.StorageBytes != 300 || rec.TotalFileUploads != 1 {
		t.Fatalf("usage = %+v", rec)
	}
	if err := s.AddStorageBytes(ctx, "u1", -10_000, now); err != nil {
		t.Fatalf("over release: %v", err)
	}
	rec, _, _ = s.GetUsage(ctx, "u1")
	if rec.StorageBytes != 0 {
		t.Fatalf("storage must clamp at zero, got %d", rec.StorageBytes)
	}
}

func TestUsageConcurrentIncrements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.IncrementQueryCount(ctx, "u1", now)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	rec, _, _ := s.GetUsage(ctx, "u1")
	if rec.TotalQueryCount != 20 {
		t.Fatalf("total = %d, want 20", rec.TotalQueryCount)
	}
}
