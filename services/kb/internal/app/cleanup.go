package app

import (
	"context"
	"errors"
	"fmt"

	"kbchat/pkg/domain"
	"kbchat/pkg/queue"
	"kbchat/pkg/store"
)

const staleFileMessage = "Processing timed out"

// HandleCleanup is the cleanup queue worker: it retries the external delete
// recorded in job.
func (a *App) HandleCleanup(ctx context.Context, job queue.CleanupJob) error {
	err := a.deleteExternal(ctx, job.Kind, job.Resource)
	a.metrics.CleanupJob(string(job.Kind), err)
	if err != nil {
		return fmt.Errorf("cleanup %s %s: %w", job.Kind, job.Resource, err)
	}
	a.logger.Info("cleanup finished", "job_id", job.ID, "kind", job.Kind, "resource", job.Resource, "attempts", job.Attempts)
	return nil
}

// ReconcileStaleFiles fails files that stayed in uploading or processing
// longer than the stale deadline and drops their archived copies. It returns
// how many files were failed.
func (a *App) ReconcileStaleFiles(ctx context.Context) (int, error) {
	cutoff := a.clock().Add(-a.staleUploadAfter)
	files, err := a.store.ListStaleFiles(ctx, cutoff, domain.FileUploading, domain.FileProcessing)
	if err != nil {
		return 0, fmt.Errorf("list stale files: %w", err)
	}
	failedCount := 0
	for _, f := range files {
		err := a.store.TransitionFile(ctx, f.ID, f.Status, domain.FileFailed, domain.FileUpdate{
			ErrorMessage: staleFileMessage,
			ProcessedAt:  a.clock(),
		})
		if errors.Is(err, store.ErrStatusChanged) {
			continue
		}
		if err != nil {
			a.logger.Warn("fail stale file", "file_id", f.ID, "err", err)
			continue
		}
		failedCount++
		if f.StorageKey != "" && a.objects != nil {
			a.compensate(ctx, "reconcile", queue.KindObject, f.StorageKey, "stale upload")
		}
		a.logger.Warn("stale file failed", "file_id", f.ID, "knowledge_base_id", f.KnowledgeBaseID, "status", f.Status, "uploaded_at", f.UploadedAt)
	}
	return failedCount, nil
}
