package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"kbchat/pkg/domain"
)

// GetUsage returns the stored ledger row without applying a rollover.
func (s *GormStore) GetUsage(ctx context.Context, userID string) (domain.UsageRecord, bool, error) {
	var model UsageModel
	if err := s.db.WithContext(ctx).First(&model, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.UsageRecord{}, false, nil
		}
		return domain.UsageRecord{}, false, err
	}
	return usageFromModel(model), true, nil
}

// IncrementQueryCount adds one query to both the daily and lifetime counters.
func (s *GormStore) IncrementQueryCount(ctx context.Context, userID string, now time.Time) error {
	now = now.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureUsageRow(tx, userID, now); err != nil {
			return err
		}
		return tx.Model(&UsageModel{}).Where("user_id = ?", userID).Updates(map[string]any{
			"daily_query_count": gorm.Expr("daily_query_count + 1"),
			"total_query_count": gorm.Expr("total_query_count + 1"),
			"updated_at":        now,
		}).Error
	})
}

// RecordFileUpload counts a successful upload and charges its bytes.
func (s *GormStore) RecordFileUpload(ctx context.Context, userID string, sizeBytes int64, now time.Time) error {
	now = now.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureUsageRow(tx, userID, now); err != nil {
			return err
		}
		return tx.Model(&UsageModel{}).Where("user_id = ?", userID).Updates(map[string]any{
			"total_file_uploads": gorm.Expr("total_file_uploads + 1"),
			"storage_bytes":      gorm.Expr("storage_bytes + ?", sizeBytes),
			"updated_at":         now,
		}).Error
	})
}

// AddStorageBytes adjusts storage usage by delta, never going below zero.
func (s *GormStore) AddStorageBytes(ctx context.Context, userID string, delta int64, now time.Time) error {
	now = now.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureUsageRow(tx, userID, now); err != nil {
			return err
		}
		return tx.Model(&UsageModel{}).Where("user_id = ?", userID).Updates(map[string]any{
			"storage_bytes": gorm.Expr("CASE WHEN storage_bytes + ? < 0 THEN 0 ELSE storage_bytes + ? END", delta, delta),
			"updated_at":    now,
		}).Error
	})
}

// ResetDailyQueries zeroes the daily counter and moves the reset forward.
func (s *GormStore) ResetDailyQueries(ctx context.Context, userID string, now time.Time) error {
	now = now.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureUsageRow(tx, userID, now); err != nil {
			return err
		}
		return tx.Model(&UsageModel{}).Where("user_id = ?", userID).Updates(map[string]any{
			"daily_query_count": 0,
			"query_reset_at":    domain.NextReset(now),
			"updated_at":        now,
		}).Error
	})
}

// ensureUsageRow inserts a fresh ledger row when missing and rolls the daily
// counter over once its reset timestamp has passed.
func ensureUsageRow(tx *gorm.DB, userID string, now time.Time) error {
	row := UsageModel{UserID: userID, QueryResetAt: domain.NextReset(now), UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return err
	}
	return tx.Model(&UsageModel{}).
		Where("user_id = ? AND query_reset_at <= ?", userID, now).
		Updates(map[string]any{
			"daily_query_count": 0,
			"query_reset_at":    domain.NextReset(now),
			"updated_at":        now,
		}).Error
}

func usageFromModel(m UsageModel) domain.UsageRecord {
	return domain.UsageRecord{
		UserID:           m.UserID,
		DailyQueryCount:  m.DailyQueryCount,
		TotalQueryCount:  m.TotalQueryCount,
		TotalFileUploads: m.TotalFileUploads,
		StorageBytes:     m.StorageBytes,
		QueryResetAt:     m.QueryResetAt.UTC(),
		UpdatedAt:        m.UpdatedAt.UTC(),
	}
}
