package app

import (
	"context"
	"fmt"

	"kbchat/pkg/domain"
	"kbchat/pkg/quota"
)

// Usage returns the caller's quota snapshot.
func (a *App) Usage(ctx context.Context, user domain.User) (quota.Snapshot, error) {
	snap, err := a.quota.Snapshot(ctx, user.ID)
	if err != nil {
		return quota.Snapshot{}, failed("Failed to fetch usage statistics", err)
	}
	return snap, nil
}

// ResetDailyQueries zeroes a user's daily counter in the ledger and drops the
// advisory entry so the next request re-seeds from it.
func (a *App) ResetDailyQueries(ctx context.Context, userID string) error {
	if userID == "" {
		return invalid("user id is required")
	}
	if err := a.store.ResetDailyQueries(ctx, userID, a.clock()); err != nil {
		return fmt.Errorf("reset daily queries: %w", err)
	}
	a.limiter.Reset(userID)
	a.logger.Info("daily queries reset", "user_id", userID)
	return nil
}

// SweepLimiter evicts expired advisory entries.
func (a *App) SweepLimiter(context.Context) error {
	n := a.limiter.Sweep()
	a.metrics.SetLimiterEntries(a.limiter.Len())
	if n > 0 {
		a.logger.Debug("daily limiter swept", "evicted", n)
	}
	return nil
}
