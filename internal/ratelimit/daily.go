package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultStaleAfter = time.Minute

// ErrLimiterClosed is returned by Consume after Close.
var ErrLimiterClosed = errors.New("daily limiter closed")

// SeedFunc loads the authoritative daily count and its reset time for a user.
type SeedFunc func(ctx context.Context, userID string) (count int, resetAt time.Time, err error)

// DailyConfig configures a DailyLimiter.
type DailyConfig struct {
	Limit int
	// StaleAfter bounds how long a local entry is trusted before it is
	// reconciled with Seed again.
	StaleAfter time.Duration
	Seed       SeedFunc
	Now        func() time.Time
	Logger     *slog.Logger
}

// Decision is the outcome of a daily limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type dailyEntry struct {
	count        int
	resetAt      time.Time
	reconciledAt time.Time
}

// DailyLimiter is an in-process per-user daily query counter that resets at
// midnight UTC. It is advisory: entries are re-seeded from the ledger once
// they are older than StaleAfter, keeping the larger of the two counts inside
// the same reset window.
type DailyLimiter struct {
	limit      int
	staleAfter time.Duration
	seed       SeedFunc
	now        func() time.Time
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[string]*dailyEntry
	closed  bool
	group   singleflight.Group
}

// NewDailyLimiter constructs a limiter. Limit must be positive.
func NewDailyLimiter(cfg DailyConfig) (*DailyLimiter, error) {
	if cfg.Limit <= 0 {
		return nil, errors.New("daily limiter requires a positive limit")
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DailyLimiter{
		limit:      cfg.Limit,
		staleAfter: staleAfter,
		seed:       cfg.Seed,
		now:        func() time.Time { return now().UTC() },
		logger:     logger,
		entries:    make(map[string]*dailyEntry),
	}, nil
}

// Check reports the current standing for userID without consuming.
func (l *DailyLimiter) Check(ctx context.Context, userID string) Decision {
	userID = normalizeUser(userID)
	l.reconcile(ctx, userID)

	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.currentLocked(userID)
	return l.decision(e, e.count < l.limit)
}

// Consume records one query for userID when the limit allows it. A rejected
// call leaves the count untouched.
func (l *DailyLimiter) Consume(ctx context.Context, userID string) (Decision, error) {
	userID = normalizeUser(userID)
	l.reconcile(ctx, userID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Decision{Limit: l.limit}, ErrLimiterClosed
	}
	e := l.currentLocked(userID)
	if e.count >= l.limit {
		return l.decision(e, false), nil
	}
	e.count++
	return l.decision(e, true), nil
}

// Reset drops the local entry for userID.
func (l *DailyLimiter) Reset(userID string) {
	l.mu.Lock()
	delete(l.entries, normalizeUser(userID))
	l.mu.Unlock()
}

// Sweep evicts entries whose reset time has passed and returns how many were
// removed.
func (l *DailyLimiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for userID, e := range l.entries {
		if !now.Before(e.resetAt) {
			delete(l.entries, userID)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked users.
func (l *DailyLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close releases all entries. Consume fails afterwards.
func (l *DailyLimiter) Close() {
	l.mu.Lock()
	l.closed = true
	l.entries = make(map[string]*dailyEntry)
	l.mu.Unlock()
}

// currentLocked returns the live entry for userID, rolling it over when its
// window has ended. Callers hold l.mu.
func (l *DailyLimiter) currentLocked(userID string) *dailyEntry {
	now := l.now()
	e, ok := l.entries[userID]
	if !ok || !now.Before(e.resetAt) {
		e = &dailyEntry{resetAt: nextMidnight(now)}
		if ok {
			// keep the reconciliation clock so a rollover does not force a seed
			e.reconciledAt = l.entries[userID].reconciledAt
		}
		l.entries[userID] = e
	}
	return e
}

func (l *DailyLimiter) decision(e *dailyEntry, allowed bool) Decision {
	remaining := l.limit - e.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: allowed, Limit: l.limit, Remaining: remaining, ResetAt: e.resetAt}
}

func (l *DailyLimiter) needsSeed(userID string) bool {
	if l.seed == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	e, ok := l.entries[userID]
	return !ok || l.now().Sub(e.reconciledAt) >= l.staleAfter
}

// reconcile re-seeds a missing or stale entry from the ledger. Concurrent
// callers for the same user share one seed call. Seed errors keep the local
// entry, so the query limit fails open.
func (l *DailyLimiter) reconcile(ctx context.Context, userID string) {
	if !l.needsSeed(userID) {
		return
	}
	_, _, _ = l.group.Do(userID, func() (any, error) {
		count, resetAt, err := l.seed(ctx, userID)
		now := l.now()
		l.mu.Lock()
		defer l.mu.Unlock()
		e := l.currentLocked(userID)
		e.reconciledAt = now
		if err != nil {
			l.logger.Warn("daily limiter seed failed", "user_id", userID, "err", err)
			return nil, err
		}
		resetAt = resetAt.UTC()
		if !now.Before(resetAt) {
			// the ledger still holds yesterday's window
			return nil, nil
		}
		if resetAt.Equal(e.resetAt) {
			if count > e.count {
				e.count = count
			}
			return nil, nil
		}
		if resetAt.After(e.resetAt) {
			return nil, nil
		}
		// ledger window ends earlier than the local guess; trust the ledger
		e.count = count
		e.resetAt = resetAt
		return nil, nil
	})
}

func nextMidnight(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

func normalizeUser(userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "anonymous"
	}
	return userID
}
