package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kbchat/pkg/domain"
)

const (
	defaultWriteTimeout = 10 * time.Second
	resetTimeLayout     = "Jan 2, 2006, 3:04 PM"
)

// Ledger is the slice of the store the enforcer reads and writes.
type Ledger interface {
	CountKnowledgeBases(ctx context.Context, userID string) (int64, error)
	CountFiles(ctx context.Context, knowledgeBaseID string, statuses ...domain.FileStatus) (int64, error)
	GetUsage(ctx context.Context, userID string) (domain.UsageRecord, bool, error)
	IncrementQueryCount(ctx context.Context, userID string, now time.Time) error
	RecordFileUpload(ctx context.Context, userID string, sizeBytes int64, now time.Time) error
	AddStorageBytes(ctx context.Context, userID string, delta int64, now time.Time) error
}

// Result is the outcome of one quota check.
type Result struct {
	Allowed   bool   `json:"allowed"`
	Message   string `json:"message,omitempty"`
	Current   int64  `json:"current"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
}

// QueryResult extends Result with the daily reset time.
type QueryResult struct {
	Result
	ResetAt time.Time `json:"resetAt"`
}

type Allowance struct {
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
}

type QueryAllowance struct {
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Snapshot is the aggregate quota view returned by the usage endpoint.
type Snapshot struct {
	Queries          QueryAllowance `json:"queries"`
	KnowledgeBases   Allowance      `json:"knowledgeBases"`
	Storage          Allowance      `json:"storage"`
	TotalFileUploads int            `json:"totalFileUploads"`
	TotalQueries     int            `json:"totalQueries"`
}

type Option func(*Enforcer)

func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Enforcer) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithWriteTimeout bounds each asynchronous ledger write.
func WithWriteTimeout(d time.Duration) Option {
	return func(e *Enforcer) {
		if d > 0 {
			e.writeTimeout = d
		}
	}
}

// Enforcer gates quota-relevant operations against the ledger. Checks that
// depend on the ledger fail closed, except the daily query check which fails
// open.
type Enforcer struct {
	ledger       Ledger
	limits       Limits
	now          func() time.Time
	logger       *slog.Logger
	writeTimeout time.Duration
	pending      sync.WaitGroup
}

func NewEnforcer(ledger Ledger, limits Limits, opts ...Option) *Enforcer {
	e := &Enforcer{
		ledger:       ledger,
		limits:       limits.WithDefaults(),
		now:          time.Now,
		logger:       slog.Default(),
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *Enforcer) Limits() Limits { return e.limits }

func (e *Enforcer) clock() time.Time { return e.now().UTC() }

// CheckKnowledgeBase allows creation while the user owns fewer knowledge
// bases than the limit.
func (e *Enforcer) CheckKnowledgeBase(ctx context.Context, userID string) Result {
	limit := int64(e.limits.KnowledgeBasesPerUser)
	count, err := e.ledger.CountKnowledgeBases(ctx, userID)
	if err != nil {
		e.logger.Error("knowledge base quota check failed", "user_id", userID, "err", err)
		return Result{Message: "Error checking knowledge base quota", Limit: limit}
	}
	res := bounded(count, limit, count < limit)
	if !res.Allowed {
		res.Message = fmt.Sprintf("You've reached the limit of %d knowledge bases. Please delete a knowledge base before creating a new one.", limit)
	}
	return res
}

// CheckFileUpload allows an upload while the knowledge base holds fewer
// uploading, processing or ready files than the limit.
func (e *Enforcer) CheckFileUpload(ctx context.Context, knowledgeBaseID string) Result {
	limit := int64(e.limits.FilesPerKnowledgeBase)
	count, err := e.ledger.CountFiles(ctx, knowledgeBaseID, domain.QuotaStatuses()...)
	if err != nil {
		e.logger.Error("file quota check failed", "knowledge_base_id", knowledgeBaseID, "err", err)
		return Result{Message: "Error checking file quota", Limit: limit}
	}
	res := bounded(count, limit, count < limit)
	if !res.Allowed {
		res.Message = fmt.Sprintf("You've reached the limit of %d files per knowledge base. Please delete some files before uploading new ones.", limit)
	}
	return res
}

// CheckFileSize is a pure comparison against the per-file cap.
func (e *Enforcer) CheckFileSize(sizeBytes int64) Result {
	limit := e.limits.MaxFileSizeBytes
	res := bounded(sizeBytes, limit, sizeBytes <= limit)
	if !res.Allowed {
		res.Message = fmt.Sprintf("File size exceeds the maximum limit of %dMB. Please upload a smaller file.", e.limits.MaxFileSizeMB())
	}
	return res
}

// CheckStorage allows additionalBytes when the projected total stays within
// the storage cap.
func (e *Enforcer) CheckStorage(ctx context.Context, userID string, additionalBytes int64) Result {
	limit := e.limits.MaxStorageBytes
	usage, err := e.Usage(ctx, userID)
	if err != nil {
		e.logger.Error("storage quota check failed", "user_id", userID, "err", err)
		return Result{Message: "Error checking storage quota", Limit: limit}
	}
	current := usage.StorageBytes
	res := bounded(current, limit, current+additionalBytes <= limit)
	if !res.Allowed {
		res.Message = fmt.Sprintf("Adding this file would exceed your storage limit of %dMB. Please delete some files to free up space.", e.limits.MaxStorageMB())
	}
	return res
}

// CheckQuery compares the authoritative daily counter with the limit. A ledger
// failure allows the query.
func (e *Enforcer) CheckQuery(ctx context.Context, userID string) QueryResult {
	limit := int64(e.limits.DailyQueries)
	now := e.clock()
	usage, err := e.Usage(ctx, userID)
	if err != nil {
		e.logger.Warn("query quota check failed, allowing", "user_id", userID, "err", err)
		return QueryResult{
			Result:  Result{Allowed: true, Limit: limit, Remaining: limit},
			ResetAt: domain.NextReset(now),
		}
	}
	current := int64(usage.DailyQueryCount)
	res := QueryResult{Result: bounded(current, limit, current < limit), ResetAt: usage.QueryResetAt}
	if !res.Allowed {
		res.Message = QueryLimitMessage(e.limits.DailyQueries, usage.QueryResetAt)
	}
	return res
}

// QueryLimitMessage renders the daily-limit rejection with its reset time.
func QueryLimitMessage(limit int, resetAt time.Time) string {
	return fmt.Sprintf("You've reached your daily limit of %d queries. Your limit will reset at %s UTC.",
		limit, resetAt.UTC().Format(resetTimeLayout))
}

// Usage returns the user's ledger row with the daily counter rolled over.
// Users without a row get a zero ledger.
func (e *Enforcer) Usage(ctx context.Context, userID string) (domain.UsageRecord, error) {
	now := e.clock()
	rec, ok, err := e.ledger.GetUsage(ctx, userID)
	if err != nil {
		return domain.UsageRecord{}, err
	}
	if !ok {
		rec = domain.UsageRecord{UserID: userID}
	}
	return rec.Rollover(now), nil
}

// DailySeed reports the authoritative daily count for the advisory limiter.
func (e *Enforcer) DailySeed(ctx context.Context, userID string) (int, time.Time, error) {
	rec, err := e.Usage(ctx, userID)
	if err != nil {
		return 0, time.Time{}, err
	}
	return rec.DailyQueryCount, rec.QueryResetAt, nil
}

// Snapshot assembles every allowance for the user.
func (e *Enforcer) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	var (
		usage   domain.UsageRecord
		kbCount int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		usage, err = e.Usage(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		kbCount, err = e.ledger.CountKnowledgeBases(gctx, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	queries := bounded(int64(usage.DailyQueryCount), int64(e.limits.DailyQueries), true)
	kbs := bounded(kbCount, int64(e.limits.KnowledgeBasesPerUser), true)
	storage := bounded(usage.StorageBytes, e.limits.MaxStorageBytes, true)
	return Snapshot{
		Queries: QueryAllowance{
			Used:      usage.DailyQueryCount,
			Limit:     e.limits.DailyQueries,
			Remaining: int(queries.Remaining),
			ResetAt:   usage.QueryResetAt,
		},
		KnowledgeBases:   Allowance{Used: kbs.Current, Limit: kbs.Limit, Remaining: kbs.Remaining},
		Storage:          Allowance{Used: storage.Current, Limit: storage.Limit, Remaining: storage.Remaining},
		TotalFileUploads: usage.TotalFileUploads,
		TotalQueries:     usage.TotalQueryCount,
	}, nil
}

// RecordQueryAsync increments the query counters without blocking the caller.
// Failures are logged. Wait blocks until every pending write has finished.
func (e *Enforcer) RecordQueryAsync(userID string) {
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.writeTimeout)
		defer cancel()
		if err := e.ledger.IncrementQueryCount(ctx, userID, e.clock()); err != nil {
			e.logger.Error("record query usage failed", "user_id", userID, "err", err)
		}
	}()
}

// RecordUpload counts a successful upload and charges its bytes.
func (e *Enforcer) RecordUpload(ctx context.Context, userID string, sizeBytes int64) error {
	return e.ledger.RecordFileUpload(ctx, userID, sizeBytes, e.clock())
}

// ReleaseStorage returns sizeBytes to the user's storage allowance.
func (e *Enforcer) ReleaseStorage(ctx context.Context, userID string, sizeBytes int64) error {
	if sizeBytes <= 0 {
		return nil
	}
	return e.ledger.AddStorageBytes(ctx, userID, -sizeBytes, e.clock())
}

// Wait blocks until pending asynchronous writes finish or ctx is done.
func (e *Enforcer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func bounded(current, limit int64, allowed bool) Result {
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: allowed, Current: current, Limit: limit, Remaining: remaining}
}
