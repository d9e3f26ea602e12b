package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"kbchat/pkg/domain"
)

const migrateLockID int64 = 73217321

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type GormStoreOptions struct {
	Driver   string
	LogLevel gormlogger.LogLevel
	Now      func() time.Time
}

type GormStoreOption func(*GormStoreOptions)

// WithDriver selects the SQL dialect. Postgres is the default; sqlite serves
// local development and tests.
func WithDriver(driver string) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Driver = strings.ToLower(strings.TrimSpace(driver))
	}
}

// WithLogLevel overrides the GORM log level.
func WithLogLevel(level gormlogger.LogLevel) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.LogLevel = level
	}
}

// WithClock sets the clock used for updated_at and other store-side stamps.
func WithClock(now func() time.Time) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Now = now
	}
}

// GormStore implements Store using GORM.
type GormStore struct {
	db     *gorm.DB
	driver string
	clock  func() time.Time
}

var _ Store = (*GormStore)(nil)

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{Driver: DriverPostgres, LogLevel: gormlogger.Warn}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	clock := opts.Now

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  opts.LogLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	var dialector gorm.Dialector
	switch opts.Driver {
	case DriverPostgres, "":
		opts.Driver = DriverPostgres
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
		NowFunc:        func() time.Time { return clock().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if opts.Driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	s := &GormStore{db: db, driver: opts.Driver, clock: clock}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *GormStore) now() time.Time {
	return s.clock().UTC()
}

func (s *GormStore) migrate() error {
	run := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(allModels()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if s.driver != DriverPostgres {
		return run(s.db)
	}
	return withMigrationLock(s.db, run)
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateKnowledgeBase inserts a new knowledge base row.
func (s *GormStore) CreateKnowledgeBase(ctx context.Context, kb domain.KnowledgeBase) error {
	model := knowledgeBaseToModel(kb)
	return s.db.WithContext(ctx).Create(&model).Error
}

type knowledgeBaseRow struct {
	KnowledgeBaseModel
	FileCount int
}

func (s *GormStore) knowledgeBaseQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Model(&KnowledgeBaseModel{}).
		Select("knowledge_bases.*, (SELECT COUNT(*) FROM files WHERE files.knowledge_base_id = knowledge_bases.id) AS file_count")
}

// GetKnowledgeBase returns the knowledge base when userID owns it.
func (s *GormStore) GetKnowledgeBase(ctx context.Context, id, userID string) (domain.KnowledgeBase, bool, error) {
	var rows []knowledgeBaseRow
	if err := s.knowledgeBaseQuery(ctx).
		Where("knowledge_bases.id = ? AND knowledge_bases.user_id = ?", id, userID).
		Limit(1).
		Scan(&rows).Error; err != nil {
		return domain.KnowledgeBase{}, false, err
	}
	if len(rows) == 0 {
		return domain.KnowledgeBase{}, false, nil
	}
	return knowledgeBaseFromRow(rows[0]), true, nil
}

// ListKnowledgeBases returns the user's knowledge bases, newest first.
func (s *GormStore) ListKnowledgeBases(ctx context.Context, userID string) ([]domain.KnowledgeBase, error) {
	var rows []knowledgeBaseRow
	if err := s.knowledgeBaseQuery(ctx).
		Where("knowledge_bases.user_id = ?", userID).
		Order("knowledge_bases.created_at DESC").
		Order("knowledge_bases.id DESC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]domain.KnowledgeBase, 0, len(rows))
	for _, row := range rows {
		res = append(res, knowledgeBaseFromRow(row))
	}
	return res, nil
}

// UpdateKnowledgeBase applies the non-nil fields of update.
func (s *GormStore) UpdateKnowledgeBase(ctx context.Context, id, userID string, update domain.KnowledgeBaseUpdate) (domain.KnowledgeBase, bool, error) {
	updates := map[string]any{"updated_at": s.now()}
	if update.Name != nil {
		updates["name"] = *update.Name
	}
	if update.Description != nil {
		if *update.Description == "" {
			updates["description"] = nil
		} else {
			updates["description"] = *update.Description
		}
	}
	res := s.db.WithContext(ctx).Model(&KnowledgeBaseModel{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(updates)
	if res.Error != nil {
		return domain.KnowledgeBase{}, false, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.KnowledgeBase{}, false, nil
	}
	return s.GetKnowledgeBase(ctx, id, userID)
}

// DeleteKnowledgeBase removes the knowledge base and everything under it.
func (s *GormStore) DeleteKnowledgeBase(ctx context.Context, id, userID string) ([]domain.File, bool, error) {
	var removed []domain.File
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var kb KnowledgeBaseModel
		if err := tx.Where("id = ? AND user_id = ?", id, userID).First(&kb).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		found = true
		var files []FileModel
		if err := tx.Where("knowledge_base_id = ?", id).Find(&files).Error; err != nil {
			return err
		}
		for _, f := range files {
			removed = append(removed, fileFromModel(f))
		}
		if err := tx.Where("knowledge_base_id = ?", id).Delete(&MessageRatingModel{}).Error; err != nil {
			return err
		}
		sessionIDs := tx.Model(&ChatSessionModel{}).Select("id").Where("knowledge_base_id = ?", id)
		if err := tx.Where("session_id IN (?)", sessionIDs).Delete(&ChatMessageModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("knowledge_base_id = ?", id).Delete(&ChatSessionModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("knowledge_base_id = ?", id).Delete(&FileModel{}).Error; err != nil {
			return err
		}
		return tx.Delete(&KnowledgeBaseModel{}, "id = ?", id).Error
	})
	if err != nil {
		return nil, false, err
	}
	return removed, found, nil
}

// CountKnowledgeBases returns how many knowledge bases userID owns.
func (s *GormStore) CountKnowledgeBases(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&KnowledgeBaseModel{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}

// CreateFile inserts a file metadata row.
func (s *GormStore) CreateFile(ctx context.Context, f domain.File) error {
	model := fileToModel(f)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetOwnedFile looks a file up by id, scoped to the owner of its knowledge base.
func (s *GormStore) GetOwnedFile(ctx context.Context, id, userID string) (domain.File, bool, error) {
	owned := s.db.Model(&KnowledgeBaseModel{}).Select("id").Where("user_id = ?", userID)
	var model FileModel
	if err := s.db.WithContext(ctx).
		Where("id = ? AND knowledge_base_id IN (?)", id, owned).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.File{}, false, nil
		}
		return domain.File{}, false, err
	}
	return fileFromModel(model), true, nil
}

// ListFiles returns the files of a knowledge base, newest first.
func (s *GormStore) ListFiles(ctx context.Context, knowledgeBaseID string) ([]domain.File, error) {
	var models []FileModel
	if err := s.db.WithContext(ctx).
		Where("knowledge_base_id = ?", knowledgeBaseID).
		Order("uploaded_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.File, 0, len(models))
	for _, m := range models {
		res = append(res, fileFromModel(m))
	}
	return res, nil
}

// CountFiles counts files in a knowledge base, optionally filtered by status.
func (s *GormStore) CountFiles(ctx context.Context, knowledgeBaseID string, statuses ...domain.FileStatus) (int64, error) {
	var count int64
	tx := s.db.WithContext(ctx).Model(&FileModel{}).Where("knowledge_base_id = ?", knowledgeBaseID)
	if len(statuses) > 0 {
		tx = tx.Where("status IN ?", statusStrings(statuses))
	}
	err := tx.Count(&count).Error
	return count, err
}

// TransitionFile moves a file from one status to another only if the row is
// still in the expected status.
func (s *GormStore) TransitionFile(ctx context.Context, id string, from, to domain.FileStatus, update domain.FileUpdate) error {
	if err := domain.ValidateTransition(from, to); err != nil {
		return err
	}
	updates := map[string]any{
		"status":     string(to),
		"updated_at": s.now(),
	}
	if update.GeminiFileID != "" {
		updates["gemini_file_id"] = update.GeminiFileID
	}
	if update.StorageKey != "" {
		updates["storage_key"] = update.StorageKey
	}
	if update.ErrorMessage != "" {
		updates["error_message"] = update.ErrorMessage
	}
	if !update.ProcessedAt.IsZero() {
		updates["processed_at"] = update.ProcessedAt.UTC()
	}
	res := s.db.WithContext(ctx).Model(&FileModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: file %s is no longer %s", ErrStatusChanged, id, from)
	}
	return nil
}

// DeleteFile removes a file row.
func (s *GormStore) DeleteFile(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&FileModel{}, "id = ?", id).Error
}

// ListStaleFiles returns files in one of statuses uploaded before the cutoff.
func (s *GormStore) ListStaleFiles(ctx context.Context, before time.Time, statuses ...domain.FileStatus) ([]domain.File, error) {
	if len(statuses) == 0 {
		return []domain.File{}, nil
	}
	var models []FileModel
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND uploaded_at < ?", statusStrings(statuses), before.UTC()).
		Order("uploaded_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.File, 0, len(models))
	for _, m := range models {
		res = append(res, fileFromModel(m))
	}
	return res, nil
}

// FileStats aggregates file counts and sizes for a knowledge base. Files still
// uploading are reported as processing.
func (s *GormStore) FileStats(ctx context.Context, knowledgeBaseID string) (domain.FileStats, error) {
	var rows []struct {
		Status string
		Count  int
		Size   int64
	}
	if err := s.db.WithContext(ctx).Model(&FileModel{}).
		Select("status, COUNT(*) AS count, COALESCE(SUM(file_size), 0) AS size").
		Where("knowledge_base_id = ?", knowledgeBaseID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return domain.FileStats{}, err
	}
	var stats domain.FileStats
	for _, row := range rows {
		stats.Total += row.Count
		stats.TotalSize += row.Size
		switch domain.FileStatus(row.Status) {
		case domain.FileReady:
			stats.Ready += row.Count
		case domain.FileProcessing, domain.FileUploading:
			stats.Processing += row.Count
		case domain.FileFailed:
			stats.Failed += row.Count
		}
	}
	return stats, nil
}

// Totals returns service-wide counts.
func (s *GormStore) Totals(ctx context.Context) (domain.Totals, error) {
	var totals domain.Totals
	db := s.db.WithContext(ctx)
	if err := db.Raw("SELECT COUNT(*) FROM (SELECT user_id FROM knowledge_bases UNION SELECT user_id FROM usage_tracking) AS owners").
		Scan(&totals.Users).Error; err != nil {
		return totals, fmt.Errorf("count users: %w", err)
	}
	if err := db.Model(&KnowledgeBaseModel{}).Count(&totals.KnowledgeBases).Error; err != nil {
		return totals, fmt.Errorf("count knowledge bases: %w", err)
	}
	if err := db.Model(&FileModel{}).Count(&totals.Files).Error; err != nil {
		return totals, fmt.Errorf("count files: %w", err)
	}
	if err := db.Model(&FileModel{}).Select("COALESCE(SUM(file_size), 0)").Scan(&totals.StorageBytes).Error; err != nil {
		return totals, fmt.Errorf("sum storage: %w", err)
	}
	if err := db.Model(&UsageModel{}).Select("COALESCE(SUM(total_query_count), 0)").Scan(&totals.Queries).Error; err != nil {
		return totals, fmt.Errorf("sum queries: %w", err)
	}
	return totals, nil
}

func statusStrings(statuses []domain.FileStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}

func knowledgeBaseToModel(kb domain.KnowledgeBase) KnowledgeBaseModel {
	return KnowledgeBaseModel{
		ID:            kb.ID,
		UserID:        kb.UserID,
		Name:          kb.Name,
		Description:   kb.Description,
		GeminiStoreID: kb.GeminiStoreID,
		CreatedAt:     kb.CreatedAt.UTC(),
		UpdatedAt:     kb.UpdatedAt.UTC(),
	}
}

func knowledgeBaseFromRow(row knowledgeBaseRow) domain.KnowledgeBase {
	m := row.KnowledgeBaseModel
	return domain.KnowledgeBase{
		ID:            m.ID,
		UserID:        m.UserID,
		Name:          m.Name,
		Description:   m.Description,
		GeminiStoreID: m.GeminiStoreID,
		FileCount:     row.FileCount,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func fileToModel(f domain.File) FileModel {
	updatedAt := f.UploadedAt.UTC()
	return FileModel{
		ID:              f.ID,
		KnowledgeBaseID: f.KnowledgeBaseID,
		FileName:        f.FileName,
		FileSize:        f.FileSize,
		MimeType:        f.MimeType,
		PageCount:       f.PageCount,
		GeminiFileID:    f.GeminiFileID,
		StorageKey:      f.StorageKey,
		Status:          string(f.Status),
		ErrorMessage:    f.ErrorMessage,
		UploadedAt:      f.UploadedAt.UTC(),
		ProcessedAt:     f.ProcessedAt,
		UpdatedAt:       updatedAt,
	}
}

func fileFromModel(m FileModel) domain.File {
	status, ok := domain.ParseFileStatus(m.Status)
	if !ok {
		status = domain.FileFailed
	}
	return domain.File{
		ID:              m.ID,
		KnowledgeBaseID: m.KnowledgeBaseID,
		FileName:        m.FileName,
		FileSize:        m.FileSize,
		MimeType:        m.MimeType,
		PageCount:       m.PageCount,
		GeminiFileID:    m.GeminiFileID,
		StorageKey:      m.StorageKey,
		Status:          status,
		ErrorMessage:    m.ErrorMessage,
		UploadedAt:      m.UploadedAt,
		ProcessedAt:     m.ProcessedAt,
	}
}
