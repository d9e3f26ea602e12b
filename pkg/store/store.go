package store

import (
	"context"
	"errors"
	"time"

	"kbchat/pkg/domain"
)

// ErrStatusChanged is returned when a compare-and-set status transition finds
// the row in a different state than expected.
var ErrStatusChanged = errors.New("file status changed concurrently")

// KnowledgeBaseStore persists knowledge bases. Every lookup is scoped to the
// owning user.
type KnowledgeBaseStore interface {
	CreateKnowledgeBase(ctx context.Context, kb domain.KnowledgeBase) error
	GetKnowledgeBase(ctx context.Context, id, userID string) (domain.KnowledgeBase, bool, error)
	ListKnowledgeBases(ctx context.Context, userID string) ([]domain.KnowledgeBase, error)
	UpdateKnowledgeBase(ctx context.Context, id, userID string, update domain.KnowledgeBaseUpdate) (domain.KnowledgeBase, bool, error)
	// DeleteKnowledgeBase removes the knowledge base with its files, chat
	// history and ratings, returning the removed file rows.
	DeleteKnowledgeBase(ctx context.Context, id, userID string) ([]domain.File, bool, error)
	CountKnowledgeBases(ctx context.Context, userID string) (int64, error)
}

// FileStore persists file metadata rows.
type FileStore interface {
	CreateFile(ctx context.Context, f domain.File) error
	GetOwnedFile(ctx context.Context, id, userID string) (domain.File, bool, error)
	ListFiles(ctx context.Context, knowledgeBaseID string) ([]domain.File, error)
	CountFiles(ctx context.Context, knowledgeBaseID string, statuses ...domain.FileStatus) (int64, error)
	TransitionFile(ctx context.Context, id string, from, to domain.FileStatus, update domain.FileUpdate) error
	DeleteFile(ctx context.Context, id string) error
	ListStaleFiles(ctx context.Context, before time.Time, statuses ...domain.FileStatus) ([]domain.File, error)
	FileStats(ctx context.Context, knowledgeBaseID string) (domain.FileStats, error)
}

// UsageStore persists the per-user quota ledger. Increments are atomic at
// the row level and roll the daily counter over at its reset timestamp.
type UsageStore interface {
	GetUsage(ctx context.Context, userID string) (domain.UsageRecord, bool, error)
	IncrementQueryCount(ctx context.Context, userID string, now time.Time) error
	RecordFileUpload(ctx context.Context, userID string, sizeBytes int64, now time.Time) error
	AddStorageBytes(ctx context.Context, userID string, delta int64, now time.Time) error
	ResetDailyQueries(ctx context.Context, userID string, now time.Time) error
}

// ChatStore persists chat sessions, messages and ratings.
type ChatStore interface {
	CreateChatSession(ctx context.Context, session domain.ChatSession) error
	GetChatSession(ctx context.Context, id, userID string) (domain.ChatSession, bool, error)
	ListChatSessions(ctx context.Context, knowledgeBaseID, userID string) ([]domain.ChatSession, error)
	TouchChatSession(ctx context.Context, id string, at time.Time) error
	AppendChatMessage(ctx context.Context, msg domain.ChatMessage) error
	ListChatMessages(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error)
	UpsertRating(ctx context.Context, rating domain.MessageRating) (domain.MessageRating, error)
	DeleteRating(ctx context.Context, userID, messageID string) error
}

// Store is the full persistence surface of the knowledge-base service.
type Store interface {
	KnowledgeBaseStore
	FileStore
	UsageStore
	ChatStore
	Ping(ctx context.Context) error
	Totals(ctx context.Context) (domain.Totals, error)
	Close() error
}
