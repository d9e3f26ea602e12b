package domain

import "time"

// User is the caller identity resolved from the session provider.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

type KnowledgeBase struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Name          string    `json:"name"`
	Description   *string   `json:"description"`
	GeminiStoreID string    `json:"gemini_store_id"`
	FileCount     int       `json:"file_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// KnowledgeBaseUpdate carries optional PATCH fields. A nil pointer leaves the
// column untouched.
type KnowledgeBaseUpdate struct {
	Name        *string
	Description *string
}

// KnowledgeBaseDetail is a knowledge base with its files and aggregate stats.
type KnowledgeBaseDetail struct {
	KnowledgeBase
	Files []File    `json:"files"`
	Stats FileStats `json:"stats"`
}

type File struct {
	ID              string     `json:"id"`
	KnowledgeBaseID string     `json:"knowledge_base_id"`
	FileName        string     `json:"file_name"`
	FileSize        int64      `json:"file_size"`
	MimeType        string     `json:"mime_type,omitempty"`
	PageCount       *int       `json:"page_count"`
	GeminiFileID    string     `json:"gemini_file_id"`
	StorageKey      string     `json:"-"`
	Status          FileStatus `json:"status"`
	ErrorMessage    *string    `json:"error_message"`
	UploadedAt      time.Time  `json:"uploaded_at"`
	ProcessedAt     *time.Time `json:"processed_at"`
}

// FileUpdate carries columns written alongside a status transition.
type FileUpdate struct {
	GeminiFileID string
	StorageKey   string
	ErrorMessage string
	ProcessedAt  time.Time
}

type FileStats struct {
	Total      int   `json:"total"`
	TotalSize  int64 `json:"total_size"`
	Ready      int   `json:"ready"`
	Processing int   `json:"processing"`
	Failed     int   `json:"failed"`
}

// UsageRecord is the per-user quota ledger row.
type UsageRecord struct {
	UserID           string    `json:"user_id"`
	DailyQueryCount  int       `json:"daily_query_count"`
	TotalQueryCount  int       `json:"total_query_count"`
	TotalFileUploads int       `json:"total_file_uploads"`
	StorageBytes     int64     `json:"storage_bytes"`
	QueryResetAt     time.Time `json:"query_reset_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Rollover zeroes the daily counter when now has passed the reset timestamp.
func (u UsageRecord) Rollover(now time.Time) UsageRecord {
	if u.QueryResetAt.IsZero() || !now.Before(u.QueryResetAt) {
		u.DailyQueryCount = 0
		u.QueryResetAt = NextReset(now)
	}
	return u
}

// NextReset returns the next midnight UTC strictly after now.
func NextReset(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

type ChatSession struct {
	ID              string    `json:"id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	UserID          string    `json:"user_id"`
	Title           string    `json:"title"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type ChatMessage struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      ChatRole       `json:"role"`
	Content   string         `json:"content"`
	Grounding map[string]any `json:"grounding,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type MessageRating struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	MessageID       string    `json:"message_id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	Rating          int       `json:"rating"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Totals are the coarse service-wide counts published by the metrics endpoint.
type Totals struct {
	Users          int64
	KnowledgeBases int64
	Files          int64
	StorageBytes   int64
	Queries        int64
}
