package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type KnowledgeBaseModel struct {
	ID            string    `gorm:"primaryKey;size:36"`
	UserID        string    `gorm:"not null;index"`
	Name          string    `gorm:"not null"`
	Description   *string   `gorm:"type:text"`
	GeminiStoreID string    `gorm:"not null;default:''"`
	CreatedAt     time.Time `gorm:"not null;index"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (KnowledgeBaseModel) TableName() string { return "knowledge_bases" }

type FileModel struct {
	ID              string `gorm:"primaryKey;size:36"`
	KnowledgeBaseID string `gorm:"not null;index"`
	FileName        string `gorm:"not null"`
	FileSize        int64  `gorm:"not null"`
	MimeType        string
	PageCount       *int
	GeminiFileID    string `gorm:"not null;default:''"`
	StorageKey      string
	Status          string    `gorm:"not null;index"`
	ErrorMessage    *string   `gorm:"type:text"`
	UploadedAt      time.Time `gorm:"not null;index"`
	ProcessedAt     *time.Time
	UpdatedAt       time.Time `gorm:"not null"`
}

func (FileModel) TableName() string { return "files" }

type UsageModel struct {
	UserID           string    `gorm:"primaryKey;size:64"`
	DailyQueryCount  int       `gorm:"not null;default:0"`
	TotalQueryCount  int       `gorm:"not null;default:0"`
	TotalFileUploads int       `gorm:"not null;default:0"`
	StorageBytes     int64     `gorm:"not null;default:0"`
	QueryResetAt     time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (UsageModel) TableName() string { return "usage_tracking" }

type ChatSessionModel struct {
	ID              string    `gorm:"primaryKey;size:36"`
	KnowledgeBaseID string    `gorm:"not null;index"`
	UserID          string    `gorm:"not null;index"`
	Title           string    `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null;index"`
}

func (ChatSessionModel) TableName() string { return "chat_sessions" }

type ChatMessageModel struct {
	ID        string `gorm:"primaryKey;size:36"`
	SessionID string `gorm:"not null;index"`
	Role      string `gorm:"not null"`
	Content   string `gorm:"type:text;not null"`
	Grounding datatypes.JSON
	CreatedAt time.Time `gorm:"not null;index"`
}

func (ChatMessageModel) TableName() string { return "chat_messages" }

type MessageRatingModel struct {
	ID              string    `gorm:"primaryKey;size:36"`
	UserID          string    `gorm:"not null;uniqueIndex:idx_rating_user_message"`
	MessageID       string    `gorm:"not null;uniqueIndex:idx_rating_user_message"`
	KnowledgeBaseID string    `gorm:"not null;index"`
	Rating          int       `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (MessageRatingModel) TableName() string { return "message_ratings" }

func allModels() []any {
	return []any{
		&KnowledgeBaseModel{},
		&FileModel{},
		&UsageModel{},
		&ChatSessionModel{},
		&ChatMessageModel{},
		&MessageRatingModel{},
	}
}
