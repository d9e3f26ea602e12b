package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"kbchat/internal/util"
	"kbchat/pkg/domain"
)

// CreateChatSession inserts a chat session.
func (s *GormStore) CreateChatSession(ctx context.Context, session domain.ChatSession) error {
	model := ChatSessionModel{
		ID:              session.ID,
		KnowledgeBaseID: session.KnowledgeBaseID,
		UserID:          session.UserID,
		Title:           session.Title,
		CreatedAt:       session.CreatedAt.UTC(),
		UpdatedAt:       session.UpdatedAt.UTC(),
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetChatSession returns a session owned by userID.
func (s *GormStore) GetChatSession(ctx context.Context, id, userID string) (domain.ChatSession, bool, error) {
	var model ChatSessionModel
	if err := s.db.WithContext(ctx).First(&model, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ChatSession{}, false, nil
		}
		return domain.ChatSession{}, false, err
	}
	return chatSessionFromModel(model), true, nil
}

// ListChatSessions returns the user's sessions for a knowledge base, most
// recently active first.
func (s *GormStore) ListChatSessions(ctx context.Context, knowledgeBaseID, userID string) ([]domain.ChatSession, error) {
	var models []ChatSessionModel
	if err := s.db.WithContext(ctx).
		Where("knowledge_base_id = ? AND user_id = ?", knowledgeBaseID, userID).
		Order("updated_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ChatSession, 0, len(models))
	for _, m := range models {
		res = append(res, chatSessionFromModel(m))
	}
	return res, nil
}

// TouchChatSession bumps the session's activity timestamp.
func (s *GormStore) TouchChatSession(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&ChatSessionModel{}).
		Where("id = ?", id).
		Update("updated_at", at.UTC()).Error
}

// AppendChatMessage records a message.
func (s *GormStore) AppendChatMessage(ctx context.Context, msg domain.ChatMessage) error {
	model := ChatMessageModel{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt.UTC(),
	}
	if len(msg.Grounding) > 0 {
		raw, err := json.Marshal(msg.Grounding)
		if err != nil {
			return err
		}
		model.Grounding = raw
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListChatMessages returns session messages in chronological order. A positive
// limit keeps only the most recent messages.
func (s *GormStore) ListChatMessages(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error) {
	var models []ChatMessageModel
	query := s.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if limit > 0 {
		query = query.Order("created_at DESC").Limit(limit)
	} else {
		query = query.Order("created_at ASC")
	}
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.ChatMessage, 0, len(models))
	if limit > 0 {
		for i := len(models) - 1; i >= 0; i-- {
			msgs = append(msgs, chatMessageFromModel(models[i]))
		}
		return msgs, nil
	}
	for _, m := range models {
		msgs = append(msgs, chatMessageFromModel(m))
	}
	return msgs, nil
}

// UpsertRating stores one rating per (user, message), replacing any earlier
// value.
func (s *GormStore) UpsertRating(ctx context.Context, rating domain.MessageRating) (domain.MessageRating, error) {
	now := s.now()
	model := MessageRatingModel{
		ID:              rating.ID,
		UserID:          rating.UserID,
		MessageID:       rating.MessageID,
		KnowledgeBaseID: rating.KnowledgeBaseID,
		Rating:          rating.Rating,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if model.ID == "" {
		model.ID = util.NewRecordID()
	}
	db := s.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"rating", "knowledge_base_id", "updated_at"}),
	}).Create(&model).Error; err != nil {
		return domain.MessageRating{}, err
	}
	var stored MessageRatingModel
	if err := db.First(&stored, "user_id = ? AND message_id = ?", rating.UserID, rating.MessageID).Error; err != nil {
		return domain.MessageRating{}, err
	}
	return ratingFromModel(stored), nil
}

// DeleteRating removes the user's rating for a message.
func (s *GormStore) DeleteRating(ctx context.Context, userID, messageID string) error {
	return s.db.WithContext(ctx).
		Where("user_id = ? AND message_id = ?", userID, messageID).
		Delete(&MessageRatingModel{}).Error
}

func chatSessionFromModel(m ChatSessionModel) domain.ChatSession {
	return domain.ChatSession{
		ID:              m.ID,
		KnowledgeBaseID: m.KnowledgeBaseID,
		UserID:          m.UserID,
		Title:           m.Title,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func chatMessageFromModel(m ChatMessageModel) domain.ChatMessage {
	var grounding map[string]any
	if len(m.Grounding) > 0 {
		_ = json.Unmarshal(m.Grounding, &grounding)
	}
	return domain.ChatMessage{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      domain.ChatRole(m.Role),
		Content:   m.Content,
		Grounding: grounding,
		CreatedAt: m.CreatedAt,
	}
}

func ratingFromModel(m MessageRatingModel) domain.MessageRating {
	return domain.MessageRating{
		ID:              m.ID,
		UserID:          m.UserID,
		MessageID:       m.MessageID,
		KnowledgeBaseID: m.KnowledgeBaseID,
		Rating:          m.Rating,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}
