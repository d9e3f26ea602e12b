package app

import (
	"context"

	"kbchat/internal/util"
	"kbchat/pkg/domain"
)

// RateMessage stores the user's thumbs up (1) or down (-1) for an assistant
// message. Rating the same message again replaces the earlier value.
func (a *App) RateMessage(ctx context.Context, user domain.User, messageID, knowledgeBaseID string, rating int) (domain.MessageRating, error) {
	if rating != 1 && rating != -1 {
		return domain.MessageRating{}, invalid("Rating must be -1 or 1")
	}
	if !util.IsRecordID(messageID) {
		return domain.MessageRating{}, invalid("Invalid message id")
	}
	kb, err := a.ownedKnowledgeBase(ctx, user, knowledgeBaseID)
	if err != nil {
		return domain.MessageRating{}, err
	}
	stored, err := a.store.UpsertRating(ctx, domain.MessageRating{
		UserID:          user.ID,
		MessageID:       messageID,
		KnowledgeBaseID: kb.ID,
		Rating:          rating,
	})
	if err != nil {
		return domain.MessageRating{}, failed("Failed to save rating", err)
	}
	return stored, nil
}

// DeleteRating removes the user's rating for a message. Removing a rating
// that does not exist succeeds.
func (a *App) DeleteRating(ctx context.Context, user domain.User, messageID string) error {
	if !util.IsRecordID(messageID) {
		return invalid("Invalid message id")
	}
	if err := a.store.DeleteRating(ctx, user.ID, messageID); err != nil {
		return failed("Failed to delete rating", err)
	}
	return nil
}
