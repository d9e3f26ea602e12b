package app

import (
	"context"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"kbchat/internal/util"
	"kbchat/pkg/domain"
	"kbchat/pkg/queue"
)

const minNameLength = 3

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) < minNameLength {
		return "", invalid("Name must be at least 3 characters long")
	}
	return name, nil
}

func normalizeDescription(desc *string) *string {
	if desc == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*desc)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// CreateKnowledgeBase allocates the external store first and then inserts
// the record. A failed insert deletes the store again.
func (a *App) CreateKnowledgeBase(ctx context.Context, user domain.User, name string, description *string) (domain.KnowledgeBase, error) {
	name, err := normalizeName(name)
	if err != nil {
		return domain.KnowledgeBase{}, err
	}
	if res := a.quota.CheckKnowledgeBase(ctx, user.ID); !res.Allowed {
		a.metrics.QuotaDenied("knowledge_bases")
		return domain.KnowledgeBase{}, &QuotaError{Kind: "knowledge_bases", Result: res}
	}

	ctx, cancel := a.detached(ctx, a.sagaTimeout)
	defer cancel()
	storeID, err := a.index.CreateStore(ctx, name)
	if err != nil {
		return domain.KnowledgeBase{}, providerFailed("Failed to create knowledge base storage", err)
	}
	now := a.clock()
	kb := domain.KnowledgeBase{
		ID:            util.NewRecordID(),
		UserID:        user.ID,
		Name:          name,
		Description:   normalizeDescription(description),
		GeminiStoreID: storeID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := a.store.CreateKnowledgeBase(ctx, kb); err != nil {
		a.compensate(ctx, "create_knowledge_base", queue.KindStore, storeID, "knowledge base insert failed")
		return domain.KnowledgeBase{}, failed("Failed to create knowledge base", err)
	}
	a.logger.Info("knowledge base created", "knowledge_base_id", kb.ID, "user_id", user.ID, "store", storeID)
	return kb, nil
}

func (a *App) ListKnowledgeBases(ctx context.Context, user domain.User) ([]domain.KnowledgeBase, error) {
	kbs, err := a.store.ListKnowledgeBases(ctx, user.ID)
	if err != nil {
		return nil, failed("Failed to fetch knowledge bases", err)
	}
	return kbs, nil
}

// ownedKnowledgeBase loads a knowledge base scoped to user.
func (a *App) ownedKnowledgeBase(ctx context.Context, user domain.User, id string) (domain.KnowledgeBase, error) {
	if !util.IsRecordID(id) {
		return domain.KnowledgeBase{}, errKnowledgeBaseNotFound
	}
	kb, ok, err := a.store.GetKnowledgeBase(ctx, id, user.ID)
	if err != nil {
		return domain.KnowledgeBase{}, failed("Failed to fetch knowledge base", err)
	}
	if !ok {
		return domain.KnowledgeBase{}, errKnowledgeBaseNotFound
	}
	return kb, nil
}

// GetKnowledgeBase returns the knowledge base with its files and stats.
func (a *App) GetKnowledgeBase(ctx context.Context, user domain.User, id string) (domain.KnowledgeBaseDetail, error) {
	kb, err := a.ownedKnowledgeBase(ctx, user, id)
	if err != nil {
		return domain.KnowledgeBaseDetail{}, err
	}
	detail := domain.KnowledgeBaseDetail{KnowledgeBase: kb}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		files, err := a.store.ListFiles(gctx, kb.ID)
		detail.Files = files
		return err
	})
	g.Go(func() error {
		stats, err := a.store.FileStats(gctx, kb.ID)
		detail.Stats = stats
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.KnowledgeBaseDetail{}, failed("Failed to fetch knowledge base", err)
	}
	return detail, nil
}

// UpdateKnowledgeBase applies a partial update. An empty description clears
// it; the external store id is never touched.
func (a *App) UpdateKnowledgeBase(ctx context.Context, user domain.User, id string, name, description *string) (domain.KnowledgeBase, error) {
	var update domain.KnowledgeBaseUpdate
	if name != nil {
		n, err := normalizeName(*name)
		if err != nil {
			return domain.KnowledgeBase{}, err
		}
		update.Name = &n
	}
	if description != nil {
		d := strings.TrimSpace(*description)
		update.Description = &d
	}
	if !util.IsRecordID(id) {
		return domain.KnowledgeBase{}, errKnowledgeBaseNotFound
	}
	kb, ok, err := a.store.UpdateKnowledgeBase(ctx, id, user.ID, update)
	if err != nil {
		return domain.KnowledgeBase{}, failed("Failed to update knowledge base", err)
	}
	if !ok {
		return domain.KnowledgeBase{}, &NotFoundError{Message: "Knowledge base not found or update failed"}
	}
	return kb, nil
}

// DeleteKnowledgeBase removes the external store best-effort, then the record
// with everything under it, and releases the storage charged for its files.
func (a *App) DeleteKnowledgeBase(ctx context.Context, user domain.User, id string) error {
	kb, err := a.ownedKnowledgeBase(ctx, user, id)
	if err != nil {
		return err
	}
	ctx, cancel := a.detached(ctx, a.sagaTimeout)
	defer cancel()
	a.bestEffortDelete(ctx, queue.KindStore, kb.GeminiStoreID, "knowledge base deleted")

	files, ok, err := a.store.DeleteKnowledgeBase(ctx, kb.ID, user.ID)
	if err != nil {
		return failed("Failed to delete knowledge base", err)
	}
	if !ok {
		return errKnowledgeBaseNotFound
	}
	var released int64
	for _, f := range files {
		if f.Status.CountsTowardStorage() {
			released += f.FileSize
		}
		if f.StorageKey != "" && a.objects != nil {
			a.bestEffortDelete(ctx, queue.KindObject, f.StorageKey, "knowledge base deleted")
		}
	}
	if err := a.quota.ReleaseStorage(ctx, user.ID, released); err != nil {
		a.logger.Error("release storage failed", "user_id", user.ID, "bytes", released, "err", err)
	}
	a.logger.Info("knowledge base deleted", "knowledge_base_id", kb.ID, "user_id", user.ID, "files", len(files))
	return nil
}
