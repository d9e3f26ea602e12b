package app

import (
	"context"
	"errors"
	"testing"

	"kbchat/pkg/domain"
	"kbchat/pkg/quota"
)

func TestCreateKnowledgeBase(t *testing.T) {
	env := newTestEnv(t)
	user := domain.User{ID: "user-1"}
	desc := "  notes  "

	kb, err := env.app.CreateKnowledgeBase(context.Background(), user, "  Research ", &desc)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if kb.Name != "Research" {
		t.Fatalf("expected trimmed name, got %q", kb.Name)
	}
	if kb.Description == nil || *kb.Description != "notes" {
		t.Fatalf("unexpected description: %v", kb.Description)
	}
	if kb.GeminiStoreID == "" {
		t.Fatalf("expected store id")
	}
}

func TestCreateKnowledgeBaseRejectsShortName(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.app.CreateKnowledgeBase(context.Background(), domain.User{ID: "user-1"}, " ab ", nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if env.index.n != 0 {
		t.Fatalf("store must not be created")
	}
}

func TestCreateKnowledgeBaseNameBoundary(t *testing.T) {
	env := newTestEnv(t)
	kb, err := env.app.CreateKnowledgeBase(context.Background(), domain.User{ID: "user-1"}, "  abc  ", nil)
	if err != nil {
		t.Fatalf("three characters after trimming must be accepted: %v", err)
	}
	if kb.Name != "abc" {
		t.Fatalf("expected trimmed name, got %q", kb.Name)
	}
	if env.index.n != 1 {
		t.Fatalf("expected one external store, got %d", env.index.n)
	}
}

func TestCreateKnowledgeBaseQuota(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Limits = quota.Limits{KnowledgeBasesPerUser: 2}
	})
	user := domain.User{ID: "user-1"}
	env.createKB(t, user, "first")
	env.createKB(t, user, "second")

	_, err := env.app.CreateKnowledgeBase(context.Background(), user, "third", nil)
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if qe.Kind != "knowledge_bases" || qe.Result.Current != 2 || qe.Result.Limit != 2 {
		t.Fatalf("unexpected quota result: %+v", qe)
	}
	if env.index.n != 2 {
		t.Fatalf("expected no store for rejected create, got %d", env.index.n)
	}
}

func TestCreateKnowledgeBaseCompensatesStore(t *testing.T) {
	env := newTestEnv(t)
	env.store.createKBErr = errors.New("insert failed")

	_, err := env.app.CreateKnowledgeBase(context.Background(), domain.User{ID: "user-1"}, "Research", nil)
	if err == nil || errors.Is(err, ErrProvider) {
		t.Fatalf("expected local failure, got %v", err)
	}
	if len(env.index.deletedStores) != 1 || env.index.deletedStores[0] != "fileSearchStores/store-1" {
		t.Fatalf("expected compensating store delete, got %v", env.index.deletedStores)
	}
	if len(env.cleanup.jobs) != 0 {
		t.Fatalf("successful compensation must not queue cleanup")
	}
}

func TestCreateKnowledgeBaseProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	env.index.createErr = errors.New("boom")

	_, err := env.app.CreateKnowledgeBase(context.Background(), domain.User{ID: "user-1"}, "Research", nil)
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	kbs, _ := env.app.ListKnowledgeBases(context.Background(), domain.User{ID: "user-1"})
	if len(kbs) != 0 {
		t.Fatalf("expected no records, got %d", len(kbs))
	}
}

func TestKnowledgeBaseOwnership(t *testing.T) {
	env := newTestEnv(t)
	owner := domain.User{ID: "owner"}
	other := domain.User{ID: "other"}
	kb := env.createKB(t, owner, "Private")
	ctx := context.Background()

	if _, err := env.app.GetKnowledgeBase(ctx, other, kb.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for other user, got %v", err)
	}
	if err := env.app.DeleteKnowledgeBase(ctx, other, kb.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on delete, got %v", err)
	}
	if _, err := env.app.GetKnowledgeBase(ctx, owner, "not-an-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for malformed id, got %v", err)
	}
	detail, err := env.app.GetKnowledgeBase(ctx, owner, kb.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.ID != kb.ID || len(detail.Files) != 0 {
		t.Fatalf("unexpected detail: %+v", detail)
	}
}

func TestUpdateKnowledgeBase(t *testing.T) {
	env := newTestEnv(t)
	user := domain.User{ID: "user-1"}
	desc := "old"
	kb, err := env.app.CreateKnowledgeBase(context.Background(), user, "Research", &desc)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tests := []struct {
		name     string
		newName  *string
		newDesc  *string
		wantName string
		wantDesc *string
		wantErr  error
	}{
		{name: "rename", newName: ptr("Renamed"), wantName: "Renamed", wantDesc: ptr("old")},
		{name: "short name", newName: ptr("ab"), wantErr: ErrInvalidInput},
		{name: "clear description", newDesc: ptr("  "), wantName: "Renamed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.app.UpdateKnowledgeBase(context.Background(), user, kb.ID, tt.newName, tt.newDesc)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if got.Name != tt.wantName {
				t.Fatalf("name: got %q want %q", got.Name, tt.wantName)
			}
			if (got.Description == nil) != (tt.wantDesc == nil) ||
				(got.Description != nil && *got.Description != *tt.wantDesc) {
				t.Fatalf("description: got %v want %v", got.Description, tt.wantDesc)
			}
			if got.GeminiStoreID != kb.GeminiStoreID {
				t.Fatalf("store id must not change")
			}
		})
	}

	_, err = env.app.UpdateKnowledgeBase(context.Background(), domain.User{ID: "other"}, kb.ID, ptr("Stolen"), nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for other user, got %v", err)
	}
}

func TestDeleteKnowledgeBaseReleasesStorage(t *testing.T) {
	env := newTestEnv(t)
	user := domain.User{ID: "user-1"}
	kb := env.createKB(t, user, "Research")
	ctx := context.Background()
	if _, err := env.app.UploadFile(ctx, user, kb.ID, UploadInput{FileName: "a.txt", MimeType: "text/plain", Data: []byte("hello")}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if got := env.usage(t, user.ID).StorageBytes; got != 5 {
		t.Fatalf("expected 5 bytes charged, got %d", got)
	}

	env.index.deleteStoreErr = errors.New("provider down")
	if err := env.app.DeleteKnowledgeBase(ctx, user, kb.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := env.usage(t, user.ID).StorageBytes; got != 0 {
		t.Fatalf("expected storage released, got %d", got)
	}
	if len(env.cleanup.jobs) != 1 || env.cleanup.jobs[0].Resource != kb.GeminiStoreID {
		t.Fatalf("expected store delete queued, got %+v", env.cleanup.jobs)
	}
	if len(env.objects.objects) != 0 {
		t.Fatalf("expected archived objects removed")
	}
	if _, err := env.app.GetKnowledgeBase(ctx, user, kb.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected knowledge base gone, got %v", err)
	}
}

func ptr(s string) *string { return &s }
