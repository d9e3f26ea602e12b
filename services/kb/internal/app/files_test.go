package app

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"kbchat/internal/testutil"
	"kbchat/pkg/domain"
	"kbchat/pkg/queue"
	"kbchat/pkg/quota"
)

func TestUploadFileReady(t *testing.T) {
	env := newTestEnv(t)
	user := domain.User{ID: "user-1"}
	kb := env.createKB(t, user, "Research")
	data := testutil.BuildPDF(3)

	file, err := env.app.UploadFile(context.Background(), user, kb.ID, UploadInput{
		FileName: "paper.pdf",
		MimeType: "application/pdf",
		Data:     data,
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if file.Status != domain.FileReady || file.GeminiFileID == "" || file.ProcessedAt == nil {
		t.Fatalf("unexpected file: %+v", file)
	}
	if file.PageCount == nil || *file.PageCount != 3 {
		t.Fatalf("expected 3 pages, got %v", file.PageCount)
	}
	if env.index.uploads[0].StoreName != kb.GeminiStoreID || env.index.uploads[0].MimeType != quota.PDFMimeType {
		t.Fatalf("unexpected upload request: %+v", env.index.uploads[0])
	}
	if !bytes.Equal(env.objects.objects[file.StorageKey], data) {
		t.Fatalf("expected original archived under %q", file.StorageKey)
	}

	rec := env.usage(t, user.ID)
	if rec.StorageBytes != int64(len(data)) || rec.TotalFileUploads != 1 {
		t.Fatalf("unexpected usage: %+v", rec)
	}
	detail, err := env.app.GetKnowledgeBase(context.Background(), user, kb.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.Stats.Ready != 1 || len(detail.Files) != 1 {
		t.Fatalf("unexpected stats: %+v", detail.Stats)
	}
}

func TestUploadFileRejectedBeforeExternalCalls(t *testing.T) {
	tests := []struct {
		name    string
		limits  quota.Limits
		in      UploadInput
		wantErr error
		wantMsg string
	}{
		{
			name:    "empty",
			in:      UploadInput{FileName: "a.txt"},
			wantErr: ErrInvalidInput,
			wantMsg: "No file provided",
		},
		{
			name:    "unsupported type",
			in:      UploadInput{FileName: "run.exe", MimeType: "application/x-msdownload", Data: []byte("MZ")},
			wantErr: ErrInvalidInput,
			wantMsg: quota.UnsupportedTypeMessage,
		},
		{
			name:    "too large",
			limits:  quota.Limits{MaxFileSizeBytes: 4},
			in:      UploadInput{FileName: "a.txt", MimeType: "text/plain", Data: []byte("hello")},
			wantErr: ErrInvalidInput,
			wantMsg: "File size exceeds",
		},
		{
			name:    "storage full",
			limits:  quota.Limits{MaxStorageBytes: 4},
			in:      UploadInput{FileName: "a.txt", MimeType: "text/plain", Data: []byte("hello")},
			wantErr: ErrQuotaExceeded,
			wantMsg: "storage limit",
		},
		{
			name:    "corrupt pdf",
			in:      UploadInput{FileName: "a.pdf", MimeType: "application/pdf", Data: []byte("not a pdf")},
			wantErr: ErrInvalidInput,
			wantMsg: unreadablePDFMessage,
		},
		{
			name:    "too many pages",
			limits:  quota.Limits{MaxPDFPages: 2},
			in:      UploadInput{FileName: "a.pdf", MimeType: "application/pdf", Data: testutil.BuildPDF(3)},
			wantErr: ErrInvalidInput,
			wantMsg: "PDF must have 2 pages or less (found 3 pages)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(cfg *Config) { cfg.Limits = tt.limits })
			user := domain.User{ID: "user-1"}
			kb := env.createKB(t, user, "Research")

			_, err := env.app.UploadFile(context.Background(), user, kb.ID, tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("expected message containing %q, got %q", tt.wantMsg, err.Error())
			}
			if env.index.uploadCount() != 0 {
				t.Fatalf("no upload expected")
			}
			files, _ := env.store.ListFiles(context.Background(), kb.ID)
			if len(files) != 0 {
				t.Fatalf("no file row expected, got %d", len(files))
			}
		})
	}
}

func TestUploadFileDefaultPageLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.Limits = quota.DefaultLimits() })
	user := domain.User{ID: "user-1"}
	kb := env.createKB(t, user, "Research")

	file, err := env.app.UploadFile(context.Background(), user, kb.ID, UploadInput{
		FileName: "long.pdf",
		MimeType: "application/pdf",
		Data:     testutil.BuildPDF(200),
	})
	if err != nil {
		t.Fatalf("200 pages must be accepted: %v", err)
	}
	if file.PageCount == nil || *file.PageCount != 200 {
		t.Fatalf("expected 200 pages, got %v", file.PageCount)
	}

	calls := env.index.n
	_, err = env.app.UploadFile(context.Background(), user, kb.ID, UploadInput{
		FileName: "longer.pdf",
		MimeType: "application/pdf",
		Data:     testutil.BuildPDF(201),
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if err.Error() != "PDF must have 200 pages or less (found 201 pages)" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if env.index.n != calls || env.index.uploadCount() != 1 {
		t.Fatalf("rejected upload reached the index: calls %d -> %d", calls, env.index.n)
	}
	files, _ := env.store.ListFiles(context.Background(), kb.ID)
	if len(files) != 1 {
		t.Fatalf("expected only the accepted file, got %d", len(files))
	}
}

func TestUploadFileCountQuota(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Limits = quota.Limits{FilesPerKnowledgeBase: 1}
	})
	user := domain.User{ID: "user-1"}
	kb := env.createKB(t, user, "Research")
	in := UploadInput{FileName: "a.txt", MimeType: "text/plain", Data: []byte("hello")}
	if _, err := env.app.UploadFile(context.Background(), user, kb.ID, in); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	_, err := env.app.UploadFile(context.Background(), user, kb.ID, in)
	var qe *QuotaError
	if !errors.As(err, &qe) || qe.Kind != "files" {
		t.Fatalf("expected files quota error, got %v", err)
	}
}

func TestUploadFileIndexFailureMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	user := domain.User{ID: "user-1"}
	kb := env.createKB(t, user, "Research")
	env.index.uploadErr = errors.New("503")

	_, err := env.app.UploadFile(context.Background(), user, kb.ID, UploadInput{FileName: "a.txt", Data: []byte("hello")})
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	files, err := env.store.ListFiles(context.Background(), kb.ID)
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one file row, got %d (%v)", len(files), err)
	}
	if files[0].Status != domain.FileFailed || files[0].ErrorMessage == nil {
		t.Fatalf("expected failed file with message, got %+v", files[0])
	}
	if got := env.usage(t, user.ID).StorageBytes; got != 0 {
		t.Fatalf("failed upload must not charge storage, got %d", got)
	}
	if len(env.objects.objects) != 0 {
		t.Fatalf("archived copy must be dropped")
	}
}

func TestUploadFileProcessingFailure(t *testing.T) {
	env := newTestEnv(t)
	user := domain.User{ID: "user-1"}
	kb := env.createKB(t, user, "Research")
	env.index.awaitErr = context.DeadlineExceeded

	_, err := env.app.UploadFile(context.Background(), user, kb.ID, UploadInput{FileName: "a.md", Data: []byte("# hi")})
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	files, _ := env.store.ListFiles(context.Background(), kb.ID)
	if files[0].Status != domain.FileFailed || *files[0].ErrorMessage != "Document processing timed out" {
		t.Fatalf("unexpected file: %+v", files[0])
	}
}

func TestUploadFileCompensatesDocumentWhenReadyUpdateFails(t *testing.T) {
	env := newTestEnv(t)
	user := domain.User{ID: "user-1"}
	kb := env.createKB(t, user, "Research")
	env.store.readyErr = errors.New("db down")
	env.index.deleteDocErr = errors.New("provider down")

	_, err := env.app.UploadFile(context.Background(), user, kb.ID, UploadInput{FileName: "a.txt", Data: []byte("hello")})
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(env.index.deletedDocs) != 1 {
		t.Fatalf("expected compensating document delete, got %v", env.index.deletedDocs)
	}
	var queued []queue.Kind
	for _, job := range env.cleanup.jobs {
		queued = append(queued, job.Kind)
	}
	if len(queued) != 1 || queued[0] != queue.KindDocument {
		t.Fatalf("expected document cleanup queued, got %v", queued)
	}
	files, _ := env.store.ListFiles(context.Background(), kb.ID)
	if files[0].Status != domain.FileFailed {
		t.Fatalf("expected failed file, got %s", files[0].Status)
	}
	if got := env.usage(t, user.ID).StorageBytes; got != 0 {
		t.Fatalf("expected no storage charge, got %d", got)
	}
}

func TestUploadFileArchiveFailureStillIndexes(t *testing.T) {
	env := newTestEnv(t)
	env.objects.putErr = errors.New("bucket missing")
	user := domain.User{ID: "user-1"}
	kb := env.createKB(t, user, "Research")

	file, err := env.app.UploadFile(context.Background(), user, kb.ID, UploadInput{FileName: "a.txt", Data: []byte("hello")})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if file.StorageKey != "" || file.Status != domain.FileReady {
		t.Fatalf("unexpected file: %+v", file)
	}
	if _, _, err := env.app.DownloadURL(context.Background(), user, file.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found without archive, got %v", err)
	}
}

func TestDeleteFile(t *testing.T) {
	env := newTestEnv(t)
	user := domain.User{ID: "user-1"}
	kb := env.createKB(t, user, "Research")
	ctx := context.Background()
	file, err := env.app.UploadFile(ctx, user, kb.ID, UploadInput{FileName: "a.txt", Data: []byte("hello")})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	if err := env.app.DeleteFile(ctx, domain.User{ID: "other"}, file.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for other user, got %v", err)
	}
	if err := env.app.DeleteFile(ctx, user, file.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(env.index.deletedDocs) != 1 || env.index.deletedDocs[0] != file.GeminiFileID {
		t.Fatalf("expected document delete, got %v", env.index.deletedDocs)
	}
	if got := env.usage(t, user.ID).StorageBytes; got != 0 {
		t.Fatalf("expected storage released, got %d", got)
	}
	if len(env.objects.objects) != 0 {
		t.Fatalf("expected archive removed")
	}
	if err := env.app.DeleteFile(ctx, user, file.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestDeleteFailedFileDoesNotReleaseStorage(t *testing.T) {
	env := newTestEnv(t)
	user := domain.User{ID: "user-1"}
	kb := env.createKB(t, user, "Research")
	ctx := context.Background()
	if _, err := env.app.UploadFile(ctx, user, kb.ID, UploadInput{FileName: "a.txt", Data: []byte("hello")}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	env.index.uploadErr = errors.New("503")
	_, _ = env.app.UploadFile(ctx, user, kb.ID, UploadInput{FileName: "b.txt", Data: []byte("world!")})

	files, _ := env.store.ListFiles(ctx, kb.ID)
	var failedID string
	for _, f := range files {
		if f.Status == domain.FileFailed {
			failedID = f.ID
		}
	}
	if failedID == "" {
		t.Fatalf("expected a failed file")
	}
	if err := env.app.DeleteFile(ctx, user, failedID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := env.usage(t, user.ID).StorageBytes; got != 5 {
		t.Fatalf("expected storage of ready file kept, got %d", got)
	}
}

func TestDownloadURL(t *testing.T) {
	env := newTestEnv(t)
	user := domain.User{ID: "user-1"}
	kb := env.createKB(t, user, "Research")
	file, err := env.app.UploadFile(context.Background(), user, kb.ID, UploadInput{FileName: "a.txt", Data: []byte("hello")})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	url, expires, err := env.app.DownloadURL(context.Background(), user, file.ID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if !strings.Contains(url, file.StorageKey) || expires.IsZero() {
		t.Fatalf("unexpected url %q expires %v", url, expires)
	}

	noArchive := newTestEnv(t, func(cfg *Config) { cfg.Objects = nil })
	if _, _, err := noArchive.app.DownloadURL(context.Background(), user, file.ID); !errors.Is(err, ErrArchiveDisabled) {
		t.Fatalf("expected archive disabled, got %v", err)
	}
}
