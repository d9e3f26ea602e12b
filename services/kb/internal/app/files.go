package app

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"kbchat/internal/util"
	"kbchat/pkg/ai"
	"kbchat/pkg/domain"
	"kbchat/pkg/queue"
	"kbchat/pkg/quota"
	"kbchat/pkg/storage"
)

const (
	unreadablePDFMessage = "Failed to process PDF file. File may be corrupted or invalid."
	saveFileMessage      = "Failed to save file metadata"
	uploadFailedMessage  = "Failed to upload file"
)

// UploadInput is one file received from the client.
type UploadInput struct {
	FileName string
	MimeType string
	Data     []byte
}

// UploadFile validates the file against type, quota and page rules, then
// runs the upload saga: record the row as uploading, send the bytes to the
// index, wait for ingestion and mark the row ready. A local failure after the
// provider accepted the document deletes it again.
func (a *App) UploadFile(ctx context.Context, user domain.User, knowledgeBaseID string, in UploadInput) (domain.File, error) {
	kb, err := a.ownedKnowledgeBase(ctx, user, knowledgeBaseID)
	if err != nil {
		return domain.File{}, err
	}
	fileName := strings.TrimSpace(in.FileName)
	if fileName == "" || len(in.Data) == 0 {
		return domain.File{}, invalid("No file provided")
	}
	if !quota.AllowedFileType(fileName, in.MimeType) {
		a.metrics.UploadFinished("rejected")
		return domain.File{}, invalid(quota.UnsupportedTypeMessage)
	}
	size := int64(len(in.Data))
	if res := a.quota.CheckFileUpload(ctx, kb.ID); !res.Allowed {
		a.metrics.QuotaDenied("files")
		return domain.File{}, &QuotaError{Kind: "files", Result: res}
	}
	if res := a.quota.CheckFileSize(size); !res.Allowed {
		a.metrics.UploadFinished("rejected")
		return domain.File{}, invalid(res.Message)
	}
	if res := a.quota.CheckStorage(ctx, user.ID, size); !res.Allowed {
		a.metrics.QuotaDenied("storage")
		return domain.File{}, &QuotaError{Kind: "storage", Result: res}
	}
	mimeType := strings.TrimSpace(in.MimeType)
	var pageCount *int
	if quota.IsPDF(fileName, mimeType) {
		mimeType = quota.PDFMimeType
		pages, err := quota.CountPDFPages(in.Data)
		if err != nil {
			a.logger.Warn("pdf parse failed", "file_name", fileName, "err", err)
			a.metrics.UploadFinished("rejected")
			return domain.File{}, invalid(unreadablePDFMessage)
		}
		if limit := a.quota.Limits().MaxPDFPages; pages > limit {
			a.metrics.UploadFinished("rejected")
			return domain.File{}, invalid(quota.PageLimitMessage(limit, pages))
		}
		pageCount = &pages
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	ctx, cancel := a.detached(ctx, a.sagaTimeout)
	defer cancel()
	file := domain.File{
		ID:              util.NewRecordID(),
		KnowledgeBaseID: kb.ID,
		FileName:        fileName,
		FileSize:        size,
		MimeType:        mimeType,
		PageCount:       pageCount,
		Status:          domain.FileUploading,
		UploadedAt:      a.clock(),
	}
	if err := a.store.CreateFile(ctx, file); err != nil {
		return domain.File{}, failed(saveFileMessage, err)
	}
	out, err := a.runUploadSaga(ctx, user, kb, file, in.Data)
	if err != nil {
		a.metrics.UploadFinished("failed")
		return domain.File{}, err
	}
	a.metrics.UploadFinished("ready")
	return out, nil
}

func (a *App) runUploadSaga(ctx context.Context, user domain.User, kb domain.KnowledgeBase, file domain.File, data []byte) (domain.File, error) {
	log := a.logger.With("file_id", file.ID, "knowledge_base_id", kb.ID)
	storageKey := a.archive(ctx, file, data)

	op, err := a.index.StartUpload(ctx, ai.UploadRequest{
		StoreName:   kb.GeminiStoreID,
		DisplayName: file.FileName,
		MimeType:    file.MimeType,
		Data:        data,
	})
	if err != nil {
		a.failFile(ctx, file.ID, domain.FileUploading, "Upload to document index failed", storageKey)
		return domain.File{}, providerFailed(uploadFailedMessage, err)
	}
	if err := a.store.TransitionFile(ctx, file.ID, domain.FileUploading, domain.FileProcessing, domain.FileUpdate{StorageKey: storageKey}); err != nil {
		// the row was deleted or changed underneath us; the document may
		// still finish ingesting, so wait for its name and remove it
		log.Warn("file left uploading state during upload", "err", err)
		a.abandonOperation(ctx, op)
		a.dropObject(ctx, storageKey)
		return domain.File{}, failed(saveFileMessage, err)
	}

	doc, err := a.index.AwaitDocument(ctx, op)
	if err != nil {
		msg := "Document processing failed"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "Document processing timed out"
		}
		a.failFile(ctx, file.ID, domain.FileProcessing, msg, storageKey)
		return domain.File{}, providerFailed(uploadFailedMessage, err)
	}

	processedAt := a.clock()
	if err := a.store.TransitionFile(ctx, file.ID, domain.FileProcessing, domain.FileReady, domain.FileUpdate{
		GeminiFileID: doc.Name,
		ProcessedAt:  processedAt,
	}); err != nil {
		log.Error("file metadata update failed after indexing", "document", doc.Name, "err", err)
		a.compensate(ctx, "upload_file", queue.KindDocument, doc.Name, "file metadata update failed")
		a.failFile(ctx, file.ID, domain.FileProcessing, saveFileMessage, storageKey)
		return domain.File{}, failed(saveFileMessage, err)
	}
	if err := a.quota.RecordUpload(ctx, user.ID, file.FileSize); err != nil {
		log.Error("record upload usage failed", "user_id", user.ID, "bytes", file.FileSize, "err", err)
	}

	file.Status = domain.FileReady
	file.GeminiFileID = doc.Name
	file.StorageKey = storageKey
	file.ProcessedAt = &processedAt
	log.Info("file indexed", "document", doc.Name, "bytes", file.FileSize)
	return file, nil
}

// archive stores the original bytes when an object store is configured. A
// failure only loses the download copy.
func (a *App) archive(ctx context.Context, file domain.File, data []byte) string {
	if a.objects == nil {
		return ""
	}
	key := storage.ArchiveKey(file.KnowledgeBaseID, file.ID, file.FileName)
	if err := a.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), file.MimeType); err != nil {
		a.logger.Warn("archive upload failed", "file_id", file.ID, "err", err)
		return ""
	}
	return key
}

// failFile moves a file to failed and drops its archived copy. A row that
// already left from is left alone.
func (a *App) failFile(ctx context.Context, fileID string, from domain.FileStatus, msg, storageKey string) {
	err := a.store.TransitionFile(ctx, fileID, from, domain.FileFailed, domain.FileUpdate{
		ErrorMessage: msg,
		ProcessedAt:  a.clock(),
	})
	if err != nil {
		a.logger.Warn("mark file failed", "file_id", fileID, "from", from, "err", err)
	}
	a.dropObject(ctx, storageKey)
}

func (a *App) dropObject(ctx context.Context, storageKey string) {
	if storageKey == "" || a.objects == nil {
		return
	}
	a.compensate(ctx, "archive", queue.KindObject, storageKey, "upload did not complete")
}

func (a *App) abandonOperation(ctx context.Context, op ai.Operation) {
	doc, err := a.index.AwaitDocument(ctx, op)
	if err != nil {
		a.logger.Warn("abandoned upload did not finish", "operation", op.Name, "err", err)
		return
	}
	a.compensate(ctx, "upload_file", queue.KindDocument, doc.Name, "file removed during upload")
}

// DeleteFile removes the indexed document best-effort, then the row, and
// returns the file's bytes to the owner's storage allowance.
func (a *App) DeleteFile(ctx context.Context, user domain.User, fileID string) error {
	file, err := a.ownedFile(ctx, user, fileID)
	if err != nil {
		return err
	}
	ctx, cancel := a.detached(ctx, a.sagaTimeout)
	defer cancel()
	a.bestEffortDelete(ctx, queue.KindDocument, file.GeminiFileID, "file deleted")
	if err := a.store.DeleteFile(ctx, file.ID); err != nil {
		return failed("Failed to delete file", err)
	}
	if file.StorageKey != "" && a.objects != nil {
		a.bestEffortDelete(ctx, queue.KindObject, file.StorageKey, "file deleted")
	}
	if file.Status.CountsTowardStorage() {
		if err := a.quota.ReleaseStorage(ctx, user.ID, file.FileSize); err != nil {
			a.logger.Error("release storage failed", "user_id", user.ID, "bytes", file.FileSize, "err", err)
		}
	}
	a.logger.Info("file deleted", "file_id", file.ID, "knowledge_base_id", file.KnowledgeBaseID, "user_id", user.ID)
	return nil
}

func (a *App) ownedFile(ctx context.Context, user domain.User, fileID string) (domain.File, error) {
	if !util.IsRecordID(fileID) {
		return domain.File{}, errFileNotFound
	}
	file, ok, err := a.store.GetOwnedFile(ctx, fileID, user.ID)
	if err != nil {
		return domain.File{}, failed("Failed to fetch file", err)
	}
	if !ok {
		return domain.File{}, errFileNotFound
	}
	return file, nil
}

// DownloadURL returns a short-lived link to the archived original.
func (a *App) DownloadURL(ctx context.Context, user domain.User, fileID string) (string, time.Time, error) {
	if a.objects == nil {
		return "", time.Time{}, ErrArchiveDisabled
	}
	file, err := a.ownedFile(ctx, user, fileID)
	if err != nil {
		return "", time.Time{}, err
	}
	if file.StorageKey == "" {
		return "", time.Time{}, errFileNotFound
	}
	url, err := a.objects.PresignGet(ctx, file.StorageKey, a.presignExpiry, file.FileName)
	if err != nil {
		return "", time.Time{}, failed("Failed to create download link", err)
	}
	return url, a.clock().Add(a.presignExpiry), nil
}
