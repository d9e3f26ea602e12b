package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"kbchat/pkg/domain"
	"kbchat/services/kb/internal/app"
)

type createKnowledgeBaseRequest struct {
	Name        *string `json:"name" validate:"required"`
	Description *string `json:"description" validate:"omitempty,max=2000"`
}

type updateKnowledgeBaseRequest struct {
	Name        *string `json:"name" validate:"omitempty,max=200"`
	Description *string `json:"description" validate:"omitempty,max=2000"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// fieldMessages maps struct fields to the message returned when their
// validation tag fails.
var fieldMessages = map[string]string{
	"createKnowledgeBaseRequest.Name":        "Name is required and must be a string",
	"createKnowledgeBaseRequest.Description": "Description must be at most 2000 characters",
	"updateKnowledgeBaseRequest.Name":        "Name must be at most 200 characters",
	"updateKnowledgeBaseRequest.Description": "Description must be at most 2000 characters",
	"ratingRequest.Rating":                   "Rating must be -1 or 1",
	"ratingRequest.KnowledgeBaseID":          "Knowledge base not found",
	"chatRequest.Messages":                   "No messages provided",
}

// decodeBody reads a JSON body into dst and runs its validation tags. It
// writes the error response itself and reports whether the handler may go on.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	err := s.validate.Struct(dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		ns := verrs[0].StructNamespace()
		if msg, ok := fieldMessages[ns]; ok {
			status := http.StatusBadRequest
			if ns == "ratingRequest.KnowledgeBaseID" {
				status = http.StatusNotFound
			}
			writeError(w, status, msg)
			return false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s is invalid", verrs[0].Field()))
		return false
	}
	writeError(w, http.StatusBadRequest, "Invalid request body")
	return false
}

// /knowledge-bases
func (s *Server) handleKnowledgeBases(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		kbs, err := s.app.ListKnowledgeBases(r.Context(), user)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		if kbs == nil {
			kbs = []domain.KnowledgeBase{}
		}
		writeJSON(w, http.StatusOK, kbs)
	case http.MethodPost:
		if !s.allowRate(w, r, s.writeLimiter) {
			return
		}
		var req createKnowledgeBaseRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		kb, err := s.app.CreateKnowledgeBase(r.Context(), user, *req.Name, req.Description)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		s.audit(r, "kb.knowledge_base.create", "success", "user_id", user.ID, "knowledge_base_id", kb.ID)
		writeJSON(w, http.StatusCreated, kb)
	default:
		methodNotAllowed(w)
	}
}

// /knowledge-bases/{id}, /knowledge-bases/{id}/files, /knowledge-bases/{id}/chat
// or /knowledge-bases/{id}/sessions
func (s *Server) handleKnowledgeBaseByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/knowledge-bases/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "files":
			s.handleUploadFile(w, r, user, id)
		case "chat":
			s.handleChat(w, r, user, id)
		case "sessions":
			s.handleListSessions(w, r, user, id)
		default:
			http.NotFound(w, r)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		detail, err := s.app.GetKnowledgeBase(r.Context(), user, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		if detail.Files == nil {
			detail.Files = []domain.File{}
		}
		writeJSON(w, http.StatusOK, detail)
	case http.MethodPatch:
		var req updateKnowledgeBaseRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		kb, err := s.app.UpdateKnowledgeBase(r.Context(), user, id, req.Name, req.Description)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, kb)
	case http.MethodDelete:
		if err := s.app.DeleteKnowledgeBase(r.Context(), user, id); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		s.audit(r, "kb.knowledge_base.delete", "success", "user_id", user.ID, "knowledge_base_id", id)
		writeJSON(w, http.StatusOK, successResponse{Success: true})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request, user domain.User, knowledgeBaseID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.writeLimiter) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("File size exceeds the maximum limit of %dMB. Please upload a smaller file.", s.app.Limits().MaxFileSizeMB()))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	record, err := s.app.UploadFile(r.Context(), user, knowledgeBaseID, app.UploadInput{
		FileName: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Data:     data,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "kb.file.upload", "success", "user_id", user.ID, "file_id", record.ID)
	writeJSON(w, http.StatusCreated, record)
}

// /files/{id} or /files/{id}/download
func (s *Server) handleFileByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/files/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 2 && parts[1] == "download" {
		s.handleDownloadFile(w, r, user, id)
		return
	}
	if len(parts) == 2 {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.DeleteFile(r.Context(), user, id); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "kb.file.delete", "success", "user_id", user.ID, "file_id", id)
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	url, expiresAt, err := s.app.DownloadURL(r.Context(), user, id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":       url,
		"expiresAt": expiresAt,
	})
}
