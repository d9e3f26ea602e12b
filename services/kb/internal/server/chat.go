package server

import (
	"errors"
	"net/http"
	"strings"

	"kbchat/internal/util"
	"kbchat/pkg/domain"
	"kbchat/services/kb/internal/app"
)

type chatRequest struct {
	SessionID string                 `json:"sessionId"`
	Messages  []app.ChatMessageInput `json:"messages" validate:"required,min=1"`
}

type ratingRequest struct {
	Rating          int    `json:"rating" validate:"oneof=-1 1"`
	KnowledgeBaseID string `json:"knowledgeBaseId" validate:"required"`
}

type ratingResponse struct {
	Success bool                 `json:"success"`
	Rating  domain.MessageRating `json:"rating"`
}

// handleChat streams the answer as plain text. Headers are committed with the
// first delta so a failure before any output still gets a JSON error.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, user domain.User, knowledgeBaseID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.chatLimiter) {
		return
	}
	var req chatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	in := app.ChatInput{SessionID: req.SessionID, Messages: req.Messages}
	turn, err := s.app.StartChat(r.Context(), user, knowledgeBaseID, in)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Chat-Session-Id", turn.SessionID)
		w.Header().Set("X-Message-Id", turn.MessageID)
		setRateLimitHeaders(w, turn.RateLimit.Limit, turn.RateLimit.Remaining, turn.RateLimit.ResetAt)
		w.WriteHeader(http.StatusOK)
	}
	_, err = s.app.StreamChat(r.Context(), turn, func(delta string) error {
		start()
		if _, err := w.Write([]byte(delta)); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	})
	if err != nil {
		if !started {
			s.writeAppError(w, r, err)
			return
		}
		// the status line is already out; the client sees a truncated body
		util.LoggerFromContext(r.Context()).Warn("chat stream interrupted", "session_id", turn.SessionID, "err", err)
		return
	}
	start()
}

// /knowledge-bases/{id}/sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, user domain.User, knowledgeBaseID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	sessions, err := s.app.ListChatSessions(r.Context(), user, knowledgeBaseID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []domain.ChatSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// /sessions/{id}/messages
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.SplitN(path, "/", 2)
	if parts[0] == "" || len(parts) != 2 || parts[1] != "messages" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	msgs, err := s.app.ListChatMessages(r.Context(), user, parts[0])
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// /messages/{id}/rating
func (s *Server) handleMessageRating(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/messages/")
	parts := strings.SplitN(path, "/", 2)
	messageID := parts[0]
	if messageID == "" || len(parts) != 2 || parts[1] != "rating" {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodPost:
		if !s.allowRate(w, r, s.writeLimiter) {
			return
		}
		var req ratingRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		rating, err := s.app.RateMessage(r.Context(), user, messageID, req.KnowledgeBaseID, req.Rating)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ratingResponse{Success: true, Rating: rating})
	case http.MethodDelete:
		if err := s.app.DeleteRating(r.Context(), user, messageID); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, successResponse{Success: true})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	snapshot, err := s.app.Usage(r.Context(), user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}
