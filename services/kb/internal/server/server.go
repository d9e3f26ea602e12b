package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"kbchat/internal/metrics"
	"kbchat/internal/ratelimit"
	"kbchat/internal/usertoken"
	"kbchat/internal/util"
	"kbchat/pkg/domain"
	"kbchat/services/kb/internal/app"
	"kbchat/services/kb/internal/authclient"
	"kbchat/services/kb/internal/security"
)

const defaultSessionCookie = "kb_session"

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	Metrics       *metrics.Metrics
	TokenVerifier *usertoken.Verifier
	// Auth exchanges OAuth codes on /auth/callback. Optional.
	Auth           *authclient.Client
	Redis          redis.UniversalClient
	Alerter        *security.AuditAlerter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string

	WriteRateLimitPerMinute int
	ChatRateLimitPerMinute  int
	MaxUploadBytes          int64
	SessionCookie           string
	SecureCookies           bool
}

// Server exposes the knowledge-base HTTP API.
type Server struct {
	app            *app.App
	metrics        *metrics.Metrics
	tokenVerifier  *usertoken.Verifier
	revoker        *usertoken.Revoker
	auth           *authclient.Client
	alerter        *security.AuditAlerter
	trustedProxies *util.TrustedProxies
	corsOrigins    []string
	mux            *http.ServeMux
	validate       *validator.Validate
	maxUploadBytes int64
	sessionCookie  string
	secureCookies  bool
	writeLimiter   *ratelimit.FixedWindowLimiter
	chatLimiter    *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("server: token verifier is required")
	}
	writeLimit := cfg.WriteRateLimitPerMinute
	if writeLimit <= 0 {
		writeLimit = 30
	}
	chatLimit := cfg.ChatRateLimitPerMinute
	if chatLimit <= 0 {
		chatLimit = 20
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, "kb:ratelimit:"+name, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	writeLimiter, err := newLimiter("write", writeLimit)
	if err != nil {
		return nil, err
	}
	chatLimiter, err := newLimiter("chat", chatLimit)
	if err != nil {
		return nil, err
	}
	revoker, err := usertoken.NewRevoker(cfg.Redis, "kb:revoked")
	if err != nil {
		return nil, err
	}
	cookie := strings.TrimSpace(cfg.SessionCookie)
	if cookie == "" {
		cookie = defaultSessionCookie
	}
	s := &Server{
		app:            cfg.App,
		metrics:        cfg.Metrics,
		tokenVerifier:  cfg.TokenVerifier,
		revoker:        revoker,
		auth:           cfg.Auth,
		alerter:        cfg.Alerter,
		trustedProxies: cfg.TrustedProxies,
		corsOrigins:    cfg.CORSOrigins,
		mux:            http.NewServeMux(),
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		maxUploadBytes: normalizeMaxBytes(cfg.MaxUploadBytes, cfg.App.Limits().MaxFileSizeBytes),
		sessionCookie:  cookie,
		secureCookies:  cfg.SecureCookies,
		writeLimiter:   writeLimiter,
		chatLimiter:    chatLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithCORS(s.corsOrigins, h)
	h = util.WithSecurityHeaders(util.HeaderPolicy{
		TrustedProxies: s.trustedProxies,
		Streaming:      isChatStream,
	}, h)
	h = s.metrics.Instrument(h)
	h = util.WithRequestLog("kb", h)
	return util.WithRequestID(h)
}

// isChatStream matches POST /knowledge-bases/{id}/chat.
func isChatStream(r *http.Request) bool {
	return r.Method == http.MethodPost &&
		strings.HasPrefix(r.URL.Path, "/knowledge-bases/") &&
		strings.HasSuffix(r.URL.Path, "/chat")
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/metrics", s.handleMetrics)
	if s.metrics != nil {
		s.mux.Handle("/metrics/prometheus", s.metrics.Handler())
	}
	s.mux.HandleFunc("/auth/callback", s.handleAuthCallback)
	s.mux.HandleFunc("/auth/logout", s.handleLogout)

	s.mux.Handle("/knowledge-bases", s.authenticated(s.handleKnowledgeBases))
	s.mux.Handle("/knowledge-bases/", s.authenticated(s.handleKnowledgeBaseByID))
	s.mux.Handle("/files/", s.authenticated(s.handleFileByID))
	s.mux.Handle("/sessions/", s.authenticated(s.handleSessionByID))
	s.mux.Handle("/messages/", s.authenticated(s.handleMessageRating))
	s.mux.Handle("/usage", s.authenticated(s.handleUsage))
}

type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			s.audit(r, "kb.authorize", "fail")
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := s.sessionToken(r)
	if !ok {
		return domain.User{}, false
	}
	identity, err := s.tokenVerifier.Verify(r.Context(), token)
	if err != nil {
		util.LoggerFromContext(r.Context()).Debug("token rejected", "err", err)
		return domain.User{}, false
	}
	revoked, err := s.revoker.IsRevoked(r.Context(), token)
	if err != nil {
		util.LoggerFromContext(r.Context()).Warn("revocation check failed", "err", err)
		return domain.User{}, false
	}
	if revoked {
		return domain.User{}, false
	}
	return domain.User{ID: identity.Subject, Email: identity.Email}, true
}

// sessionToken reads the bearer token, falling back to the session cookie.
func (s *Server) sessionToken(r *http.Request) (string, bool) {
	if token, ok := bearerToken(r); ok {
		return token, true
	}
	c, err := r.Cookie(s.sessionCookie)
	if err != nil {
		return "", false
	}
	token := strings.TrimSpace(c.Value)
	return token, token != ""
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string      `json:"error"`
	Code      string      `json:"code"`
	RequestID string      `json:"requestId,omitempty"`
	Quota     *quotaUsage `json:"quota,omitempty"`
}

type quotaUsage struct {
	Current   int64 `json:"current"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
}

type rateLimitResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"message"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	ResetDate string `json:"resetDate"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCode(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCode(status int, msg string) string {
	switch strings.ToLower(strings.TrimSpace(msg)) {
	case "knowledge base not found":
		return "KB_NOT_FOUND"
	case "file not found":
		return "KB_FILE_NOT_FOUND"
	case "chat session not found":
		return "KB_SESSION_NOT_FOUND"
	case "too many requests":
		return "SYSTEM_RATE_LIMITED"
	case strings.ToLower(app.ErrNoReadyFiles.Error()):
		return "KB_NO_READY_FILES"
	}
	switch status {
	case http.StatusBadRequest:
		return "REQUEST_ERROR"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "QUOTA_EXCEEDED"
	case http.StatusNotFound:
		return "RESOURCE_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusRequestEntityTooLarge:
		return "REQUEST_TOO_LARGE"
	case http.StatusTooManyRequests:
		return "QUERY_LIMIT_EXCEEDED"
	case http.StatusServiceUnavailable:
		return "SYSTEM_UNAVAILABLE"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}

// writeAppError maps app errors onto status codes. Internal detail is logged
// and never sent to the client.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		rl  *app.RateLimitError
		qe  *app.QuotaError
		ve  *app.ValidationError
		nf  *app.NotFoundError
		ope *app.OperationError
	)
	switch {
	case errors.As(err, &rl):
		s.audit(r, "kb.chat", "rate_limited", "limit", rl.Limit)
		writeRateLimited(w, rl)
	case errors.As(err, &qe):
		s.audit(r, "kb.quota."+qe.Kind, "quota_exceeded", "current", qe.Result.Current, "limit", qe.Result.Limit)
		writeJSON(w, http.StatusForbidden, errorResponse{
			Error:     qe.Result.Message,
			Code:      "QUOTA_EXCEEDED",
			RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
			Quota: &quotaUsage{
				Current:   qe.Result.Current,
				Limit:     qe.Result.Limit,
				Remaining: qe.Result.Remaining,
			},
		})
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Message)
	case errors.As(err, &nf):
		s.audit(r, "kb.ownership", "fail")
		writeError(w, http.StatusNotFound, nf.Message)
	case errors.Is(err, app.ErrNoReadyFiles):
		writeError(w, http.StatusBadRequest, app.ErrNoReadyFiles.Error())
	case errors.Is(err, app.ErrArchiveDisabled):
		writeError(w, http.StatusNotFound, "File download is not available")
	case errors.As(err, &ope):
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, ope.Message)
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func setRateLimitHeaders(w http.ResponseWriter, limit, remaining int, resetAt time.Time) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprint(limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprint(remaining))
	w.Header().Set("X-RateLimit-Reset", resetAt.UTC().Format(time.RFC3339))
}

func writeRateLimited(w http.ResponseWriter, rl *app.RateLimitError) {
	setRateLimitHeaders(w, rl.Limit, 0, rl.ResetAt)
	writeJSON(w, http.StatusTooManyRequests, rateLimitResponse{
		Error:     "Rate limit exceeded",
		Code:      "QUERY_LIMIT_EXCEEDED",
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
		Message:   rl.Message,
		Limit:     rl.Limit,
		Remaining: 0,
		ResetDate: rl.ResetAt.UTC().Format(time.RFC3339),
	})
}

func normalizeMaxBytes(value, fileLimit int64) int64 {
	if value > 0 {
		return value
	}
	// room for multipart framing around the largest accepted file
	return fileLimit + 1<<20
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := s.clientIP(r)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
	if s.alerter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
	defer cancel()
	result, err := s.alerter.Observe(ctx, event, outcome, ip)
	if err != nil {
		logger.Debug("audit alerter unavailable", "err", err)
		return
	}
	if result.Triggered {
		logger.Warn("security_alert",
			slog.String("event", event),
			slog.String("outcome", outcome),
			slog.String("ip", ip),
			slog.Int64("count", result.Count),
			slog.Int64("threshold", result.Threshold),
			slog.Duration("window", result.Window),
		)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter) bool {
	key := r.Method + " " + metrics.RouteLabel(r.URL.Path) + "|" + s.clientIP(r)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	s.audit(r, "kb.request", "rate_limited")
	w.Header().Set("Retry-After", strconv.Itoa(int(limiter.Window().Seconds())))
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}
