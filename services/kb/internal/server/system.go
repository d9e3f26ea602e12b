package server

import (
	"net/http"
	"strings"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	report := s.app.Health(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	report, err := s.app.Metrics(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleAuthCallback exchanges the identity provider's code for a session
// cookie and sends the browser on. A failed exchange still redirects; the
// target page will ask the user to sign in again.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	if code := strings.TrimSpace(query.Get("code")); code != "" && s.auth != nil {
		session, err := s.auth.ExchangeCode(r.Context(), code)
		if err != nil {
			s.audit(r, "kb.auth.callback", "fail", "reason", err.Error())
		} else {
			http.SetCookie(w, &http.Cookie{
				Name:     s.sessionCookie,
				Value:    session.AccessToken,
				Path:     "/",
				Expires:  session.ExpiresAt,
				HttpOnly: true,
				Secure:   s.secureCookies,
				SameSite: http.SameSiteLaxMode,
			})
			s.audit(r, "kb.auth.callback", "success")
		}
	}
	http.Redirect(w, r, callbackTarget(query.Get("callbackUrl")), http.StatusTemporaryRedirect)
}

// handleLogout revokes the presented session token and clears the cookie.
// Requests without a valid token still get the cookie cleared.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if token, ok := s.sessionToken(r); ok {
		if identity, err := s.tokenVerifier.Verify(r.Context(), token); err == nil {
			if err := s.revoker.Revoke(r.Context(), token, identity.ExpiresAt); err != nil {
				s.writeAppError(w, r, err)
				return
			}
			s.audit(r, "kb.auth.logout", "success", "user_id", identity.Subject)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// callbackTarget only follows same-origin paths.
func callbackTarget(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") && !strings.HasPrefix(raw, "/\\") {
		return raw
	}
	return "/dashboard"
}
