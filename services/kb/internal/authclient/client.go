// Package authclient talks to the external identity provider.
package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrInvalidCode = errors.New("invalid authorization code")

// Config configures the token endpoint client.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	HTTPClient   *http.Client
}

// Client exchanges OAuth authorization codes for session tokens.
type Client struct {
	tokenURL     string
	clientID     string
	clientSecret string
	redirectURL  string
	httpClient   *http.Client
	now          func() time.Time
}

// Session is the result of a successful code exchange.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// NewClient constructs an identity provider client.
func NewClient(cfg Config) (*Client, error) {
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if tokenURL == "" {
		return nil, errors.New("token url required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		tokenURL:     tokenURL,
		clientID:     strings.TrimSpace(cfg.ClientID),
		clientSecret: cfg.ClientSecret,
		redirectURL:  strings.TrimSpace(cfg.RedirectURL),
		httpClient:   httpClient,
		now:          time.Now,
	}, nil
}

// ExchangeCode trades an authorization code for an access token.
func (c *Client) ExchangeCode(ctx context.Context, code string) (Session, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Session{}, ErrInvalidCode
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	if c.clientID != "" {
		form.Set("client_id", c.clientID)
	}
	if c.clientSecret != "" {
		form.Set("client_secret", c.clientSecret)
	}
	if c.redirectURL != "" {
		form.Set("redirect_uri", c.redirectURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Session{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Session{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var tokErr tokenError
		_ = json.Unmarshal(body, &tokErr)
		if resp.StatusCode < http.StatusInternalServerError {
			return Session{}, fmt.Errorf("%w: %s", ErrInvalidCode, strings.TrimSpace(tokErr.Error+" "+tokErr.ErrorDescription))
		}
		return Session{}, &APIError{Status: resp.StatusCode, Message: resp.Status}
	}
	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return Session{}, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return Session{}, errors.New("token response missing access_token")
	}
	sess := Session{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if tok.ExpiresIn > 0 {
		sess.ExpiresAt = c.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	return sess, nil
}

// APIError represents an identity provider failure.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}
