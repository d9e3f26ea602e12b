package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	defaultGeminiBaseURL  = "https://generativelanguage.googleapis.com"
	defaultGeminiModel    = "gemini-2.5-flash"
	defaultPollInterval   = 5 * time.Second
	defaultUploadTimeout  = 5 * time.Minute
	defaultRequestTimeout = 30 * time.Second
	defaultMaxRetries     = 3
	defaultRetryBase      = time.Second
	apiVersion            = "v1beta"
)

// ErrUnavailable is returned while the circuit breaker rejects calls.
var ErrUnavailable = errors.New("gemini temporarily unavailable")

// APIError is a non-2xx answer from the Gemini API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gemini api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gemini api error (status %d)", e.StatusCode)
}

func (e *APIError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Config configures a FileSearchClient.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// PollInterval is the delay between upload operation status checks.
	PollInterval   time.Duration
	UploadTimeout  time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBase      time.Duration
	// RequestsPerSecond paces outbound calls; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
	Logger            *slog.Logger
	// Observe is called once per logical operation with its outcome.
	Observe func(op string, err error)
}

// FileSearchClient calls the Gemini FileSearchStore and generation APIs.
type FileSearchClient struct {
	apiKey         string
	baseURL        string
	model          string
	pollInterval   time.Duration
	uploadTimeout  time.Duration
	requestTimeout time.Duration
	maxRetries     int
	retryBase      time.Duration
	httpClient     *http.Client
	limiter        *rate.Limiter
	breaker        *gobreaker.CircuitBreaker
	logger         *slog.Logger
	observe        func(op string, err error)
}

var (
	_ DocumentIndex = (*FileSearchClient)(nil)
	_ ChatGenerator = (*FileSearchClient)(nil)
)

// NewFileSearchClient constructs a client with the provided API key.
func NewFileSearchClient(cfg Config) (*FileSearchClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	c := &FileSearchClient{
		apiKey:         apiKey,
		baseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		model:          normalizeModel(cfg.Model),
		pollInterval:   cfg.PollInterval,
		uploadTimeout:  cfg.UploadTimeout,
		requestTimeout: cfg.RequestTimeout,
		maxRetries:     cfg.MaxRetries,
		retryBase:      cfg.RetryBase,
		httpClient:     cfg.HTTPClient,
		logger:         cfg.Logger,
		observe:        cfg.Observe,
	}
	if c.baseURL == "" {
		c.baseURL = defaultGeminiBaseURL
	}
	if c.model == "" {
		c.model = defaultGeminiModel
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.uploadTimeout <= 0 {
		c.uploadTimeout = defaultUploadTimeout
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = defaultRequestTimeout
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	} else if cfg.MaxRetries == 0 {
		c.maxRetries = defaultMaxRetries
	}
	if c.retryBase <= 0 {
		c.retryBase = defaultRetryBase
	}
	if c.httpClient == nil {
		// streaming responses are bounded by the caller's context
		c.httpClient = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.observe == nil {
		c.observe = func(string, error) {}
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gemini",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var apiErr *APIError
			return errors.As(err, &apiErr) && !apiErr.retryable()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	model = strings.TrimPrefix(model, "models/")
	return model
}

func (c *FileSearchClient) apiURL(path string) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, apiVersion, strings.TrimPrefix(path, "/"))
}

func (c *FileSearchClient) uploadURL(path string) string {
	return fmt.Sprintf("%s/upload/%s/%s", c.baseURL, apiVersion, strings.TrimPrefix(path, "/"))
}

type retryMode int

const (
	retryIdempotent retryMode = iota
	// retryUnsent only repeats attempts the server never accepted: failed
	// dials and 429s.
	retryUnsent
)

// send runs one HTTP exchange through the breaker and the retry loop. The
// caller owns the returned body.
func (c *FileSearchClient) send(ctx context.Context, buildReq func(context.Context) (*http.Request, error)) (*http.Response, error) {
	return c.sendWith(ctx, retryIdempotent, buildReq)
}

func (c *FileSearchClient) sendWith(ctx context.Context, mode retryMode, buildReq func(context.Context) (*http.Request, error)) (*http.Response, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doWithRetry(ctx, mode, buildReq)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return out.(*http.Response), nil
}

// doWithRetry retries network failures, 429 and 5xx with exponential backoff.
// In retryUnsent mode a 5xx or a failure after the connection was made is
// returned as is.
func (c *FileSearchClient) doWithRetry(ctx context.Context, mode retryMode, buildReq func(context.Context) (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	backoff := c.retryBase
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying gemini request", "attempt", attempt+1, "backoff", backoff.String(), "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		req, err := buildReq(ctx)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("x-goog-api-key", c.apiKey)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if mode == retryUnsent && !isDialError(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if resp.StatusCode < http.StatusBadRequest {
			return resp, nil
		}
		apiErr := decodeAPIError(resp)
		if !apiErr.retryable() {
			return nil, apiErr
		}
		if mode == retryUnsent && apiErr.StatusCode != http.StatusTooManyRequests {
			return nil, apiErr
		}
		lastErr = apiErr
	}
	return nil, fmt.Errorf("gemini request failed after %d retries: %w", c.maxRetries, lastErr)
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func decodeAPIError(resp *http.Response) *APIError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var errResp errorResponse
	_ = json.Unmarshal(body, &errResp)
	msg := errResp.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// doJSON sends payload (when non-nil) and decodes the response into out
// (when non-nil).
func (c *FileSearchClient) doJSON(ctx context.Context, method, url string, payload any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	resp, err := c.send(ctx, func(ctx context.Context) (*http.Request, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}
