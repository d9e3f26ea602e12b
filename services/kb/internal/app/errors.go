package app

import (
	"errors"
	"time"

	"kbchat/pkg/quota"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrRateLimited   = errors.New("rate limit exceeded")
	// ErrNoReadyFiles rejects a chat before any model call.
	ErrNoReadyFiles = errors.New("No documents available in this knowledge base")
	ErrProvider     = errors.New("provider failure")
	// ErrArchiveDisabled is returned for downloads when no object store is configured.
	ErrArchiveDisabled = errors.New("file archive disabled")
)

// ValidationError carries a message that is safe to return to the client.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

func invalid(msg string) error { return &ValidationError{Message: msg} }

// NotFoundError covers both absent records and records owned by someone
// else; the two are indistinguishable to callers.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

var (
	errKnowledgeBaseNotFound = &NotFoundError{Message: "Knowledge base not found"}
	errFileNotFound          = &NotFoundError{Message: "File not found"}
	errSessionNotFound       = &NotFoundError{Message: "Chat session not found"}
)

// QuotaError is a resource quota rejection.
type QuotaError struct {
	Kind   string
	Result quota.Result
}

func (e *QuotaError) Error() string { return e.Result.Message }
func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

// RateLimitError is a daily query limit rejection.
type RateLimitError struct {
	Message string
	Limit   int
	ResetAt time.Time
}

func (e *RateLimitError) Error() string { return e.Message }
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// OperationError is an internal failure. Message is generic and safe to
// show; Err holds the detail, which is only logged.
type OperationError struct {
	Message  string
	Err      error
	Provider bool
}

func (e *OperationError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *OperationError) Unwrap() error { return e.Err }

func (e *OperationError) Is(target error) bool {
	return e.Provider && target == ErrProvider
}

func failed(msg string, err error) error {
	return &OperationError{Message: msg, Err: err}
}

func providerFailed(msg string, err error) error {
	return &OperationError{Message: msg, Err: err, Provider: true}
}
