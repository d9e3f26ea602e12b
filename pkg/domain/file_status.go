package domain

import (
	"errors"
	"fmt"
	"strings"
)

type FileStatus string

const (
	FileUploading  FileStatus = "uploading"
	FileProcessing FileStatus = "processing"
	FileReady      FileStatus = "ready"
	FileFailed     FileStatus = "failed"
)

// ErrInvalidTransition is returned for a status change the table does not allow.
var ErrInvalidTransition = errors.New("invalid file status transition")

var fileTransitions = map[FileStatus][]FileStatus{
	FileUploading:  {FileProcessing, FileFailed},
	FileProcessing: {FileReady, FileFailed},
	FileReady:      nil,
	FileFailed:     nil,
}

// CanTransition reports whether the table allows moving from s to next.
func (s FileStatus) CanTransition(next FileStatus) bool {
	for _, allowed := range fileTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions exist.
func (s FileStatus) Terminal() bool {
	targets, ok := fileTransitions[s]
	return ok && len(targets) == 0
}

// CountsTowardQuota reports whether a file in this status occupies a slot in
// its knowledge base.
func (s FileStatus) CountsTowardQuota() bool {
	return s == FileUploading || s == FileProcessing || s == FileReady
}

// CountsTowardStorage reports whether the file's bytes are charged to the
// owner's storage ledger. Only successfully indexed files are charged.
func (s FileStatus) CountsTowardStorage() bool {
	return s == FileReady
}

// ValidateTransition returns ErrInvalidTransition wrapped with both states.
func ValidateTransition(from, to FileStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ParseFileStatus maps provider and stored spellings onto FileStatus.
func ParseFileStatus(raw string) (FileStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "uploading", "state_unspecified":
		return FileUploading, true
	case "processing", "state_pending":
		return FileProcessing, true
	case "ready", "active", "state_active":
		return FileReady, true
	case "failed", "state_failed":
		return FileFailed, true
	default:
		return "", false
	}
}

// QuotaStatuses lists the statuses counted by the per-knowledge-base file quota.
func QuotaStatuses() []FileStatus {
	return []FileStatus{FileReady, FileProcessing, FileUploading}
}
