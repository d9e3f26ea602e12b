package quota

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

const PDFMimeType = "application/pdf"

// UnsupportedTypeMessage is returned when neither the MIME type nor the
// extension is on the allow-list.
const UnsupportedTypeMessage = "Unsupported file type. Allowed formats: PDF, Word (.docx), Text (.txt, .md), JSON, CSV, and common programming files (.js, .py, .java, etc.)"

var ErrUnreadablePDF = errors.New("unreadable pdf")

var allowedMIMETypes = map[string]struct{}{
	PDFMimeType: {},

	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {},

	"application/msword":     {},
	"text/plain":             {},
	"application/json":       {},
	"text/markdown":          {},
	"text/csv":               {},
	"text/javascript":        {},
	"application/javascript": {},
	"text/x-python":          {},
	"text/x-java":            {},
	"text/x-c":               {},
	"text/x-c++":             {},
	"text/x-csharp":          {},
	"text/x-go":              {},
	"text/x-rust":            {},
	"text/x-typescript":      {},
	"text/html":              {},
	"text/css":               {},
	"application/xml":        {},
	"text/xml":               {},
}

var allowedExtensions = map[string]struct{}{
	".pdf": {}, ".docx": {}, ".doc": {}, ".txt": {}, ".json": {}, ".md": {}, ".csv": {},
	".js": {}, ".jsx": {}, ".ts": {}, ".tsx": {}, ".py": {}, ".java": {}, ".c": {}, ".cpp": {},
	".cs": {}, ".go": {}, ".rs": {}, ".html": {}, ".css": {}, ".xml": {},
}

// AllowedFileType passes a file whose MIME type or extension is allowed.
// Browsers do not always send a useful MIME type, so the extension is a
// fallback.
func AllowedFileType(fileName, mimeType string) bool {
	if _, ok := allowedMIMETypes[normalizeMIME(mimeType)]; ok {
		return true
	}
	_, ok := allowedExtensions[strings.ToLower(filepath.Ext(fileName))]
	return ok
}

// IsPDF reports whether the upload should be treated as a PDF.
func IsPDF(fileName, mimeType string) bool {
	return normalizeMIME(mimeType) == PDFMimeType || strings.EqualFold(filepath.Ext(fileName), ".pdf")
}

// CountPDFPages parses data and returns its page count.
func CountPDFPages(data []byte) (n int, err error) {
	defer func() {
		// the parser panics on some malformed inputs
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("%w: %v", ErrUnreadablePDF, r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreadablePDF, err)
	}
	return reader.NumPage(), nil
}

// PageLimitMessage renders the page-count rejection.
func PageLimitMessage(limit, found int) string {
	return fmt.Sprintf("PDF must have %d pages or less (found %d pages)", limit, found)
}

func normalizeMIME(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return mimeType
}
