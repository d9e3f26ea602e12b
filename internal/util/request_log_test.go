package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestLogPassesFlushThrough(t *testing.T) {
	h := WithRequestLog("kb", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatalf("recorder must implement http.Flusher")
		}
		_, _ = w.Write([]byte("chunk"))
		flusher.Flush()
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/knowledge-bases/x/chat", nil))

	if !rec.Flushed {
		t.Fatalf("expected underlying writer to be flushed")
	}
	if rec.Body.String() != "chunk" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}
