package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

var ErrOperationFailed = errors.New("document ingestion failed")

type storeRequest struct {
	DisplayName string `json:"displayName,omitempty"`
}

type storeResponse struct {
	Name string `json:"name"`
}

type operationResponse struct {
	Name     string         `json:"name"`
	Done     bool           `json:"done"`
	Error    *operationErr  `json:"error,omitempty"`
	Response map[string]any `json:"response,omitempty"`
}

type operationErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (r operationResponse) toOperation() Operation {
	op := Operation{Name: r.Name, Done: r.Done}
	for _, key := range []string{"documentName", "name"} {
		if v, ok := r.Response[key].(string); ok && v != "" {
			op.DocumentName = v
			break
		}
	}
	return op
}

// CreateStore allocates a file search store and returns its resource name.
func (c *FileSearchClient) CreateStore(ctx context.Context, displayName string) (string, error) {
	var resp storeResponse
	err := c.doJSON(ctx, http.MethodPost, c.apiURL("fileSearchStores"), storeRequest{DisplayName: displayName}, &resp)
	if err == nil && resp.Name == "" {
		err = fmt.Errorf("create store: empty store name in response")
	}
	c.observe("create_store", err)
	if err != nil {
		return "", err
	}
	return resp.Name, nil
}

// DeleteStore force-deletes a store together with its documents. A store
// that no longer exists counts as deleted.
func (c *FileSearchClient) DeleteStore(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("store name required")
	}
	err := c.doJSON(ctx, http.MethodDelete, c.apiURL(name)+"?force=true", nil, nil)
	if IsNotFound(err) {
		err = nil
	}
	c.observe("delete_store", err)
	return err
}

// DeleteDocument force-deletes an indexed document.
func (c *FileSearchClient) DeleteDocument(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("document name required")
	}
	err := c.doJSON(ctx, http.MethodDelete, c.apiURL(name)+"?force=true", nil, nil)
	if IsNotFound(err) {
		err = nil
	}
	c.observe("delete_document", err)
	return err
}

// StartUpload posts the document as a multipart upload into the store.
func (c *FileSearchClient) StartUpload(ctx context.Context, req UploadRequest) (Operation, error) {
	op, err := c.startUpload(ctx, req)
	c.observe("upload", err)
	return op, err
}

func (c *FileSearchClient) startUpload(ctx context.Context, req UploadRequest) (Operation, error) {
	if strings.TrimSpace(req.StoreName) == "" {
		return Operation{}, fmt.Errorf("store name required")
	}
	if len(req.Data) == 0 {
		return Operation{}, fmt.Errorf("empty document")
	}
	body, contentType, err := encodeUpload(req)
	if err != nil {
		return Operation{}, err
	}
	url := c.uploadURL(req.StoreName + ":uploadToFileSearchStore")
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()
	// a repeated upload would index the document twice
	resp, err := c.sendWith(ctx, retryUnsent, func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", contentType)
		httpReq.Header.Set("X-Goog-Upload-Protocol", "multipart")
		return httpReq, nil
	})
	if err != nil {
		return Operation{}, err
	}
	defer resp.Body.Close()
	var out operationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Operation{}, fmt.Errorf("decode upload operation: %w", err)
	}
	if out.Error != nil {
		return Operation{}, fmt.Errorf("%w: %s", ErrOperationFailed, out.Error.Message)
	}
	return out.toOperation(), nil
}

func encodeUpload(req UploadRequest) ([]byte, string, error) {
	meta, err := json.Marshal(map[string]string{
		"displayName": req.DisplayName,
		"mimeType":    req.MimeType,
	})
	if err != nil {
		return nil, "", err
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=UTF-8"}})
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(meta); err != nil {
		return nil, "", err
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	part, err = w.CreatePart(textproto.MIMEHeader{"Content-Type": {mimeType}})
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "multipart/related; boundary=" + w.Boundary(), nil
}

// AwaitDocument polls op every poll interval until it completes, fails, or
// ctx ends.
func (c *FileSearchClient) AwaitDocument(ctx context.Context, op Operation) (Document, error) {
	doc, err := c.awaitDocument(ctx, op)
	c.observe("await_document", err)
	return doc, err
}

func (c *FileSearchClient) awaitDocument(ctx context.Context, op Operation) (Document, error) {
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()
	for !op.Done {
		if op.Name == "" {
			return Document{}, fmt.Errorf("operation name missing")
		}
		select {
		case <-ctx.Done():
			return Document{}, fmt.Errorf("waiting for %s: %w", op.Name, ctx.Err())
		case <-time.After(c.pollInterval):
		}
		var out operationResponse
		if err := c.doJSON(ctx, http.MethodGet, c.apiURL(op.Name), nil, &out); err != nil {
			return Document{}, fmt.Errorf("poll operation: %w", err)
		}
		if out.Error != nil {
			return Document{}, fmt.Errorf("%w: %s", ErrOperationFailed, out.Error.Message)
		}
		if out.Name == "" {
			out.Name = op.Name
		}
		op = out.toOperation()
	}
	if op.DocumentName == "" {
		return Document{}, fmt.Errorf("%w: no document name in result", ErrOperationFailed)
	}
	return Document{Name: op.DocumentName}, nil
}
