package ai

import "context"

// DocumentIndex manages external file search stores and the documents
// indexed in them.
type DocumentIndex interface {
	CreateStore(ctx context.Context, displayName string) (string, error)
	DeleteStore(ctx context.Context, name string) error
	// StartUpload sends the bytes and returns the provider's ingestion
	// operation. AwaitDocument blocks until that operation is finished.
	StartUpload(ctx context.Context, req UploadRequest) (Operation, error)
	AwaitDocument(ctx context.Context, op Operation) (Document, error)
	DeleteDocument(ctx context.Context, name string) error
}

// ChatGenerator streams a grounded answer. onDelta receives each text
// fragment in order; returning an error from it aborts the stream.
type ChatGenerator interface {
	StreamGenerate(ctx context.Context, req ChatRequest, onDelta func(string) error) (ChatResult, error)
}

type UploadRequest struct {
	StoreName   string
	DisplayName string
	MimeType    string
	Data        []byte
}

// Operation is a long-running ingestion job.
type Operation struct {
	Name         string
	Done         bool
	DocumentName string
}

// Document is an indexed document inside a FileSearchStore.
type Document struct {
	Name string
}

// Role values accepted in ChatRequest messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role string
	Text string
}

type ChatRequest struct {
	StoreName    string
	SystemPrompt string
	Messages     []Message
}

type ChatResult struct {
	Text         string
	FinishReason string
	// Grounding is the provider's raw grounding metadata from the final
	// chunk that carried one.
	Grounding map[string]any
}
