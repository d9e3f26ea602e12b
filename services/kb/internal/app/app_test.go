package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"kbchat/internal/metrics"
	"kbchat/internal/util"
	"kbchat/pkg/ai"
	"kbchat/pkg/domain"
	"kbchat/pkg/queue"
	"kbchat/pkg/store"
)

type fakeIndex struct {
	mu             sync.Mutex
	createErr      error
	uploadErr      error
	awaitErr       error
	deleteStoreErr error
	deleteDocErr   error
	n              int
	uploads        []ai.UploadRequest
	deletedStores  []string
	deletedDocs    []string
}

func (f *fakeIndex) CreateStore(_ context.Context, displayName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.n++
	return fmt.Sprintf("fileSearchStores/store-%d", f.n), nil
}

func (f *fakeIndex) DeleteStore(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedStores = append(f.deletedStores, name)
	return f.deleteStoreErr
}

func (f *fakeIndex) StartUpload(_ context.Context, req ai.UploadRequest) (ai.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return ai.Operation{}, f.uploadErr
	}
	f.n++
	f.uploads = append(f.uploads, req)
	return ai.Operation{Name: fmt.Sprintf("%s/operations/op-%d", req.StoreName, f.n)}, nil
}

func (f *fakeIndex) AwaitDocument(_ context.Context, op ai.Operation) (ai.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.awaitErr != nil {
		return ai.Document{}, f.awaitErr
	}
	return ai.Document{Name: strings.Replace(op.Name, "/operations/op-", "/documents/doc-", 1)}, nil
}

func (f *fakeIndex) DeleteDocument(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedDocs = append(f.deletedDocs, name)
	return f.deleteDocErr
}

func (f *fakeIndex) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

type fakeGenerator struct {
	deltas    []string
	err       error
	grounding map[string]any
	requests  []ai.ChatRequest
}

func (g *fakeGenerator) StreamGenerate(_ context.Context, req ai.ChatRequest, onDelta func(string) error) (ai.ChatResult, error) {
	g.requests = append(g.requests, req)
	var b strings.Builder
	for _, d := range g.deltas {
		if err := onDelta(d); err != nil {
			return ai.ChatResult{Text: b.String()}, err
		}
		b.WriteString(d)
	}
	if g.err != nil {
		return ai.ChatResult{Text: b.String()}, g.err
	}
	return ai.ChatResult{Text: b.String(), FinishReason: "STOP", Grounding: g.grounding}, nil
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	deleted []string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (o *fakeObjects) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	if o.putErr != nil {
		return o.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.objects[key] = data
	o.mu.Unlock()
	return nil
}

func (o *fakeObjects) PresignGet(_ context.Context, key string, expiry time.Duration, name string) (string, error) {
	return "https://objects.test/" + key + "?expires=" + expiry.String(), nil
}

func (o *fakeObjects) Delete(_ context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, key)
	o.deleted = append(o.deleted, key)
	return nil
}

type fakeCleanup struct {
	mu   sync.Mutex
	jobs []queue.CleanupJob
}

func (c *fakeCleanup) Enqueue(_ context.Context, kind queue.Kind, resource, reason string) (queue.CleanupJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job := queue.CleanupJob{ID: util.NewID(), Kind: kind, Resource: resource, Reason: reason, Status: queue.StatusQueued}
	c.jobs = append(c.jobs, job)
	return job, nil
}

// faultyStore injects failures into selected store calls.
type faultyStore struct {
	store.Store
	createKBErr error
	readyErr    error
}

func (s *faultyStore) CreateKnowledgeBase(ctx context.Context, kb domain.KnowledgeBase) error {
	if s.createKBErr != nil {
		return s.createKBErr
	}
	return s.Store.CreateKnowledgeBase(ctx, kb)
}

func (s *faultyStore) TransitionFile(ctx context.Context, id string, from, to domain.FileStatus, update domain.FileUpdate) error {
	if s.readyErr != nil && to == domain.FileReady {
		return s.readyErr
	}
	return s.Store.TransitionFile(ctx, id, from, to, update)
}

type testEnv struct {
	app     *App
	store   *faultyStore
	index   *fakeIndex
	gen     *fakeGenerator
	objects *fakeObjects
	cleanup *fakeCleanup
}

func newTestStore(t *testing.T) *store.GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", util.NewID())
	s, err := store.NewGormStore(dsn, store.WithDriver(store.DriverSQLite))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestEnv(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   &faultyStore{Store: newTestStore(t)},
		index:   &fakeIndex{},
		gen:     &fakeGenerator{deltas: []string{"Hello", ", world"}},
		objects: newFakeObjects(),
		cleanup: &fakeCleanup{},
	}
	cfg := Config{
		Store:     env.store,
		Index:     env.index,
		Generator: env.gen,
		Objects:   env.objects,
		Cleanup:   env.cleanup,
		Metrics:   metrics.New(false),
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	env.app = a
	return env
}

func (e *testEnv) createKB(t *testing.T, user domain.User, name string) domain.KnowledgeBase {
	t.Helper()
	kb, err := e.app.CreateKnowledgeBase(context.Background(), user, name, nil)
	if err != nil {
		t.Fatalf("create knowledge base: %v", err)
	}
	return kb
}

func (e *testEnv) usage(t *testing.T, userID string) domain.UsageRecord {
	t.Helper()
	rec, err := e.app.quota.Usage(context.Background(), userID)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	return rec
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without store")
	}
	if _, err := New(Config{Store: newTestStore(t)}); err == nil {
		t.Fatalf("expected error without index and generator")
	}
}

func TestCompensateQueuesWhenInlineDeleteFails(t *testing.T) {
	env := newTestEnv(t)
	env.index.deleteDocErr = errors.New("provider down")

	env.app.compensate(context.Background(), "upload_file", queue.KindDocument, "docs/1", "test")

	if len(env.cleanup.jobs) != 1 {
		t.Fatalf("expected one cleanup job, got %d", len(env.cleanup.jobs))
	}
	job := env.cleanup.jobs[0]
	if job.Kind != queue.KindDocument || job.Resource != "docs/1" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestCompensateWithoutQueueOnlyLogs(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.Cleanup = nil })
	env.index.deleteStoreErr = errors.New("provider down")

	env.app.compensate(context.Background(), "create_knowledge_base", queue.KindStore, "stores/1", "test")

	if len(env.index.deletedStores) != 1 {
		t.Fatalf("expected inline delete attempt, got %v", env.index.deletedStores)
	}
}
