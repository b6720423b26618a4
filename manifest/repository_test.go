package manifest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petal-labs/toolcatalog/catalog"
)

func newTestRepository(t *testing.T, src Source, lastKnown string) *Repository {
	t.Helper()
	repo, err := NewRepository(RepositoryConfig{
		Source:        src,
		Retry:         RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond},
		LastKnownPath: lastKnown,
	})
	if err != nil {
		t.Fatalf("NewRepository() error = %v", err)
	}
	return repo
}

func TestRepositoryFetchHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/catalog/manifest.json":
			_, _ = w.Write([]byte(sampleJSON))
		case "/catalog/payloads/disk-cleanup.sh":
			_, _ = w.Write([]byte("#!/bin/sh\necho clean\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src, err := OpenSource(srv.URL+"/catalog/manifest.json", SourceOptions{})
	if err != nil {
		t.Fatalf("OpenSource() error = %v", err)
	}
	lastKnown := filepath.Join(t.TempDir(), "manifest.json")
	repo := newTestRepository(t, src, lastKnown)

	m, err := repo.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(m.Tools) != 2 {
		t.Fatalf("len(Tools) = %d, want 2", len(m.Tools))
	}

	loaded, ok := repo.Current()
	if !ok || loaded.FromLastKnown {
		t.Fatalf("Current() = %+v, %v", loaded, ok)
	}
	if _, err := os.Stat(lastKnown); err != nil {
		t.Fatalf("last-known manifest not persisted: %v", err)
	}

	desc, _ := m.Tool("disk-cleanup")
	payload, err := repo.FetchPayload(context.Background(), desc)
	if err != nil {
		t.Fatalf("FetchPayload() error = %v", err)
	}
	if string(payload) != "#!/bin/sh\necho clean\n" {
		t.Fatalf("payload = %q", payload)
	}
}

func TestRepositoryFetchPayloadNotFoundIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	src, _ := OpenSource(srv.URL+"/manifest.json", SourceOptions{})
	repo := newTestRepository(t, src, "")

	_, err := repo.FetchPayload(context.Background(), ToolDescriptor{ID: "x", PayloadRef: "x.sh"})
	if !errors.Is(err, catalog.ErrNetwork) {
		t.Fatalf("FetchPayload() error = %v, want ErrNetwork", err)
	}
}

func TestRepositoryFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(sampleJSON))
	}))
	defer srv.Close()

	src, _ := OpenSource(srv.URL, SourceOptions{})
	repo := newTestRepository(t, src, "")

	if _, err := repo.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestRepositoryFetchClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	src, _ := OpenSource(srv.URL, SourceOptions{})
	repo := newTestRepository(t, src, "")

	_, err := repo.Fetch(context.Background())
	if !errors.Is(err, catalog.ErrNetwork) {
		t.Fatalf("Fetch() error = %v, want ErrNetwork", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestRepositoryUnreachableKeepsCurrent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(path, []byte(sampleJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	repo := newTestRepository(t, &FileSource{Path: path}, "")
	if _, err := repo.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	_, err := repo.Fetch(context.Background())
	if !errors.Is(err, catalog.ErrNetwork) {
		t.Fatalf("Fetch() error = %v, want ErrNetwork", err)
	}
	loaded, ok := repo.Current()
	if !ok || len(loaded.Manifest.Tools) != 2 {
		t.Fatalf("Current() after failed fetch = %+v, %v", loaded, ok)
	}
}

func TestRepositoryInvalidManifestKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(path, []byte(sampleJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	lastKnown := filepath.Join(dir, "state", "last.json")
	repo := newTestRepository(t, &FileSource{Path: path}, lastKnown)
	if _, err := repo.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	bad := `{"schemaVersion":"1.0","categories":[],"tools":[{"id":"a","name":"A","categoryId":"nope","payloadRef":"a","version":"1"}]}`
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := repo.Fetch(context.Background())
	if !errors.Is(err, catalog.ErrValidation) {
		t.Fatalf("Fetch() error = %v, want ErrValidation", err)
	}

	loaded, _ := repo.Current()
	if _, ok := loaded.Manifest.Tool("disk-cleanup"); !ok {
		t.Fatal("previous manifest was replaced by an invalid one")
	}
	persisted, err := os.ReadFile(lastKnown)
	if err != nil {
		t.Fatal(err)
	}
	if string(persisted) != sampleJSON {
		t.Fatal("invalid manifest overwrote last-known copy")
	}
}

func TestRepositoryLoadLastKnown(t *testing.T) {
	dir := t.TempDir()
	lastKnown := filepath.Join(dir, "last.json")
	if err := os.WriteFile(lastKnown, []byte(sampleJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	repo := newTestRepository(t, &FileSource{Path: filepath.Join(dir, "missing.json")}, lastKnown)

	m, ok, err := repo.LoadLastKnown()
	if err != nil || !ok {
		t.Fatalf("LoadLastKnown() = %v, %v", ok, err)
	}
	if len(m.Tools) != 2 {
		t.Fatalf("len(Tools) = %d", len(m.Tools))
	}
	loaded, ok := repo.Current()
	if !ok || !loaded.FromLastKnown {
		t.Fatalf("Current() = %+v, %v; want FromLastKnown", loaded, ok)
	}
}

func TestRepositoryLoadLastKnownMissing(t *testing.T) {
	repo := newTestRepository(t, &FileSource{Path: "x"}, filepath.Join(t.TempDir(), "none.json"))
	_, ok, err := repo.LoadLastKnown()
	if err != nil || ok {
		t.Fatalf("LoadLastKnown() = %v, %v; want false, nil", ok, err)
	}
}

func TestRepositoryFetchHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	src, _ := OpenSource(srv.URL, SourceOptions{})
	repo := newTestRepository(t, src, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := repo.Fetch(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Fetch() error = %v, want deadline exceeded", err)
	}
}

type recordingObserver struct {
	mu      sync.Mutex
	reads   []ReadObservation
	retries []RetryObservation
}

func (o *recordingObserver) ObserveRead(obs ReadObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reads = append(o.reads, obs)
}

func (o *recordingObserver) ObserveRetry(obs RetryObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, obs)
}

func TestRepositoryReportsReadsAndRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(sampleJSON))
	}))
	defer srv.Close()

	src, _ := OpenSource(srv.URL, SourceOptions{})
	observer := &recordingObserver{}
	repo, err := NewRepository(RepositoryConfig{
		Source:   src,
		Retry:    RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond},
		Observer: observer,
	})
	if err != nil {
		t.Fatalf("NewRepository() error = %v", err)
	}

	if _, err := repo.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if len(observer.retries) != 1 {
		t.Fatalf("retries = %+v, want 1", observer.retries)
	}
	retry := observer.retries[0]
	if retry.Kind != ReadKindManifest || retry.Attempt != 1 || retry.ErrorCode != catalog.CodeNetwork {
		t.Fatalf("retry = %+v", retry)
	}
	if len(observer.reads) != 1 {
		t.Fatalf("reads = %+v, want 1", observer.reads)
	}
	read := observer.reads[0]
	if !read.Success || read.Attempts != 2 || read.Bytes != len(sampleJSON) {
		t.Fatalf("read = %+v", read)
	}
}

func TestRepositoryReportsFailedPayloadRead(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	src, _ := OpenSource(srv.URL+"/manifest.json", SourceOptions{})
	observer := &recordingObserver{}
	repo, err := NewRepository(RepositoryConfig{Source: src, Observer: observer})
	if err != nil {
		t.Fatalf("NewRepository() error = %v", err)
	}

	_, _ = repo.FetchPayload(context.Background(), ToolDescriptor{ID: "x", PayloadRef: "x.sh"})
	if len(observer.reads) != 1 {
		t.Fatalf("reads = %+v, want 1", observer.reads)
	}
	read := observer.reads[0]
	if read.Kind != ReadKindPayload || read.Success || read.ErrorCode != catalog.CodeNetwork {
		t.Fatalf("read = %+v", read)
	}
	if len(observer.retries) != 0 {
		t.Fatalf("404 should not be retried: %+v", observer.retries)
	}
}
