package asset

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/terrycain/media-cache-server/pkg/database"
	"github.com/terrycain/media-cache-server/pkg/e"
	"github.com/terrycain/media-cache-server/pkg/fetch"
	"github.com/terrycain/media-cache-server/pkg/s"
	"github.com/terrycain/media-cache-server/pkg/storage"
	"github.com/terrycain/media-cache-server/pkg/store"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	if _, exists := os.LookupEnv("DEBUG"); exists {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	os.Exit(m.Run())
}

type origin struct {
	content []byte

	mu       sync.Mutex
	hits     int
	auth     []string
	gate     chan struct{}
	notFound bool
}

func (o *origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits++
	o.auth = append(o.auth, r.Header.Get("Authorization"))
	gate := o.gate
	o.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeContent(w, r, "movie.mp4", time.Time{}, bytes.NewReader(o.content))
}

func (o *origin) Hits() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits
}

func setup(t *testing.T, dir string, size int) (*Cache, *origin, string) {
	t.Helper()
	content := make([]byte, size)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("Failed to generate random file data: %s", err.Error())
	}
	o := &origin{content: content}
	srv := httptest.NewServer(o)
	t.Cleanup(srv.Close)

	return newCache(t, dir), o, srv.URL + "/videos/movie.mp4"
}

func newCache(t *testing.T, dir string) *Cache {
	t.Helper()
	bytesBackend, err := storage.GetStorageBackend("disk", dir)
	if err != nil {
		t.Fatal(err)
	}
	metaDB, err := database.GetBackend("sqlite", filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.New(store.Config{Storage: bytesBackend, Metadata: metaDB, NoSync: true})
	if err != nil {
		t.Fatal(err)
	}
	cache, err := New(Config{Store: st, Fetcher: fetch.New(fetch.Config{})})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = cache.Close()
		_ = metaDB.Close()
	})
	return cache
}

func readAll(t *testing.T, h *Handle, offset, length int64) []byte {
	t.Helper()
	req, err := h.RequestBytes(context.Background(), offset, length)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(req)
	if err != nil {
		t.Fatalf("Failed to read %d+%d: %s", offset, length, err.Error())
	}
	return data
}

func TestLoadingProtocol(t *testing.T) {
	cache, o, url := setup(t, t.TempDir(), 1000)

	h, err := cache.Open(url, Options{}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	info, err := h.RequestContentInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(s.ContentInfo{Length: 1000, ContentType: "video/mp4"}, info); diff != "" {
		t.Fatal(diff)
	}

	if !bytes.Equal(o.content[:500], readAll(t, h, 0, 500)) {
		t.Fatal("bytes(0,500) differ from origin")
	}
	if diff := cmp.Diff(50.0, h.CachedPercent()); diff != "" {
		t.Fatal(diff)
	}
	if cache.IsCached(url) {
		t.Fatal("Half cached resource reported as cached")
	}

	if !bytes.Equal(o.content[250:], readAll(t, h, 250, -1)) {
		t.Fatal("bytes(250,-1) differ from origin")
	}
	if !cache.IsCached(url) || !h.IsCached() {
		t.Fatal("Fully read resource should be cached")
	}
}

func TestHandlesShareCoordinator(t *testing.T) {
	cache, o, url := setup(t, t.TempDir(), 2000)
	o.gate = make(chan struct{})

	first, err := cache.Open(url, Options{}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	second, err := cache.Open(url+"#t=10", Options{}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	results := make(chan []byte, 2)
	for _, h := range []*Handle{first, second} {
		go func(h *Handle) {
			req, err := h.RequestBytes(context.Background(), 0, 2000)
			if err != nil {
				results <- nil
				return
			}
			data, _ := io.ReadAll(req)
			results <- data
		}(h)
	}
	time.Sleep(50 * time.Millisecond)
	close(o.gate)

	for i := 0; i < 2; i++ {
		if !bytes.Equal(o.content, <-results) {
			t.Fatal("Handle got wrong bytes")
		}
	}
	if diff := cmp.Diff(1, o.Hits()); diff != "" {
		t.Fatal(diff)
	}
}

func TestCancelByID(t *testing.T) {
	cache, o, url := setup(t, t.TempDir(), 1000)
	o.gate = make(chan struct{})
	defer close(o.gate)

	h, err := cache.Open(url, Options{}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	req, err := h.RequestBytes(context.Background(), 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	result := make(chan error, 1)
	go func() {
		_, err := req.Next()
		result <- err
	}()

	if diff := cmp.Diff(1, h.Outstanding()); diff != "" {
		t.Fatal(diff)
	}
	if !h.Cancel(req.ID) {
		t.Fatal("Cancel did not find the request")
	}
	if err = <-result; !errors.Is(err, e.ErrCancelled) {
		t.Fatalf("Expected ErrCancelled, got %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for h.Outstanding() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Finished request was never forgotten")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.Cancel(req.ID) {
		t.Fatal("Cancel of a finished request should report false")
	}
	if h.Cancel("does-not-exist") {
		t.Fatal("Cancel of an unknown request should report false")
	}
}

func TestOptionsReachOrigin(t *testing.T) {
	cache, o, url := setup(t, t.TempDir(), 100)

	h, err := cache.Open(url, Options{Username: "user", Password: "pass"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	readAll(t, h, 0, 10)
	if err = h.Close(); err != nil {
		t.Fatal(err)
	}

	h, err = cache.Open(url, Options{BearerToken: "tok", Header: http.Header{"Authorization": {"ignored"}}}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	readAll(t, h, 50, 10)
	if err = h.Close(); err != nil {
		t.Fatal(err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if diff := cmp.Diff([]string{"Basic dXNlcjpwYXNz", "Bearer tok"}, o.auth); diff != "" {
		t.Fatal(diff)
	}
}

func TestIntrospection(t *testing.T) {
	dir := t.TempDir()
	cache, _, url := setup(t, dir, 100)

	name := cache.CachedFileName(url)
	if filepath.Ext(name) != ".mp4" {
		t.Fatalf("Expected .mp4 file name, got %s", name)
	}
	path, err := cache.CachedFilePath(url)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(filepath.Join(dir, name), path); diff != "" {
		t.Fatal(diff)
	}

	status, err := cache.Status(url)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(s.Status{URL: url, FileName: name, FilePath: path}, status); diff != "" {
		t.Fatal(diff)
	}

	h, err := cache.Open(url, Options{}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	readAll(t, h, 0, -1)

	if err = cache.Remove(url); !errors.Is(err, e.ErrInUse) {
		t.Fatalf("Expected ErrInUse, got %v", err)
	}
	if err = h.Close(); err != nil {
		t.Fatal(err)
	}

	status, err = cache.Status(url)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(s.Status{URL: url, FileName: name, FilePath: path, Cached: true, CachedPercent: 100}, status); diff != "" {
		t.Fatal(diff)
	}

	if err = cache.Remove(url); err != nil {
		t.Fatal(err)
	}
	if cache.IsCached(url) {
		t.Fatal("Removed resource still reported as cached")
	}
}

func TestCacheSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cache, o, url := setup(t, dir, 400)

	h, err := cache.Open(url, Options{}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	readAll(t, h, 0, 100)
	readAll(t, h, 200, 100)
	if err = cache.Close(); err != nil {
		t.Fatal(err)
	}
	hits := o.Hits()

	restarted := newCache(t, dir)
	h, err = restarted.Open(url, Options{}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	if !bytes.Equal(o.content[200:300], readAll(t, h, 200, 100)) {
		t.Fatal("Cached bytes differ from origin")
	}
	if diff := cmp.Diff(hits, o.Hits()); diff != "" {
		t.Fatal(diff)
	}
	if diff := cmp.Diff(50.0, h.CachedPercent()); diff != "" {
		t.Fatal(diff)
	}
}

func TestClosedHandle(t *testing.T) {
	cache, _, url := setup(t, t.TempDir(), 100)

	h, err := cache.Open(url, Options{}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err = h.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err = h.RequestBytes(context.Background(), 0, 10); !errors.Is(err, e.ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
	if _, err = h.RequestContentInfo(context.Background()); !errors.Is(err, e.ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}

	if err = cache.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err = cache.Open(url, Options{}, time.Second); !errors.Is(err, e.ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
}

func TestCancelDoesNotWaitForProbe(t *testing.T) {
	cache, o, url := setup(t, t.TempDir(), 1000)
	o.gate = make(chan struct{})

	h, err := cache.Open(url, Options{}, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	other, err := cache.Open(url, Options{}, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()

	// An open ended request on an unprobed resource asks the origin for its length first
	results := make(chan error, 1)
	go func() {
		_, err := h.RequestBytes(context.Background(), 0, -1)
		results <- err
	}()
	deadline := time.Now().Add(5 * time.Second)
	for o.Hits() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Origin was never asked for the content information")
		}
		time.Sleep(5 * time.Millisecond)
	}

	returned := make(chan struct{})
	go func() {
		h.Cancel("unrelated")
		_ = h.Outstanding()
		_ = h.Close()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Cancel and Close waited for the origin")
	}

	close(o.gate)
	if err = <-results; !errors.Is(err, e.ErrClosed) {
		t.Fatalf("Expected ErrClosed for a request that raced Close, got %v", err)
	}
	if diff := cmp.Diff(0, h.Outstanding()); diff != "" {
		t.Fatal(diff)
	}

	// The resource itself is still usable through the other handle
	data := readAll(t, other, 0, -1)
	if diff := cmp.Diff(o.content, data); diff != "" {
		t.Fatal(diff)
	}
}
