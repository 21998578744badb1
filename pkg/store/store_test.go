package store

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/terrycain/media-cache-server/pkg/database"
	"github.com/terrycain/media-cache-server/pkg/e"
	"github.com/terrycain/media-cache-server/pkg/identity"
	"github.com/terrycain/media-cache-server/pkg/s"
	"github.com/terrycain/media-cache-server/pkg/storage"
)

const testURL = "https://cdn.example.com/movies/trailer.mp4"

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	if _, exists := os.LookupEnv("DEBUG"); exists {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	os.Exit(m.Run())
}

// newTestStore builds a store over dir, with metadata kept by the named backend.
func newTestStore(t *testing.T, dir, metaBackend string, cfg Config) *Store {
	t.Helper()
	bytesBackend, err := storage.GetStorageBackend("disk", dir)
	if err != nil {
		t.Fatal(err)
	}

	conn := dir
	if metaBackend == "sqlite" {
		conn = filepath.Join(dir, "meta.sqlite")
	}
	metaDB, err := database.GetBackend(metaBackend, conn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = metaDB.Close() })

	cfg.Storage = bytesBackend
	cfg.Metadata = metaDB
	st, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func openEntry(t *testing.T, st *Store, url string) *Entry {
	t.Helper()
	en, err := st.Open(url)
	if err != nil {
		t.Fatalf("Failed to open entry: %s", err.Error())
	}
	return en
}

func payload(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}

func TestWriteThenRead(t *testing.T) {
	st := newTestStore(t, t.TempDir(), "json", Config{})
	en := openEntry(t, st, testURL)
	defer en.Close()

	data := payload(300)
	if err := en.Write(0, data[:100]); err != nil {
		t.Fatal(err)
	}
	if err := en.Write(200, data[200:300]); err != nil {
		t.Fatal(err)
	}

	got, err := en.Read(s.Range{Start: 10, End: 90})
	if err != nil {
		t.Fatalf("Failed to read cached range: %s", err.Error())
	}
	if !bytes.Equal(data[10:90], got) {
		t.Fatal("Read returned wrong bytes")
	}

	if _, err = en.Read(s.Range{Start: 50, End: 250}); !errors.Is(err, e.ErrNotCovered) {
		t.Fatalf("Expected ErrNotCovered across a gap, got %v", err)
	}

	if diff := cmp.Diff([]s.Range{{Start: 0, End: 100}, {Start: 200, End: 300}}, en.Index().Covered()); diff != "" {
		t.Fatal(diff)
	}
}

func TestSetLengthAndTypeAreSetOnce(t *testing.T) {
	st := newTestStore(t, t.TempDir(), "json", Config{})
	en := openEntry(t, st, testURL)
	defer en.Close()

	if err := en.SetLength(1000); err != nil {
		t.Fatal(err)
	}
	if err := en.SetLength(1000); err != nil {
		t.Fatalf("Confirming the same length should succeed: %s", err.Error())
	}
	if err := en.SetLength(999); !errors.Is(err, e.ErrInconsistentResource) {
		t.Fatalf("Expected ErrInconsistentResource, got %v", err)
	}

	if err := en.SetContentType("video/mp4"); err != nil {
		t.Fatal(err)
	}
	if err := en.SetContentType("video/webm"); !errors.Is(err, e.ErrInconsistentResource) {
		t.Fatalf("Expected ErrInconsistentResource, got %v", err)
	}

	if diff := cmp.Diff(s.ContentInfo{Length: 1000, ContentType: "video/mp4"}, en.Info()); diff != "" {
		t.Fatal(diff)
	}

	if err := en.Write(990, payload(20)); !errors.Is(err, e.ErrInconsistentResource) {
		t.Fatalf("Write past the length should fail, got %v", err)
	}
}

func TestSetLengthShorterThanCachedBytes(t *testing.T) {
	st := newTestStore(t, t.TempDir(), "json", Config{})
	en := openEntry(t, st, testURL)
	defer en.Close()

	if err := en.Write(0, payload(500)); err != nil {
		t.Fatal(err)
	}
	if err := en.SetLength(400); !errors.Is(err, e.ErrInconsistentResource) {
		t.Fatalf("Expected ErrInconsistentResource, got %v", err)
	}
}

// TestRestartKeepsRanges reopens a fresh store over the same directory and expects the exact
// ranges written before.
func TestRestartKeepsRanges(t *testing.T) {
	for _, backend := range []string{"json", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			data := payload(300)

			first := newTestStore(t, dir, backend, Config{})
			en := openEntry(t, first, testURL)
			if err := en.SetLength(1000); err != nil {
				t.Fatal(err)
			}
			if err := en.SetContentType("video/mp4"); err != nil {
				t.Fatal(err)
			}
			if err := en.Write(0, data[:100]); err != nil {
				t.Fatal(err)
			}
			if err := en.Write(200, data[200:300]); err != nil {
				t.Fatal(err)
			}
			if err := en.Close(); err != nil {
				t.Fatalf("Failed to close entry: %s", err.Error())
			}

			second := newTestStore(t, dir, backend, Config{})
			reopened := openEntry(t, second, testURL)
			defer reopened.Close()

			if diff := cmp.Diff([]s.Range{{Start: 0, End: 100}, {Start: 200, End: 300}}, reopened.Index().Covered()); diff != "" {
				t.Fatal(diff)
			}
			if diff := cmp.Diff(s.ContentInfo{Length: 1000, ContentType: "video/mp4"}, reopened.Info()); diff != "" {
				t.Fatal(diff)
			}
			got, err := reopened.Read(s.Range{Start: 200, End: 300})
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(data[200:300], got) {
				t.Fatal("Bytes changed across restart")
			}
		})
	}
}

func TestCorruptMetadataIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	st := newTestStore(t, dir, "json", Config{})

	en := openEntry(t, st, testURL)
	if err := en.Write(0, payload(100)); err != nil {
		t.Fatal(err)
	}
	if err := en.Close(); err != nil {
		t.Fatal(err)
	}

	id := identity.Derive(testURL)
	if err := os.WriteFile(filepath.Join(dir, id.Key+".meta.json"), []byte(`{"ranges": [`), 0o644); err != nil {
		t.Fatal(err)
	}

	reopened := openEntry(t, st, testURL)
	defer reopened.Close()

	if diff := cmp.Diff([]s.Range{}, reopened.Index().Covered()); diff != "" {
		t.Fatal(diff)
	}
	info, err := os.Stat(filepath.Join(dir, id.FileName))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Fatalf("Stale bytes should have been discarded, file has %d bytes", info.Size())
	}
}

func TestIndexBeyondFileIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	st := newTestStore(t, dir, "json", Config{})

	id := identity.Derive(testURL)
	meta := s.NewMetadata(testURL)
	meta.Ranges = []s.Range{{Start: 0, End: 4096}}
	if err := st.metadata.Save(id.Key, meta); err != nil {
		t.Fatal(err)
	}

	en := openEntry(t, st, testURL)
	defer en.Close()

	if en.Index().CoveredBytes() != 0 {
		t.Fatalf("Index claimed bytes the file never held: %v", en.Index().Covered())
	}
}

func TestPeekAndRemove(t *testing.T) {
	st := newTestStore(t, t.TempDir(), "json", Config{})

	if _, _, err := st.Peek(testURL); !errors.Is(err, e.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	en := openEntry(t, st, testURL)
	if err := en.SetLength(100); err != nil {
		t.Fatal(err)
	}
	if err := en.Write(0, payload(100)); err != nil {
		t.Fatal(err)
	}
	if !en.Complete() {
		t.Fatal("Entry should be complete")
	}
	if err := en.Close(); err != nil {
		t.Fatal(err)
	}

	info, idx, err := st.Peek(testURL)
	if err != nil {
		t.Fatal(err)
	}
	if !idx.Complete(info.Length) {
		t.Fatal("Peeked index should be complete")
	}

	if err = st.Remove(testURL); err != nil {
		t.Fatal(err)
	}
	if _, _, err = st.Peek(testURL); !errors.Is(err, e.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound after remove, got %v", err)
	}
}

func TestFlushEvery(t *testing.T) {
	st := newTestStore(t, t.TempDir(), "json", Config{FlushEvery: 50})
	en := openEntry(t, st, testURL)
	defer en.Close()

	if err := en.Write(0, payload(60)); err != nil {
		t.Fatal(err)
	}

	meta, err := st.metadata.Load(en.ID.Key)
	if err != nil {
		t.Fatalf("Metadata should have been flushed: %v", err)
	}
	if diff := cmp.Diff([]s.Range{{Start: 0, End: 60}}, meta.Ranges); diff != "" {
		t.Fatal(diff)
	}
}

func TestWriteAfterClose(t *testing.T) {
	st := newTestStore(t, t.TempDir(), "json", Config{})
	en := openEntry(t, st, testURL)
	if err := en.Close(); err != nil {
		t.Fatal(err)
	}
	if err := en.Write(0, payload(10)); !errors.Is(err, e.ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
}
