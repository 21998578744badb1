// Package store owns the cached bytes and metadata of every resource.
//
// Bytes live in a storage.Backend file named after the resource identity, and the metadata
// record (length, content type, merged ranges) lives in a database.Backend under the identity
// key. An interval only enters the range index after its bytes were written and synced, so the
// index never claims data the file does not hold. Metadata that cannot be trusted on open is
// discarded together with its bytes.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/terrycain/media-cache-server/pkg/database"
	"github.com/terrycain/media-cache-server/pkg/e"
	"github.com/terrycain/media-cache-server/pkg/identity"
	"github.com/terrycain/media-cache-server/pkg/rangeindex"
	"github.com/terrycain/media-cache-server/pkg/s"
	"github.com/terrycain/media-cache-server/pkg/storage"
)

// DefaultFlushEvery is how many newly cached bytes may accumulate before the metadata record is
// rewritten without waiting for an explicit Flush.
const DefaultFlushEvery = 4 * 1024 * 1024

type Config struct {
	Storage  storage.Backend
	Metadata database.Backend
	// NoSync skips fsync after each write. Only for tests and throwaway caches.
	NoSync     bool
	FlushEvery int64
}

type Store struct {
	storage    storage.Backend
	metadata   database.Backend
	noSync     bool
	flushEvery int64
}

func New(cfg Config) (*Store, error) {
	if cfg.Storage == nil || cfg.Metadata == nil {
		return nil, errors.New("storage and metadata backends are required")
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = DefaultFlushEvery
	}
	return &Store{
		storage:    cfg.Storage,
		metadata:   cfg.Metadata,
		noSync:     cfg.NoSync,
		flushEvery: cfg.FlushEvery,
	}, nil
}

// FilePath is the on-disk location of the bytes of rawURL, whether cached or not.
func (st *Store) FilePath(rawURL string) (string, error) {
	return st.storage.GetFilePath(identity.FileName(rawURL))
}

// Open loads or creates the cache entry of rawURL. Callers must not hold two open entries for
// the same URL at once.
func (st *Store) Open(rawURL string) (*Entry, error) {
	id := identity.Derive(rawURL)

	meta, err := st.metadata.Load(id.Key)
	switch {
	case errors.Is(err, e.ErrNotFound):
		meta = s.NewMetadata(rawURL)
	case errors.Is(err, e.ErrCorruptCache):
		log.Warn().Err(err).Str("url", rawURL).Str("key", id.Key).Msg("Discarding cache entry with unreadable metadata")
		if err = st.discard(id); err != nil {
			return nil, err
		}
		meta = s.NewMetadata(rawURL)
	case err != nil:
		return nil, fmt.Errorf("load metadata for %s: %w", rawURL, err)
	}

	file, err := st.storage.Open(id.FileName)
	if err != nil {
		return nil, fmt.Errorf("open cache file for %s: %w", rawURL, err)
	}

	idx, err := validate(rawURL, meta, file)
	if err != nil {
		log.Warn().Err(err).Str("url", rawURL).Str("key", id.Key).Msg("Discarding cache entry with inconsistent metadata")
		_ = file.Close()
		if err = st.discard(id); err != nil {
			return nil, err
		}
		if file, err = st.storage.Open(id.FileName); err != nil {
			return nil, fmt.Errorf("open cache file for %s: %w", rawURL, err)
		}
		meta = s.NewMetadata(rawURL)
		idx = rangeindex.New()
	}

	log.Debug().Str("url", rawURL).Str("key", id.Key).Int("ranges", len(meta.Ranges)).Int64("length", meta.Length).Msg("Opened cache entry")

	return &Entry{
		ID:    id,
		URL:   rawURL,
		store: st,
		file:  file,
		index: idx,
		info:  s.ContentInfo{Length: meta.Length, ContentType: meta.ContentType},
	}, nil
}

// Peek reports the persisted state of rawURL without opening its byte file.
func (st *Store) Peek(rawURL string) (s.ContentInfo, *rangeindex.Index, error) {
	id := identity.Derive(rawURL)
	meta, err := st.metadata.Load(id.Key)
	if err != nil {
		return s.ContentInfo{}, nil, err
	}
	if identity.Normalize(meta.URL) != identity.Normalize(rawURL) {
		return s.ContentInfo{}, nil, e.ErrCorruptCache
	}
	idx, err := rangeindex.FromRanges(meta.Ranges)
	if err != nil {
		return s.ContentInfo{}, nil, fmt.Errorf("%w: %s", e.ErrCorruptCache, err.Error())
	}
	return s.ContentInfo{Length: meta.Length, ContentType: meta.ContentType}, idx, nil
}

// Remove drops the bytes and metadata of rawURL. The entry must not be open.
func (st *Store) Remove(rawURL string) error {
	return st.discard(identity.Derive(rawURL))
}

func (st *Store) discard(id identity.Identity) error {
	if err := st.metadata.Delete(id.Key); err != nil {
		return fmt.Errorf("delete metadata %s: %w", id.Key, err)
	}
	if err := st.storage.Delete(id.FileName); err != nil {
		return fmt.Errorf("delete cache file %s: %w", id.FileName, err)
	}
	return nil
}

// validate rebuilds the range index from meta and cross-checks it against the byte file.
func validate(rawURL string, meta s.Metadata, file s.CacheFile) (*rangeindex.Index, error) {
	if meta.URL != "" && identity.Normalize(meta.URL) != identity.Normalize(rawURL) {
		return nil, fmt.Errorf("%w: record belongs to %s", e.ErrCorruptCache, meta.URL)
	}
	if meta.Length < s.UnknownLength {
		return nil, fmt.Errorf("%w: negative length %d", e.ErrCorruptCache, meta.Length)
	}

	idx, err := rangeindex.FromRanges(meta.Ranges)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", e.ErrCorruptCache, err.Error())
	}
	if len(meta.Ranges) == 0 {
		return idx, nil
	}

	last := meta.Ranges[len(meta.Ranges)-1]
	if meta.Length != s.UnknownLength && last.End > meta.Length {
		return nil, fmt.Errorf("%w: range %s beyond length %d", e.ErrCorruptCache, last, meta.Length)
	}
	size, err := file.Size()
	if err != nil {
		return nil, err
	}
	if size < last.End {
		return nil, fmt.Errorf("%w: file holds %d bytes, index claims %d", e.ErrCorruptCache, size, last.End)
	}
	return idx, nil
}

// Entry is one open cached resource. All methods are safe for concurrent use.
type Entry struct {
	ID    identity.Identity
	URL   string
	store *Store
	file  s.CacheFile
	index *rangeindex.Index

	// writeMu makes a byte write and its index update one step
	writeMu sync.Mutex

	// flushMu keeps metadata snapshots landing in the order they were taken
	flushMu sync.Mutex

	mu        sync.RWMutex
	info      s.ContentInfo
	dirty     bool
	unflushed int64
	closed    bool
}

// Index is the live range index. Mutate it only through Write.
func (en *Entry) Index() *rangeindex.Index { return en.index }

func (en *Entry) Info() s.ContentInfo {
	en.mu.RLock()
	defer en.mu.RUnlock()
	return en.info
}

// Complete reports whether every byte of the resource is cached.
func (en *Entry) Complete() bool {
	return en.index.Complete(en.Info().Length)
}

// SetLength records the total size. Once set it can only be confirmed, never changed.
func (en *Entry) SetLength(length int64) error {
	if length < 0 {
		return fmt.Errorf("%w: negative length %d", e.ErrInconsistentResource, length)
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.info.Length == length {
		return nil
	}
	if en.info.Length != s.UnknownLength {
		return fmt.Errorf("%w: length %d, cached %d", e.ErrInconsistentResource, length, en.info.Length)
	}
	covered := en.index.Covered()
	if len(covered) > 0 && covered[len(covered)-1].End > length {
		return fmt.Errorf("%w: length %d shorter than cached bytes", e.ErrInconsistentResource, length)
	}
	en.info.Length = length
	en.dirty = true
	return nil
}

// SetContentType records the MIME type, with the same set-once rule as SetLength.
func (en *Entry) SetContentType(contentType string) error {
	if contentType == "" {
		return nil
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.info.ContentType == contentType {
		return nil
	}
	if en.info.ContentType != "" {
		return fmt.Errorf("%w: type %q, cached %q", e.ErrInconsistentResource, contentType, en.info.ContentType)
	}
	en.info.ContentType = contentType
	en.dirty = true
	return nil
}

// Read returns the cached bytes of r. It fails with e.ErrNotCovered unless the whole range is
// cached; classify first.
func (en *Entry) Read(r s.Range) ([]byte, error) {
	if r.Start < 0 || r.End < r.Start {
		return nil, e.ErrInvalidRange
	}
	if !en.index.Contains(r) {
		return nil, fmt.Errorf("%w: %s", e.ErrNotCovered, r)
	}
	buf := make([]byte, r.Len())
	if len(buf) == 0 {
		return buf, nil
	}
	if _, err := en.file.ReadAt(buf, r.Start); err != nil {
		return nil, fmt.Errorf("read cached %s: %w", r, err)
	}
	return buf, nil
}

// Write stores data at offset and, once it is durable, marks it cached.
func (en *Entry) Write(offset int64, data []byte) error {
	if offset < 0 {
		return e.ErrInvalidRange
	}
	if len(data) == 0 {
		return nil
	}
	r := s.Range{Start: offset, End: offset + int64(len(data))}

	en.mu.RLock()
	closed, length := en.closed, en.info.Length
	en.mu.RUnlock()
	if closed {
		return e.ErrClosed
	}
	if length != s.UnknownLength && r.End > length {
		return fmt.Errorf("%w: write %s past length %d", e.ErrInconsistentResource, r, length)
	}

	en.writeMu.Lock()
	en.mu.RLock()
	closed = en.closed
	en.mu.RUnlock()
	if closed {
		en.writeMu.Unlock()
		return e.ErrClosed
	}
	if _, err := en.file.WriteAt(data, offset); err != nil {
		en.writeMu.Unlock()
		return fmt.Errorf("write cache %s: %w", r, err)
	}
	if !en.store.noSync {
		if err := en.file.Sync(); err != nil {
			en.writeMu.Unlock()
			return fmt.Errorf("sync cache %s: %w", r, err)
		}
	}
	en.index.MarkWritten(r)
	en.writeMu.Unlock()

	en.mu.Lock()
	en.dirty = true
	en.unflushed += r.Len()
	flush := en.unflushed >= en.store.flushEvery
	en.mu.Unlock()

	if flush {
		return en.Flush()
	}
	return nil
}

// Flush persists the metadata record if anything changed since the last flush.
func (en *Entry) Flush() error {
	en.flushMu.Lock()
	defer en.flushMu.Unlock()

	en.mu.Lock()
	if !en.dirty {
		en.mu.Unlock()
		return nil
	}
	meta := s.Metadata{
		URL:         en.URL,
		Length:      en.info.Length,
		ContentType: en.info.ContentType,
		Ranges:      en.index.Covered(),
		UpdatedAt:   time.Now().UTC(),
	}
	en.dirty = false
	en.unflushed = 0
	en.mu.Unlock()

	if err := en.store.metadata.Save(en.ID.Key, meta); err != nil {
		en.mu.Lock()
		en.dirty = true
		en.mu.Unlock()
		return fmt.Errorf("save metadata for %s: %w", en.URL, err)
	}
	return nil
}

// Close flushes metadata and releases the byte file. Further writes fail with e.ErrClosed.
func (en *Entry) Close() error {
	en.mu.Lock()
	if en.closed {
		en.mu.Unlock()
		return nil
	}
	en.closed = true
	en.mu.Unlock()

	// wait out a write that raced the close
	en.writeMu.Lock()
	defer en.writeMu.Unlock()

	flushErr := en.Flush()
	if err := en.file.Close(); err != nil {
		return err
	}
	return flushErr
}
