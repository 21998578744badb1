// Package asset is the surface a media player loads through. A Cache hands out Handles, one per
// open asset, and every Handle for the same resource shares one coordinator so overlapping reads
// from several players are fetched once.
package asset

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/terrycain/media-cache-server/pkg/coordinator"
	"github.com/terrycain/media-cache-server/pkg/delegate"
	"github.com/terrycain/media-cache-server/pkg/e"
	"github.com/terrycain/media-cache-server/pkg/identity"
	"github.com/terrycain/media-cache-server/pkg/s"
	"github.com/terrycain/media-cache-server/pkg/store"
)

type Config struct {
	Store   *store.Store
	Fetcher coordinator.Fetcher
	Bridge  *delegate.Bridge
	// Header is sent with every origin request, under the per-asset Options.
	Header       http.Header
	ReadAhead    int64
	CancelLinger time.Duration
	ChunkSize    int64
}

// Options customise the origin requests of one asset.
type Options struct {
	Header      http.Header
	Username    string
	Password    string
	BearerToken string
}

func (o Options) header(base http.Header) http.Header {
	out := delegate.MergeHeader(base, o.Header)
	switch {
	case o.BearerToken != "":
		out.Set("Authorization", "Bearer "+o.BearerToken)
	case o.Username != "" || o.Password != "":
		creds := base64.StdEncoding.EncodeToString([]byte(o.Username + ":" + o.Password))
		out.Set("Authorization", "Basic "+creds)
	}
	return out
}

type sharedCoordinator struct {
	coord *coordinator.Coordinator
	refs  int
}

type Cache struct {
	cfg Config

	mu     sync.Mutex
	open   map[string]*sharedCoordinator
	closed bool
}

func New(cfg Config) (*Cache, error) {
	if cfg.Store == nil || cfg.Fetcher == nil {
		return nil, errors.New("store and fetcher are required")
	}
	return &Cache{cfg: cfg, open: make(map[string]*sharedCoordinator)}, nil
}

// Open returns a handle on rawURL. networkTimeout bounds every fetch for the asset, zero means
// the fetcher default. While other handles on the same resource are open the new handle joins
// their coordinator, and the options and timeout of the first handle stay in force.
func (c *Cache) Open(rawURL string, opts Options, networkTimeout time.Duration) (*Handle, error) {
	key := identity.Derive(rawURL).Key

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, e.ErrClosed
	}

	shared, ok := c.open[key]
	if !ok {
		entry, err := c.cfg.Store.Open(rawURL)
		if err != nil {
			return nil, err
		}
		coord, err := coordinator.New(entry, coordinator.Config{
			Fetcher:      c.cfg.Fetcher,
			Bridge:       c.cfg.Bridge,
			Header:       opts.header(c.cfg.Header),
			Timeout:      networkTimeout,
			ReadAhead:    c.cfg.ReadAhead,
			CancelLinger: c.cfg.CancelLinger,
			ChunkSize:    c.cfg.ChunkSize,
		})
		if err != nil {
			_ = entry.Close()
			return nil, err
		}
		shared = &sharedCoordinator{coord: coord}
		c.open[key] = shared
		log.Debug().Str("url", rawURL).Str("key", key).Msg("Opened asset")
	}
	shared.refs++

	return &Handle{
		url:      rawURL,
		key:      key,
		cache:    c,
		coord:    shared.coord,
		requests: make(map[string]*coordinator.Request),
	}, nil
}

func (c *Cache) release(key string) error {
	c.mu.Lock()
	shared, ok := c.open[key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	shared.refs--
	if shared.refs > 0 {
		c.mu.Unlock()
		return nil
	}
	delete(c.open, key)
	c.mu.Unlock()

	log.Debug().Str("url", shared.coord.URL()).Str("key", key).Msg("Closing asset")
	return shared.coord.Close()
}

// CachedFileName is the name of the file holding the bytes of rawURL.
func (c *Cache) CachedFileName(rawURL string) string {
	return identity.FileName(rawURL)
}

// CachedFilePath is where the bytes of rawURL are, or will be, stored.
func (c *Cache) CachedFilePath(rawURL string) (string, error) {
	return c.cfg.Store.FilePath(rawURL)
}

// IsCached reports whether every byte of rawURL is in the cache.
func (c *Cache) IsCached(rawURL string) bool {
	if coord := c.lookup(rawURL); coord != nil {
		return coord.Complete()
	}
	info, idx, err := c.cfg.Store.Peek(rawURL)
	if err != nil {
		if !errors.Is(err, e.ErrNotFound) {
			log.Warn().Err(err).Str("url", rawURL).Msg("Failed to read cache metadata")
		}
		return false
	}
	return idx.Complete(info.Length)
}

// Status summarises the cache state of rawURL.
func (c *Cache) Status(rawURL string) (s.Status, error) {
	filePath, err := c.CachedFilePath(rawURL)
	if err != nil {
		return s.Status{}, err
	}
	status := s.Status{
		URL:      rawURL,
		FileName: c.CachedFileName(rawURL),
		FilePath: filePath,
	}

	if coord := c.lookup(rawURL); coord != nil {
		status.Cached = coord.Complete()
		status.CachedPercent = coord.CachedPercent()
		return status, nil
	}
	info, idx, err := c.cfg.Store.Peek(rawURL)
	switch {
	case errors.Is(err, e.ErrNotFound):
		return status, nil
	case err != nil:
		return s.Status{}, err
	}
	status.Cached = idx.Complete(info.Length)
	if info.Length > 0 {
		status.CachedPercent = float64(idx.CoveredBytes()) * 100 / float64(info.Length)
	}
	return status, nil
}

// Remove discards the cached bytes and metadata of rawURL. It fails with e.ErrInUse while a
// handle on the resource is open.
func (c *Cache) Remove(rawURL string) error {
	key := identity.Derive(rawURL).Key
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.open[key]; ok {
		return fmt.Errorf("%w: %s", e.ErrInUse, rawURL)
	}
	return c.cfg.Store.Remove(rawURL)
}

// Close shuts every coordinator down. Handles still open fail with e.ErrClosed.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	open := c.open
	c.open = make(map[string]*sharedCoordinator)
	c.mu.Unlock()

	var firstErr error
	for _, shared := range open {
		if err := shared.coord.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Cache) lookup(rawURL string) *coordinator.Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	if shared, ok := c.open[identity.Derive(rawURL).Key]; ok {
		return shared.coord
	}
	return nil
}

// Handle is one open asset. It implements the loading protocol of the player.
type Handle struct {
	url   string
	key   string
	cache *Cache
	coord *coordinator.Coordinator

	mu       sync.Mutex
	requests map[string]*coordinator.Request
	closed   bool
}

func (h *Handle) URL() string { return h.url }

func (h *Handle) RequestContentInfo(ctx context.Context) (s.ContentInfo, error) {
	if h.isClosed() {
		return s.ContentInfo{}, e.ErrClosed
	}
	return h.coord.ContentInfo(ctx)
}

// RequestBytes starts loading length bytes at offset, or up to the end when length is -1. The
// request is tracked until it finishes so Cancel can find it by ID.
func (h *Handle) RequestBytes(ctx context.Context, offset, length int64) (*coordinator.Request, error) {
	if h.isClosed() {
		return nil, e.ErrClosed
	}
	// May probe the origin, so h.mu is not held here
	req, err := h.coord.RequestBytes(ctx, offset, length)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		req.Cancel()
		return nil, e.ErrClosed
	}
	h.requests[req.ID] = req
	go func() {
		<-req.Done()
		h.mu.Lock()
		delete(h.requests, req.ID)
		h.mu.Unlock()
	}()
	return req, nil
}

// Cancel withdraws the request with the given ID. It reports false when no such request is
// outstanding.
func (h *Handle) Cancel(requestID string) bool {
	h.mu.Lock()
	req, ok := h.requests[requestID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	req.Cancel()
	return true
}

// Outstanding is the number of requests that have not finished yet.
func (h *Handle) Outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

func (h *Handle) CachedPercent() float64 { return h.coord.CachedPercent() }

func (h *Handle) IsCached() bool { return h.coord.Complete() }

// Close cancels the outstanding requests of this handle and lets go of the coordinator.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	pending := make([]*coordinator.Request, 0, len(h.requests))
	for _, req := range h.requests {
		pending = append(pending, req)
	}
	h.mu.Unlock()

	for _, req := range pending {
		req.Cancel()
	}
	return h.cache.release(h.key)
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
