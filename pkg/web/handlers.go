package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
	"github.com/terrycain/media-cache-server/pkg/asset"
	"github.com/terrycain/media-cache-server/pkg/identity"
	"github.com/terrycain/media-cache-server/pkg/utils"
)

// DefaultHandleTTL is how long an asset stays open after the last proxy request touched it, so
// read ahead and lingering fetches survive the gaps between player requests.
const DefaultHandleTTL = time.Minute

type Handlers struct {
	Cache          *asset.Cache
	NetworkTimeout time.Duration
	JWKS           *JWKS
	Debug          bool

	// mu serialises open and forget; parkedMu guards parked, which eviction callbacks touch
	mu       sync.Mutex
	handles  *ttlcache.Cache[string, *asset.Handle]
	parkedMu sync.Mutex
	parked   map[string]*asset.Handle
}

func NewHandlers(cache *asset.Cache, networkTimeout, handleTTL time.Duration) *Handlers {
	if handleTTL <= 0 {
		handleTTL = DefaultHandleTTL
	}
	h := &Handlers{
		Cache:          cache,
		NetworkTimeout: networkTimeout,
		handles: ttlcache.New[string, *asset.Handle](
			ttlcache.WithTTL[string, *asset.Handle](handleTTL),
		),
		parked: make(map[string]*asset.Handle),
	}
	h.handles.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *asset.Handle]) {
		h.unpark(item.Key(), item.Value())
		if err := item.Value().Close(); err != nil {
			log.Warn().Err(err).Str("url", item.Value().URL()).Msg("Failed to close idle asset")
		}
	})
	go h.handles.Start()
	return h
}

func (h *Handlers) unpark(key string, handle *asset.Handle) {
	h.parkedMu.Lock()
	defer h.parkedMu.Unlock()
	if h.parked[key] == handle {
		delete(h.parked, key)
	}
}

// Close stops the idle timer and closes every asset kept open for the proxy.
func (h *Handlers) Close() {
	h.handles.Stop()
	h.handles.DeleteAll()

	// eviction callbacks run asynchronously, Close is idempotent so close parked handles here too
	h.parkedMu.Lock()
	parked := h.parked
	h.parked = make(map[string]*asset.Handle)
	h.parkedMu.Unlock()
	for _, handle := range parked {
		_ = handle.Close()
	}
}

// open returns a handle for one proxy request. The first request for a resource also parks a
// handle in the registry, which keeps the coordinator alive until the resource goes idle.
func (h *Handlers) open(rawURL string) (*asset.Handle, error) {
	key := identity.Derive(rawURL).Key

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handles.Get(key) == nil {
		// an expired item may still be parked, evict it so its handle is closed
		h.handles.Delete(key)
		keepAlive, err := h.Cache.Open(rawURL, asset.Options{}, h.NetworkTimeout)
		if err != nil {
			return nil, err
		}
		h.handles.Set(key, keepAlive, ttlcache.DefaultTTL)
		h.parkedMu.Lock()
		h.parked[key] = keepAlive
		h.parkedMu.Unlock()
	}
	return h.Cache.Open(rawURL, asset.Options{}, h.NetworkTimeout)
}

func (h *Handlers) forget(rawURL string) {
	key := identity.Derive(rawURL).Key

	h.mu.Lock()
	defer h.mu.Unlock()
	h.handles.Delete(key)

	// Eviction callbacks may run later, close the parked handle here so it is gone on return
	h.parkedMu.Lock()
	handle, ok := h.parked[key]
	delete(h.parked, key)
	h.parkedMu.Unlock()
	if ok {
		_ = handle.Close()
	}
}

func requireURL(c *gin.Context) (string, bool) {
	rawURL := c.Query("url")
	if rawURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing url query parameter"})
		return "", false
	}
	if _, err := url.Parse(rawURL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid url query parameter"})
		return "", false
	}
	return rawURL, true
}

// Proxy serves GET and HEAD for a remote resource through the cache, honouring a single range
// in the Range header.
func (h *Handlers) Proxy(c *gin.Context) {
	rawURL, ok := requireURL(c)
	if !ok {
		return
	}

	handle, err := h.open(rawURL)
	if err != nil {
		failed(c, err, rawURL, "Failed to open asset")
		return
	}
	defer handle.Close()

	ctx := c.Request.Context()
	info, err := handle.RequestContentInfo(ctx)
	if err != nil {
		failed(c, err, rawURL, "Failed to get content information")
		return
	}

	status := http.StatusOK
	offset, length := int64(0), info.Length
	if header := c.GetHeader("Range"); header != "" {
		byteRange, err := utils.ParseRange(header)
		switch {
		case errors.Is(err, utils.ErrMultiRange):
			// Answering with the whole resource is allowed for multiple ranges
		case err != nil:
			rangeNotSatisfiable(c, info.Length)
			return
		default:
			if offset, length, err = byteRange.Resolve(info.Length); err != nil {
				rangeNotSatisfiable(c, info.Length)
				return
			}
			status = http.StatusPartialContent
		}
	}

	if length < 0 {
		// Nothing bounds an open ended read when the origin never reported the total length
		log.Warn().Str("url", rawURL).Int64("offset", offset).Msg("Open ended read on a resource of unknown length")
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "origin did not report the resource length, request a closed byte range",
			"kind":  "unknown_length",
		})
		return
	}

	writeHeaders := func() {
		c.Header("Accept-Ranges", "bytes")
		c.Header("Content-Type", info.ContentType)
		c.Header("Content-Length", strconv.FormatInt(length, 10))
		if status == http.StatusPartialContent {
			c.Header("Content-Range", utils.FormatContentRange(offset, offset+length, info.Length))
		}
		c.Status(status)
	}

	if c.Request.Method == http.MethodHead {
		writeHeaders()
		return
	}

	req, err := handle.RequestBytes(ctx, offset, length)
	if err != nil {
		failed(c, err, rawURL, "Failed to request bytes")
		return
	}
	// Wait for the first chunk so early failures still get a proper status
	chunk, err := req.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		failed(c, err, rawURL, "Failed to load bytes")
		return
	}
	writeHeaders()

	for err == nil {
		if _, writeErr := c.Writer.Write(chunk); writeErr != nil {
			log.Debug().Err(writeErr).Str("url", rawURL).Msg("Client went away")
			req.Cancel()
			return
		}
		chunk, err = req.Next()
	}
	if !errors.Is(err, io.EOF) {
		log.Warn().Err(err).Str("url", rawURL).Int64("offset", offset).Msg("Response cut short")
		_ = c.Error(err)
		c.Abort()
	}
}

func rangeNotSatisfiable(c *gin.Context, size int64) {
	if size >= 0 {
		c.Header("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
	}
	c.JSON(http.StatusRequestedRangeNotSatisfiable, gin.H{"error": "range not satisfiable"})
}

// Status reports what the cache holds for a resource.
func (h *Handlers) Status(c *gin.Context) {
	rawURL, ok := requireURL(c)
	if !ok {
		return
	}

	status, err := h.Cache.Status(rawURL)
	if err != nil {
		failed(c, err, rawURL, "Failed to get cache status")
		return
	}
	status.ProxyURL = proxyURL(c, rawURL)
	c.JSON(http.StatusOK, status)
}

func proxyURL(c *gin.Context, rawURL string) string {
	u := url.URL{
		Scheme:   c.Request.URL.Scheme,
		Host:     c.Request.Host,
		Path:     "/proxy",
		RawQuery: url.Values{"url": []string{rawURL}}.Encode(),
	}
	return u.String()
}

// Remove drops a resource from the cache. It fails with 409 while a proxy response for the
// resource is still streaming.
func (h *Handlers) Remove(c *gin.Context) {
	rawURL, ok := requireURL(c)
	if !ok {
		return
	}

	h.forget(rawURL)
	if err := h.Cache.Remove(rawURL); err != nil {
		failed(c, err, rawURL, "Failed to remove cache entry")
		return
	}
	log.Info().Str("url", rawURL).Msg("Removed cache entry")
	c.Data(http.StatusNoContent, gin.MIMEJSON, nil)
}
